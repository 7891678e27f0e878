package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Reserved top-level keys. Data entries with these names are never inlined
// because the nested mappings own them.
const (
	KeyIdentifiers = "identifiers"
	KeyAttributes  = "attributes"
	KeyProperties  = "properties"
	KeyConsent     = "consent"
)

// Well-known data keys. The event name travels as eventName; _e is the
// collector's event type marker, set to sc for screen views.
const (
	KeyEventName        = "eventName"
	KeyEventType        = "_e"
	KeyTimestamp        = "_ts"
	KeySessionStart     = "_sesstart"
	ScreenEventType     = "sc"
	SessionStartFlag    = "1"
	DefaultStream       = "go_sdk"
	AnonymousIdentifier = "_uid"
	AdvertisingID       = "_advid"
)

var ErrMalformed = errors.New("malformed payload")

// Payload is the unit of queued work. ID is assigned by the queue store on
// insert; zero means the payload has not been persisted.
type Payload struct {
	ID          int64
	Stream      string
	Data        Map
	Identifiers Map
	Attributes  Map
	Properties  Map
	Consent     Map
}

func isReserved(key string) bool {
	switch key {
	case KeyIdentifiers, KeyAttributes, KeyProperties, KeyConsent:
		return true
	}
	return false
}

// Clean returns a copy with null and blank string entries removed from every
// mapping. Mappings left empty become nil.
func (p Payload) Clean() Payload {
	p.Data = p.Data.cleaned()
	p.Identifiers = p.Identifiers.cleaned()
	p.Attributes = p.Attributes.cleaned()
	p.Properties = p.Properties.cleaned()
	p.Consent = p.Consent.cleaned()
	return p
}

// Object returns the wire form: data keys inlined, non-empty mappings nested
// under their reserved keys.
func (p Payload) Object() Map {
	out := make(Map, len(p.Data)+4)
	for k, v := range p.Data {
		if isReserved(k) {
			continue
		}
		out[k] = v
	}
	nest := func(key string, m Map) {
		if len(m) == 0 {
			return
		}
		out[key] = MapOf(m)
	}
	nest(KeyIdentifiers, p.Identifiers)
	nest(KeyAttributes, p.Attributes)
	nest(KeyProperties, p.Properties)
	nest(KeyConsent, p.Consent)
	return out
}

func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]Value(p.Object()))
}

// Serialize is MarshalJSON without the error for payloads built from Values,
// which always encode.
func (p Payload) Serialize() []byte {
	b, err := p.MarshalJSON()
	if err != nil {
		return []byte("{}")
	}
	return b
}

// Decode rebuilds a payload from its serialized form. Reserved keys whose
// value is not an object are dropped.
func Decode(id int64, stream string, raw []byte) (Payload, error) {
	p := Payload{ID: id, Stream: stream}
	if len(bytes.TrimSpace(raw)) == 0 {
		return p, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if obj == nil {
		return Payload{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	if dec.More() {
		return Payload{}, fmt.Errorf("%w: trailing data", ErrMalformed)
	}

	data := make(Map, len(obj))
	for k, v := range obj {
		if !isReserved(k) {
			data[k] = FromAny(v)
			continue
		}
		nested, ok := v.(map[string]any)
		if !ok {
			continue
		}
		m := MapFromAny(nested)
		switch k {
		case KeyIdentifiers:
			p.Identifiers = m
		case KeyAttributes:
			p.Attributes = m
		case KeyProperties:
			p.Properties = m
		case KeyConsent:
			p.Consent = m
		}
	}
	if len(data) > 0 {
		p.Data = data
	}
	return p, nil
}

// Streamify normalizes a stream name: surrounding whitespace is trimmed and
// every inner whitespace run becomes a single underscore. An empty result
// falls back to fallback, and then to DefaultStream.
func Streamify(stream, fallback string) string {
	if s := strings.Join(strings.Fields(stream), "_"); s != "" {
		return s
	}
	if s := strings.Join(strings.Fields(fallback), "_"); s != "" {
		return s
	}
	return DefaultStream
}

// IDs returns the persisted ids of items, skipping unpersisted payloads.
func IDs(items []Payload) []int64 {
	out := make([]int64, 0, len(items))
	for _, p := range items {
		if p.ID > 0 {
			out = append(out, p.ID)
		}
	}
	return out
}
