package payload

// Event is a custom tracked event or a screen view.
type Event struct {
	Stream      string `json:"stream,omitempty"`
	Name        string `json:"name,omitempty"`
	Identifiers Map    `json:"identifiers,omitempty"`
	Properties  Map    `json:"properties,omitempty"`
}

// IdentityEvent updates the current user and optionally emits an event.
type IdentityEvent struct {
	Stream      string `json:"stream,omitempty"`
	Name        string `json:"name,omitempty"`
	Identifiers Map    `json:"identifiers,omitempty"`
	Attributes  Map    `json:"attributes,omitempty"`
	SendEvent   bool   `json:"send_event,omitempty"`
}

// ConsentEvent records explicit user consent and optionally emits an event.
type ConsentEvent struct {
	Stream      string `json:"stream,omitempty"`
	Name        string `json:"name,omitempty"`
	Identifiers Map    `json:"identifiers,omitempty"`
	Attributes  Map    `json:"attributes,omitempty"`
	Consent     Map    `json:"consent,omitempty"`
	SendEvent   bool   `json:"send_event,omitempty"`
}

func nameData(name string) Map {
	if name == "" {
		return nil
	}
	return Map{KeyEventName: String(name)}
}

func FromEvent(e Event, defaultStream string) Payload {
	return Payload{
		Stream:      Streamify(e.Stream, defaultStream),
		Data:        nameData(e.Name),
		Identifiers: e.Identifiers.Clone(),
		Properties:  e.Properties.Clone(),
	}
}

func FromIdentity(e IdentityEvent, defaultStream string) Payload {
	return Payload{
		Stream:      Streamify(e.Stream, defaultStream),
		Data:        nameData(e.Name),
		Identifiers: e.Identifiers.Clone(),
		Attributes:  e.Attributes.Clone(),
	}
}

func FromConsent(e ConsentEvent, defaultStream string) Payload {
	return Payload{
		Stream:      Streamify(e.Stream, defaultStream),
		Data:        nameData(e.Name),
		Identifiers: e.Identifiers.Clone(),
		Attributes:  e.Attributes.Clone(),
		Consent:     e.Consent.Clone(),
	}
}
