package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
)

// Delivery is one outgoing exchange: every cleaned, serialized payload of a
// single stream, in submission order.
type Delivery struct {
	Stream string
	Items  []json.RawMessage
}

// Body renders the items as a JSON array.
func (d Delivery) Body() []byte {
	var buf bytes.Buffer
	buf.Grow(2 + len(d.Items)*64)
	buf.WriteByte('[')
	for i, item := range d.Items {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(item)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// Result reports one delivery exchange. StatusCode 0 means the exchange failed
// locally (dns, timeout, malformed url) and never counts as success.
type Result struct {
	StatusCode int
	Body       []byte
	Err        error
}

// OK reports whether the collector accepted the delivery: no local error and a
// status code in [1, 399].
func (r Result) OK() bool {
	return r.Err == nil && r.StatusCode >= 1 && r.StatusCode <= 399
}

// JSON decodes the response body for diagnostics.
func (r Result) JSON() (any, error) {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(r.Body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) Result
}

type DelivererFunc func(ctx context.Context, d Delivery) Result

func (f DelivererFunc) Deliver(ctx context.Context, d Delivery) Result {
	return f(ctx, d)
}
