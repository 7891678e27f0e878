package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaDeliverer_OneMessagePerPayload(t *testing.T) {
	w := &fakeWriter{}
	d := NewKafkaDeliverer(w, "events.")
	at := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	d.Now = func() time.Time { return at }

	res := d.Deliver(context.Background(), Delivery{
		Stream: "web",
		Items:  []json.RawMessage{json.RawMessage(`{"_e":"a"}`), json.RawMessage(`{"_e":"b"}`)},
	})
	if !res.OK() || res.StatusCode != http.StatusAccepted {
		t.Fatalf("result=%+v, want 202", res)
	}
	if len(w.msgs) != 2 {
		t.Fatalf("messages=%d, want 2", len(w.msgs))
	}
	for i, m := range w.msgs {
		if m.Topic != "events.web" || string(m.Key) != "web" || !m.Time.Equal(at) {
			t.Fatalf("message %d=%+v", i, m)
		}
	}
	if string(w.msgs[1].Value) != `{"_e":"b"}` {
		t.Fatalf("second value=%s", w.msgs[1].Value)
	}

	if err := d.Close(); err != nil || !w.closed {
		t.Fatalf("close err=%v closed=%v", err, w.closed)
	}
}

func TestKafkaDeliverer_WriteErrorIsLocalFailure(t *testing.T) {
	d := NewKafkaDeliverer(&fakeWriter{err: errors.New("leader not available")}, "")
	res := d.Deliver(context.Background(), Delivery{Stream: "s", Items: []json.RawMessage{json.RawMessage(`{}`)}})
	if res.OK() || res.StatusCode != 0 || res.Err == nil {
		t.Fatalf("result=%+v, want local failure", res)
	}
}

func TestNewKafkaWriter_Defaults(t *testing.T) {
	w := NewKafkaWriter(KafkaConfig{Brokers: []string{"localhost:9092"}})
	defer w.Close()
	if w.RequiredAcks != kafka.RequireAll {
		t.Fatalf("acks=%v, want all", w.RequiredAcks)
	}
	if w.WriteTimeout != 10*time.Second || w.MaxAttempts != 1 {
		t.Fatalf("timeout=%s attempts=%d", w.WriteTimeout, w.MaxAttempts)
	}
	if w.Topic != "" {
		t.Fatalf("writer topic=%q, want per-message topics", w.Topic)
	}
}
