package queue

import (
	"testing"
	"time"

	"github.com/nuetzliches/eventpipe/internal/payload"
)

func TestMemoryStore_MalformedRecordDroppedDuringClaim(t *testing.T) {
	s := NewMemoryStore()

	good, err := s.Enqueue(payload.Payload{Stream: "s"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	bad, err := s.Enqueue(payload.Payload{Stream: "s"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	s.mu.Lock()
	s.items[bad].Payload = []byte("{not json")
	s.mu.Unlock()

	claim, err := s.ClaimPending()
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.Malformed != 1 {
		t.Fatalf("malformed=%d, want 1", claim.Malformed)
	}
	if got := claim.IDs(); len(got) != 1 || got[0] != good {
		t.Fatalf("claimed=%v, want [%d]", got, good)
	}
	if got := len(s.Records()); got != 1 {
		t.Fatalf("records=%d, want 1", got)
	}
}

func TestMemoryStore_RecordsTrackRetryAndClaim(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	s := NewMemoryStore(WithNowFunc(func() time.Time { return now }), WithDefaultStream("fallback"))

	id, err := s.Enqueue(payload.Payload{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claim, err := s.ClaimPending()
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	r := s.Records()[0]
	if r.ID != id || r.Stream != "fallback" || r.ClaimID != claim.ID || !r.CreatedAt.Equal(now) {
		t.Fatalf("record=%+v", r)
	}
	if _, err := s.ResolveFailure([]int64{id}); err != nil {
		t.Fatalf("resolve failure: %v", err)
	}
	r = s.Records()[0]
	if r.RetryCount != 1 || r.Status != StatusPending || r.ClaimID != "" {
		t.Fatalf("record after failure=%+v", r)
	}
}

func TestNormalizeIDs(t *testing.T) {
	got := normalizeIDs([]int64{5, 0, 3, 5, -1, 3, 9})
	want := []int64{3, 5, 9}
	if len(got) != len(want) {
		t.Fatalf("normalizeIDs=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("normalizeIDs=%v, want %v", got, want)
		}
	}
	if normalizeIDs(nil) != nil {
		t.Fatalf("normalizeIDs(nil) should be nil")
	}
}

func TestChunkIDs(t *testing.T) {
	chunks := chunkIDs([]int64{1, 2, 3, 4, 5}, 2)
	if len(chunks) != 3 || len(chunks[2]) != 1 || chunks[2][0] != 5 {
		t.Fatalf("chunks=%v", chunks)
	}
	if got := chunkIDs(nil, 2); len(got) != 0 {
		t.Fatalf("chunks of nil=%v, want empty", got)
	}
}
