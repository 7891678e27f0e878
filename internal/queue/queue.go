package queue

import (
	"errors"
	"sort"
	"time"

	"github.com/nuetzliches/eventpipe/internal/payload"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
)

const DefaultMaxRetryAttempts = 3

var ErrStoreClosed = errors.New("store is closed")

// Store is the durable event queue. Records move pending -> processing only
// through ClaimPending, and leave processing through ResolveSuccess (deleted)
// or ResolveFailure (requeued or evicted).
type Store interface {
	Enqueue(p payload.Payload) (int64, error)
	PendingCount() (int, error)
	ClaimPending() (Claim, error)
	ResolveSuccess(ids []int64) (int, error)
	ResolveFailure(ids []int64) (Resolution, error)
	Clear() (int, error)
	// RecoverProcessing returns records stranded in processing by a previous
	// process back to pending without touching their retry counts.
	RecoverProcessing() (int, error)
	Stats() (Stats, error)
	Close() error
}

// Claim is the result of one atomic claim. Malformed counts persisted records
// that failed to decode and were dropped inside the same transaction.
type Claim struct {
	ID        string
	Items     []payload.Payload
	Malformed int
}

func (c Claim) IDs() []int64 {
	return payload.IDs(c.Items)
}

type Resolution struct {
	Requeued int
	Evicted  int
}

type Stats struct {
	Pending       int            `json:"pending"`
	Processing    int            `json:"processing"`
	OldestPending time.Time      `json:"oldest_pending,omitzero"`
	ByStream      map[string]int `json:"by_stream,omitempty"`
}

// Record is the persisted row as exposed to diagnostics.
type Record struct {
	ID         int64
	Stream     string
	Payload    []byte
	Status     Status
	RetryCount int
	ClaimID    string
	CreatedAt  time.Time
}

func normalizeIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func chunkIDs(ids []int64, size int) [][]int64 {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]int64
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

func encodePayload(p payload.Payload) ([]byte, error) {
	return p.MarshalJSON()
}
