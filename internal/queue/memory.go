package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nuetzliches/eventpipe/internal/payload"
)

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithMaxRetryAttempts(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n >= 0 {
			s.maxRetryAttempts = n
		}
	}
}

func WithDefaultStream(stream string) MemoryOption {
	return func(s *MemoryStore) {
		s.defaultStream = stream
	}
}

// MemoryStore keeps records in process memory. A single mutex serializes
// every mutation, which makes claims atomic.
type MemoryStore struct {
	mu               sync.Mutex
	nowFn            func() time.Time
	items            map[int64]*Record
	nextID           int64
	maxRetryAttempts int
	defaultStream    string
	closed           bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		nowFn:            time.Now,
		items:            make(map[int64]*Record),
		maxRetryAttempts: DefaultMaxRetryAttempts,
		defaultStream:    payload.DefaultStream,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) Enqueue(p payload.Payload) (int64, error) {
	p.Stream = payload.Streamify(p.Stream, s.defaultStream)
	raw, err := encodePayload(p)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	s.nextID++
	id := s.nextID
	s.items[id] = &Record{
		ID:        id,
		Stream:    p.Stream,
		Payload:   raw,
		Status:    StatusPending,
		CreatedAt: s.nowFn().UTC(),
	}
	return id, nil
}

func (s *MemoryStore) PendingCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	n := 0
	for _, r := range s.items {
		if r.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ClaimPending() (Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Claim{}, ErrStoreClosed
	}

	claim := Claim{ID: uuid.NewString()}
	for _, id := range s.sortedIDsLocked() {
		r := s.items[id]
		if r.Status != StatusPending {
			continue
		}
		p, err := payload.Decode(r.ID, r.Stream, r.Payload)
		if err != nil {
			delete(s.items, id)
			claim.Malformed++
			continue
		}
		r.Status = StatusProcessing
		r.ClaimID = claim.ID
		claim.Items = append(claim.Items, p)
	}
	return claim, nil
}

func (s *MemoryStore) ResolveSuccess(ids []int64) (int, error) {
	ids = normalizeIDs(ids)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	deleted := 0
	for _, id := range ids {
		r, ok := s.items[id]
		if !ok || r.Status != StatusProcessing {
			continue
		}
		delete(s.items, id)
		deleted++
	}
	return deleted, nil
}

func (s *MemoryStore) ResolveFailure(ids []int64) (Resolution, error) {
	ids = normalizeIDs(ids)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Resolution{}, ErrStoreClosed
	}
	var res Resolution
	for _, id := range ids {
		r, ok := s.items[id]
		if !ok || r.Status != StatusProcessing {
			continue
		}
		if r.RetryCount+1 > s.maxRetryAttempts {
			delete(s.items, id)
			res.Evicted++
			continue
		}
		r.Status = StatusPending
		r.RetryCount++
		r.ClaimID = ""
		res.Requeued++
	}
	return res, nil
}

func (s *MemoryStore) Clear() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	n := len(s.items)
	s.items = make(map[int64]*Record)
	return n, nil
}

func (s *MemoryStore) RecoverProcessing() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	n := 0
	for _, r := range s.items {
		if r.Status == StatusProcessing {
			r.Status = StatusPending
			r.ClaimID = ""
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Stats{}, ErrStoreClosed
	}
	st := Stats{ByStream: make(map[string]int)}
	for _, r := range s.items {
		switch r.Status {
		case StatusPending:
			st.Pending++
			st.ByStream[r.Stream]++
			if st.OldestPending.IsZero() || r.CreatedAt.Before(st.OldestPending) {
				st.OldestPending = r.CreatedAt
			}
		case StatusProcessing:
			st.Processing++
		}
	}
	return st, nil
}

// Records returns a snapshot of every record ordered by id.
func (s *MemoryStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.items))
	for _, id := range s.sortedIDsLocked() {
		out = append(out, *s.items[id])
	}
	return out
}

func (s *MemoryStore) sortedIDsLocked() []int64 {
	ids := make([]int64, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
