package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nuetzliches/eventpipe/internal/payload"
)

type PostgresOption func(*PostgresStore)

type PostgresStore struct {
	db     *sql.DB
	closed atomic.Bool

	mu               sync.Mutex
	nowFn            func() time.Time
	maxRetryAttempts int
	defaultStream    string
}

var _ Store = (*PostgresStore)(nil)

// payload stays TEXT: jsonb would reorder keys and reject the malformed rows
// ClaimPending has to be able to drop.
const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS events (
  id          BIGSERIAL PRIMARY KEY,
  stream      TEXT NOT NULL,
  payload     TEXT NOT NULL,
  status      TEXT NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0,
  claim_id    TEXT,
  created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_status_id
  ON events(status, id);
CREATE INDEX IF NOT EXISTS idx_events_claim_id
  ON events(claim_id);
`

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithPostgresMaxRetryAttempts(n int) PostgresOption {
	return func(s *PostgresStore) {
		if n >= 0 {
			s.maxRetryAttempts = n
		}
	}
}

func WithPostgresDefaultStream(stream string) PostgresOption {
	return func(s *PostgresStore) {
		s.defaultStream = stream
	}
}

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &PostgresStore{
		db:               db,
		nowFn:            time.Now,
		maxRetryAttempts: DefaultMaxRetryAttempts,
		defaultStream:    payload.DefaultStream,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.ExecContext(context.Background(), postgresSchemaV1); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil || s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) usable() bool {
	return s != nil && s.db != nil && !s.closed.Load()
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if !s.usable() {
		return ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) Enqueue(p payload.Payload) (int64, error) {
	if !s.usable() {
		return 0, ErrStoreClosed
	}
	p.Stream = payload.Streamify(p.Stream, s.defaultStream)
	raw, err := encodePayload(p)
	if err != nil {
		return 0, fmt.Errorf("postgres: encode payload: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(context.Background(), `
INSERT INTO events (stream, payload, status, retry_count, created_at)
VALUES ($1, $2, $3, 0, $4)
RETURNING id
`,
		p.Stream,
		string(raw),
		string(StatusPending),
		s.now().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert event: %w", mapPostgresError(err))
	}
	return id, nil
}

func (s *PostgresStore) PendingCount() (int, error) {
	if !s.usable() {
		return 0, ErrStoreClosed
	}
	var n int
	if err := s.db.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM events WHERE status = $1`, string(StatusPending),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: pending count: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ClaimPending() (Claim, error) {
	ctx := context.Background()
	claim := Claim{ID: uuid.NewString()}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT id, stream, payload
FROM events
WHERE status = $1
ORDER BY id ASC
FOR UPDATE SKIP LOCKED
`, string(StatusPending))
		if err != nil {
			return err
		}

		var claimed, malformed []int64
		items := make([]payload.Payload, 0)
		for rows.Next() {
			var (
				id     int64
				stream string
				raw    string
			)
			if err := rows.Scan(&id, &stream, &raw); err != nil {
				_ = rows.Close()
				return err
			}
			p, err := payload.Decode(id, stream, []byte(raw))
			if err != nil {
				malformed = append(malformed, id)
				continue
			}
			claimed = append(claimed, id)
			items = append(items, p)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		if err := rows.Close(); err != nil {
			return err
		}

		if len(malformed) > 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ANY($1)`, malformed); err != nil {
				return err
			}
		}
		if len(claimed) > 0 {
			if _, err := tx.ExecContext(ctx, `
UPDATE events
SET status = $1, claim_id = $2
WHERE status = $3 AND id = ANY($4)
`, string(StatusProcessing), claim.ID, string(StatusPending), claimed); err != nil {
				return err
			}
		}

		claim.Items = items
		claim.Malformed = len(malformed)
		return nil
	})
	if err != nil {
		return Claim{}, fmt.Errorf("postgres: claim pending: %w", err)
	}
	return claim, nil
}

func (s *PostgresStore) ResolveSuccess(ids []int64) (int, error) {
	ids = normalizeIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	ctx := context.Background()
	deleted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM events WHERE status = $1 AND id = ANY($2)`, string(StatusProcessing), ids,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = int(n)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("postgres: resolve success: %w", err)
	}
	return deleted, nil
}

func (s *PostgresStore) ResolveFailure(ids []int64) (Resolution, error) {
	ids = normalizeIDs(ids)
	if len(ids) == 0 {
		return Resolution{}, nil
	}
	ctx := context.Background()
	var out Resolution
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM events
WHERE status = $1 AND retry_count + 1 > $2 AND id = ANY($3)
`, string(StatusProcessing), s.maxRetryAttempts, ids)
		if err != nil {
			return err
		}
		evicted, err := res.RowsAffected()
		if err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, `
UPDATE events
SET status = $1, retry_count = retry_count + 1, claim_id = NULL
WHERE status = $2 AND id = ANY($3)
`, string(StatusPending), string(StatusProcessing), ids)
		if err != nil {
			return err
		}
		requeued, err := res.RowsAffected()
		if err != nil {
			return err
		}
		out = Resolution{Requeued: int(requeued), Evicted: int(evicted)}
		return nil
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("postgres: resolve failure: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Clear() (int, error) {
	if !s.usable() {
		return 0, ErrStoreClosed
	}
	res, err := s.db.ExecContext(context.Background(), `DELETE FROM events`)
	if err != nil {
		return 0, fmt.Errorf("postgres: clear: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: clear: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) RecoverProcessing() (int, error) {
	if !s.usable() {
		return 0, ErrStoreClosed
	}
	res, err := s.db.ExecContext(context.Background(),
		`UPDATE events SET status = $1, claim_id = NULL WHERE status = $2`,
		string(StatusPending), string(StatusProcessing),
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: recover processing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: recover processing: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) Stats() (Stats, error) {
	if !s.usable() {
		return Stats{}, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(context.Background(), `
SELECT status, stream, COUNT(*), MIN(created_at)
FROM events
GROUP BY status, stream
`)
	if err != nil {
		return Stats{}, fmt.Errorf("postgres: stats: %w", err)
	}
	defer rows.Close()

	st := Stats{ByStream: make(map[string]int)}
	for rows.Next() {
		var (
			status string
			stream string
			count  int
			oldest time.Time
		)
		if err := rows.Scan(&status, &stream, &count, &oldest); err != nil {
			return Stats{}, fmt.Errorf("postgres: stats: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			st.Pending += count
			st.ByStream[stream] += count
			if st.OldestPending.IsZero() || oldest.Before(st.OldestPending) {
				st.OldestPending = oldest.UTC()
			}
		case StatusProcessing:
			st.Processing += count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("postgres: stats: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn()
}

func mapPostgresError(err error) error {
	var pgErr *pgconn.PgError
	// 55P03 lock_not_available, 40001 serialization_failure.
	if errors.As(err, &pgErr) && (pgErr.Code == "55P03" || pgErr.Code == "40001") {
		return fmt.Errorf("%w: %v", ErrStorageBusy, err)
	}
	return err
}
