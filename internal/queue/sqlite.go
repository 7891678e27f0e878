package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite"

	"github.com/nuetzliches/eventpipe/internal/payload"
)

const schemaVersion = 2

// SQLite caps bound parameters per statement; id lists are chunked below it.
const sqliteMaxIDsPerStatement = 500

const schemaV1 = `
CREATE TABLE IF NOT EXISTS events (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  stream      TEXT NOT NULL,
  payload     TEXT NOT NULL,
  status      TEXT NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0,
  created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_status_id
  ON events(status, id);
`

const schemaV2 = `
ALTER TABLE events ADD COLUMN claim_id TEXT;
CREATE INDEX IF NOT EXISTS idx_events_claim_id
  ON events(claim_id);
`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithSQLiteMaxRetryAttempts(n int) SQLiteOption {
	return func(s *SQLiteStore) {
		if n >= 0 {
			s.maxRetryAttempts = n
		}
	}
}

func WithSQLiteDefaultStream(stream string) SQLiteOption {
	return func(s *SQLiteStore) {
		s.defaultStream = stream
	}
}

type SQLiteStore struct {
	db *sql.DB

	mu               sync.Mutex
	nowFn            func() time.Time
	maxRetryAttempts int
	defaultStream    string
	closed           atomic.Bool
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:               db,
		nowFn:            time.Now,
		maxRetryAttempts: DefaultMaxRetryAttempts,
		defaultStream:    payload.DefaultStream,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
			return fmt.Errorf("sqlite: init migrations table: %w", err)
		}

		current, hasVersion, err := readSchemaVersion(ctx, conn)
		if err != nil {
			return err
		}
		if current > schemaVersion {
			return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, schemaVersion)
		}

		for v := current + 1; v <= schemaVersion; v++ {
			var stmt string
			switch v {
			case 1:
				stmt = schemaV1
			case 2:
				stmt = schemaV2
			default:
				return fmt.Errorf("sqlite: unknown migration %d", v)
			}
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("sqlite: migrate v%d: %w", v, err)
			}
		}

		if !hasVersion || current != schemaVersion {
			return writeSchemaVersion(ctx, conn, schemaVersion)
		}
		return nil
	})
}

func readSchemaVersion(ctx context.Context, conn *sql.Conn) (int, bool, error) {
	var v int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("sqlite: read schema_version: %w", err)
	}
	return v, true, nil
}

func writeSchemaVersion(ctx context.Context, conn *sql.Conn, v int) error {
	if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, v); err != nil {
		return fmt.Errorf("sqlite: write schema_version: %w", err)
	}
	return nil
}

// withImmediateTx runs fn inside BEGIN IMMEDIATE on a pinned connection so the
// write lock is taken before any read. Anything but a nil return rolls back.
func (s *SQLiteStore) withImmediateTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return mapSQLiteError(err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	if err := fn(conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLiteStore) Enqueue(p payload.Payload) (int64, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	p.Stream = payload.Streamify(p.Stream, s.defaultStream)
	raw, err := encodePayload(p)
	if err != nil {
		return 0, fmt.Errorf("sqlite: encode payload: %w", err)
	}

	res, err := s.db.ExecContext(context.Background(), `
INSERT INTO events (stream, payload, status, retry_count, created_at)
VALUES (?, ?, ?, 0, ?);
`,
		p.Stream,
		string(raw),
		string(StatusPending),
		s.now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert event: %w", mapSQLiteError(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert event id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) PendingCount() (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	var n int
	if err := s.db.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM events WHERE status = ?;`, string(StatusPending),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: pending count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) ClaimPending() (Claim, error) {
	ctx := context.Background()
	claim := Claim{ID: uuid.NewString()}

	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
SELECT id, stream, payload
FROM events
WHERE status = ?
ORDER BY id ASC;
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

		for _, chunk := range chunkIDs(malformed, sqliteMaxIDsPerStatement) {
			args := append([]any{}, int64Args(chunk)...)
			if _, err := conn.ExecContext(ctx,
				`DELETE FROM events WHERE id IN (`+placeholders(len(chunk))+`);`, args...,
			); err != nil {
				return err
			}
		}
		for _, chunk := range chunkIDs(claimed, sqliteMaxIDsPerStatement) {
			args := append([]any{string(StatusProcessing), claim.ID, string(StatusPending)}, int64Args(chunk)...)
			if _, err := conn.ExecContext(ctx, `
UPDATE events
SET status = ?, claim_id = ?
WHERE status = ? AND id IN (`+placeholders(len(chunk))+`);
`, args...); err != nil {
				return err
			}
		}

		claim.Items = items
		claim.Malformed = len(malformed)
		return nil
	})
	if err != nil {
		return Claim{}, fmt.Errorf("sqlite: claim pending: %w", err)
	}
	return claim, nil
}

func (s *SQLiteStore) ResolveSuccess(ids []int64) (int, error) {
	ids = normalizeIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	ctx := context.Background()
	deleted := 0
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		for _, chunk := range chunkIDs(ids, sqliteMaxIDsPerStatement) {
			args := append([]any{string(StatusProcessing)}, int64Args(chunk)...)
			res, err := conn.ExecContext(ctx,
				`DELETE FROM events WHERE status = ? AND id IN (`+placeholders(len(chunk))+`);`, args...,
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			deleted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sqlite: resolve success: %w", err)
	}
	return deleted, nil
}

func (s *SQLiteStore) ResolveFailure(ids []int64) (Resolution, error) {
	ids = normalizeIDs(ids)
	if len(ids) == 0 {
		return Resolution{}, nil
	}
	ctx := context.Background()
	var out Resolution
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		for _, chunk := range chunkIDs(ids, sqliteMaxIDsPerStatement) {
			in := placeholders(len(chunk))

			args := append([]any{string(StatusProcessing), s.maxRetryAttempts}, int64Args(chunk)...)
			res, err := conn.ExecContext(ctx, `
DELETE FROM events
WHERE status = ? AND retry_count + 1 > ? AND id IN (`+in+`);
`, args...)
			if err != nil {
				return err
			}
			evicted, err := res.RowsAffected()
			if err != nil {
				return err
			}

			args = append([]any{string(StatusPending), string(StatusProcessing)}, int64Args(chunk)...)
			res, err = conn.ExecContext(ctx, `
UPDATE events
SET status = ?, retry_count = retry_count + 1, claim_id = NULL
WHERE status = ? AND id IN (`+in+`);
`, args...)
			if err != nil {
				return err
			}
			requeued, err := res.RowsAffected()
			if err != nil {
				return err
			}

			out.Evicted += int(evicted)
			out.Requeued += int(requeued)
		}
		return nil
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("sqlite: resolve failure: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Clear() (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	res, err := s.db.ExecContext(context.Background(), `DELETE FROM events;`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: clear: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: clear: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) RecoverProcessing() (int, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	res, err := s.db.ExecContext(context.Background(), `
UPDATE events SET status = ?, claim_id = NULL WHERE status = ?;
`, string(StatusPending), string(StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("sqlite: recover processing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: recover processing: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Stats() (Stats, error) {
	if s.closed.Load() {
		return Stats{}, ErrStoreClosed
	}
	ctx := context.Background()
	rows, err := s.db.QueryContext(ctx, `
SELECT status, stream, COUNT(*), MIN(created_at)
FROM events
GROUP BY status, stream;
`)
	if err != nil {
		return Stats{}, fmt.Errorf("sqlite: stats: %w", err)
	}
	defer rows.Close()

	st := Stats{ByStream: make(map[string]int)}
	for rows.Next() {
		var (
			status string
			stream string
			count  int
			oldest int64
		)
		if err := rows.Scan(&status, &stream, &count, &oldest); err != nil {
			return Stats{}, fmt.Errorf("sqlite: stats: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			st.Pending += count
			st.ByStream[stream] += count
			at := time.Unix(0, oldest).UTC()
			if st.OldestPending.IsZero() || at.Before(st.OldestPending) {
				st.OldestPending = at
			}
		case StatusProcessing:
			st.Processing += count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("sqlite: stats: %w", err)
	}
	return st, nil
}

// Records returns every persisted row ordered by id.
func (s *SQLiteStore) Records() ([]Record, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(context.Background(), `
SELECT id, stream, payload, status, retry_count, claim_id, created_at
FROM events
ORDER BY id ASC;
`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r         Record
			raw       string
			status    string
			claimID   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.Stream, &raw, &status, &r.RetryCount, &claimID, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: records: %w", err)
		}
		r.Payload = []byte(raw)
		r.Status = Status(status)
		r.ClaimID = claimID.String
		r.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func int64Args(ids []int64) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, id)
	}
	return out
}

// ErrStorageBusy is returned when the database stays locked past busy_timeout.
var ErrStorageBusy = errors.New("storage busy")

func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	// Extended sqlite result codes include the base code in the lower 8 bits.
	const (
		sqliteBusy   = 5
		sqliteLocked = 6
	)
	switch sqliteErr.Code() & 0xff {
	case sqliteBusy, sqliteLocked:
		return fmt.Errorf("%w: %v", ErrStorageBusy, err)
	}
	return err
}
