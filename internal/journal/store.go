package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // sqlite driver
)

// ErrNotFound is returned by Get when no record has the requested ID.
var ErrNotFound = errors.New("journal record not found")

// Record is one journaled exchange.
type Record struct {
	ID            string        `json:"id"`
	PairID        string        `json:"pair_id"`
	Method        string        `json:"method"`
	URL           string        `json:"url"`
	Status        int           `json:"status"`
	ResponseBytes int64         `json:"response_bytes"`
	Duration      time.Duration `json:"duration_ns"`
	Tunnel        bool          `json:"tunnel"`
	Error         string        `json:"error,omitempty"`
	Codec         string        `json:"codec"`
	// Capture is the encoded body prefix; Recent leaves it empty.
	Capture     []byte    `json:"-"`
	CaptureSize int       `json:"capture_size"`
	Truncated   bool      `json:"truncated"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists records in a sqlite database.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once

	insertStmt *sql.Stmt
	recentStmt *sql.Stmt
	getStmt    *sql.Stmt
	pruneStmt  *sql.Stmt
	countStmt  *sql.Stmt
}

// Open opens or creates the journal database at path. ":memory:" opens a
// private in-memory database.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("journal path cannot be empty")
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	if path == ":memory:" {
		dsn = path
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// One writer; also keeps a :memory: database alive on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing journal schema: %w", err)
	}
	if err := s.prepare(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("preparing journal statements: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS exchanges (
		id             TEXT PRIMARY KEY,
		pair_id        TEXT NOT NULL,
		method         TEXT NOT NULL,
		url            TEXT NOT NULL,
		status         INTEGER NOT NULL,
		response_bytes INTEGER NOT NULL,
		duration_ns    INTEGER NOT NULL,
		tunnel         INTEGER NOT NULL,
		error          TEXT NOT NULL DEFAULT '',
		codec          TEXT NOT NULL,
		capture        BLOB,
		capture_size   INTEGER NOT NULL,
		truncated      INTEGER NOT NULL,
		created_at     INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_exchanges_created_at ON exchanges(created_at);
	`)
	return err
}

func (s *Store) prepare() error {
	var err error
	if s.insertStmt, err = s.db.Prepare(`
		INSERT INTO exchanges (id, pair_id, method, url, status, response_bytes, duration_ns,
			tunnel, error, codec, capture, capture_size, truncated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	if s.recentStmt, err = s.db.Prepare(`
		SELECT id, pair_id, method, url, status, response_bytes, duration_ns,
			tunnel, error, codec, capture_size, truncated, created_at
		FROM exchanges ORDER BY created_at DESC, rowid DESC LIMIT ?`); err != nil {
		return fmt.Errorf("recent: %w", err)
	}
	if s.getStmt, err = s.db.Prepare(`
		SELECT id, pair_id, method, url, status, response_bytes, duration_ns,
			tunnel, error, codec, capture_size, truncated, created_at, capture
		FROM exchanges WHERE id = ?`); err != nil {
		return fmt.Errorf("get: %w", err)
	}
	if s.pruneStmt, err = s.db.Prepare(`DELETE FROM exchanges WHERE created_at < ?`); err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	if s.countStmt, err = s.db.Prepare(`SELECT COUNT(*) FROM exchanges`); err != nil {
		return fmt.Errorf("count: %w", err)
	}
	return nil
}

// Insert stores r. CreatedAt defaults to now.
func (s *Store) Insert(ctx context.Context, r *Record) error {
	if r.ID == "" {
		return errors.New("journal record has no id")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.insertStmt.ExecContext(ctx,
		r.ID, r.PairID, r.Method, r.URL, r.Status, r.ResponseBytes, int64(r.Duration),
		r.Tunnel, r.Error, r.Codec, r.Capture, r.CaptureSize, r.Truncated, r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("inserting journal record %s: %w", r.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, extra ...any) (*Record, error) {
	var (
		r        Record
		duration int64
		created  int64
	)
	dest := []any{&r.ID, &r.PairID, &r.Method, &r.URL, &r.Status, &r.ResponseBytes, &duration,
		&r.Tunnel, &r.Error, &r.Codec, &r.CaptureSize, &r.Truncated, &created}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	r.Duration = time.Duration(duration)
	r.CreatedAt = time.Unix(0, created)
	return &r, nil
}

// Recent returns up to limit records, newest first, without captures.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := s.recentStmt.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning journal record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns the record with id including its capture.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var capture []byte
	r, err := scanRecord(s.getStmt.QueryRowContext(ctx, id), &capture)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading journal record %s: %w", id, err)
	}
	r.Capture = capture
	return r, nil
}

// Prune deletes records created before the cutoff and reports how many.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.pruneStmt.ExecContext(ctx, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning journal: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.countStmt.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting journal: %w", err)
	}
	return n, nil
}

// Close releases the statements and the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		for _, st := range []*sql.Stmt{s.insertStmt, s.recentStmt, s.getStmt, s.pruneStmt, s.countStmt} {
			if st != nil {
				_ = st.Close()
			}
		}
		err = s.db.Close()
	})
	return err
}
