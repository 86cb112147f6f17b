// Package history provides SQLite-based, append-only persistence for chat messages.
// Rows are never updated or deleted; a unique content hash makes appends idempotent.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/convlog/internal/logger"
)

const (
	defaultTimeout  = 5 * time.Second
	defaultPageSize = 500
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    content_hash TEXT NOT NULL UNIQUE,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
CREATE TRIGGER IF NOT EXISTS messages_no_update BEFORE UPDATE ON messages
BEGIN
    SELECT RAISE(ABORT, 'messages are append-only');
END;
CREATE TRIGGER IF NOT EXISTS messages_no_delete BEFORE DELETE ON messages
BEGIN
    SELECT RAISE(ABORT, 'messages are append-only');
END;`

// Store is the durable message log. Writes go through a single mutex so the
// hash check and the insert are one atomic step for this process.
type Store struct {
	mu sync.Mutex // serialized write path, also held by SnapshotTo and ReplaceFrom

	connMu sync.RWMutex
	db     *sql.DB
	opened os.FileInfo // identity of the file db was opened on
	closed bool

	path        string
	timeout     time.Duration
	dedupBucket time.Duration
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTimeout bounds every storage call.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithDedupBucket mixes a coarse time bucket into the content hash.
func WithDedupBucket(d time.Duration) Option {
	return func(s *Store) { s.dedupBucket = d }
}

// WithClock overrides the clock used to stamp appended messages.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a store for path without opening it. Calls fail with a
// storage error until Refresh connects.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:    path,
		timeout: defaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens (or creates) the SQLite database at path and ensures the schema.
func Open(path string, opts ...Option) (*Store, error) {
	s := New(path, opts...)
	s.connMu.Lock()
	err := s.openLocked()
	s.connMu.Unlock()
	if err != nil {
		return nil, err
	}
	logger.L.Info("sqlite history DB initialized", "path", path)
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema in %s: %w", path, err)
	}
	return db, nil
}

// openLocked connects to s.path. The caller holds connMu.
func (s *Store) openLocked() error {
	db, err := openDB(s.path)
	if err != nil {
		return err
	}
	fi, err := os.Stat(s.path)
	if err != nil {
		db.Close()
		return err
	}
	s.db, s.opened = db, fi
	return nil
}

// closeLocked drops the connection. The caller holds connMu.
func (s *Store) closeLocked() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db, s.opened = nil, nil
	return err
}

// Refresh connects the store if it is not connected, or reconnects it when
// the file at its path is no longer the file it opened: another process
// reset the store by deleting or replacing it. It reports whether a new
// connection was made.
func (s *Store) Refresh() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.closed {
		return false, &StorageReadError{Op: "open", Err: errClosed}
	}
	if s.db != nil && !s.swappedLocked() {
		return false, nil
	}
	if s.db != nil {
		logger.L.Warn("store file replaced on disk; reconnecting", "path", s.path)
		if err := s.closeLocked(); err != nil {
			logger.L.Warn("closing replaced store", "path", s.path, "error", err)
		}
	}
	if err := s.openLocked(); err != nil {
		return false, &StorageReadError{Op: "open", Err: err}
	}
	logger.L.Info("sqlite history DB connected", "path", s.path)
	return true, nil
}

func (s *Store) swappedLocked() bool {
	fi, err := os.Stat(s.path)
	if err != nil {
		return true
	}
	return !os.SameFile(s.opened, fi)
}

// Path returns the location of the live database file.
func (s *Store) Path() string { return s.path }

// DedupBucket returns the hash time bucket, zero when disabled.
func (s *Store) DedupBucket() time.Duration { return s.dedupBucket }

func (s *Store) conn() (*sql.DB, error) {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	switch {
	case s.closed:
		return nil, errClosed
	case s.db == nil:
		return nil, errNotOpen
	}
	return s.db, nil
}

// Append validates and writes a new message stamped with the current time.
// A duplicate hash is not an error: the result carries the existing id and
// Inserted=false.
func (s *Store) Append(ctx context.Context, role Role, content, sessionID string) (AppendResult, error) {
	msg, err := NewMessage(role, content, sessionID, s.now(), s.dedupBucket)
	if err != nil {
		return AppendResult{}, err
	}
	return s.Insert(ctx, msg)
}

// Insert writes msg keeping its timestamp and hash. Recovery uses it to flush
// messages that so far only existed in memory.
func (s *Store) Insert(ctx context.Context, msg Message) (AppendResult, error) {
	if !msg.Role.Valid() {
		return AppendResult{}, fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return AppendResult{}, ErrEmptyContent
	}
	if msg.SessionID == "" {
		msg.SessionID = DefaultSessionID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if msg.ContentHash == "" {
		msg.ContentHash = ContentHash(msg.Role, msg.Content, msg.CreatedAt, s.dedupBucket)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := watchdog(ctx, func(ctx context.Context) (AppendResult, error) {
		db, err := s.conn()
		if err != nil {
			return AppendResult{}, err
		}
		return insert(ctx, db, msg)
	})
	if err != nil {
		return AppendResult{}, &StorageWriteError{Op: "append", Err: err}
	}
	if res.Inserted {
		logger.L.Debug("message appended", "id", res.ID, "session_id", msg.SessionID, "role", msg.Role)
	} else {
		logger.L.Debug("duplicate message ignored", "id", res.ID, "hash", msg.ContentHash)
	}
	return res, nil
}

func insert(ctx context.Context, db *sql.DB, msg Message) (AppendResult, error) {
	r, err := db.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, content_hash, created_at) VALUES (?,?,?,?,?)
		 ON CONFLICT(content_hash) DO NOTHING;`,
		msg.SessionID, string(msg.Role), msg.Content, msg.ContentHash, msg.CreatedAt.UnixNano())
	if err != nil {
		return AppendResult{}, err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return AppendResult{}, err
	}
	if n == 1 {
		id, err := r.LastInsertId()
		if err != nil {
			return AppendResult{}, err
		}
		return AppendResult{ID: id, Inserted: true}, nil
	}

	var id int64
	if err := db.QueryRowContext(ctx, `SELECT id FROM messages WHERE content_hash = ?;`, msg.ContentHash).Scan(&id); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{ID: id}, nil
}

// ListAll returns every message of a session (AllSessions for all of them) in
// ascending id order. The sequence is lazy and can be ranged over again.
func (s *Store) ListAll(ctx context.Context, sessionID string) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		for page, err := range s.Pages(ctx, sessionID, defaultPageSize) {
			if err != nil {
				yield(Message{}, err)
				return
			}
			for _, m := range page {
				if !yield(m, nil) {
					return
				}
			}
		}
	}
}

// Pages walks the log in id order, size rows at a time.
func (s *Store) Pages(ctx context.Context, sessionID string, size int) iter.Seq2[[]Message, error] {
	if size <= 0 {
		size = defaultPageSize
	}
	return func(yield func([]Message, error) bool) {
		var after int64
		for {
			page, err := s.page(ctx, sessionID, after, size)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(page) == 0 {
				return
			}
			if !yield(page, nil) {
				return
			}
			if len(page) < size {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

func (s *Store) page(ctx context.Context, sessionID string, after int64, size int) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := watchdog(ctx, func(ctx context.Context) ([]Message, error) {
		db, err := s.conn()
		if err != nil {
			return nil, err
		}
		rows, err := db.QueryContext(ctx,
			`SELECT id, session_id, role, content, content_hash, created_at FROM messages
			 WHERE id > ? AND (? = '' OR session_id = ?) ORDER BY id ASC LIMIT ?;`,
			after, sessionID, sessionID, size)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		out := make([]Message, 0, size)
		for rows.Next() {
			var (
				m    Message
				role string
				ts   int64
			)
			if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.ContentHash, &ts); err != nil {
				return nil, err
			}
			m.Role = Role(role)
			m.CreatedAt = time.Unix(0, ts)
			out = append(out, m)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, &StorageReadError{Op: "list", Err: err}
	}
	return out, nil
}

// Count returns the number of stored messages for a session, or for all
// sessions when sessionID is AllSessions.
func (s *Store) Count(ctx context.Context, sessionID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := watchdog(ctx, func(ctx context.Context) (int, error) {
		db, err := s.conn()
		if err != nil {
			return 0, err
		}
		var n int
		err = db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE (? = '' OR session_id = ?);`, sessionID, sessionID).Scan(&n)
		return n, err
	})
	if err != nil {
		return 0, &StorageReadError{Op: "count", Err: err}
	}
	return n, nil
}

// Fingerprint summarises the table so a watcher can tell whether another
// writer changed it.
type Fingerprint struct {
	Count int
	MaxID int64
}

// Fingerprint returns the current row count and highest id.
func (s *Store) Fingerprint(ctx context.Context) (Fingerprint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fp, err := watchdog(ctx, func(ctx context.Context) (Fingerprint, error) {
		db, err := s.conn()
		if err != nil {
			return Fingerprint{}, err
		}
		var fp Fingerprint
		err = db.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(MAX(id), 0) FROM messages;`).Scan(&fp.Count, &fp.MaxID)
		return fp, err
	})
	if err != nil {
		return Fingerprint{}, &StorageReadError{Op: "fingerprint", Err: err}
	}
	return fp, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.closed = true
	return s.closeLocked()
}

var (
	errClosed  = errors.New("store is closed")
	errNotOpen = errors.New("store is not open")
)

// watchdog runs fn and gives up when ctx expires, even if fn is stuck in the
// driver. The caller's lock is released on return either way.
func watchdog[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
