package history

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// SnapshotTo writes a consistent copy of the live database to dst and returns
// the number of messages it holds. It takes the write lock, so no append can
// land half-way through the copy. dst must not exist.
func (s *Store) SnapshotTo(ctx context.Context, dst string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return watchdog(ctx, func(ctx context.Context) (int, error) {
		db, err := s.conn()
		if err != nil {
			return 0, err
		}
		var n int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages;`).Scan(&n); err != nil {
			return 0, err
		}
		if _, err := db.ExecContext(ctx, `VACUUM INTO ?;`, dst); err != nil {
			return 0, fmt.Errorf("vacuum into %s: %w", dst, err)
		}
		return n, nil
	})
}

// ReplaceFrom swaps the live database file for a copy of src and reopens it.
// This is the only path that discards durable rows, so callers are expected
// to have taken a backup first. The id sequence never moves backwards: ids
// handed out by the replaced file are not reused.
func (s *Store) ReplaceFrom(ctx context.Context, src string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.closed {
		return &StorageWriteError{Op: "restore", Err: errClosed}
	}

	var seq int64
	if s.db != nil {
		if err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM sqlite_sequence WHERE name = 'messages';`).Scan(&seq); err != nil {
			return &StorageWriteError{Op: "restore", Err: err}
		}
	}

	staging := s.path + ".restore"
	if err := copyFile(src, staging); err != nil {
		return &StorageWriteError{Op: "restore", Err: err}
	}

	if err := s.closeLocked(); err != nil {
		return &StorageWriteError{Op: "restore", Err: err}
	}
	for _, suffix := range []string{"-journal", "-wal", "-shm"} {
		if err := removeIfExists(s.path + suffix); err != nil {
			return &StorageWriteError{Op: "restore", Err: err}
		}
	}
	if err := os.Rename(staging, s.path); err != nil {
		return &StorageWriteError{Op: "restore", Err: err}
	}

	if err := s.openLocked(); err != nil {
		return &StorageWriteError{Op: "restore", Err: err}
	}
	if err := raiseSequence(ctx, s.db, seq); err != nil {
		return &StorageWriteError{Op: "restore", Err: err}
	}
	return nil
}

// raiseSequence moves the AUTOINCREMENT counter of messages up to at least seq.
func raiseSequence(ctx context.Context, db *sql.DB, seq int64) error {
	if seq <= 0 {
		return nil
	}
	if _, err := db.ExecContext(ctx,
		`UPDATE sqlite_sequence SET seq = ? WHERE name = 'messages' AND seq < ?;`, seq, seq); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO sqlite_sequence (name, seq)
		 SELECT 'messages', ? WHERE NOT EXISTS (SELECT 1 FROM sqlite_sequence WHERE name = 'messages');`, seq)
	return err
}

// Inspect opens a database file other than the live one, checks its
// integrity and returns its message count.
func (s *Store) Inspect(ctx context.Context, path string) (int, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return watchdog(ctx, func(ctx context.Context) (int, error) {
		db, err := sql.Open("sqlite", "file:"+path)
		if err != nil {
			return 0, err
		}
		defer db.Close()

		var result string
		if err := db.QueryRowContext(ctx, `PRAGMA integrity_check;`).Scan(&result); err != nil {
			return 0, err
		}
		if result != "ok" {
			return 0, fmt.Errorf("integrity check: %s", result)
		}
		var n int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages;`).Scan(&n); err != nil {
			return 0, err
		}
		return n, nil
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// CopyFile copies src to dst, creating parent directories as needed.
func CopyFile(src, dst string) error { return copyFile(src, dst) }
