// Package conversation wires the message store, the in-memory window, the
// recovery engine and the backup rotation into the handle a host
// application passes to its chat handlers.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"sync"
	"time"

	"github.com/comigor/convlog/internal/backup"
	"github.com/comigor/convlog/internal/config"
	"github.com/comigor/convlog/internal/history"
	"github.com/comigor/convlog/internal/logger"
	"github.com/comigor/convlog/internal/recovery"
	"github.com/comigor/convlog/internal/window"
)

// Manager is the host-facing conversation handle. It is constructed at
// process start, populated by recovery and closed at process stop.
type Manager struct {
	store   *history.Store
	window  *window.Window
	engine  *recovery.Engine
	backups *backup.Manager
	cfg     config.StoreConfig
	now     func() time.Time

	mu    sync.Mutex
	known history.Fingerprint
}

// Open builds the manager and runs startup recovery. A store that cannot be
// opened or read is not fatal: the manager starts with an empty conversation,
// recovery sits in Failed, appends are kept pending in memory, and a later
// Reload connects again.
func Open(ctx context.Context, cfg config.StoreConfig) (*Manager, error) {
	if cfg.SessionID == "" {
		cfg.SessionID = history.DefaultSessionID
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(filepath.Dir(cfg.Path), "backups")
	}

	store := history.New(cfg.Path,
		history.WithTimeout(cfg.IOTimeout),
		history.WithDedupBucket(cfg.DedupBucket),
	)
	backups, err := backup.NewManager(cfg.BackupDir, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	win := window.New(cfg.WindowSize)
	m := &Manager{
		store:   store,
		window:  win,
		engine:  recovery.New(store, win, recovery.WithPageSize(cfg.PageSize)),
		backups: backups,
		cfg:     cfg,
		now:     time.Now,
	}

	if _, err := m.recover(ctx, recovery.TriggerStartup); err != nil {
		logger.L.Warn("starting with partial conversation history", "error", err)
	}
	return m, nil
}

// SessionID returns the default session for Append.
func (m *Manager) SessionID() string { return m.cfg.SessionID }

// Append writes a message to the default session.
func (m *Manager) Append(ctx context.Context, role history.Role, content string) (history.AppendResult, error) {
	return m.AppendTo(ctx, m.cfg.SessionID, role, content)
}

// AppendTo writes a message to the store and mirrors accepted writes in the
// window. If the store write fails the message is kept in the window as
// pending, the result is marked Pending and the storage error is returned;
// the next recovery pass retries it.
func (m *Manager) AppendTo(ctx context.Context, sessionID string, role history.Role, content string) (history.AppendResult, error) {
	msg, err := history.NewMessage(role, content, sessionID, m.now(), m.store.DedupBucket())
	if err != nil {
		return history.AppendResult{}, err
	}

	res, err := m.store.Insert(ctx, msg)
	if err != nil {
		var werr *history.StorageWriteError
		if !errors.As(err, &werr) {
			return history.AppendResult{}, err
		}
		logger.L.Warn("conversation store unavailable; keeping message in memory",
			"session_id", msg.SessionID, "role", msg.Role, "error", err)
		if !m.window.Contains(msg.ContentHash) {
			m.window.Push(msg)
		}
		return history.AppendResult{Pending: true}, err
	}

	// A pending copy of the same message may already be in the window.
	if !m.window.MarkDurable(msg.ContentHash, res.ID) && res.Inserted {
		msg.ID = res.ID
		m.window.Push(msg)
	}
	if res.Inserted {
		m.mu.Lock()
		m.known.Count++
		m.known.MaxID = max(m.known.MaxID, res.ID)
		m.mu.Unlock()
	}
	return res, nil
}

// History lists durable messages of a session (history.AllSessions for all).
func (m *Manager) History(ctx context.Context, sessionID string) iter.Seq2[history.Message, error] {
	return m.store.ListAll(ctx, sessionID)
}

// Count returns the number of durable messages in a session.
func (m *Manager) Count(ctx context.Context, sessionID string) (int, error) {
	return m.store.Count(ctx, sessionID)
}

// Window returns a copy of the in-memory conversation, oldest first.
func (m *Manager) Window() []history.Message {
	return m.window.Snapshot()
}

// Reload runs an explicit recovery pass.
func (m *Manager) Reload(ctx context.Context) (recovery.Report, error) {
	return m.recover(ctx, recovery.TriggerReload)
}

// NotifyExternalMutation runs recovery after another process changed the store.
func (m *Manager) NotifyExternalMutation(ctx context.Context) (recovery.Report, error) {
	return m.recover(ctx, recovery.TriggerExternalMutation)
}

// RecoveryState returns the recovery machine state.
func (m *Manager) RecoveryState() recovery.State { return m.engine.State() }

// recover reconnects the store first if it is unavailable or its file was
// replaced, so the pass reads and flushes into the file now at the path.
func (m *Manager) recover(ctx context.Context, trigger recovery.Trigger) (recovery.Report, error) {
	if _, err := m.store.Refresh(); err != nil {
		logger.L.Warn("conversation store unavailable", "path", m.store.Path(), "error", err)
	}
	report, err := m.engine.Recover(ctx, trigger)
	if fp, ferr := m.store.Fingerprint(ctx); ferr == nil {
		m.mu.Lock()
		m.known = fp
		m.mu.Unlock()
	}
	return report, err
}

// Clear empties the in-memory conversation after taking a backup, and
// returns the cleared messages so the caller can offer undo. Durable rows
// are untouched. A failed backup is logged and does not block the clear.
func (m *Manager) Clear(ctx context.Context) ([]history.Message, error) {
	_, berr := m.backups.Snapshot(ctx, "before_clear")
	if berr != nil {
		logger.L.Error("clearing conversation without a backup", "error", berr)
	}
	cleared := m.window.Clear()
	logger.L.Info("conversation cleared", "messages", len(cleared))
	return cleared, berr
}

// Snapshot takes a backup of the store.
func (m *Manager) Snapshot(ctx context.Context, reason string) (string, error) {
	return m.backups.Snapshot(ctx, reason)
}

// Restore copies a backup slot over the live store, then runs an additive
// recovery so in-memory messages missing from the backup are written back.
func (m *Manager) Restore(ctx context.Context, slot backup.Slot, force bool) (bool, error) {
	ok, err := m.backups.Restore(ctx, slot, force)
	if err != nil || !ok {
		return ok, err
	}
	if _, err := m.recover(ctx, recovery.TriggerExternalMutation); err != nil {
		logger.L.Warn("recovery after restore incomplete", "slot", slot, "error", err)
	}
	return true, nil
}

// Verify checks a backup slot.
func (m *Manager) Verify(ctx context.Context, slot backup.Slot) (backup.IntegrityReport, error) {
	return m.backups.Verify(ctx, slot)
}

// Backups returns the backup metadata.
func (m *Manager) Backups() (backup.Metadata, error) {
	return m.backups.Metadata()
}

// BackupFailureFunc decides whether a destructive operation may proceed after
// its backup failed. Returning false aborts the operation.
type BackupFailureFunc func(err error) bool

// ErrAborted is returned by GuardDestructive when the host declined to
// proceed without a backup.
var ErrAborted = errors.New("destructive operation aborted: no backup")

// GuardDestructive snapshots the store with reason and then runs op. When the
// snapshot fails the error is logged loudly and onFailure decides; a nil
// onFailure proceeds.
func (m *Manager) GuardDestructive(ctx context.Context, reason string, op func(context.Context) error, onFailure BackupFailureFunc) error {
	if _, err := m.backups.Snapshot(ctx, reason); err != nil {
		logger.L.Error("destructive operation requested without a fresh backup", "reason", reason, "error", err)
		if onFailure != nil && !onFailure(err) {
			return fmt.Errorf("%w: %s", ErrAborted, reason)
		}
	}
	return op(ctx)
}

// Close releases the store.
func (m *Manager) Close() error {
	return m.store.Close()
}
