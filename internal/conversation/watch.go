package conversation

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/comigor/convlog/internal/logger"
)

const watchDebounce = 250 * time.Millisecond

// Watch follows the store file and runs recovery when another process
// changes it: a sibling resetting the database, an environment switch that
// swaps the file, or a second writer. Events caused by this process are
// filtered out by comparing fingerprints. It blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// The file itself may be replaced by rename, so watch its directory.
	dir := filepath.Dir(m.store.Path())
	if err := w.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(m.store.Path())
	logger.L.Info("watching conversation store", "path", m.store.Path())

	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), base) {
				continue
			}
			timer.Reset(watchDebounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.L.Warn("store watcher error", "error", err)

		case <-timer.C:
			m.checkExternal(ctx)
		}
	}
}

func (m *Manager) checkExternal(ctx context.Context) {
	reopened, err := m.store.Refresh()
	if err != nil {
		logger.L.Warn("conversation store unavailable", "path", m.store.Path(), "error", err)
		return
	}
	if reopened {
		logger.L.Info("conversation store file replaced externally", "path", m.store.Path())
	} else {
		fp, err := m.store.Fingerprint(ctx)
		if err != nil {
			logger.L.Warn("cannot read store fingerprint", "error", err)
			return
		}
		m.mu.Lock()
		changed := fp != m.known
		m.mu.Unlock()
		if !changed {
			return
		}
		logger.L.Info("conversation store changed externally", "count", fp.Count, "max_id", fp.MaxID)
	}

	if _, err := m.NotifyExternalMutation(ctx); err != nil {
		logger.L.Warn("recovery after external change incomplete", "error", err)
	}
}
