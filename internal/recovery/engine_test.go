package recovery

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/convlog/internal/history"
	"github.com/comigor/convlog/internal/window"
)

type mockStore struct {
	PagesFunc  func(ctx context.Context, sessionID string, size int) iter.Seq2[[]history.Message, error]
	InsertFunc func(ctx context.Context, msg history.Message) (history.AppendResult, error)
}

func (m *mockStore) Pages(ctx context.Context, sessionID string, size int) iter.Seq2[[]history.Message, error] {
	if m.PagesFunc != nil {
		return m.PagesFunc(ctx, sessionID, size)
	}
	return func(func([]history.Message, error) bool) {}
}

func (m *mockStore) Insert(ctx context.Context, msg history.Message) (history.AppendResult, error) {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, msg)
	}
	return history.AppendResult{ID: 1, Inserted: true}, nil
}

func newMessage(t *testing.T, role history.Role, content string, at time.Time) history.Message {
	t.Helper()
	m, err := history.NewMessage(role, content, "", at, 0)
	require.NoError(t, err)
	return m
}

func openStore(t *testing.T) *history.Store {
	t.Helper()
	s, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func contents(msgs []history.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

// TestRecover_ColdStart loads every durable message into an empty window.
func TestRecover_ColdStart(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	for _, c := range []string{"one", "two", "three"} {
		_, err := store.Append(ctx, history.RoleUser, c, "")
		require.NoError(t, err)
	}

	win := window.New(10)
	report, err := New(store, win, WithPageSize(2)).Recover(ctx, TriggerStartup)
	require.NoError(t, err)
	require.Equal(t, 3, report.Durable)
	require.Equal(t, 3, report.Adopted)
	require.Zero(t, report.Flushed)
	require.Equal(t, StateIdle, report.State)
	require.Equal(t, []string{"one", "two", "three"}, contents(win.Snapshot()))
}

// TestRecover_MergesUnflushedAndExternal covers a message that never reached
// the store and one written by another process.
func TestRecover_MergesUnflushedAndExternal(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	now := time.Now()

	win := window.New(10)
	a := newMessage(t, history.RoleUser, "A: typed before the crash", now.Add(-time.Minute))
	win.Push(a)

	_, err := store.Insert(ctx, newMessage(t, history.RoleAssistant, "B: written by a sibling", now))
	require.NoError(t, err)

	report, err := New(store, win).Recover(ctx, TriggerExternalMutation)
	require.NoError(t, err)
	require.Equal(t, 1, report.Adopted)
	require.Equal(t, 1, report.Flushed)

	snap := win.Snapshot()
	require.Equal(t, []string{"A: typed before the crash", "B: written by a sibling"}, contents(snap))
	require.True(t, snap[0].Durable())
	require.True(t, snap[1].Durable())

	n, err := store.Count(ctx, history.AllSessions)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	again, err := New(store, win).Recover(ctx, TriggerReload)
	require.NoError(t, err)
	require.Zero(t, again.Adopted)
	require.Zero(t, again.Flushed)
	require.Len(t, win.Snapshot(), 2)
}

func TestRecover_IsAdditive(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	now := time.Now()

	win := window.New(100)
	for i, c := range []string{"m1", "shared", "m2"} {
		m := newMessage(t, history.RoleUser, c, now.Add(time.Duration(i)*time.Second))
		win.Push(m)
	}
	for i, c := range []string{"d1", "shared", "d2"} {
		_, err := store.Insert(ctx, newMessage(t, history.RoleUser, c, now.Add(time.Duration(i)*time.Second+time.Millisecond)))
		require.NoError(t, err)
	}

	_, err := New(store, win).Recover(ctx, TriggerReload)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"m1", "shared", "m2", "d1", "d2"}, contents(win.Snapshot()))
}

func TestRecover_ReadFailureKeepsMemory(t *testing.T) {
	ctx := context.Background()
	readErr := &history.StorageReadError{Op: "list", Err: errors.New("disk I/O error")}
	store := &mockStore{
		PagesFunc: func(context.Context, string, int) iter.Seq2[[]history.Message, error] {
			return func(yield func([]history.Message, error) bool) { yield(nil, readErr) }
		},
	}

	win := window.New(10)
	win.Push(newMessage(t, history.RoleUser, "still here", time.Now()))

	var transitions []State
	e := New(store, win, WithObserver(func(_, to State, _ Trigger) { transitions = append(transitions, to) }))

	report, err := e.Recover(ctx, TriggerStartup)
	var rerr *history.StorageReadError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, StateFailed, report.State)
	require.Equal(t, StateFailed, e.State())
	require.Equal(t, []State{StateRecovering, StateFailed}, transitions)
	require.Equal(t, []string{"still here"}, contents(win.Snapshot()))
}

func TestRecover_FailedCanRetry(t *testing.T) {
	ctx := context.Background()
	fail := true
	store := &mockStore{
		PagesFunc: func(context.Context, string, int) iter.Seq2[[]history.Message, error] {
			return func(yield func([]history.Message, error) bool) {
				if fail {
					yield(nil, errors.New("locked"))
				}
			}
		},
	}
	var transitions []State
	e := New(store, window.New(10), WithObserver(func(_, to State, _ Trigger) { transitions = append(transitions, to) }))

	_, err := e.Recover(ctx, TriggerStartup)
	require.Error(t, err)

	fail = false
	report, err := e.Recover(ctx, TriggerReload)
	require.NoError(t, err)
	require.Equal(t, StateIdle, report.State)
	require.Equal(t, []State{StateRecovering, StateFailed, StateRecovering, StateMerged, StateIdle}, transitions)
}

func TestRecover_FlushFailure(t *testing.T) {
	ctx := context.Background()
	store := &mockStore{
		InsertFunc: func(context.Context, history.Message) (history.AppendResult, error) {
			return history.AppendResult{}, &history.StorageWriteError{Op: "append", Err: errors.New("read-only file system")}
		},
	}
	win := window.New(10)
	win.Push(newMessage(t, history.RoleUser, "unflushed", time.Now()))

	e := New(store, win)
	_, err := e.Recover(ctx, TriggerReload)
	var werr *history.StorageWriteError
	require.ErrorAs(t, err, &werr)
	require.Equal(t, StateFailed, e.State())
	require.Len(t, win.Pending(), 1)
}
