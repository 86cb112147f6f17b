package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, opts ...Option) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func collect(t *testing.T, seq func(func(Message, error) bool)) []Message {
	t.Helper()
	var out []Message
	for m, err := range seq {
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func TestAppend_Idempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	first, err := s.Append(ctx, RoleUser, "My name is Mike", "")
	require.NoError(t, err)
	require.True(t, first.Inserted)
	require.Positive(t, first.ID)

	second, err := s.Append(ctx, RoleUser, "My name is Mike", "")
	require.NoError(t, err)
	require.False(t, second.Inserted)
	require.Equal(t, first.ID, second.ID)

	n, err := s.Count(ctx, AllSessions)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestAppend_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Append(ctx, RoleUser, "My name is Mike", "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	msgs := collect(t, s.ListAll(ctx, AllSessions))
	require.Len(t, msgs, 1)
	require.Equal(t, "My name is Mike", msgs[0].Content)
	require.Equal(t, RoleUser, msgs[0].Role)
	require.Equal(t, DefaultSessionID, msgs[0].SessionID)

	res, err := s.Append(ctx, RoleUser, "My name is Mike", "")
	require.NoError(t, err)
	require.False(t, res.Inserted)

	n, err := s.Count(ctx, AllSessions)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestAppend_RejectsCallerMistakes(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	_, err := s.Append(ctx, RoleSystem, "boot", "")
	require.NoError(t, err)

	before, err := s.Count(ctx, AllSessions)
	require.NoError(t, err)

	_, err = s.Append(ctx, Role("narrator"), "Once upon a time", "")
	require.ErrorIs(t, err, ErrInvalidRole)

	_, err = s.Append(ctx, RoleUser, "   ", "")
	require.ErrorIs(t, err, ErrEmptyContent)

	after, err := s.Count(ctx, AllSessions)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestAppend_OnlyAppends(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	a, err := s.Append(ctx, RoleUser, "first", "")
	require.NoError(t, err)
	_, err = s.Append(ctx, RoleAssistant, "second", "")
	require.NoError(t, err)
	_, err = s.Append(ctx, RoleUser, "first", "")
	require.NoError(t, err)

	msgs := collect(t, s.ListAll(ctx, AllSessions))
	require.Len(t, msgs, 2)
	require.Equal(t, a.ID, msgs[0].ID)
	require.Equal(t, "first", msgs[0].Content)
	require.Equal(t, RoleUser, msgs[0].Role)

	db, err := s.conn()
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE messages SET content = 'rewritten' WHERE id = ?`, a.ID)
	require.Error(t, err)
	_, err = db.Exec(`DELETE FROM messages WHERE id = ?`, a.ID)
	require.Error(t, err)
}

func TestListAll_SessionsAndOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	for i := range 5 {
		session := "a"
		if i%2 == 1 {
			session = "b"
		}
		_, err := s.Append(ctx, RoleUser, fmt.Sprintf("msg %d", i), session)
		require.NoError(t, err)
	}

	all := collect(t, s.ListAll(ctx, AllSessions))
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		require.Greater(t, all[i].ID, all[i-1].ID)
	}

	a := collect(t, s.ListAll(ctx, "a"))
	require.Len(t, a, 3)
	for _, m := range a {
		require.Equal(t, "a", m.SessionID)
	}

	n, err := s.Count(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestPages_RestartableAndBounded(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	for i := range 7 {
		_, err := s.Append(ctx, RoleUser, fmt.Sprintf("msg %d", i), "")
		require.NoError(t, err)
	}

	seq := s.Pages(ctx, AllSessions, 3)
	for range 2 {
		var sizes []int
		for page, err := range seq {
			require.NoError(t, err)
			sizes = append(sizes, len(page))
		}
		require.Equal(t, []int{3, 3, 1}, sizes)
	}

	var seen int
	for range s.ListAll(ctx, AllSessions) {
		seen++
		if seen == 2 {
			break
		}
	}
	require.Equal(t, 2, seen)
}

func TestAppend_ConcurrentSameContent(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	var wg sync.WaitGroup
	results := make([]AppendResult, 16)
	errs := make([]error, len(results))
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.Append(ctx, RoleSystem, "startup diagnostics ok", "")
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	inserted := 0
	for _, r := range results {
		if r.Inserted {
			inserted++
		}
		require.Equal(t, results[0].ID, r.ID)
	}
	require.Equal(t, 1, inserted)

	n, err := s.Count(ctx, AllSessions)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestAppend_DedupBucket(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s, _ := openTestStore(t, WithDedupBucket(time.Minute), WithClock(clock))

	first, err := s.Append(ctx, RoleUser, "yes", "")
	require.NoError(t, err)
	require.True(t, first.Inserted)

	now = now.Add(10 * time.Second)
	same, err := s.Append(ctx, RoleUser, "yes", "")
	require.NoError(t, err)
	require.False(t, same.Inserted)

	now = now.Add(2 * time.Minute)
	later, err := s.Append(ctx, RoleUser, "yes", "")
	require.NoError(t, err)
	require.True(t, later.Inserted)
	require.Greater(t, later.ID, first.ID)
}

func TestInsert_PreservesTimestampAndHash(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	msg, err := NewMessage(RoleAssistant, "recovered", "s1", at, 0)
	require.NoError(t, err)

	res, err := s.Insert(ctx, msg)
	require.NoError(t, err)
	require.True(t, res.Inserted)

	msgs := collect(t, s.ListAll(ctx, "s1"))
	require.Len(t, msgs, 1)
	require.True(t, at.Equal(msgs[0].CreatedAt))
	require.Equal(t, msg.ContentHash, msgs[0].ContentHash)
}

func TestClosedStore_ReturnsStorageErrors(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.Append(ctx, RoleUser, "hello", "")
	var werr *StorageWriteError
	require.ErrorAs(t, err, &werr)

	_, err = s.Count(ctx, AllSessions)
	var rerr *StorageReadError
	require.ErrorAs(t, err, &rerr)

	for _, err := range s.ListAll(ctx, AllSessions) {
		require.ErrorAs(t, err, &rerr)
	}
}

func TestWatchdog_ReturnsOnTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := watchdog(ctx, func(context.Context) (int, error) {
		<-release
		return 1, nil
	})
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Less(t, time.Since(start), time.Second)
}

func TestFingerprint(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	fp, err := s.Fingerprint(ctx)
	require.NoError(t, err)
	require.Equal(t, Fingerprint{}, fp)

	res, err := s.Append(ctx, RoleUser, "hi", "")
	require.NoError(t, err)

	fp, err = s.Fingerprint(ctx)
	require.NoError(t, err)
	require.Equal(t, Fingerprint{Count: 1, MaxID: res.ID}, fp)
}

func TestRefresh_FollowsReplacedFile(t *testing.T) {
	ctx := context.Background()
	s, path := openTestStore(t)
	_, err := s.Append(ctx, RoleUser, "old file", "")
	require.NoError(t, err)

	reopened, err := s.Refresh()
	require.NoError(t, err)
	require.False(t, reopened)

	other := path + ".new"
	o, err := Open(other)
	require.NoError(t, err)
	for _, c := range []string{"new file", "newer"} {
		_, err := o.Append(ctx, RoleUser, c, "")
		require.NoError(t, err)
	}
	require.NoError(t, o.Close())
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Rename(other, path))

	reopened, err = s.Refresh()
	require.NoError(t, err)
	require.True(t, reopened)

	n, err := s.Count(ctx, AllSessions)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	res, err := s.Append(ctx, RoleAssistant, "written to the new file", "")
	require.NoError(t, err)
	require.True(t, res.Inserted)
	require.Equal(t, int64(3), res.ID)
}

func TestNew_UnreadableFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a sqlite database, just a text file"), 0o600))

	s := New(path)
	defer s.Close()

	_, err := s.Refresh()
	var rerr *StorageReadError
	require.ErrorAs(t, err, &rerr)

	_, err = s.Append(ctx, RoleUser, "hello", "")
	var werr *StorageWriteError
	require.ErrorAs(t, err, &werr)

	require.NoError(t, os.Remove(path))
	reopened, err := s.Refresh()
	require.NoError(t, err)
	require.True(t, reopened)

	res, err := s.Append(ctx, RoleUser, "hello", "")
	require.NoError(t, err)
	require.True(t, res.Inserted)
}

func TestRefresh_ClosedStoreStaysClosed(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.Refresh()
	require.ErrorIs(t, err, errClosed)
}

func TestReplaceFrom_IDsKeepIncreasing(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	_, err := s.Append(ctx, RoleUser, "a", "")
	require.NoError(t, err)

	snap := filepath.Join(t.TempDir(), "snap.db")
	n, err := s.SnapshotTo(ctx, snap)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	for _, c := range []string{"b", "c"} {
		_, err := s.Append(ctx, RoleUser, c, "")
		require.NoError(t, err)
	}

	require.NoError(t, s.ReplaceFrom(ctx, snap))
	n, err = s.Count(ctx, AllSessions)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res, err := s.Append(ctx, RoleUser, "d", "")
	require.NoError(t, err)
	require.True(t, res.Inserted)
	require.Equal(t, int64(4), res.ID)
}
