// Package window keeps the bounded, in-memory view of the most recent
// conversation. It is never the source of truth: the history store is.
package window

import (
	"slices"
	"sync"

	"github.com/comigor/convlog/internal/history"
)

// DefaultBound is the number of messages kept when the host does not say otherwise.
const DefaultBound = 10000

// Window is a fixed-capacity ring buffer of messages. Evicting the oldest
// entry only affects this view, never the store.
type Window struct {
	mu    sync.RWMutex
	buf   []history.Message
	head  int // index of the oldest entry
	size  int
	bound int
}

// New returns an empty window holding at most bound messages.
func New(bound int) *Window {
	if bound <= 0 {
		bound = DefaultBound
	}
	return &Window{
		buf:   make([]history.Message, bound),
		bound: bound,
	}
}

// Bound returns the capacity.
func (w *Window) Bound() int { return w.bound }

// Len returns the number of buffered messages.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}

// Push appends msg to the tail, evicting the head when full.
func (w *Window) Push(msg history.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.push(msg)
}

func (w *Window) push(msg history.Message) {
	if w.size < w.bound {
		w.buf[(w.head+w.size)%w.bound] = msg
		w.size++
		return
	}
	w.buf[w.head] = msg
	w.head = (w.head + 1) % w.bound
}

// Snapshot returns a copy of the buffer, oldest first. The copy is safe to
// iterate while pushes continue.
func (w *Window) Snapshot() []history.Message {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ordered()
}

func (w *Window) ordered() []history.Message {
	out := make([]history.Message, w.size)
	for i := range w.size {
		out[i] = w.buf[(w.head+i)%w.bound]
	}
	return out
}

// Clear empties the window and returns what it held so the caller can
// archive it.
func (w *Window) Clear() []history.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	cleared := w.ordered()
	w.reset()
	return cleared
}

func (w *Window) reset() {
	clear(w.buf)
	w.head = 0
	w.size = 0
}

// Contains reports whether a message with the given content hash is buffered.
func (w *Window) Contains(hash string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for i := range w.size {
		if w.buf[(w.head+i)%w.bound].ContentHash == hash {
			return true
		}
	}
	return false
}

// Merge adds msgs that are not already buffered (by content hash) and keeps
// the buffer in chronological order. Nothing already buffered is removed,
// except by the normal oldest-first eviction when the bound is exceeded.
// It returns how many messages were added.
func (w *Window) Merge(msgs []history.Message) int {
	if len(msgs) == 0 {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	current := w.ordered()
	seen := make(map[string]struct{}, len(current)+len(msgs))
	for _, m := range current {
		seen[m.ContentHash] = struct{}{}
	}

	adopt := make([]history.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.ContentHash]; ok {
			continue
		}
		seen[m.ContentHash] = struct{}{}
		adopt = append(adopt, m)
	}
	if len(adopt) == 0 {
		return 0
	}
	slices.SortStableFunc(adopt, compare)

	merged := make([]history.Message, 0, len(current)+len(adopt))
	i, j := 0, 0
	for i < len(current) && j < len(adopt) {
		if compare(adopt[j], current[i]) < 0 {
			merged = append(merged, adopt[j])
			j++
		} else {
			merged = append(merged, current[i])
			i++
		}
	}
	merged = append(merged, current[i:]...)
	merged = append(merged, adopt[j:]...)

	w.reset()
	for _, m := range merged {
		w.push(m)
	}
	return len(adopt)
}

// MarkDurable records the store id of a buffered message that was written
// after it entered the window.
func (w *Window) MarkDurable(hash string, id int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.size {
		idx := (w.head + i) % w.bound
		if w.buf[idx].ContentHash == hash {
			w.buf[idx].ID = id
			return true
		}
	}
	return false
}

// Pending returns buffered messages that have no store id yet.
func (w *Window) Pending() []history.Message {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []history.Message
	for i := range w.size {
		if m := w.buf[(w.head+i)%w.bound]; !m.Durable() {
			out = append(out, m)
		}
	}
	return out
}

// compare orders by creation time, then by store id.
func compare(a, b history.Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}
