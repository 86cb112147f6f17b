// Package backup keeps three generations (son, father, grandfather) of the
// conversation store so destructive operations can be undone by hand.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/convlog/internal/history"
	"github.com/comigor/convlog/internal/logger"
)

// Slot names a backup generation.
type Slot string

const (
	SlotSon         Slot = "son"
	SlotFather      Slot = "father"
	SlotGrandfather Slot = "grandfather"
)

// Slots lists the generations, newest first.
var Slots = []Slot{SlotSon, SlotFather, SlotGrandfather}

// ParseSlot validates a slot name.
func ParseSlot(s string) (Slot, error) {
	for _, slot := range Slots {
		if string(slot) == s {
			return slot, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSlot, s)
}

const metadataFile = "backups.json"

// Temp files older than this are left over from an interrupted or timed-out
// snapshot or restore. Younger ones may belong to another running process.
const staleTempAge = 10 * time.Minute

var (
	ErrUnknownSlot = errors.New("unknown backup slot")
	ErrEmptySlot   = errors.New("backup slot is empty")
	ErrStaleBackup = errors.New("backup slot is stale")
)

// BackupIOError wraps a failure to write or read a backup. It should be
// logged loudly but never block the operation that asked for the backup.
type BackupIOError struct {
	Op  string
	Err error
}

func (e *BackupIOError) Error() string {
	return "backup: " + e.Op + ": " + e.Err.Error()
}

func (e *BackupIOError) Unwrap() error { return e.Err }

// Source is the live store being backed up.
type Source interface {
	SnapshotTo(ctx context.Context, dst string) (int, error)
	ReplaceFrom(ctx context.Context, src string) error
	Inspect(ctx context.Context, path string) (int, error)
}

// Generation describes the content of one slot.
type Generation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Reason    string    `json:"reason"`
	RowCount  int       `json:"row_count"`
	Stale     bool      `json:"stale,omitempty"`
}

// Metadata is persisted next to the backup files.
type Metadata struct {
	Slots map[Slot]*Generation `json:"slots"`
}

// Get returns the generation in slot, or nil.
func (md Metadata) Get(slot Slot) *Generation {
	if md.Slots == nil {
		return nil
	}
	return md.Slots[slot]
}

// IntegrityReport is the result of Verify.
type IntegrityReport struct {
	Slot     Slot   `json:"slot"`
	RowCount int    `json:"row_count"`
	ParseOK  bool   `json:"parse_ok"`
	Error    string `json:"error,omitempty"`
}

// Manager rotates snapshots of a Source through the three slots.
type Manager struct {
	mu  sync.Mutex
	dir string
	src Source
	now func() time.Time
}

// NewManager creates dir if needed and returns a manager writing into it.
func NewManager(dir string, src Source) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &BackupIOError{Op: "mkdir", Err: err}
	}
	m := &Manager{dir: dir, src: src, now: time.Now}
	m.sweep()
	return m, nil
}

// sweep removes staging files abandoned by earlier snapshots and restores.
func (m *Manager) sweep() {
	for _, pattern := range []string{".incoming-*.db", ".restore-*.db"} {
		matches, err := filepath.Glob(filepath.Join(m.dir, pattern))
		if err != nil {
			continue
		}
		for _, path := range matches {
			fi, err := os.Stat(path)
			if err != nil || m.now().Sub(fi.ModTime()) < staleTempAge {
				continue
			}
			if err := os.Remove(path); err != nil {
				logger.L.Warn("cannot remove abandoned backup file", "path", path, "error", err)
				continue
			}
			logger.L.Info("removed abandoned backup file", "path", path)
		}
	}
}

// Dir returns the backup directory.
func (m *Manager) Dir() string { return m.dir }

func (m *Manager) slotPath(slot Slot) string {
	return filepath.Join(m.dir, string(slot)+".db")
}

// Snapshot copies the live store into the son slot, rotating older
// generations down. Nothing is rotated unless the copy succeeded.
func (m *Manager) Snapshot(ctx context.Context, reason string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(ctx, reason)
}

func (m *Manager) snapshot(ctx context.Context, reason string) (string, error) {
	id := uuid.NewString()
	incoming := filepath.Join(m.dir, ".incoming-"+id+".db")

	rows, err := m.src.SnapshotTo(ctx, incoming)
	if err != nil {
		_ = os.Remove(incoming)
		return "", m.fail("snapshot", err, "reason", reason)
	}

	md, err := m.readMetadata()
	if err != nil {
		_ = os.Remove(incoming)
		return "", m.fail("snapshot", err, "reason", reason)
	}
	if err := m.rotate(&md); err != nil {
		_ = os.Remove(incoming)
		return "", m.fail("rotate", err, "reason", reason)
	}
	if err := os.Rename(incoming, m.slotPath(SlotSon)); err != nil {
		_ = os.Remove(incoming)
		return "", m.fail("snapshot", err, "reason", reason)
	}
	md.Slots[SlotSon] = &Generation{
		ID:        id,
		CreatedAt: m.now(),
		Reason:    reason,
		RowCount:  rows,
	}
	if err := m.writeMetadata(md); err != nil {
		return "", m.fail("metadata", err, "reason", reason)
	}

	logger.L.Info("backup created", "id", id, "reason", reason, "rows", rows)
	return id, nil
}

// Rotate shifts son to father and father to grandfather, discarding the old
// grandfather. The son slot is left empty.
func (m *Manager) Rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, err := m.readMetadata()
	if err != nil {
		return m.fail("rotate", err)
	}
	if err := m.rotate(&md); err != nil {
		return m.fail("rotate", err)
	}
	if err := m.writeMetadata(md); err != nil {
		return m.fail("metadata", err)
	}
	return nil
}

func (m *Manager) rotate(md *Metadata) error {
	if err := removeIfExists(m.slotPath(SlotGrandfather)); err != nil {
		return err
	}
	delete(md.Slots, SlotGrandfather)

	for i := len(Slots) - 1; i > 0; i-- {
		older, newer := Slots[i], Slots[i-1]
		if err := renameIfExists(m.slotPath(newer), m.slotPath(older)); err != nil {
			return err
		}
		if g, ok := md.Slots[newer]; ok {
			md.Slots[older] = g
			delete(md.Slots, newer)
		}
	}
	return nil
}

// Verify checks that a slot holds a readable store. A failing slot is marked
// stale so Restore refuses it without force.
func (m *Manager) Verify(ctx context.Context, slot Slot) (IntegrityReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verify(ctx, slot)
}

func (m *Manager) verify(ctx context.Context, slot Slot) (IntegrityReport, error) {
	report := IntegrityReport{Slot: slot}
	if _, err := ParseSlot(string(slot)); err != nil {
		return report, err
	}
	md, err := m.readMetadata()
	if err != nil {
		return report, &BackupIOError{Op: "metadata", Err: err}
	}
	gen := md.Get(slot)
	if gen == nil {
		return report, fmt.Errorf("%w: %s", ErrEmptySlot, slot)
	}

	rows, ierr := m.src.Inspect(ctx, m.slotPath(slot))
	if ierr == nil {
		report.RowCount = rows
		report.ParseOK = true
	} else {
		report.Error = ierr.Error()
	}

	if stale := !report.ParseOK; stale != gen.Stale {
		gen.Stale = stale
		if err := m.writeMetadata(md); err != nil {
			return report, &BackupIOError{Op: "metadata", Err: err}
		}
	}
	if !report.ParseOK {
		logger.L.Error("backup failed verification", "slot", slot, "error", ierr)
	}
	return report, nil
}

// Restore copies slot back over the live store. It verifies the slot first
// and refuses a stale one unless force is set. The live store is itself
// snapshotted before it is replaced; a failure there is logged, not fatal.
func (m *Manager) Restore(ctx context.Context, slot Slot, force bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	report, err := m.verify(ctx, slot)
	if err != nil {
		return false, err
	}
	if !report.ParseOK && !force {
		return false, fmt.Errorf("%w: %s (%s)", ErrStaleBackup, slot, report.Error)
	}

	staging := filepath.Join(m.dir, ".restore-"+uuid.NewString()+".db")
	if err := history.CopyFile(m.slotPath(slot), staging); err != nil {
		return false, m.fail("restore", err, "slot", slot)
	}
	defer os.Remove(staging)

	if _, err := m.snapshot(ctx, "before_restore"); err != nil {
		logger.L.Error("continuing restore without a fresh backup", "slot", slot, "error", err)
	}

	if err := m.src.ReplaceFrom(ctx, staging); err != nil {
		return false, m.fail("restore", err, "slot", slot)
	}
	logger.L.Warn("store restored from backup", "slot", slot, "rows", report.RowCount)
	return true, nil
}

// Metadata returns the current slot metadata.
func (m *Manager) Metadata() (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, err := m.readMetadata()
	if err != nil {
		return Metadata{}, &BackupIOError{Op: "metadata", Err: err}
	}
	return md, nil
}

func (m *Manager) fail(op string, err error, attrs ...any) error {
	berr := &BackupIOError{Op: op, Err: err}
	logger.L.Error("backup operation failed", append([]any{"op", op, "error", err}, attrs...)...)
	return berr
}

func (m *Manager) readMetadata() (Metadata, error) {
	md := Metadata{Slots: map[Slot]*Generation{}}
	data, err := os.ReadFile(filepath.Join(m.dir, metadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return md, nil
	}
	if err != nil {
		return md, err
	}
	if err := json.Unmarshal(data, &md); err != nil {
		return md, fmt.Errorf("decode %s: %w", metadataFile, err)
	}
	if md.Slots == nil {
		md.Slots = map[Slot]*Generation{}
	}
	return md, nil
}

func (m *Manager) writeMetadata(md Metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(m.dir, metadataFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(m.dir, metadataFile))
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func renameIfExists(from, to string) error {
	if err := os.Rename(from, to); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
