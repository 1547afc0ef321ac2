// Package pidtable implements the PID table of spec.md §3 and the
// independent-lock discipline of spec.md §5: it is reachable by the signal
// handler without ever taking the RuntimeInfo read/write lock, which is
// what breaks the 3-way deadlock documented in
// _examples/original_source/systemd-rs/crates/libsystemd/src/runtime_info.rs
// and signal_handler.rs.
package pidtable

import (
	"sync"

	"github.com/systemd-rs-go/manager/internal/unit"
)

// ServiceType is an alias of unit.ServiceType; callers already holding a
// unit.ServiceType may pass it directly since the type is identical.
type ServiceType = unit.ServiceType

// Termination records how a child exited.
type Termination struct {
	Exited bool
	Code   int
	Signal int
}

func (t Termination) Success() bool {
	return t.Exited && t.Code == 0
}

// EntryKind discriminates the four PidEntry variants of spec.md §3.
type EntryKind int

const (
	KindService EntryKind = iota
	KindServiceExited
	KindHelper
	KindHelperExited
)

// Entry is one PID table row.
type Entry struct {
	Kind        EntryKind
	Unit        unit.ID
	ServiceType ServiceType
	Phase       string // Helper phase: "start-pre", "start", "start-post", "stop", ...
	Termination Termination
}

// Table is the process-wide pid -> Entry map, behind its own mutex,
// independent of the RuntimeInfo lock (spec.md §5).
type Table struct {
	mu      sync.Mutex
	entries map[int]Entry
}

func New() *Table {
	return &Table{entries: make(map[int]Entry)}
}

// Insert records a freshly forked child.
func (t *Table) Insert(pid int, e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[pid] = e
}

// Get returns the entry for pid, if any.
func (t *Table) Get(pid int) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[pid]
	return e, ok
}

// MarkExited transitions Service->ServiceExited or Helper->HelperExited in
// place, called directly from the signal-handling goroutine (spec.md §8 P9:
// "within 100ms of SIGCHLD delivery, the corresponding PID table entry
// transitions from Service to ServiceExited"). Returns the unit id if this
// was a tracked service, so the caller can spawn the restart-policy handler
// on its own goroutine without holding this lock.
func (t *Table) MarkExited(pid int, term Termination) (id unit.ID, wasService bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[pid]
	if !ok {
		return unit.ID{}, false
	}
	switch e.Kind {
	case KindService:
		e.Kind = KindServiceExited
		e.Termination = term
		t.entries[pid] = e
		return e.Unit, true
	case KindHelper:
		e.Kind = KindHelperExited
		e.Termination = term
		t.entries[pid] = e
		return unit.ID{}, false
	default:
		return unit.ID{}, false
	}
}

// Remove deletes a row once its exit has been fully processed.
func (t *Table) Remove(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, pid)
}

// FindPIDForUnit returns the pid currently tracked as the Service entry for
// id, used by the control interface's status/TaskStats enrichment.
func (t *Table) FindPIDForUnit(id unit.ID) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for pid, e := range t.entries {
		if e.Kind == KindService && e.Unit == id {
			return pid, true
		}
	}
	return 0, false
}

// Retarget updates the tracked pid for a unit, used when a notify service
// sends MAINPID=n (spec.md §4.6).
func (t *Table) Retarget(oldPID, newPID int, id unit.ID, st ServiceType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if oldPID != 0 {
		delete(t.entries, oldPID)
	}
	t.entries[newPID] = Entry{Kind: KindService, Unit: id, ServiceType: st}
}
