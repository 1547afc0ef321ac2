// Package fdstore implements the FD store of spec.md §3/§4.5/§4.6: the
// canonical long-lived holder of socket-activation and FDSTORE=1 file
// descriptors, keyed by the owning unit.
package fdstore

import (
	"fmt"
	"os"
	"sync"

	"github.com/systemd-rs-go/manager/internal/unit"
)

// NamedFD is one stored file descriptor plus its LISTEN_FDNAMES name.
type NamedFD struct {
	Name string
	File *os.File
}

// Store is the reader/writer-locked fd -> unit mapping (spec.md §5:
// "readers are socket activation drains, writers are activation/
// deactivation").
type Store struct {
	mu  sync.RWMutex
	fds map[unit.ID][]NamedFD
}

func New() *Store {
	return &Store{fds: make(map[unit.ID][]NamedFD)}
}

// Put appends fds owned by id. Every fd must already be O_CLOEXEC (spec.md
// §4.5: "each endpoint is created close-on-exec").
func (s *Store) Put(id unit.ID, fds ...NamedFD) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fds[id] = append(s.fds[id], fds...)
}

// Get returns the fds currently stored for id, in declared order.
func (s *Store) Get(id unit.ID) []NamedFD {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NamedFD, len(s.fds[id]))
	copy(out, s.fds[id])
	return out
}

// Clear closes and removes every fd owned by id, called when the owning
// socket/service unit is torn down.
func (s *Store) Clear(id unit.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fd := range s.fds[id] {
		fd.File.Close()
	}
	delete(s.fds, id)
}

// Cap enforces FileDescriptorStoreMax when appending FDSTORE=1 fds: if the
// store for id already holds max entries, the oldest is closed and evicted.
func (s *Store) Cap(id unit.ID, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max <= 0 {
		return nil
	}
	list := s.fds[id]
	for len(list) > max {
		list[0].File.Close()
		list = list[1:]
	}
	s.fds[id] = list
	if len(list) >= max {
		return fmt.Errorf("fd store for %s at capacity (%d)", id, max)
	}
	return nil
}
