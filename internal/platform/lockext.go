package platform

import (
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Go's sync.Mutex/RWMutex don't poison on panic the way Rust's std::sync
// primitives do, so there is no literal recovery step here. What we
// replicate from spec.md §5 ("Poisoned locks are recovered, never
// propagated... a dedicated wrapper on every lock acquire logs a warning and
// returns the inner guard anyway") is the other half of that guarantee: a
// panic inside code holding one of these locks must not take the rest of the
// manager down with it. Guarded/RGuarded wrap a unit of locked work in a
// recover() so a panicking worker logs and releases the lock instead of
// leaving it held forever, which is the actual failure mode corresponding to
// a poisoned lock in this language.

// Guarded runs fn while holding a sync.Locker, recovering any panic inside
// fn so the lock is always released and the manager keeps servicing other
// requests (spec.md §8 P8).
func Guarded(log hclog.Logger, l sync.Locker, fn func()) {
	l.Lock()
	defer func() {
		l.Unlock()
		if r := recover(); r != nil {
			log.Warn("recovered from panic while holding lock", "panic", r)
		}
	}()
	fn()
}

// RGuarded is the read-lock analogue of Guarded for sync.RWMutex-shaped
// types that expose RLock/RUnlock.
type RLocker interface {
	RLock()
	RUnlock()
}

func RGuarded(log hclog.Logger, l RLocker, fn func()) {
	l.RLock()
	defer func() {
		l.RUnlock()
		if r := recover(); r != nil {
			log.Warn("recovered from panic while holding read lock", "panic", r)
		}
	}()
	fn()
}
