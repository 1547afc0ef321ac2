package runtimeinfo

// EventFD stands in for the four literal Linux eventfds of spec.md §3/§5
// ("four event file descriptors (one per background drain thread)"), used
// to wake a poll loop when new work (a new notify socket, a new listening
// fd) is added without a full reconfiguration. A buffered channel of
// capacity 1 gives the same "coalescing wakeup" semantics as an eventfd in
// non-semaphore mode: multiple Notify calls between wakeups collapse into
// a single drain-loop iteration.
type EventFD struct {
	ch chan struct{}
}

func NewEventFD() *EventFD {
	return &EventFD{ch: make(chan struct{}, 1)}
}

// Notify wakes the associated drain loop, coalescing with any pending wakeup.
func (e *EventFD) Notify() {
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

// C is the channel a select-based poll loop waits on alongside its fds.
func (e *EventFD) C() <-chan struct{} { return e.ch }
