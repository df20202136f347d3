// Package signal provides a small observer-list primitive used for change
// notification across the navigation core. Each event type gets its own
// Signal; there is no global dispatch table. Observers are invoked in
// connection order.
package signal

import "sync"

// Handle identifies one connection to a Signal so it can be disconnected
// later.
type Handle uint64

type entry[T any] struct {
	h  Handle
	fn func(T)
}

// Signal is an ordered list of observers for one event type. The zero value
// is ready to use. Connect, Disconnect and Emit are safe for concurrent use;
// observers run outside the internal lock, so an observer may connect or
// disconnect from within its callback.
type Signal[T any] struct {
	mu   sync.Mutex
	next Handle
	subs []entry[T]
}

// Connect registers fn and returns a handle for later disconnection.
func (s *Signal[T]) Connect(fn func(T)) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.subs = append(s.subs, entry[T]{h: s.next, fn: fn})
	return s.next
}

// Disconnect removes the observer registered under h. It reports whether a
// matching connection was found.
func (s *Signal[T]) Disconnect(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.subs {
		if e.h == h {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Emit delivers v to every connected observer in connection order.
func (s *Signal[T]) Emit(v T) {
	s.mu.Lock()
	snapshot := make([]entry[T], len(s.subs))
	copy(snapshot, s.subs)
	s.mu.Unlock()
	for _, e := range snapshot {
		e.fn(v)
	}
}

// Len returns the number of connected observers.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
