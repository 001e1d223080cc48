package lime

import (
	"sync"

	"github.com/lime-go/lime/envelope"
)

// MessageListener is called for each received Message.
type MessageListener func(*envelope.Message)

// NotificationListener is called for each received Notification.
type NotificationListener func(*envelope.Notification)

// CommandListener is called for each received Command that isn't consumed
// by a pending Channel.Command correlation.
type CommandListener func(*envelope.Command)

// SessionListener is called for each received Session that isn't consumed
// by a pending Channel.NextSession wait.
type SessionListener func(*envelope.Session)

// Cancel removes a listener previously registered with one of Channel's
// On* methods. Calling Cancel more than once is a no-op.
type Cancel func()

// listenerSet holds the long-lived subscribers for one envelope kind. It is
// generalized over the listener's function type because Message,
// Notification, Command, and Session listeners are otherwise identical in
// how they're registered, canceled, and fanned out to.
type listenerSet[L any] struct {
	mu        sync.Mutex
	listeners map[int]L
	nextID    int
}

func (s *listenerSet[L]) add(l L) Cancel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[int]L)
	}
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// each calls fn with a snapshot of the currently registered listeners, so a
// listener that cancels itself (or another listener) mid-dispatch doesn't
// race the map it's iterating.
func (s *listenerSet[L]) each(fn func(L)) {
	s.mu.Lock()
	snapshot := make([]L, 0, len(s.listeners))
	for _, l := range s.listeners {
		snapshot = append(snapshot, l)
	}
	s.mu.Unlock()
	for _, l := range snapshot {
		fn(l)
	}
}

// onceQueue is a FIFO of one-shot waiters for a single envelope kind,
// used where the protocol guarantees at most one outstanding receive at a
// time, such as a ClientSession waiting for the next handshake Session.
type onceQueue[T any] struct {
	mu sync.Mutex
	q  []chan T
}

func (o *onceQueue[T]) enqueue() <-chan T {
	ch := make(chan T, 1)
	o.mu.Lock()
	o.q = append(o.q, ch)
	o.mu.Unlock()
	return ch
}

// dispatch delivers v to the oldest waiter, if any, and reports whether one
// was waiting.
func (o *onceQueue[T]) dispatch(v T) bool {
	o.mu.Lock()
	if len(o.q) == 0 {
		o.mu.Unlock()
		return false
	}
	ch := o.q[0]
	o.q = o.q[1:]
	o.mu.Unlock()
	ch <- v
	close(ch)
	return true
}
