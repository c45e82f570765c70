// Package pubsub provides a minimal in-process publish-subscribe hub used to
// signal cart changes to readers in the same process, decoupled from any
// transport. Notifications carry no payload; subscribers re-read the store.
package pubsub

import "sync"

// Subject fans out change signals per topic. A topic is typically a session
// or user ID. Publishing never blocks: each subscriber channel is buffered
// with capacity one, and a pending signal coalesces subsequent ones.
type Subject struct {
	mu     sync.Mutex
	subs   map[string]map[uint64]chan struct{}
	nextID uint64
	closed bool
}

// NewSubject creates an empty Subject.
func NewSubject() *Subject {
	return &Subject{
		subs: make(map[string]map[uint64]chan struct{}),
	}
}

// Subscribe registers interest in a topic. The returned channel receives a
// signal after each Publish on that topic. The cancel function removes the
// subscription; it is safe to call more than once.
func (s *Subject) Subscribe(topic string) (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{}, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	s.nextID++
	id := s.nextID
	if s.subs[topic] == nil {
		s.subs[topic] = make(map[uint64]chan struct{})
	}
	s.subs[topic][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if subs, ok := s.subs[topic]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(s.subs, topic)
				}
			}
		})
	}

	return ch, cancel
}

// Publish signals every subscriber of the topic. Signals to subscribers with
// an undelivered pending signal are coalesced.
func (s *Subject) Publish(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	for _, ch := range s.subs[topic] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close tears down the Subject. All subscriber channels are closed and
// further Subscribe calls return closed channels.
func (s *Subject) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	for topic, subs := range s.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(s.subs, topic)
	}
}
