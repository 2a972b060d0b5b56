package receipts

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultDebounce is the delay between a mark-read request and its
// emission. Requests arriving while one is pending for the same
// conversation are coalesced, avoiding a storm of calls while the user
// scrolls through unread messages.
const DefaultDebounce = 200 * time.Millisecond

// Scheduler debounces and coalesces mark-read emissions per
// conversation.
type Scheduler struct {
	mu      sync.Mutex
	delay   time.Duration
	send    func(conversationID string)
	pending map[string]*time.Timer
	closed  bool
}

// NewScheduler creates a scheduler emitting through send after delay.
// A non-positive delay selects DefaultDebounce.
func NewScheduler(delay time.Duration, send func(conversationID string)) *Scheduler {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Scheduler{
		delay:   delay,
		send:    send,
		pending: make(map[string]*time.Timer),
	}
}

// Schedule queues a mark-read emission for the conversation. If one is
// already pending the request is dropped, not queued.
func (s *Scheduler) Schedule(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if _, inFlight := s.pending[conversationID]; inFlight {
		return
	}
	s.pending[conversationID] = time.AfterFunc(s.delay, func() {
		s.fire(conversationID)
	})
}

// Flush emits a pending mark-read for the conversation immediately,
// e.g. just before teardown. No-op when nothing is pending.
func (s *Scheduler) Flush(conversationID string) {
	s.mu.Lock()
	timer, ok := s.pending[conversationID]
	s.mu.Unlock()

	if ok && timer.Stop() {
		s.fire(conversationID)
	}
}

// Close cancels every pending emission.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, timer := range s.pending {
		timer.Stop()
		delete(s.pending, id)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Debug("Mark-read scheduler closed")
}

func (s *Scheduler) fire(conversationID string) {
	s.mu.Lock()
	delete(s.pending, conversationID)
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}
	s.send(conversationID)
}
