// Package typing implements typing indicators: the local debounced
// start/stop signaler and the remote per-conversation typing state with
// bounded staleness.
//
// Remote entries expire on their own even when a stop signal is lost:
// the backing cache evicts anything older than the expiry window via a
// periodic sweep, so a dropped `stop` bounds staleness instead of
// leaking a permanent "is typing" row.
package typing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/events"
	"github.com/opd-ai/chatsync/store"
)

const (
	// DefaultDebounce is the quiet period after the last keystroke
	// before a stop-typing signal is emitted.
	DefaultDebounce = 2 * time.Second

	// DefaultExpiry is how long a remote typing entry survives without
	// a fresh signal.
	DefaultExpiry = 10 * time.Second

	// DefaultSweep is the interval of the expiry sweep over remote
	// entries.
	DefaultSweep = 5 * time.Second

	// signalTimeout bounds the network call for one typing signal.
	signalTimeout = 5 * time.Second
)

// Signaler broadcasts the local user's typing signals.
type Signaler interface {
	SendTyping(ctx context.Context, conversationID string, typing bool) error
}

// signalBuffer is the capacity of the outbound signal queue. Typing
// signals are tiny and rare; the buffer only exists so callers never
// wait on the network.
const signalBuffer = 32

// Notifier debounces local keystrokes into start/stop typing signals.
//
// The first keystroke emits a start; each keystroke resets the quiet
// timer; when the timer fires with no further input a stop is emitted.
// Sending the message forces an immediate stop regardless of the timer.
// Signals are delivered by a single background goroutine in emission
// order; Input and MessageSent never block on the network.
type Notifier struct {
	signaler Signaler
	debounce time.Duration
	queue    chan signal
	drained  chan struct{}

	mu     sync.Mutex
	timers map[string]*time.Timer
	active map[string]bool
	closed bool
}

type signal struct {
	conversationID string
	typing         bool
}

// NewNotifier creates a notifier emitting through signaler. A
// non-positive debounce selects DefaultDebounce.
func NewNotifier(signaler Signaler, debounce time.Duration) *Notifier {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	n := &Notifier{
		signaler: signaler,
		debounce: debounce,
		queue:    make(chan signal, signalBuffer),
		drained:  make(chan struct{}),
		timers:   make(map[string]*time.Timer),
		active:   make(map[string]bool),
	}
	go n.sendLoop()
	return n
}

// Input records one keystroke in the conversation's composer.
func (n *Notifier) Input(conversationID string) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	starting := !n.active[conversationID]
	n.active[conversationID] = true
	if t, ok := n.timers[conversationID]; ok {
		t.Stop()
	}
	n.timers[conversationID] = time.AfterFunc(n.debounce, func() {
		n.quiet(conversationID)
	})
	n.mu.Unlock()

	if starting {
		n.emit(conversationID, true)
	}
}

// MessageSent forces a stop signal for the conversation, called when
// the composed message is sent.
func (n *Notifier) MessageSent(conversationID string) {
	n.mu.Lock()
	if t, ok := n.timers[conversationID]; ok {
		t.Stop()
		delete(n.timers, conversationID)
	}
	wasActive := n.active[conversationID]
	delete(n.active, conversationID)
	n.mu.Unlock()

	if wasActive {
		n.emit(conversationID, false)
	}
}

// Close stops all timers, queues a stop for every conversation still
// marked as typing and waits for the queue to drain.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	active := make([]string, 0, len(n.active))
	for id := range n.active {
		active = append(active, id)
	}
	for id, t := range n.timers {
		t.Stop()
		delete(n.timers, id)
	}
	n.active = make(map[string]bool)
	n.mu.Unlock()

	n.mu.Lock()
	for _, id := range active {
		n.enqueueLocked(id, false)
	}
	close(n.queue)
	n.mu.Unlock()

	<-n.drained
}

// quiet is the debounce timer expiry: no keystroke arrived within the
// window, so typing has stopped.
func (n *Notifier) quiet(conversationID string) {
	n.mu.Lock()
	wasActive := n.active[conversationID]
	delete(n.active, conversationID)
	delete(n.timers, conversationID)
	n.mu.Unlock()

	if wasActive {
		n.emit(conversationID, false)
	}
}

// emit queues one signal for delivery. Never blocks: the caller is the
// UI input path or a timer goroutine.
func (n *Notifier) emit(conversationID string, typing bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.enqueueLocked(conversationID, typing)
}

// enqueueLocked queues one signal without blocking. Caller holds n.mu,
// which also orders the queue against Close.
func (n *Notifier) enqueueLocked(conversationID string, typing bool) {
	select {
	case n.queue <- signal{conversationID, typing}:
	default:
		// Best effort: a lost signal is bounded by the remote expiry.
		logrus.WithFields(logrus.Fields{
			"function":        "enqueueLocked",
			"conversation_id": conversationID,
			"typing":          typing,
		}).Warn("Typing signal queue full, signal dropped")
	}
}

// sendLoop delivers queued signals in order until Close drains it.
func (n *Notifier) sendLoop() {
	defer close(n.drained)

	for s := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		err := n.signaler.SendTyping(ctx, s.conversationID, s.typing)
		cancel()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":        "sendLoop",
				"conversation_id": s.conversationID,
				"typing":          s.typing,
				"error":           err.Error(),
			}).Warn("Typing signal failed")
		}
	}
}

// Entry is one remote user currently typing in a conversation.
// SignaledAt is the latest signal and guards against reordered events;
// FirstSeen is when this typing run began and orders the display.
type Entry struct {
	User       store.UserRef
	SignaledAt time.Time
	FirstSeen  time.Time
}

// State tracks who is typing in each conversation, fed by push events.
// Entries are last-write-wins per (conversation, user), guarded by the
// signal timestamp so a reordered older event cannot rewind a newer
// one, and expire independently of any stop event.
type State struct {
	expiry time.Duration
	sweep  time.Duration

	mu     sync.Mutex
	convs  map[string]*gocache.Cache // conversation id -> user id -> Entry
	change func()
}

// NewState creates remote typing state with the given expiry and sweep
// intervals; non-positive values select the defaults.
func NewState(expiry, sweep time.Duration) *State {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if sweep <= 0 {
		sweep = DefaultSweep
	}
	return &State{
		expiry: expiry,
		sweep:  sweep,
		convs:  make(map[string]*gocache.Cache),
	}
}

// OnChange registers a callback fired after an applied update.
func (s *State) OnChange(fn func()) {
	s.mu.Lock()
	s.change = fn
	s.mu.Unlock()
}

// Apply folds one typing event into the state. Returns false when the
// event was discarded as stale.
func (s *State) Apply(ev events.TypingChanged) bool {
	c := s.cache(ev.ConversationID)

	s.mu.Lock()
	firstSeen := ev.At
	if existing, ok := c.Get(ev.User.ID); ok {
		prev := existing.(Entry)
		if ev.At.Before(prev.SignaledAt) {
			s.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function":        "Apply",
				"conversation_id": ev.ConversationID,
				"user_id":         ev.User.ID,
			}).Debug("Stale typing event discarded")
			return false
		}
		firstSeen = prev.FirstSeen
	}
	if ev.Typing {
		c.Set(ev.User.ID, Entry{User: ev.User, SignaledAt: ev.At, FirstSeen: firstSeen}, gocache.DefaultExpiration)
	} else {
		c.Delete(ev.User.ID)
	}
	fn := s.change
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

// Typers lists who is typing in the conversation, ordered by when each
// run of typing began.
func (s *State) Typers(conversationID string) []Entry {
	s.mu.Lock()
	c, ok := s.convs[conversationID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	items := c.Items()
	out := make([]Entry, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(Entry))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].User.ID < out[j].User.ID
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}

// cache returns the per-conversation TTL cache, creating it on first
// use. The cache's janitor is the expiry sweep.
func (s *State) cache(conversationID string) *gocache.Cache {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		c = gocache.New(s.expiry, s.sweep)
		s.convs[conversationID] = c
	}
	return c
}

// FormatTypers renders the display line for a set of typer names:
// one name as-is, two as "A and B", more as "A and N-1 others". An
// empty set yields an empty string.
func FormatTypers(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	case 2:
		return fmt.Sprintf("%s and %s", names[0], names[1])
	default:
		return fmt.Sprintf("%s and %d others", names[0], len(names)-1)
	}
}
