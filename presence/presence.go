// Package presence keeps the local user visible while a conversation is
// open and tracks which remote members are online.
//
// The manager owns the outbound side: explicit online/offline status
// updates plus a periodic heartbeat for the active conversation. The
// server treats a missed heartbeat as an implicit offline, so the
// heartbeat loop is best effort and a failed beat is logged, not
// retried.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/events"
	"github.com/opd-ai/chatsync/rest"
	"github.com/opd-ai/chatsync/store"
)

const (
	// DefaultHeartbeatInterval is the period between heartbeats while a
	// conversation is active.
	DefaultHeartbeatInterval = 30 * time.Second

	// shutdownTimeout bounds the final offline update on Close.
	shutdownTimeout = 2 * time.Second
)

// StatusSender carries the local user's presence to the server.
type StatusSender interface {
	UpdatePresence(ctx context.Context, conversationID string, online bool) error
	Heartbeat(ctx context.Context, conversationID string) error
}

// Manager announces the local user's presence in the conversation they
// currently have open. At most one conversation is active at a time;
// opening a new one implicitly closes the previous.
type Manager struct {
	sender   StatusSender
	interval time.Duration

	mu     sync.Mutex
	active string
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

// NewManager creates a manager sending through sender. A non-positive
// interval selects DefaultHeartbeatInterval.
func NewManager(sender StatusSender, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Manager{
		sender:   sender,
		interval: interval,
	}
}

// Online marks the conversation as the active one: an explicit online
// update is sent and the heartbeat loop starts covering it. If another
// conversation was active it is sent offline first.
func (m *Manager) Online(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	if m.active == conversationID {
		m.mu.Unlock()
		return nil
	}
	previous := m.active
	m.stopHeartbeatLocked()
	m.active = conversationID
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.heartbeatLoop(conversationID, m.stop, m.done)
	m.mu.Unlock()

	if previous != "" {
		if err := m.sender.UpdatePresence(ctx, previous, false); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":        "Online",
				"conversation_id": previous,
				"error":           err.Error(),
			}).Warn("Offline update for previous conversation failed")
		}
	}
	return m.sender.UpdatePresence(ctx, conversationID, true)
}

// Offline clears the active conversation and sends an explicit offline
// update. A no-op when the conversation is not the active one.
func (m *Manager) Offline(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	if m.active != conversationID {
		m.mu.Unlock()
		return nil
	}
	m.stopHeartbeatLocked()
	m.active = ""
	m.mu.Unlock()

	return m.sender.UpdatePresence(ctx, conversationID, false)
}

// Close stops the heartbeat and sends a best-effort offline update for
// the active conversation. It never blocks shutdown for longer than a
// short timeout.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	active := m.active
	m.active = ""
	m.stopHeartbeatLocked()
	m.mu.Unlock()

	if active == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := m.sender.UpdatePresence(ctx, active, false); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "Close",
			"conversation_id": active,
			"error":           err.Error(),
		}).Warn("Final offline update failed")
	}
}

// stopHeartbeatLocked stops the running loop, if any, and waits for it
// to exit. Caller holds m.mu.
func (m *Manager) stopHeartbeatLocked() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	<-m.done
	m.stop = nil
	m.done = nil
}

func (m *Manager) heartbeatLoop(conversationID string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			err := m.sender.Heartbeat(ctx, conversationID)
			cancel()
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function":        "heartbeatLoop",
					"conversation_id": conversationID,
					"error":           err.Error(),
				}).Warn("Heartbeat failed")
			}
		}
	}
}

// Entry is one member's presence in a conversation.
type Entry struct {
	User      store.UserRef
	Online    bool
	ChangedAt time.Time
}

// State tracks remote members' presence per conversation, seeded from a
// snapshot and updated by push events. Entries are last-write-wins per
// (conversation, user) with a monotonic-timestamp guard, so a reordered
// older event cannot overwrite a newer one. Offline entries are kept so
// the last-seen time remains available.
type State struct {
	mu     sync.Mutex
	convs  map[string]*gocache.Cache
	change func()
}

// NewState creates empty presence state.
func NewState() *State {
	return &State{
		convs: make(map[string]*gocache.Cache),
	}
}

// OnChange registers a callback fired after an applied update.
func (s *State) OnChange(fn func()) {
	s.mu.Lock()
	s.change = fn
	s.mu.Unlock()
}

// SeedSnapshot loads the initial presence rows for a conversation.
// Snapshot rows describe members currently online; a row older than an
// already-applied push event for the same user is skipped.
func (s *State) SeedSnapshot(conversationID string, entries []rest.PresenceEntry) {
	c := s.cache(conversationID)

	s.mu.Lock()
	applied := 0
	for _, e := range entries {
		if existing, ok := c.Get(e.User.ID); ok {
			if e.LastSeen.Before(existing.(Entry).ChangedAt) {
				continue
			}
		}
		c.Set(e.User.ID, Entry{User: e.User, Online: true, ChangedAt: e.LastSeen}, gocache.NoExpiration)
		applied++
	}
	fn := s.change
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "SeedSnapshot",
		"conversation_id": conversationID,
		"entries":         len(entries),
		"applied":         applied,
	}).Debug("Presence snapshot seeded")

	if applied > 0 && fn != nil {
		fn()
	}
}

// Apply folds one presence event into the state. Returns false when the
// event was discarded as stale.
func (s *State) Apply(ev events.PresenceChanged) bool {
	c := s.cache(ev.ConversationID)

	s.mu.Lock()
	if existing, ok := c.Get(ev.User.ID); ok {
		if ev.At.Before(existing.(Entry).ChangedAt) {
			s.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function":        "Apply",
				"conversation_id": ev.ConversationID,
				"user_id":         ev.User.ID,
			}).Debug("Stale presence event discarded")
			return false
		}
	}
	c.Set(ev.User.ID, Entry{User: ev.User, Online: ev.Online, ChangedAt: ev.At}, gocache.NoExpiration)
	fn := s.change
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

// Online lists the members currently online in the conversation, sorted
// by name.
func (s *State) Online(conversationID string) []store.UserRef {
	s.mu.Lock()
	c, ok := s.convs[conversationID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	out := make([]store.UserRef, 0)
	for _, item := range c.Items() {
		e := item.Object.(Entry)
		if e.Online {
			out = append(out, e.User)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// LastSeen returns when the member's presence last changed. The second
// return is false when the member is unknown.
func (s *State) LastSeen(conversationID, userID string) (time.Time, bool) {
	s.mu.Lock()
	c, ok := s.convs[conversationID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}

	if item, found := c.Get(userID); found {
		return item.(Entry).ChangedAt, true
	}
	return time.Time{}, false
}

func (s *State) cache(conversationID string) *gocache.Cache {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		c = gocache.New(gocache.NoExpiration, 0)
		s.convs[conversationID] = c
	}
	return c
}
