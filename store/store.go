package store

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// conversationState is the per-conversation bookkeeping the store keeps
// alongside the list entry: the authoritative message slice in
// oldest-to-newest id order, an id index for de-duplication, and the
// highest history page applied so far.
type conversationState struct {
	conv     *Conversation
	messages []*Message
	byID     map[int64]*Message
	lastPage int
}

// Store is the canonical in-memory conversation and message state.
// All methods are safe for concurrent use. Mutations never fail;
// operations on unknown conversation ids are no-ops.
type Store struct {
	mu       sync.RWMutex
	order    []string // conversation ids, most recently updated first
	convs    map[string]*conversationState
	onChange func()
}

// New creates an empty store.
func New() *Store {
	return &Store{
		convs: make(map[string]*conversationState),
	}
}

// OnChange registers a callback invoked after every mutation that
// changed state. It is called outside the store's lock.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Store) notify() {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// ReplaceConversations replaces the whole conversation list. Message
// history already loaded for a surviving conversation is retained;
// state for conversations absent from the new list is dropped.
func (s *Store) ReplaceConversations(convs []*Conversation) {
	s.mu.Lock()
	next := make(map[string]*conversationState, len(convs))
	order := make([]string, 0, len(convs))
	for _, c := range convs {
		if c == nil || c.ID == "" {
			continue
		}
		cs, ok := s.convs[c.ID]
		if !ok {
			cs = &conversationState{byID: make(map[int64]*Message)}
		}
		cs.conv = c.Clone()
		next[c.ID] = cs
		order = append(order, c.ID)
	}
	s.convs = next
	s.order = order
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "ReplaceConversations",
		"conversations": len(order),
	}).Debug("Conversation list replaced")

	s.notify()
}

// UpsertConversation inserts or updates a single conversation list
// entry, preserving any message history already held for it.
func (s *Store) UpsertConversation(conv *Conversation) {
	if conv == nil || conv.ID == "" {
		return
	}

	s.mu.Lock()
	cs, ok := s.convs[conv.ID]
	if !ok {
		cs = &conversationState{byID: make(map[int64]*Message)}
		s.convs[conv.ID] = cs
		s.order = append(s.order, conv.ID)
	}
	cs.conv = conv.Clone()
	s.mu.Unlock()

	s.notify()
}

// UpsertMessagesPage applies one page of older history to the
// conversation. Pages must arrive in monotonically increasing order:
// the page is applied only when page == lastKnownPage+1, otherwise it
// is discarded and false is returned. Messages already present (by id)
// are skipped. Returns true when the page was applied.
func (s *Store) UpsertMessagesPage(conversationID string, page int, msgs []*Message) bool {
	s.mu.Lock()
	cs, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if page != cs.lastPage+1 {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":        "UpsertMessagesPage",
			"conversation_id": conversationID,
			"page":            page,
			"last_page":       cs.lastPage,
		}).Debug("Out-of-order history page discarded")
		return false
	}

	// Pages hold older messages than anything already applied, so the
	// fresh entries are prepended to the oldest-first list. Normalize
	// the page itself to ascending id order first.
	fresh := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if _, dup := cs.byID[m.ID]; dup {
			continue
		}
		fresh = append(fresh, m.Clone())
	}
	sortByID(fresh)
	for _, m := range fresh {
		cs.byID[m.ID] = m
	}
	cs.messages = append(fresh, cs.messages...)
	cs.lastPage = page
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "UpsertMessagesPage",
		"conversation_id": conversationID,
		"page":            page,
		"applied":         len(fresh),
		"skipped":         len(msgs) - len(fresh),
	}).Debug("History page applied")

	s.notify()
	return true
}

// PrependMessage inserts a new message at the display head of the
// conversation (the tail of the oldest-first canonical list), refreshes
// the denormalized last message, and moves the conversation to the top
// of the list. A message whose id already exists is ignored and false
// is returned.
func (s *Store) PrependMessage(conversationID string, msg *Message) bool {
	if msg == nil {
		return false
	}

	s.mu.Lock()
	cs, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if _, dup := cs.byID[msg.ID]; dup {
		s.mu.Unlock()
		return false
	}
	m := msg.Clone()
	cs.byID[m.ID] = m
	cs.messages = append(cs.messages, m)
	cs.conv.LastMessage = m.Clone()
	if m.CreatedAt.After(cs.conv.UpdatedAt) {
		cs.conv.UpdatedAt = m.CreatedAt
	}
	s.moveToFrontLocked(conversationID)
	s.mu.Unlock()

	s.notify()
	return true
}

// PatchMessage applies patch to every message of the conversation that
// satisfies pred, including the denormalized LastMessage of the list
// entry when it matches. The returned count covers list entries only;
// the LastMessage is a copy of one of them.
func (s *Store) PatchMessage(conversationID string, pred func(*Message) bool, patch func(*Message)) int {
	if pred == nil || patch == nil {
		return 0
	}

	s.mu.Lock()
	cs, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	patched := 0
	for _, m := range cs.messages {
		if pred(m) {
			patch(m)
			patched++
		}
	}
	denorm := false
	if lm := cs.conv.LastMessage; lm != nil && pred(lm) {
		patch(lm)
		denorm = true
	}
	s.mu.Unlock()

	if patched > 0 || denorm {
		s.notify()
	}
	return patched
}

// ReplaceMessage swaps the optimistic message identified by localID for
// the server-confirmed msg, keeping exactly one entry. If the server id
// is already present in the timeline (the push echo landed first), the
// placeholder is dropped instead of swapped so no two entries ever
// share an id. If no message with that localID exists the call is a
// no-op and false is returned.
func (s *Store) ReplaceMessage(conversationID, localID string, msg *Message) bool {
	if localID == "" || msg == nil {
		return false
	}

	s.mu.Lock()
	cs, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	replaced := false
	for i, m := range cs.messages {
		if m.LocalID != localID {
			continue
		}
		if existing, dup := cs.byID[msg.ID]; dup && existing != m {
			delete(cs.byID, m.ID)
			cs.messages = append(cs.messages[:i], cs.messages[i+1:]...)
			if lm := cs.conv.LastMessage; lm != nil && lm.LocalID == localID {
				cs.conv.LastMessage = existing.Clone()
			}
			replaced = true
			break
		}
		delete(cs.byID, m.ID)
		nm := msg.Clone()
		nm.LocalID = localID
		cs.messages[i] = nm
		cs.byID[nm.ID] = nm
		if lm := cs.conv.LastMessage; lm != nil && lm.LocalID == localID {
			cs.conv.LastMessage = nm.Clone()
		}
		replaced = true
		break
	}
	s.mu.Unlock()

	if replaced {
		logrus.WithFields(logrus.Fields{
			"function":        "ReplaceMessage",
			"conversation_id": conversationID,
			"local_id":        localID,
			"message_id":      msg.ID,
		}).Debug("Optimistic message reconciled")
		s.notify()
	}
	return replaced
}

// MarkFailed flags the optimistic message identified by localID as
// failed. The message stays in the timeline as the basis for retry.
func (s *Store) MarkFailed(conversationID, localID string) bool {
	n := s.PatchMessage(conversationID,
		func(m *Message) bool { return m.LocalID == localID && m.ID < 0 },
		func(m *Message) { m.Pending = false; m.Failed = true })
	return n > 0
}

// MarkPending clears the failed flag of an optimistic message ahead of
// a retry attempt.
func (s *Store) MarkPending(conversationID, localID string) bool {
	n := s.PatchMessage(conversationID,
		func(m *Message) bool { return m.LocalID == localID && m.ID < 0 },
		func(m *Message) { m.Pending = true; m.Failed = false })
	return n > 0
}

// Conversations returns a snapshot of the conversation list, most
// recently updated first.
func (s *Store) Conversations() []*Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.convs[id].conv.Clone())
	}
	return out
}

// Conversation returns a snapshot of one conversation list entry.
func (s *Store) Conversation(conversationID string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cs, ok := s.convs[conversationID]
	if !ok {
		return nil, false
	}
	return cs.conv.Clone(), true
}

// Messages returns a snapshot of the conversation's messages in display
// order, newest first. Unknown conversations yield nil.
func (s *Store) Messages(conversationID string) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cs, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]*Message, 0, len(cs.messages))
	for i := len(cs.messages) - 1; i >= 0; i-- {
		out = append(out, cs.messages[i].Clone())
	}
	return out
}

// LastPage returns the highest history page applied for the
// conversation, zero when none has been.
func (s *Store) LastPage(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cs, ok := s.convs[conversationID]; ok {
		return cs.lastPage
	}
	return 0
}

// MemberCount returns the member count of the conversation, zero when
// unknown.
func (s *Store) MemberCount(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cs, ok := s.convs[conversationID]; ok {
		return cs.conv.MemberCount()
	}
	return 0
}

// moveToFrontLocked moves the conversation to the head of the order
// slice. Caller holds s.mu.
func (s *Store) moveToFrontLocked(conversationID string) {
	for i, id := range s.order {
		if id == conversationID {
			copy(s.order[1:i+1], s.order[:i])
			s.order[0] = conversationID
			return
		}
	}
}

// sortByID sorts messages ascending by server id (insertion sort; pages
// are small and usually already ordered).
func sortByID(msgs []*Message) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j-1].ID > msgs[j].ID; j-- {
			msgs[j-1], msgs[j] = msgs[j], msgs[j-1]
		}
	}
}
