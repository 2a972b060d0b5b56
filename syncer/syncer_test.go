package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/chatsync/events"
	"github.com/opd-ai/chatsync/presence"
	"github.com/opd-ai/chatsync/rest"
	"github.com/opd-ai/chatsync/store"
	"github.com/opd-ai/chatsync/typing"
)

var currentUser = store.UserRef{ID: "alice", Name: "alice"}

func newController(api rest.Client) (*Controller, *store.Store) {
	st := store.New()
	st.UpsertConversation(&store.Conversation{
		ID:   "c1",
		Type: store.ConversationTypeGroup,
		Members: []store.UserRef{
			currentUser,
			{ID: "bob", Name: "bob"},
			{ID: "carol", Name: "carol"},
		},
	})
	c := New(Config{
		API:         api,
		Store:       st,
		Typing:      typing.NewState(time.Minute, time.Minute),
		Presence:    presence.NewState(),
		CurrentUser: currentUser,
	})
	return c, st
}

func serverMessage(id int64, sender, body string) *store.Message {
	return &store.Message{
		ID:             id,
		ConversationID: "c1",
		Sender:         store.UserRef{ID: sender, Name: sender},
		Body:           body,
		CreatedAt:      time.Unix(id, 0),
	}
}

func messageIDs(st *store.Store, conversationID string) []int64 {
	var out []int64
	for _, m := range st.Messages(conversationID) {
		out = append(out, m.ID)
	}
	return out
}

func TestApplyIncomingMessageIsIdempotent(t *testing.T) {
	c, st := newController(&mockClient{})
	defer c.Close()

	ev := events.MessageSent{ConversationID: "c1", Message: serverMessage(1, "bob", "hi")}
	c.ApplyIncomingMessage(ev)
	c.ApplyIncomingMessage(ev)

	if got := messageIDs(st, "c1"); len(got) != 1 {
		t.Errorf("Duplicate delivery produced %d entries", len(got))
	}
}

func TestApplyIncomingMessageMovesConversationToFront(t *testing.T) {
	c, st := newController(&mockClient{})
	defer c.Close()
	st.UpsertConversation(&store.Conversation{ID: "c2", Members: []store.UserRef{currentUser}})

	c.ApplyIncomingMessage(events.MessageSent{ConversationID: "c1", Message: serverMessage(1, "bob", "hi")})

	convs := st.Conversations()
	if convs[0].ID != "c1" {
		t.Errorf("Conversation with new message not at front, got %s", convs[0].ID)
	}
}

func TestApplyIncomingMessageReconcilesOwnEcho(t *testing.T) {
	blocked := make(chan struct{})
	api := &mockClient{
		sendMessageFunc: func(ctx context.Context, req rest.SendMessageRequest) (*store.Message, error) {
			<-blocked
			return nil, errors.New("slow")
		},
	}
	c, st := newController(api)
	defer c.Close()

	done := make(chan struct{})
	go func() {
		c.SendMessage(context.Background(), "c1", "hi", nil)
		close(done)
	}()

	// Wait for the optimistic placeholder, then deliver the push echo
	// before the REST call completes.
	var localID string
	for i := 0; i < 100; i++ {
		if msgs := st.Messages("c1"); len(msgs) == 1 {
			localID = msgs[0].LocalID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if localID == "" {
		t.Fatal("Optimistic message never appeared")
	}

	echo := serverMessage(42, "alice", "hi")
	echo.LocalID = localID
	c.ApplyIncomingMessage(events.MessageSent{ConversationID: "c1", Message: echo})
	close(blocked)
	<-done

	got := messageIDs(st, "c1")
	if len(got) != 1 || got[0] != 42 {
		t.Errorf("Echo reconciliation left %v", got)
	}
}

func TestApplyIncomingMessageEchoWithoutLocalID(t *testing.T) {
	// The server's push echo may omit the local id; it must still
	// reconcile against the pending placeholder instead of duplicating
	// the message when the REST completion swaps in the same id.
	var c *Controller
	api := &mockClient{}
	api.sendMessageFunc = func(ctx context.Context, req rest.SendMessageRequest) (*store.Message, error) {
		echo := &store.Message{ID: 100, ConversationID: "c1", Sender: currentUser, Body: req.Body}
		c.ApplyIncomingMessage(events.MessageSent{ConversationID: "c1", Message: echo})
		return &store.Message{ID: 100, LocalID: req.LocalID, ConversationID: "c1", Sender: currentUser, Body: req.Body}, nil
	}
	var st *store.Store
	c, st = newController(api)
	defer c.Close()

	if _, err := c.SendMessage(context.Background(), "c1", "hi", nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got := messageIDs(st, "c1")
	if len(got) != 1 || got[0] != 100 {
		t.Errorf("Expected exactly one message with id 100, got %v", got)
	}
}

func TestApplyIncomingMessageEchoWithoutPendingPlaceholder(t *testing.T) {
	// An own-message echo from another session has nothing to
	// reconcile and inserts normally, exactly once.
	c, st := newController(&mockClient{})
	defer c.Close()

	echo := serverMessage(3, currentUser.ID, "from the other tab")
	c.ApplyIncomingMessage(events.MessageSent{ConversationID: "c1", Message: echo})
	c.ApplyIncomingMessage(events.MessageSent{ConversationID: "c1", Message: echo})

	if got := messageIDs(st, "c1"); len(got) != 1 || got[0] != 3 {
		t.Errorf("Expected one inserted echo, got %v", got)
	}
}

func TestLoadHistoryPagesApplyInOrder(t *testing.T) {
	pages := map[int][]*store.Message{
		1: {serverMessage(5, "bob", "e"), serverMessage(6, "bob", "f")},
		2: {serverMessage(3, "bob", "c"), serverMessage(4, "bob", "d")},
	}
	api := &mockClient{
		getMessagesFunc: func(ctx context.Context, conversationID string, page int) (*rest.MessagePage, error) {
			return &rest.MessagePage{Page: page, LastPage: 2, Messages: pages[page]}, nil
		},
	}
	c, st := newController(api)
	defer c.Close()

	for i := 0; i < 2; i++ {
		applied, err := c.LoadHistoryPage(context.Background(), "c1")
		if err != nil || !applied {
			t.Fatalf("Page load %d: applied=%v err=%v", i+1, applied, err)
		}
	}

	want := []int64{6, 5, 4, 3} // newest first for display
	got := messageIDs(st, "c1")
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("History order %v, want %v", got, want)
	}
}

func TestLoadHistoryPageCoalescesInFlight(t *testing.T) {
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	api := &mockClient{
		getMessagesFunc: func(ctx context.Context, conversationID string, page int) (*rest.MessagePage, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			<-release
			return &rest.MessagePage{Page: page, Messages: []*store.Message{serverMessage(1, "bob", "a")}}, nil
		},
	}
	c, _ := newController(api)
	defer c.Close()

	done := make(chan struct{})
	go func() {
		c.LoadHistoryPage(context.Background(), "c1")
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	applied, err := c.LoadHistoryPage(context.Background(), "c1")
	if applied || err != nil {
		t.Errorf("Concurrent duplicate request: applied=%v err=%v, expected silent drop", applied, err)
	}

	close(release)
	<-done
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("Expected a single network call, got %d", calls)
	}
}

func TestLoadHistoryPageErrorLeavesStoreUnchanged(t *testing.T) {
	api := &mockClient{
		getMessagesFunc: func(ctx context.Context, conversationID string, page int) (*rest.MessagePage, error) {
			return nil, errors.New("network down")
		},
	}
	c, st := newController(api)
	defer c.Close()

	if _, err := c.LoadHistoryPage(context.Background(), "c1"); err == nil {
		t.Fatal("Expected error from failed page load")
	}
	if len(st.Messages("c1")) != 0 || st.LastPage("c1") != 0 {
		t.Error("Failed page load mutated the store")
	}
}

func TestLoadConversationsDiscardsStaleCompletion(t *testing.T) {
	release := make(chan struct{})
	var first atomic.Bool
	first.Store(true)
	api := &mockClient{
		getConversationsFunc: func(ctx context.Context) ([]*store.Conversation, error) {
			if first.CompareAndSwap(true, false) {
				<-release
				return []*store.Conversation{{ID: "stale"}}, nil
			}
			return []*store.Conversation{{ID: "fresh"}}, nil
		},
	}
	c, st := newController(api)
	defer c.Close()

	done := make(chan struct{})
	go func() {
		c.LoadConversations(context.Background())
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	if err := c.LoadConversations(context.Background()); err != nil {
		t.Fatalf("Second load failed: %v", err)
	}
	close(release)
	<-done

	convs := st.Conversations()
	if len(convs) != 1 || convs[0].ID != "fresh" {
		t.Errorf("Stale completion overwrote the list: %v", convs)
	}
}

func TestSendMessageOptimisticReconciliation(t *testing.T) {
	gate := make(chan struct{})
	api := &mockClient{
		sendMessageFunc: func(ctx context.Context, req rest.SendMessageRequest) (*store.Message, error) {
			<-gate
			return &store.Message{ID: 7, ConversationID: "c1", Sender: currentUser, Body: req.Body}, nil
		},
	}
	c, st := newController(api)
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		_, err := c.SendMessage(context.Background(), "c1", "hi", nil)
		done <- err
	}()

	// The optimistic message is visible before the network completes.
	var pending *store.Message
	for i := 0; i < 100; i++ {
		if msgs := st.Messages("c1"); len(msgs) == 1 {
			pending = msgs[0]
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if pending == nil || pending.ID >= 0 || !pending.Pending {
		t.Fatalf("Expected pending optimistic message, got %+v", pending)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msgs := st.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != 7 {
		t.Errorf("Reconciliation left %v", messageIDs(st, "c1"))
	}
}

func TestSendMessageFailureFlagsAndRetains(t *testing.T) {
	api := &mockClient{
		sendMessageFunc: func(ctx context.Context, req rest.SendMessageRequest) (*store.Message, error) {
			return nil, &rest.StatusError{Code: 500, Body: "boom"}
		},
	}
	st := store.New()
	st.UpsertConversation(&store.Conversation{ID: "c1", Members: []store.UserRef{currentUser}})

	var failedConv, failedLocal string
	c := New(Config{
		API: api, Store: st, CurrentUser: currentUser,
		OnSendFailed: func(conversationID, localID string, err error) {
			failedConv, failedLocal = conversationID, localID
		},
	})
	defer c.Close()

	if _, err := c.SendMessage(context.Background(), "c1", "hi", nil); err == nil {
		t.Fatal("Expected send error")
	}

	msgs := st.Messages("c1")
	if len(msgs) != 1 || !msgs[0].Failed || msgs[0].Pending {
		t.Fatalf("Failed message not retained with flag: %+v", msgs)
	}
	if failedConv != "c1" || failedLocal != msgs[0].LocalID {
		t.Errorf("Failure callback got (%q, %q)", failedConv, failedLocal)
	}
}

func TestRetrySendRerunsNetworkLeg(t *testing.T) {
	failing := true
	api := &mockClient{
		sendMessageFunc: func(ctx context.Context, req rest.SendMessageRequest) (*store.Message, error) {
			if failing {
				return nil, errors.New("network down")
			}
			return &store.Message{ID: 9, ConversationID: "c1", Sender: currentUser, Body: req.Body}, nil
		},
	}
	c, st := newController(api)
	defer c.Close()

	c.SendMessage(context.Background(), "c1", "hi", nil)
	localID := st.Messages("c1")[0].LocalID

	failing = false
	if _, err := c.RetrySend(context.Background(), "c1", localID); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	msgs := st.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != 9 || msgs[0].Failed {
		t.Errorf("Retry left %+v", msgs[0])
	}
}

func TestRetrySendUnknownLocalID(t *testing.T) {
	c, _ := newController(&mockClient{})
	defer c.Close()

	if _, err := c.RetrySend(context.Background(), "c1", "nope"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Expected ErrUnknownMessage, got %v", err)
	}
}

func TestSendMessageGatesUnconfirmedMedia(t *testing.T) {
	st := store.New()
	st.UpsertConversation(&store.Conversation{ID: "c1", Members: []store.UserRef{currentUser}})
	c := New(Config{
		API: &mockClient{}, Store: st, CurrentUser: currentUser,
		Gate: &mockGate{err: errors.New("u2 still transferring")},
	})
	defer c.Close()

	_, err := c.SendMessage(context.Background(), "c1", "hi", []string{"u1", "u2"})
	if !errors.Is(err, ErrMediaNotConfirmed) {
		t.Fatalf("Expected ErrMediaNotConfirmed, got %v", err)
	}
	if len(st.Messages("c1")) != 0 {
		t.Error("Gated send inserted an optimistic message")
	}
}

func TestMarkReadDebouncesAndAppliesLocally(t *testing.T) {
	api := &mockClient{}
	st := store.New()
	st.UpsertConversation(&store.Conversation{
		ID:      "c1",
		Members: []store.UserRef{currentUser, {ID: "bob"}},
	})
	st.PrependMessage("c1", serverMessage(1, "bob", "hi"))
	st.PrependMessage("c1", serverMessage(2, "bob", "there"))

	c := New(Config{
		API: api, Store: st, CurrentUser: currentUser,
		MarkReadDebounce: 20 * time.Millisecond,
	})
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.MarkRead("c1")
	}
	time.Sleep(100 * time.Millisecond)

	if calls := api.recordedMarkReads(); len(calls) != 1 {
		t.Fatalf("Expected 1 coalesced mark-read call, got %d", len(calls))
	}
	for _, m := range st.Messages("c1") {
		if !m.IsReadBy(currentUser.ID) {
			t.Errorf("Local receipt not applied to message %d", m.ID)
		}
	}
}

func TestRunDispatchesAllVariants(t *testing.T) {
	c, st := newController(&mockClient{})
	defer c.Close()

	evs := make(chan events.Event, 4)
	base := time.Now()
	evs <- events.MessageSent{ConversationID: "c1", Message: serverMessage(1, "bob", "hi")}
	evs <- events.MessageRead{ConversationID: "c1", ReaderID: "bob", LastReadMessageID: 1}
	evs <- events.TypingChanged{ConversationID: "c1", User: store.UserRef{ID: "carol"}, Typing: true, At: base}
	evs <- events.PresenceChanged{ConversationID: "c1", User: store.UserRef{ID: "carol"}, Online: true, At: base}
	close(evs)

	c.Run(context.Background(), evs)

	if len(st.Messages("c1")) != 1 {
		t.Error("MessageSent not dispatched")
	}
	if !st.Messages("c1")[0].IsReadBy("bob") {
		t.Error("MessageRead not dispatched")
	}
	if len(c.typing.Typers("c1")) != 1 {
		t.Error("TypingChanged not dispatched")
	}
	if len(c.presence.Online("c1")) != 1 {
		t.Error("PresenceChanged not dispatched")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	c, _ := newController(&mockClient{})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	evs := make(chan events.Event)
	done := make(chan struct{})
	go func() {
		c.Run(ctx, evs)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}
