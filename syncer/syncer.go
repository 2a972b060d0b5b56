// Package syncer implements the merge authority of the engine: the
// controller is the only component that mutates the store, folding REST
// completions, push events and optimistic local actions into one
// consistent state.
//
// Every network call is a suspension point and may complete in any
// order relative to push delivery; the controller's merge operations
// are therefore written to be safe under duplication, reordering and
// stale completions.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/events"
	"github.com/opd-ai/chatsync/presence"
	"github.com/opd-ai/chatsync/receipts"
	"github.com/opd-ai/chatsync/rest"
	"github.com/opd-ai/chatsync/store"
	"github.com/opd-ai/chatsync/typing"
)

var (
	// ErrMediaNotConfirmed indicates a send referencing media whose
	// upload has not been confirmed yet.
	ErrMediaNotConfirmed = errors.New("media upload not confirmed")

	// ErrUnknownMessage indicates a retry for a local message the store
	// does not hold.
	ErrUnknownMessage = errors.New("unknown local message")
)

// markReadTimeout bounds the debounced mark-read REST call.
const markReadTimeout = 10 * time.Second

// MediaGate checks that a set of media identifiers is eligible to be
// attached to an outgoing message.
type MediaGate interface {
	Gate(uuids []string) error
}

// Config assembles a controller's collaborators.
type Config struct {
	API         rest.Client
	Store       *store.Store
	Typing      *typing.State
	Presence    *presence.State
	Gate        MediaGate // optional; nil permits any media ids
	CurrentUser store.UserRef

	// MarkReadDebounce overrides the mark-read debounce window; zero
	// selects the receipts package default.
	MarkReadDebounce time.Duration

	// OnSendFailed is invoked when a send or retry is rejected, after
	// the optimistic message has been flagged as failed.
	OnSendFailed func(conversationID, localID string, err error)
}

// Controller merges REST completions, push events and local actions
// into the store.
type Controller struct {
	api         rest.Client
	store       *store.Store
	typing      *typing.State
	presence    *presence.State
	gate        MediaGate
	scheduler   *receipts.Scheduler
	currentUser store.UserRef
	onFailed    func(conversationID, localID string, err error)

	generation atomic.Uint64
	tempID     atomic.Int64

	mu       sync.Mutex
	inFlight map[string]bool // conversation ids with a page load in flight
}

// New creates a controller from cfg.
func New(cfg Config) *Controller {
	c := &Controller{
		api:         cfg.API,
		store:       cfg.Store,
		typing:      cfg.Typing,
		presence:    cfg.Presence,
		gate:        cfg.Gate,
		currentUser: cfg.CurrentUser,
		onFailed:    cfg.OnSendFailed,
		inFlight:    make(map[string]bool),
	}
	c.scheduler = receipts.NewScheduler(cfg.MarkReadDebounce, c.flushMarkRead)
	return c
}

// Close cancels pending debounced work. The controller performs no
// further emissions afterwards.
func (c *Controller) Close() {
	c.scheduler.Close()
}

// LoadConversations fetches the conversation list and replaces the
// store's copy. A completion superseded by a newer call is discarded
// silently: the list is the cold-start source of truth and cannot be
// merged with itself out of order.
func (c *Controller) LoadConversations(ctx context.Context) error {
	gen := c.generation.Add(1)

	convs, err := c.api.GetConversations(ctx)
	if err != nil {
		return fmt.Errorf("loading conversations: %w", err)
	}

	if c.generation.Load() != gen {
		logrus.WithFields(logrus.Fields{
			"function":   "LoadConversations",
			"generation": gen,
		}).Debug("Stale conversation list discarded")
		return nil
	}
	c.store.ReplaceConversations(convs)
	return nil
}

// CreateConversation creates a conversation on the server and inserts
// it into the store.
func (c *Controller) CreateConversation(ctx context.Context, typ store.ConversationType, memberIDs []string) (*store.Conversation, error) {
	conv, err := c.api.CreateConversation(ctx, typ, memberIDs)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	c.store.UpsertConversation(conv)
	return conv, nil
}

// LoadHistoryPage fetches the next page of older history for the
// conversation. Returns false when the request was coalesced away (one
// is already in flight) or the completed page was discarded as
// out of order; network errors leave the store unchanged and are
// returned for the caller to surface.
func (c *Controller) LoadHistoryPage(ctx context.Context, conversationID string) (bool, error) {
	c.mu.Lock()
	if c.inFlight[conversationID] {
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":        "LoadHistoryPage",
			"conversation_id": conversationID,
		}).Debug("Page load already in flight, request dropped")
		return false, nil
	}
	c.inFlight[conversationID] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inFlight, conversationID)
		c.mu.Unlock()
	}()

	page := c.store.LastPage(conversationID) + 1
	resp, err := c.api.GetMessages(ctx, conversationID, page)
	if err != nil {
		return false, fmt.Errorf("loading history page %d: %w", page, err)
	}

	return c.store.UpsertMessagesPage(conversationID, resp.Page, resp.Messages), nil
}

// ApplyIncomingMessage merges one push-delivered message. The local
// sender's own echo reconciles the optimistic placeholder: by local id
// when the server echoes it back, otherwise by best-effort correlation
// against the oldest pending placeholder. Anything else is an
// idempotent head insert with recency reordering.
func (c *Controller) ApplyIncomingMessage(ev events.MessageSent) {
	if ev.Message == nil {
		return
	}

	if ev.Message.Sender.ID == c.currentUser.ID {
		localID := ev.Message.LocalID
		if localID == "" {
			localID = c.oldestPendingLocalID(ev.ConversationID)
		}
		if localID != "" && c.store.ReplaceMessage(ev.ConversationID, localID, ev.Message) {
			return
		}
	}
	c.store.PrependMessage(ev.ConversationID, ev.Message)
}

// oldestPendingLocalID finds the earliest optimistic message still
// awaiting confirmation, for correlating an own-message echo that lacks
// a local id.
func (c *Controller) oldestPendingLocalID(conversationID string) string {
	msgs := c.store.Messages(conversationID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if m := msgs[i]; m.ID < 0 && m.Pending && m.LocalID != "" {
			return m.LocalID
		}
	}
	return ""
}

// ApplyReadReceipt reconciles one read receipt against the store.
func (c *Controller) ApplyReadReceipt(ev events.MessageRead) {
	receipts.Apply(c.store, ev)
}

// SendMessage performs an optimistic send: the message appears in the
// timeline immediately under a temporary id and is replaced by the
// server-confirmed message on success. On failure it stays in place
// flagged as failed, as the basis for a retry. Attached media ids must
// all be confirmed uploads.
func (c *Controller) SendMessage(ctx context.Context, conversationID, body string, mediaUUIDs []string) (*store.Message, error) {
	if len(mediaUUIDs) > 0 && c.gate != nil {
		if err := c.gate.Gate(mediaUUIDs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMediaNotConfirmed, err)
		}
	}

	media := make([]store.Media, 0, len(mediaUUIDs))
	for _, u := range mediaUUIDs {
		media = append(media, store.Media{UUID: u})
	}
	optimistic := &store.Message{
		ID:             c.tempID.Add(-1),
		LocalID:        uuid.NewString(),
		ConversationID: conversationID,
		Sender:         c.currentUser,
		Body:           body,
		Media:          media,
		CreatedAt:      time.Now(),
		Pending:        true,
	}
	c.store.PrependMessage(conversationID, optimistic)

	return c.deliver(ctx, conversationID, optimistic.LocalID, rest.SendMessageRequest{
		ConversationID: conversationID,
		Body:           body,
		MediaUUIDs:     mediaUUIDs,
		LocalID:        optimistic.LocalID,
	})
}

// RetrySend re-runs the network send for a failed optimistic message.
func (c *Controller) RetrySend(ctx context.Context, conversationID, localID string) (*store.Message, error) {
	var failed *store.Message
	for _, m := range c.store.Messages(conversationID) {
		if m.LocalID == localID && m.ID < 0 {
			failed = m
			break
		}
	}
	if failed == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, localID)
	}

	mediaUUIDs := make([]string, 0, len(failed.Media))
	for _, m := range failed.Media {
		mediaUUIDs = append(mediaUUIDs, m.UUID)
	}
	c.store.MarkPending(conversationID, localID)

	return c.deliver(ctx, conversationID, localID, rest.SendMessageRequest{
		ConversationID: conversationID,
		Body:           failed.Body,
		MediaUUIDs:     mediaUUIDs,
		LocalID:        localID,
	})
}

// deliver runs the network leg of a send and reconciles the outcome
// against the optimistic placeholder.
func (c *Controller) deliver(ctx context.Context, conversationID, localID string, req rest.SendMessageRequest) (*store.Message, error) {
	msg, err := c.api.SendMessage(ctx, req)
	if err != nil {
		c.store.MarkFailed(conversationID, localID)
		logrus.WithFields(logrus.Fields{
			"function":        "deliver",
			"conversation_id": conversationID,
			"local_id":        localID,
			"error":           err.Error(),
		}).Warn("Message send failed")
		if c.onFailed != nil {
			c.onFailed(conversationID, localID, err)
		}
		return nil, fmt.Errorf("sending message: %w", err)
	}

	if !c.store.ReplaceMessage(conversationID, localID, msg) {
		// The push echo won the race and already reconciled it.
		c.store.PrependMessage(conversationID, msg)
	}
	return msg, nil
}

// MarkRead schedules a debounced mark-read emission for the
// conversation. Requests arriving while one is pending are coalesced.
func (c *Controller) MarkRead(conversationID string) {
	c.scheduler.Schedule(conversationID)
}

// FlushMarkRead emits a pending mark-read immediately, e.g. just before
// teardown.
func (c *Controller) FlushMarkRead(conversationID string) {
	c.scheduler.Flush(conversationID)
}

// flushMarkRead is the scheduler's emission: tell the server, then
// apply the local user's receipt optimistically so the unread state
// clears without waiting for the push round trip.
func (c *Controller) flushMarkRead(conversationID string) {
	var lastID int64
	for _, m := range c.store.Messages(conversationID) {
		if m.ID > 0 {
			lastID = m.ID
			break
		}
	}
	if lastID == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
	defer cancel()
	if err := c.api.MarkRead(ctx, conversationID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "flushMarkRead",
			"conversation_id": conversationID,
			"error":           err.Error(),
		}).Warn("Mark-read emission failed")
		return
	}

	receipts.Apply(c.store, events.MessageRead{
		ConversationID:    conversationID,
		ReaderID:          c.currentUser.ID,
		LastReadMessageID: lastID,
	})
}

// Run consumes push events until ctx is cancelled or the channel
// closes. Each event maps to one merge operation; unknown variants are
// logged and dropped.
func (c *Controller) Run(ctx context.Context, evs <-chan events.Event) {
	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"user_id":  c.currentUser.ID,
	}).Info("Dispatch loop started")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			c.dispatch(ev)
		}
	}
}

func (c *Controller) dispatch(ev events.Event) {
	switch e := ev.(type) {
	case events.MessageSent:
		c.ApplyIncomingMessage(e)
	case events.MessageRead:
		c.ApplyReadReceipt(e)
	case events.TypingChanged:
		if c.typing != nil {
			c.typing.Apply(e)
		}
	case events.PresenceChanged:
		if c.presence != nil {
			c.presence.Apply(e)
		}
	default:
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"kind":     string(ev.Kind()),
		}).Warn("Unhandled event dropped")
	}
}
