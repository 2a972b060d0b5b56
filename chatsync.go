// Package chatsync implements a client-side real-time conversation
// synchronization engine.
//
// The engine keeps a local conversation and message store consistent
// with a chat server by merging three inflows: paginated REST history,
// push-delivered events and the local user's own optimistic actions.
// Presence, typing indicators, read receipts and a media upload
// pipeline ride alongside.
//
// Example:
//
//	options := chatsync.NewOptions()
//	options.BaseURL = "https://chat.example.com/api"
//	options.PushURL = "wss://chat.example.com/push"
//	options.Token = "bearer-token"
//	options.CurrentUser = store.UserRef{ID: "u1", Name: "Alice"}
//
//	client, err := chatsync.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Kill()
//
//	client.OnConversationsChanged(func() {
//	    render(client.Conversations())
//	})
//
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	go client.Run(ctx)
//
//	if err := client.LoadConversations(ctx); err != nil {
//	    log.Fatal(err)
//	}
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/media"
	"github.com/opd-ai/chatsync/presence"
	"github.com/opd-ai/chatsync/push"
	"github.com/opd-ai/chatsync/rest"
	"github.com/opd-ai/chatsync/store"
	"github.com/opd-ai/chatsync/syncer"
	"github.com/opd-ai/chatsync/typing"
)

var (
	// ErrMissingBaseURL indicates options without a REST endpoint.
	ErrMissingBaseURL = errors.New("base URL required")
	// ErrMissingPushURL indicates options without a push endpoint.
	ErrMissingPushURL = errors.New("push URL required")
	// ErrMissingUser indicates options without the current user.
	ErrMissingUser = errors.New("current user required")
	// ErrAlreadyRunning indicates a second concurrent Run call.
	ErrAlreadyRunning = errors.New("engine already running")
)

// Options contains configuration for creating an engine instance.
type Options struct {
	// BaseURL is the root of the REST API.
	BaseURL string
	// PushURL is the websocket push endpoint.
	PushURL string
	// Token is the bearer token presented on both channels.
	Token string
	// CurrentUser identifies the local user; incoming echoes of their
	// own messages reconcile optimistic placeholders.
	CurrentUser store.UserRef

	HeartbeatInterval time.Duration
	TypingDebounce    time.Duration
	TypingExpiry      time.Duration
	TypingSweep       time.Duration
	MarkReadDebounce  time.Duration
	HTTPTimeout       time.Duration
}

// NewOptions creates an Options with default intervals.
func NewOptions() *Options {
	return &Options{
		HeartbeatInterval: presence.DefaultHeartbeatInterval,
		TypingDebounce:    typing.DefaultDebounce,
		TypingExpiry:      typing.DefaultExpiry,
		TypingSweep:       typing.DefaultSweep,
		MarkReadDebounce:  receiptDebounce,
		HTTPTimeout:       30 * time.Second,
	}
}

// receiptDebounce mirrors the receipts package default without making
// callers import it.
const receiptDebounce = 200 * time.Millisecond

// Client is one engine instance. All methods are safe for concurrent
// use; the UI layer reads state through the snapshot getters and is
// poked by the On* hooks.
type Client struct {
	options *Options

	api        *rest.HTTPClient
	store      *store.Store
	typing     *typing.State
	presence   *presence.State
	notifier   *typing.Notifier
	manager    *presence.Manager
	pipeline   *media.Pipeline
	controller *syncer.Controller

	mu      sync.Mutex
	sub     *push.WebsocketSubscription
	running bool
	killed  bool

	onSendFailed func(conversationID, localID string, err error)
	onPushError  func(error)
}

// New creates an engine instance from options. The engine is idle until
// Run is called.
func New(options *Options) (*Client, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	if options.PushURL == "" {
		return nil, ErrMissingPushURL
	}
	if options.CurrentUser.ID == "" {
		return nil, ErrMissingUser
	}

	token := options.Token
	api, err := rest.NewHTTPClient(options.BaseURL, func() string { return token }, options.HTTPTimeout)
	if err != nil {
		return nil, fmt.Errorf("creating REST client: %w", err)
	}

	c := &Client{
		options:  options,
		api:      api,
		store:    store.New(),
		typing:   typing.NewState(options.TypingExpiry, options.TypingSweep),
		presence: presence.NewState(),
		manager:  presence.NewManager(api, options.HeartbeatInterval),
		notifier: typing.NewNotifier(api, options.TypingDebounce),
		pipeline: media.NewPipeline(api, api),
	}
	c.controller = syncer.New(syncer.Config{
		API:              api,
		Store:            c.store,
		Typing:           c.typing,
		Presence:         c.presence,
		Gate:             c.pipeline,
		CurrentUser:      options.CurrentUser,
		MarkReadDebounce: options.MarkReadDebounce,
		OnSendFailed: func(conversationID, localID string, err error) {
			c.mu.Lock()
			fn := c.onSendFailed
			c.mu.Unlock()
			if fn != nil {
				fn(conversationID, localID, err)
			}
		},
	})

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"user_id":  options.CurrentUser.ID,
	}).Info("Engine created")
	return c, nil
}

// Run connects the push channel and consumes events until ctx is
// cancelled or the channel terminates. It blocks; callers typically
// run it in its own goroutine.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.killed {
		c.mu.Unlock()
		return errors.New("engine killed")
	}
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	header := http.Header{}
	if c.options.Token != "" {
		header.Set("Authorization", "Bearer "+c.options.Token)
	}
	sub, err := push.Dial(ctx, c.options.PushURL, header)
	if err != nil {
		return fmt.Errorf("connecting push channel: %w", err)
	}
	sub.OnError(func(err error) {
		c.mu.Lock()
		fn := c.onPushError
		c.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	})

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	defer func() {
		sub.Close()
		c.mu.Lock()
		c.sub = nil
		c.mu.Unlock()
	}()

	c.controller.Run(ctx, sub.Events())
	return nil
}

// Kill tears the engine down: typing and presence emit their final
// stop/offline signals, pending debounced work is cancelled and the
// push subscription is released. The client must not be used
// afterwards.
func (c *Client) Kill() {
	c.mu.Lock()
	if c.killed {
		c.mu.Unlock()
		return
	}
	c.killed = true
	sub := c.sub
	c.mu.Unlock()

	c.notifier.Close()
	c.controller.Close()
	c.manager.Close()
	if sub != nil {
		sub.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Kill",
	}).Info("Engine shut down")
}

// LoadConversations fetches and replaces the conversation list.
func (c *Client) LoadConversations(ctx context.Context) error {
	return c.controller.LoadConversations(ctx)
}

// CreateConversation creates a conversation on the server and inserts
// it locally.
func (c *Client) CreateConversation(ctx context.Context, typ store.ConversationType, memberIDs []string) (*store.Conversation, error) {
	return c.controller.CreateConversation(ctx, typ, memberIDs)
}

// LoadHistoryPage fetches the next page of older history. Returns false
// when the request was coalesced or the page was discarded as stale.
func (c *Client) LoadHistoryPage(ctx context.Context, conversationID string) (bool, error) {
	return c.controller.LoadHistoryPage(ctx, conversationID)
}

// SendMessage performs an optimistic send. The returned message is the
// server-confirmed one; on error the placeholder stays in the timeline
// flagged as failed. The typing indicator is stopped as a side effect.
func (c *Client) SendMessage(ctx context.Context, conversationID, body string, mediaUUIDs []string) (*store.Message, error) {
	c.notifier.MessageSent(conversationID)
	return c.controller.SendMessage(ctx, conversationID, body, mediaUUIDs)
}

// RetrySend re-runs the network send for a failed message.
func (c *Client) RetrySend(ctx context.Context, conversationID, localID string) (*store.Message, error) {
	return c.controller.RetrySend(ctx, conversationID, localID)
}

// MarkRead schedules a debounced mark-read for the conversation.
func (c *Client) MarkRead(conversationID string) {
	c.controller.MarkRead(conversationID)
}

// Typing records one keystroke in the conversation's composer, driving
// the start/stop typing signals.
func (c *Client) Typing(conversationID string) {
	c.notifier.Input(conversationID)
}

// EnterConversation marks the conversation as the open one: presence
// goes online, the heartbeat starts and the presence snapshot is
// seeded.
func (c *Client) EnterConversation(ctx context.Context, conversationID string) error {
	if err := c.manager.Online(ctx, conversationID); err != nil {
		return fmt.Errorf("going online: %w", err)
	}
	snapshot, err := c.api.GetPresenceSnapshot(ctx, conversationID)
	if err != nil {
		// Presence renders from push events alone until the next enter.
		logrus.WithFields(logrus.Fields{
			"function":        "EnterConversation",
			"conversation_id": conversationID,
			"error":           err.Error(),
		}).Warn("Presence snapshot failed")
		return nil
	}
	c.presence.SeedSnapshot(conversationID, snapshot)
	return nil
}

// LeaveConversation sends the explicit offline update and stops the
// heartbeat.
func (c *Client) LeaveConversation(ctx context.Context, conversationID string) error {
	c.controller.FlushMarkRead(conversationID)
	return c.manager.Offline(ctx, conversationID)
}

// Media returns the upload pipeline for composing messages with
// attachments.
func (c *Client) Media() *media.Pipeline {
	return c.pipeline
}

// Conversations returns a snapshot of the conversation list, most
// recently updated first.
func (c *Client) Conversations() []*store.Conversation {
	return c.store.Conversations()
}

// Messages returns a snapshot of a conversation's messages, newest
// first.
func (c *Client) Messages(conversationID string) []*store.Message {
	return c.store.Messages(conversationID)
}

// Typers returns who is typing in the conversation, formatted per the
// display rule.
func (c *Client) Typers(conversationID string) string {
	entries := c.typing.Typers(conversationID)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.User.Name)
	}
	return typing.FormatTypers(names)
}

// Online returns the members currently online in the conversation.
func (c *Client) Online(conversationID string) []store.UserRef {
	return c.presence.Online(conversationID)
}

// OnConversationsChanged registers a hook fired after any store
// mutation. The hook receives no payload; the UI re-reads the
// snapshots it cares about.
func (c *Client) OnConversationsChanged(fn func()) {
	c.store.OnChange(fn)
}

// OnTypingChanged registers a hook fired after a typing update.
func (c *Client) OnTypingChanged(fn func()) {
	c.typing.OnChange(fn)
}

// OnPresenceChanged registers a hook fired after a presence update.
func (c *Client) OnPresenceChanged(fn func()) {
	c.presence.OnChange(fn)
}

// OnSendFailed registers a hook fired when a send or retry is
// rejected, after the message has been flagged in the store.
func (c *Client) OnSendFailed(fn func(conversationID, localID string, err error)) {
	c.mu.Lock()
	c.onSendFailed = fn
	c.mu.Unlock()
}

// OnPushError registers a hook fired when the push channel terminates
// with a transport error. The caller decides whether to re-Run.
func (c *Client) OnPushError(fn func(error)) {
	c.mu.Lock()
	c.onPushError = fn
	c.mu.Unlock()
}

// OnUploadProgress registers a hook fired as upload progress advances.
func (c *Client) OnUploadProgress(fn func(localKey string, percent int)) {
	c.pipeline.OnProgress(fn)
}
