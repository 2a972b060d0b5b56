// Package rest defines the request/response collaborator contract the
// synchronization engine consumes, together with an HTTP implementation.
//
// The engine depends only on the Client and BinaryUploader interfaces;
// HTTPClient is the production implementation. Every call takes a
// context and is a suspension point: callers must never invoke these
// from the dispatch loop itself.
package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opd-ai/chatsync/store"
)

// MessagePage is one page of conversation history, as returned by
// GET conversations/{id}/messages?page=N.
type MessagePage struct {
	Page        int              `json:"current_page"`
	LastPage    int              `json:"last_page"`
	Total       int              `json:"total"`
	NextPageURL string           `json:"next_page_url,omitempty"`
	Messages    []*store.Message `json:"data"`
}

// SendMessageRequest is the body of POST messages. Media are referenced
// purely by confirmed slot identifiers, never by raw bytes.
type SendMessageRequest struct {
	ConversationID string   `json:"conversation_id"`
	Body           string   `json:"body,omitempty"`
	MediaUUIDs     []string `json:"media_uuids,omitempty"`
	LocalID        string   `json:"local_id,omitempty"`
}

// UploadSlotRequest describes one file in a batch slot request.
type UploadSlotRequest struct {
	Name     string          `json:"name"`
	MimeType string          `json:"mime_type"`
	Size     int64           `json:"size"`
	Category store.MediaType `json:"category"`
}

// UploadSlot is the server's answer for one requested file: a stable
// identifier plus the destination the binary must be transferred to.
type UploadSlot struct {
	UUID      string `json:"uuid"`
	UploadURL string `json:"upload_url"`
}

// PresenceEntry is one row of a conversation's presence snapshot.
type PresenceEntry struct {
	User     store.UserRef `json:"user"`
	LastSeen time.Time     `json:"last_seen"`
}

// Client is the REST surface the engine consumes.
type Client interface {
	GetConversations(ctx context.Context) ([]*store.Conversation, error)
	CreateConversation(ctx context.Context, typ store.ConversationType, memberIDs []string) (*store.Conversation, error)
	GetMessages(ctx context.Context, conversationID string, page int) (*MessagePage, error)
	SendMessage(ctx context.Context, req SendMessageRequest) (*store.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	GetUploadSlots(ctx context.Context, reqs []UploadSlotRequest) ([]UploadSlot, error)
	ConfirmUploads(ctx context.Context, uuids []string) error
	GetPresenceSnapshot(ctx context.Context, conversationID string) ([]PresenceEntry, error)
	UpdatePresence(ctx context.Context, conversationID string, online bool) error
	Heartbeat(ctx context.Context, conversationID string) error
	SendTyping(ctx context.Context, conversationID string, typing bool) error
}

// BinaryUploader transfers one file body to a slot destination,
// reporting byte-level progress as a 0-100 percentage.
type BinaryUploader interface {
	Put(ctx context.Context, url string, body io.Reader, size int64, contentType string, progress func(percent int)) error
}

// StatusError is a non-2xx response from the server. It distinguishes
// server rejection from transport-level failure: transport errors are
// returned as-is, a StatusError means the request arrived and was
// refused.
type StatusError struct {
	Code int
	Body string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("server rejected request: status %d: %s", e.Code, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
