package syncer

import (
	"context"
	"sync"

	"github.com/opd-ai/chatsync/rest"
	"github.com/opd-ai/chatsync/store"
)

// mockClient implements rest.Client with per-call hooks. Unset hooks
// return zero values so tests only wire what they exercise.
type mockClient struct {
	mu sync.Mutex

	getConversationsFunc func(ctx context.Context) ([]*store.Conversation, error)
	getMessagesFunc      func(ctx context.Context, conversationID string, page int) (*rest.MessagePage, error)
	sendMessageFunc      func(ctx context.Context, req rest.SendMessageRequest) (*store.Message, error)
	markReadFunc         func(ctx context.Context, conversationID string) error

	markReadCalls []string
	sendCalls     []rest.SendMessageRequest
}

func (m *mockClient) GetConversations(ctx context.Context) ([]*store.Conversation, error) {
	if m.getConversationsFunc != nil {
		return m.getConversationsFunc(ctx)
	}
	return nil, nil
}

func (m *mockClient) CreateConversation(ctx context.Context, typ store.ConversationType, memberIDs []string) (*store.Conversation, error) {
	members := make([]store.UserRef, 0, len(memberIDs))
	for _, id := range memberIDs {
		members = append(members, store.UserRef{ID: id, Name: id})
	}
	return &store.Conversation{ID: "created", Type: typ, Members: members}, nil
}

func (m *mockClient) GetMessages(ctx context.Context, conversationID string, page int) (*rest.MessagePage, error) {
	if m.getMessagesFunc != nil {
		return m.getMessagesFunc(ctx, conversationID, page)
	}
	return &rest.MessagePage{Page: page}, nil
}

func (m *mockClient) SendMessage(ctx context.Context, req rest.SendMessageRequest) (*store.Message, error) {
	m.mu.Lock()
	m.sendCalls = append(m.sendCalls, req)
	m.mu.Unlock()
	if m.sendMessageFunc != nil {
		return m.sendMessageFunc(ctx, req)
	}
	return &store.Message{
		ID:             100,
		LocalID:        req.LocalID,
		ConversationID: req.ConversationID,
		Body:           req.Body,
	}, nil
}

func (m *mockClient) MarkRead(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	m.markReadCalls = append(m.markReadCalls, conversationID)
	m.mu.Unlock()
	if m.markReadFunc != nil {
		return m.markReadFunc(ctx, conversationID)
	}
	return nil
}

func (m *mockClient) GetUploadSlots(ctx context.Context, reqs []rest.UploadSlotRequest) ([]rest.UploadSlot, error) {
	return nil, nil
}

func (m *mockClient) ConfirmUploads(ctx context.Context, uuids []string) error { return nil }

func (m *mockClient) GetPresenceSnapshot(ctx context.Context, conversationID string) ([]rest.PresenceEntry, error) {
	return nil, nil
}

func (m *mockClient) UpdatePresence(ctx context.Context, conversationID string, online bool) error {
	return nil
}

func (m *mockClient) Heartbeat(ctx context.Context, conversationID string) error { return nil }

func (m *mockClient) SendTyping(ctx context.Context, conversationID string, typing bool) error {
	return nil
}

func (m *mockClient) recordedMarkReads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.markReadCalls))
	copy(out, m.markReadCalls)
	return out
}

func (m *mockClient) recordedSends() []rest.SendMessageRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rest.SendMessageRequest, len(m.sendCalls))
	copy(out, m.sendCalls)
	return out
}

// mockGate implements MediaGate with a fixed verdict.
type mockGate struct {
	err error
}

func (g *mockGate) Gate(uuids []string) error {
	return g.err
}
