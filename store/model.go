package store

import (
	"encoding/json"
	"time"
)

// ConversationType distinguishes 1:1 chats from group chats.
type ConversationType string

const (
	// ConversationTypePrivate is a 1:1 conversation.
	ConversationTypePrivate ConversationType = "private"
	// ConversationTypeGroup is a multi-member conversation.
	ConversationTypeGroup ConversationType = "group"
)

// MediaType categorizes an attachment for validation and display.
type MediaType string

const (
	MediaTypeImage    MediaType = "image"
	MediaTypeVideo    MediaType = "video"
	MediaTypeAudio    MediaType = "audio"
	MediaTypeDocument MediaType = "document"
)

// UserRef is a denormalized reference to a user, carrying just enough
// for list and indicator rendering.
type UserRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Media describes one attachment of a message. The UUID is assigned by
// the server's upload-slot response, never by the client. FileURL is
// empty until the upload has been confirmed.
type Media struct {
	UUID     string    `json:"uuid"`
	Type     MediaType `json:"media_type"`
	MimeType string    `json:"mime_type"`
	FileSize int64     `json:"file_size"`
	FileURL  string    `json:"file_url,omitempty"`
}

// Conversation is one entry in the conversation list. LastMessage is a
// denormalized copy of the newest message, kept for list display.
type Conversation struct {
	ID          string           `json:"id"`
	Type        ConversationType `json:"type"`
	Members     []UserRef        `json:"members"`
	LastMessage *Message         `json:"last_message,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// MemberCount returns the number of members in the conversation.
func (c *Conversation) MemberCount() int {
	return len(c.Members)
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Members = append([]UserRef(nil), c.Members...)
	cp.LastMessage = c.LastMessage.Clone()
	return &cp
}

// Message is one message within a conversation.
//
// ID is server-assigned and monotonically increasing per conversation.
// Optimistic local messages carry a negative placeholder ID and a
// client-generated LocalID until the authoritative message is
// reconciled on send confirmation.
type Message struct {
	ID             int64     `json:"id"`
	LocalID        string    `json:"local_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	Sender         UserRef   `json:"sender"`
	Body           string    `json:"body,omitempty"`
	Media          []Media   `json:"media,omitempty"`
	CreatedAt      time.Time `json:"created_at"`

	// ReadBy holds the ids of users that have read this message.
	ReadBy map[string]struct{} `json:"-"`

	// Pending marks a local optimistic message awaiting confirmation.
	Pending bool `json:"-"`
	// Failed marks an optimistic message whose send was rejected. It
	// stays in the timeline as the basis for a user-initiated retry.
	Failed bool `json:"-"`
}

// wireMessage is the JSON shape of a message on the REST and push
// surfaces, where the read-by set travels as an id list.
type wireMessage struct {
	ID             int64     `json:"id"`
	LocalID        string    `json:"local_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	Sender         UserRef   `json:"sender"`
	Body           string    `json:"body,omitempty"`
	Media          []Media   `json:"media,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ReadByUserIDs  []string  `json:"read_by_user_ids,omitempty"`
}

// MarshalJSON encodes the message with ReadBy as a sorted-free id list.
func (m *Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		ID:             m.ID,
		LocalID:        m.LocalID,
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		Body:           m.Body,
		Media:          m.Media,
		CreatedAt:      m.CreatedAt,
	}
	for id := range m.ReadBy {
		w.ReadByUserIDs = append(w.ReadByUserIDs, id)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire shape, rebuilding the ReadBy set.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.ID = w.ID
	m.LocalID = w.LocalID
	m.ConversationID = w.ConversationID
	m.Sender = w.Sender
	m.Body = w.Body
	m.Media = w.Media
	m.CreatedAt = w.CreatedAt
	m.ReadBy = make(map[string]struct{}, len(w.ReadByUserIDs))
	for _, id := range w.ReadByUserIDs {
		m.ReadBy[id] = struct{}{}
	}
	return nil
}

// ReadByCount returns the size of the read-by set.
func (m *Message) ReadByCount() int {
	return len(m.ReadBy)
}

// IsReadBy reports whether the given user has read this message.
func (m *Message) IsReadBy(userID string) bool {
	_, ok := m.ReadBy[userID]
	return ok
}

// MarkReadBy adds userID to the read-by set. It returns false if the
// user was already present, making repeated application a no-op.
func (m *Message) MarkReadBy(userID string) bool {
	if m.ReadBy == nil {
		m.ReadBy = make(map[string]struct{})
	}
	if _, ok := m.ReadBy[userID]; ok {
		return false
	}
	m.ReadBy[userID] = struct{}{}
	return true
}

// AllReadByOthers reports whether every participant except the sender
// has read the message, given the conversation's member count.
func (m *Message) AllReadByOthers(memberCount int) bool {
	if memberCount < 2 {
		return false
	}
	return len(m.ReadBy) >= memberCount-1
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Media = append([]Media(nil), m.Media...)
	if m.ReadBy != nil {
		cp.ReadBy = make(map[string]struct{}, len(m.ReadBy))
		for id := range m.ReadBy {
			cp.ReadBy[id] = struct{}{}
		}
	}
	return &cp
}
