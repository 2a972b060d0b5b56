package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/store"
)

// DefaultTimeout bounds every REST call issued by HTTPClient.
const DefaultTimeout = 15 * time.Second

// TokenProvider returns the current bearer token, or empty for
// unauthenticated requests. It is called per request so rotated tokens
// take effect without rebuilding the client.
type TokenProvider func() string

// HTTPClient implements Client and BinaryUploader over net/http with
// JSON bodies.
type HTTPClient struct {
	base  *url.URL
	http  *http.Client
	token TokenProvider
}

var (
	_ Client         = (*HTTPClient)(nil)
	_ BinaryUploader = (*HTTPClient)(nil)
)

// NewHTTPClient creates a REST client rooted at baseURL. token may be
// nil. A zero timeout selects DefaultTimeout.
func NewHTTPClient(baseURL string, token TokenProvider, timeout time.Duration) (*HTTPClient, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewHTTPClient",
		"base_url": base.Redacted(),
		"timeout":  timeout,
	}).Debug("Creating REST client")

	return &HTTPClient{
		base:  base,
		http:  &http.Client{Timeout: timeout},
		token: token,
	}, nil
}

// do issues one JSON request and decodes the response into out when out
// is non-nil. Non-2xx responses become *StatusError.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	u := *c.base
	p, query := path, ""
	if i := strings.Index(path, "?"); i >= 0 {
		p, query = path[:i], path[i+1:]
	}
	u.Path = strings.TrimRight(c.base.Path, "/") + p
	u.RawQuery = query

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		logrus.WithFields(logrus.Fields{
			"function": "do",
			"method":   method,
			"path":     path,
			"status":   resp.StatusCode,
		}).Warn("Request rejected by server")
		return &StatusError{Code: resp.StatusCode, Body: string(snippet)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// GetConversations fetches the full conversation list.
func (c *HTTPClient) GetConversations(ctx context.Context) ([]*store.Conversation, error) {
	var out struct {
		Data []*store.Conversation `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// CreateConversation asks the server to create a conversation with the
// given members and returns the created entry.
func (c *HTTPClient) CreateConversation(ctx context.Context, typ store.ConversationType, memberIDs []string) (*store.Conversation, error) {
	body := struct {
		Type      store.ConversationType `json:"type"`
		MemberIDs []string               `json:"member_ids"`
	}{typ, memberIDs}
	var out struct {
		Data *store.Conversation `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/conversations", body, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// GetMessages fetches one page of history for a conversation.
func (c *HTTPClient) GetMessages(ctx context.Context, conversationID string, page int) (*MessagePage, error) {
	var out MessagePage
	path := fmt.Sprintf("/conversations/%s/messages?page=%d", url.PathEscape(conversationID), page)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage posts a new message and returns the server-confirmed one.
func (c *HTTPClient) SendMessage(ctx context.Context, req SendMessageRequest) (*store.Message, error) {
	var out struct {
		Data *store.Message `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/messages", req, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// MarkRead marks the whole conversation as read by the current user.
func (c *HTTPClient) MarkRead(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/conversations/%s/mark-read", url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

// GetUploadSlots requests one upload destination per file. The response
// order matches the request order.
func (c *HTTPClient) GetUploadSlots(ctx context.Context, reqs []UploadSlotRequest) ([]UploadSlot, error) {
	body := struct {
		Files []UploadSlotRequest `json:"files"`
	}{reqs}
	var out struct {
		Data []UploadSlot `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/media/get-upload-slots", body, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// ConfirmUploads notifies the server that the identified files are
// fully uploaded, making them attachable to messages.
func (c *HTTPClient) ConfirmUploads(ctx context.Context, uuids []string) error {
	body := struct {
		UUIDs []string `json:"uuids"`
	}{uuids}
	return c.do(ctx, http.MethodPost, "/media/confirm-uploaded", body, nil)
}

// GetPresenceSnapshot fetches the initial per-conversation presence
// state.
func (c *HTTPClient) GetPresenceSnapshot(ctx context.Context, conversationID string) ([]PresenceEntry, error) {
	var out struct {
		Data []PresenceEntry `json:"data"`
	}
	path := fmt.Sprintf("/conversations/%s/presence", url.PathEscape(conversationID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// UpdatePresence sends an explicit online/offline status update so
// observers get a prompt signal instead of waiting for a heartbeat to
// lapse.
func (c *HTTPClient) UpdatePresence(ctx context.Context, conversationID string, online bool) error {
	body := struct {
		Online bool `json:"online"`
	}{online}
	path := fmt.Sprintf("/conversations/%s/presence", url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPut, path, body, nil)
}

// Heartbeat refreshes the current user's presence in a conversation.
func (c *HTTPClient) Heartbeat(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/conversations/%s/heartbeat", url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// SendTyping broadcasts a typing start/stop signal.
func (c *HTTPClient) SendTyping(ctx context.Context, conversationID string, typing bool) error {
	body := struct {
		Typing bool `json:"typing"`
	}{typing}
	path := fmt.Sprintf("/conversations/%s/typing", url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// progressReader counts bytes as the transport consumes them and
// reports whole-percent increments.
type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	lastPct  int
	progress func(int)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 && p.total > 0 && p.progress != nil {
		p.read += int64(n)
		pct := int(p.read * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		if pct != p.lastPct {
			p.lastPct = pct
			p.progress(pct)
		}
	}
	return n, err
}

// Put transfers body to the slot destination URL with a PUT request,
// reporting progress as whole percentages. Non-2xx outcomes become
// *StatusError.
func (c *HTTPClient) Put(ctx context.Context, dest string, body io.Reader, size int64, contentType string, progress func(int)) error {
	pr := &progressReader{r: body, total: size, progress: progress}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, dest, pr)
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	req.ContentLength = size
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("uploading to slot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(snippet)}
	}

	if progress != nil && pr.lastPct < 100 {
		progress(100)
	}
	return nil
}
