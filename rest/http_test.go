package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewHTTPClient(srv.URL, func() string { return "test-token" }, time.Second)
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}
	return client, srv
}

func TestGetMessagesRequestShape(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(MessagePage{Page: 2, LastPage: 5, Total: 93})
	}))

	page, err := client.GetMessages(context.Background(), "conv-1", 2)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}

	if gotPath != "/conversations/conv-1/messages" {
		t.Errorf("Unexpected path %q", gotPath)
	}
	if gotQuery != "page=2" {
		t.Errorf("Unexpected query %q", gotQuery)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Unexpected auth header %q", gotAuth)
	}
	if page.Page != 2 || page.LastPage != 5 || page.Total != 93 {
		t.Errorf("Page metadata not decoded: %+v", page)
	}
}

func TestSendMessageCarriesMediaUUIDs(t *testing.T) {
	var got SendMessageRequest
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Decoding request body: %v", err)
		}
		w.Write([]byte(`{"data": {"id": 12, "conversation_id": "conv-1", "sender": {"id": "u1", "name": "A"}, "body": "hi", "created_at": "2025-06-01T00:00:00Z"}}`))
	}))

	msg, err := client.SendMessage(context.Background(), SendMessageRequest{
		ConversationID: "conv-1",
		Body:           "hi",
		MediaUUIDs:     []string{"m-1", "m-2"},
		LocalID:        "local-9",
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if msg.ID != 12 {
		t.Errorf("Expected confirmed id 12, got %d", msg.ID)
	}
	if len(got.MediaUUIDs) != 2 || got.LocalID != "local-9" {
		t.Errorf("Request body lost fields: %+v", got)
	}
}

func TestStatusErrorOnRejection(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "conversation not found", http.StatusNotFound)
	}))

	err := client.MarkRead(context.Background(), "missing")
	if err == nil {
		t.Fatal("Expected error for 404 response")
	}
	if !IsStatus(err, http.StatusNotFound) {
		t.Errorf("Expected StatusError 404, got %v", err)
	}
}

func TestPutReportsProgress(t *testing.T) {
	var received []byte
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("Expected PUT, got %s", r.Method)
		}
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		received = buf.Bytes()
		w.WriteHeader(http.StatusOK)
	}))

	payload := bytes.Repeat([]byte("x"), 10_000)
	var updates []int
	err := client.Put(context.Background(), srv.URL+"/slot/abc", bytes.NewReader(payload), int64(len(payload)), "application/octet-stream", func(pct int) {
		updates = append(updates, pct)
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if len(received) != len(payload) {
		t.Errorf("Expected %d bytes uploaded, got %d", len(payload), len(received))
	}
	if len(updates) == 0 || updates[len(updates)-1] != 100 {
		t.Errorf("Expected terminal progress 100, got %v", updates)
	}
	for i := 1; i < len(updates); i++ {
		if updates[i] < updates[i-1] {
			t.Errorf("Progress regressed: %v", updates)
			break
		}
	}
}

func TestPutFailureIsStatusError(t *testing.T) {
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slot expired", http.StatusForbidden)
	}))

	err := client.Put(context.Background(), srv.URL+"/slot/expired", bytes.NewReader([]byte("data")), 4, "", nil)
	if !IsStatus(err, http.StatusForbidden) {
		t.Errorf("Expected StatusError 403, got %v", err)
	}
}
