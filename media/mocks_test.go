package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/opd-ai/chatsync/rest"
)

// mockSlotAPI answers slot and confirm calls with canned behavior.
type mockSlotAPI struct {
	mu           sync.Mutex
	slotCalls    [][]rest.UploadSlotRequest
	confirmCalls [][]string
	slotErr      error
	confirmErr   error
	nextSlot     int
}

func (m *mockSlotAPI) GetUploadSlots(ctx context.Context, reqs []rest.UploadSlotRequest) ([]rest.UploadSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slotCalls = append(m.slotCalls, reqs)
	if m.slotErr != nil {
		return nil, m.slotErr
	}
	slots := make([]rest.UploadSlot, 0, len(reqs))
	for range reqs {
		m.nextSlot++
		slots = append(slots, rest.UploadSlot{
			UUID:      fmt.Sprintf("uuid-%d", m.nextSlot),
			UploadURL: fmt.Sprintf("https://blob.example/slot-%d", m.nextSlot),
		})
	}
	return slots, nil
}

func (m *mockSlotAPI) ConfirmUploads(ctx context.Context, uuids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmCalls = append(m.confirmCalls, uuids)
	return m.confirmErr
}

// mockUploader records transfers and can fail specific destinations.
// When hook is set it fully controls the outcome of every Put.
type mockUploader struct {
	mu      sync.Mutex
	puts    map[string][]byte
	failURL string
	hook    func(url string, progress func(int)) error
}

func newMockUploader() *mockUploader {
	return &mockUploader{puts: make(map[string][]byte)}
}

func (m *mockUploader) Put(ctx context.Context, url string, body io.Reader, size int64, contentType string, progress func(int)) error {
	if m.hook != nil {
		return m.hook(url, progress)
	}
	if m.failURL == url {
		return fmt.Errorf("transfer refused for %s", url)
	}
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(body); err != nil {
		return err
	}
	m.mu.Lock()
	m.puts[url] = buf.Bytes()
	m.mu.Unlock()
	if progress != nil {
		progress(50)
		progress(100)
	}
	return nil
}

func memFile(name, mime string, data []byte) File {
	return File{
		Name:     name,
		MimeType: mime,
		Size:     int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}
