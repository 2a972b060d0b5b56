package media

import (
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/store"
)

// UploadState represents the lifecycle stage of one file in the
// pipeline.
type UploadState uint8

const (
	// UploadStateSelected means the file passed validation and awaits a
	// slot.
	UploadStateSelected UploadState = iota
	// UploadStateSlotRequested means the server has issued a
	// destination and identifier for the file.
	UploadStateSlotRequested
	// UploadStateTransferring means the binary transfer is in progress.
	UploadStateTransferring
	// UploadStateConfirmed means the server acknowledged the completed
	// upload; the identifier may now be attached to a message.
	UploadStateConfirmed
	// UploadStateFailed means validation passed but a later stage
	// failed; the file stays listed with a retry affordance.
	UploadStateFailed
)

// String returns the lowercase state name.
func (s UploadState) String() string {
	switch s {
	case UploadStateSelected:
		return "selected"
	case UploadStateSlotRequested:
		return "slot_requested"
	case UploadStateTransferring:
		return "transferring"
	case UploadStateConfirmed:
		return "confirmed"
	case UploadStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// File is the caller-supplied description of a file to upload. Open
// must return a fresh reader positioned at the start; it is called once
// per transfer attempt so retries re-read from the beginning.
type File struct {
	Name     string
	MimeType string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// Upload tracks one file through the pipeline. LocalKey is the
// client-side handle assigned at selection; UUID is the server-issued
// identity, empty until a slot has been assigned.
type Upload struct {
	LocalKey   string
	UUID       string
	Name       string
	MimeType   string
	Size       int64
	Category   store.MediaType
	State      UploadState
	Progress   int
	UploadURL  string
	Err        error
	SelectedAt time.Time

	open func() (io.ReadCloser, error)

	// transferred is set only once the binary PUT has returned success.
	// Progress reaches 100 while the request is still in flight (the
	// body is fully streamed before the response arrives), so
	// confirmation keys on this flag, never on Progress.
	transferred bool

	mu               sync.Mutex
	progressCallback func(int)
	completeCallback func(error)
}

// OnProgress sets a callback invoked with 0-100 percentages during the
// transfer. Safe for concurrent use.
func (u *Upload) OnProgress(callback func(int)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.progressCallback = callback
}

// OnComplete sets a callback invoked when the upload reaches Confirmed
// (nil) or Failed (the failure). Safe for concurrent use.
func (u *Upload) OnComplete(callback func(error)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.completeCallback = callback
}

func (u *Upload) reportProgress(pct int) {
	u.mu.Lock()
	cb := u.progressCallback
	u.mu.Unlock()
	if cb != nil {
		cb(pct)
	}
}

func (u *Upload) reportComplete(err error) {
	u.mu.Lock()
	cb := u.completeCallback
	u.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// snapshot returns a copy safe to hand outside the pipeline lock.
func (u *Upload) snapshot() *Upload {
	cp := &Upload{
		LocalKey:   u.LocalKey,
		UUID:       u.UUID,
		Name:       u.Name,
		MimeType:   u.MimeType,
		Size:       u.Size,
		Category:   u.Category,
		State:      u.State,
		Progress:   u.Progress,
		UploadURL:  u.UploadURL,
		Err:        u.Err,
		SelectedAt: u.SelectedAt,
	}
	return cp
}

func (u *Upload) fail(err error) {
	u.State = UploadStateFailed
	u.Err = err

	logrus.WithFields(logrus.Fields{
		"function":  "fail",
		"local_key": u.LocalKey,
		"uuid":      u.UUID,
		"name":      u.Name,
		"error":     err.Error(),
	}).Warn("Upload failed")
}
