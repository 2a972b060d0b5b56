package media

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opd-ai/chatsync/store"
)

const (
	// MaxImageSize is the upload ceiling for image attachments (10MB).
	MaxImageSize = 10 * 1024 * 1024

	// MaxVideoSize is the upload ceiling for video attachments (100MB).
	MaxVideoSize = 100 * 1024 * 1024

	// MaxAudioSize is the upload ceiling for audio attachments (50MB).
	MaxAudioSize = 50 * 1024 * 1024

	// MaxDocumentSize is the upload ceiling for every other attachment
	// category (20MB).
	MaxDocumentSize = 20 * 1024 * 1024
)

var (
	// ErrFileEmpty indicates a zero-length file was selected.
	ErrFileEmpty = errors.New("file is empty")

	// ErrFileTooLarge indicates a file exceeds its category ceiling.
	ErrFileTooLarge = errors.New("file too large")
)

// CategoryFor maps a mime type onto an attachment category. Anything
// that is not an image, video or audio mime is a document.
func CategoryFor(mimeType string) store.MediaType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return store.MediaTypeImage
	case strings.HasPrefix(mimeType, "video/"):
		return store.MediaTypeVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return store.MediaTypeAudio
	default:
		return store.MediaTypeDocument
	}
}

// CeilingFor returns the size ceiling for an attachment category.
func CeilingFor(category store.MediaType) int64 {
	switch category {
	case store.MediaTypeImage:
		return MaxImageSize
	case store.MediaTypeVideo:
		return MaxVideoSize
	case store.MediaTypeAudio:
		return MaxAudioSize
	default:
		return MaxDocumentSize
	}
}

// ValidateFile checks a file's size against its category ceiling and
// returns the category. Validation happens before any network call;
// failures are surfaced per file and never retried automatically.
func ValidateFile(mimeType string, size int64) (store.MediaType, error) {
	category := CategoryFor(mimeType)
	if size <= 0 {
		return category, ErrFileEmpty
	}
	if ceiling := CeilingFor(category); size > ceiling {
		return category, fmt.Errorf("%w: %s size %d exceeds limit %d", ErrFileTooLarge, category, size, ceiling)
	}
	return category, nil
}
