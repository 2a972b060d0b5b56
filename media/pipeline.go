package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatsync/rest"
)

var (
	// ErrUnknownUpload indicates an operation on a local key the
	// pipeline does not track.
	ErrUnknownUpload = errors.New("unknown upload")

	// ErrNoSlot indicates a transfer attempted before a slot was
	// assigned.
	ErrNoSlot = errors.New("upload has no assigned slot")

	// ErrNotConfirmed indicates a send gate check found identifiers
	// that are not yet confirmed.
	ErrNotConfirmed = errors.New("media not confirmed")

	// ErrSlotCountMismatch indicates the server answered a slot batch
	// with the wrong number of slots.
	ErrSlotCountMismatch = errors.New("slot count does not match request")
)

// SlotAPI is the slice of the REST surface the pipeline needs.
type SlotAPI interface {
	GetUploadSlots(ctx context.Context, reqs []rest.UploadSlotRequest) ([]rest.UploadSlot, error)
	ConfirmUploads(ctx context.Context, uuids []string) error
}

// Pipeline drives a batch of files through the upload state machine.
// Methods are safe for concurrent use; per-file failures never affect
// sibling files.
type Pipeline struct {
	api      SlotAPI
	uploader rest.BinaryUploader

	mu         sync.Mutex
	uploads    map[string]*Upload // by LocalKey
	order      []string
	confirmed  map[string]struct{} // by server UUID
	onProgress func(localKey string, percent int)
	onState    func(u *Upload)
}

// NewPipeline creates an empty pipeline over the given slot API and
// binary uploader.
func NewPipeline(api SlotAPI, uploader rest.BinaryUploader) *Pipeline {
	return &Pipeline{
		api:       api,
		uploader:  uploader,
		uploads:   make(map[string]*Upload),
		confirmed: make(map[string]struct{}),
	}
}

// OnProgress registers a pipeline-wide progress callback keyed by local
// key, for rendering per-file progress bars.
func (p *Pipeline) OnProgress(fn func(localKey string, percent int)) {
	p.mu.Lock()
	p.onProgress = fn
	p.mu.Unlock()
}

// OnStateChange registers a callback invoked with a snapshot after
// every state transition.
func (p *Pipeline) OnStateChange(fn func(u *Upload)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

// Select validates a file and admits it to the pipeline. Validation
// failures are returned per file before any network call; callers
// selecting a batch continue with the files that passed.
func (p *Pipeline) Select(f File) (*Upload, error) {
	category, err := ValidateFile(f.MimeType, f.Size)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Select",
			"name":      f.Name,
			"mime_type": f.MimeType,
			"size":      f.Size,
			"error":     err.Error(),
		}).Warn("File rejected at selection")
		return nil, err
	}

	u := &Upload{
		LocalKey:   uuid.NewString(),
		Name:       f.Name,
		MimeType:   f.MimeType,
		Size:       f.Size,
		Category:   category,
		State:      UploadStateSelected,
		SelectedAt: time.Now(),
		open:       f.Open,
	}

	p.mu.Lock()
	p.uploads[u.LocalKey] = u
	p.order = append(p.order, u.LocalKey)
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Select",
		"local_key": u.LocalKey,
		"name":      u.Name,
		"category":  u.Category,
		"size":      u.Size,
	}).Info("File selected for upload")

	p.notifyState(u)
	return u.snapshot(), nil
}

// RequestSlots asks the server for one destination per file still in
// the Selected state. On success each file holds its server-issued
// identifier and moves to SlotRequested. A batch-level failure leaves
// every file in Selected for a later retry.
func (p *Pipeline) RequestSlots(ctx context.Context) error {
	p.mu.Lock()
	batch := make([]*Upload, 0)
	reqs := make([]rest.UploadSlotRequest, 0)
	for _, key := range p.order {
		u := p.uploads[key]
		if u.State != UploadStateSelected {
			continue
		}
		batch = append(batch, u)
		reqs = append(reqs, rest.UploadSlotRequest{
			Name:     u.Name,
			MimeType: u.MimeType,
			Size:     u.Size,
			Category: u.Category,
		})
	}
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	slots, err := p.api.GetUploadSlots(ctx, reqs)
	if err != nil {
		return fmt.Errorf("requesting upload slots: %w", err)
	}
	if len(slots) != len(batch) {
		return fmt.Errorf("%w: requested %d, got %d", ErrSlotCountMismatch, len(batch), len(slots))
	}

	p.mu.Lock()
	for i, u := range batch {
		u.UUID = slots[i].UUID
		u.UploadURL = slots[i].UploadURL
		u.State = UploadStateSlotRequested
	}
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "RequestSlots",
		"files":    len(batch),
	}).Info("Upload slots assigned")

	for _, u := range batch {
		p.notifyState(u)
	}
	return nil
}

// Transfer uploads one file's binary to its assigned destination.
// A non-2xx outcome or network error moves the file to Failed without
// touching its siblings.
func (p *Pipeline) Transfer(ctx context.Context, localKey string) error {
	p.mu.Lock()
	u, ok := p.uploads[localKey]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownUpload
	}
	if u.State != UploadStateSlotRequested && u.State != UploadStateFailed {
		p.mu.Unlock()
		return fmt.Errorf("upload %s cannot transfer in state %s", localKey, u.State)
	}
	if u.UploadURL == "" {
		p.mu.Unlock()
		return ErrNoSlot
	}
	u.State = UploadStateTransferring
	u.Progress = 0
	u.Err = nil
	u.transferred = false
	p.mu.Unlock()
	p.notifyState(u)

	body, err := u.open()
	if err != nil {
		p.failUpload(u, fmt.Errorf("opening file: %w", err))
		return err
	}
	defer body.Close()

	err = p.uploader.Put(ctx, u.UploadURL, body, u.Size, u.MimeType, func(pct int) {
		p.mu.Lock()
		u.Progress = pct
		fn := p.onProgress
		p.mu.Unlock()
		u.reportProgress(pct)
		if fn != nil {
			fn(u.LocalKey, pct)
		}
	})
	if err != nil {
		p.failUpload(u, err)
		return err
	}

	p.mu.Lock()
	// The file stays in Transferring until the confirmation call
	// succeeds; only Confirmed identifiers are attachable.
	u.Progress = 100
	u.transferred = true
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Transfer",
		"local_key": u.LocalKey,
		"uuid":      u.UUID,
		"size":      u.Size,
	}).Info("Binary transfer completed")

	p.notifyState(u)
	return nil
}

// TransferAll transfers every file holding a slot, continuing past
// individual failures. It returns the first error encountered, if any.
func (p *Pipeline) TransferAll(ctx context.Context) error {
	p.mu.Lock()
	keys := make([]string, 0, len(p.order))
	for _, key := range p.order {
		if p.uploads[key].State == UploadStateSlotRequested {
			keys = append(keys, key)
		}
	}
	p.mu.Unlock()

	var first error
	for _, key := range keys {
		if err := p.Transfer(ctx, key); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Confirm notifies the server that every fully transferred file is
// uploaded, moving them to Confirmed. Only confirmed identifiers are
// eligible for message attachment.
func (p *Pipeline) Confirm(ctx context.Context) error {
	p.mu.Lock()
	done := make([]*Upload, 0)
	uuids := make([]string, 0)
	for _, key := range p.order {
		u := p.uploads[key]
		if u.State == UploadStateTransferring && u.transferred {
			done = append(done, u)
			uuids = append(uuids, u.UUID)
		}
	}
	p.mu.Unlock()

	if len(uuids) == 0 {
		return nil
	}

	if err := p.api.ConfirmUploads(ctx, uuids); err != nil {
		return fmt.Errorf("confirming uploads: %w", err)
	}

	p.mu.Lock()
	for _, u := range done {
		u.State = UploadStateConfirmed
		p.confirmed[u.UUID] = struct{}{}
	}
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Confirm",
		"files":    len(uuids),
	}).Info("Uploads confirmed")

	for _, u := range done {
		p.notifyState(u)
		u.reportComplete(nil)
	}
	return nil
}

// Retry re-runs the failed stage of one upload: the transfer when a
// slot exists, otherwise nothing (a batch-level slot failure is retried
// through RequestSlots).
func (p *Pipeline) Retry(ctx context.Context, localKey string) error {
	p.mu.Lock()
	u, ok := p.uploads[localKey]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownUpload
	}
	if u.State != UploadStateFailed {
		p.mu.Unlock()
		return fmt.Errorf("upload %s is not failed", localKey)
	}
	hasSlot := u.UploadURL != ""
	p.mu.Unlock()

	if !hasSlot {
		return ErrNoSlot
	}
	return p.Transfer(ctx, localKey)
}

// Remove drops an upload from the pipeline, e.g. after the user
// discards a failed file.
func (p *Pipeline) Remove(localKey string) {
	p.mu.Lock()
	u, ok := p.uploads[localKey]
	if ok {
		delete(p.uploads, localKey)
		delete(p.confirmed, u.UUID)
		for i, key := range p.order {
			if key == localKey {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()
}

// Upload returns a snapshot of one tracked upload.
func (p *Pipeline) Upload(localKey string) (*Upload, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.uploads[localKey]
	if !ok {
		return nil, false
	}
	return u.snapshot(), true
}

// Uploads returns snapshots of every tracked upload in selection order.
func (p *Pipeline) Uploads() []*Upload {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Upload, 0, len(p.order))
	for _, key := range p.order {
		out = append(out, p.uploads[key].snapshot())
	}
	return out
}

// ConfirmedIDs returns the identifiers currently eligible for message
// attachment.
func (p *Pipeline) ConfirmedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.confirmed))
	for id := range p.confirmed {
		out = append(out, id)
	}
	return out
}

// Gate verifies that every referenced identifier is confirmed. A send
// that includes media must pass this check; one unconfirmed identifier
// rejects the whole set.
func (p *Pipeline) Gate(uuids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range uuids {
		if _, ok := p.confirmed[id]; !ok {
			return fmt.Errorf("%w: %s", ErrNotConfirmed, id)
		}
	}
	return nil
}

func (p *Pipeline) failUpload(u *Upload, err error) {
	p.mu.Lock()
	u.fail(err)
	p.mu.Unlock()
	p.notifyState(u)
	u.reportComplete(err)
}

func (p *Pipeline) notifyState(u *Upload) {
	p.mu.Lock()
	fn := p.onState
	snap := u.snapshot()
	p.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}
