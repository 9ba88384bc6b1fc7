// Package batch submits a set of local files to the relay, one concurrent
// transfer per file, and aggregates their outcomes once all of them ended.
package batch

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/upload-relay/internal/common"
	"github.com/osbuild/upload-relay/internal/credentials"
	"github.com/osbuild/upload-relay/internal/relay"
	"github.com/osbuild/upload-relay/internal/transfer"
)

// DefaultMaxFileSize is the largest file accepted into a batch.
const DefaultMaxFileSize int64 = 4 * 1024 * 1024

// File is one locally selected file.
type File struct {
	Name        string
	Size        int64
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// Destination is shared by all files of a batch.
type Destination struct {
	Bucket string
	Prefix string
}

// Request is what a Sender needs to transport one file.
type Request struct {
	Bucket       string
	PathLocation string
	FileName     string
	ContentType  string
	Size         int64
	Body         io.Reader
	Credential   []byte

	// ExternalID names the batch the file belongs to.
	ExternalID string
}

// ProgressFunc reports how many bytes of the body were handed to the
// transport. Calls for one request are made from a single goroutine in
// non-decreasing order of loaded.
type ProgressFunc func(loaded, total int64)

// Sender transports one file to the relay and returns the committed object
// name. The error text is shown to the user as the file's error detail.
type Sender interface {
	Send(ctx context.Context, req Request, progress ProgressFunc) (string, error)
}

type Config struct {
	// MaxFileSize is the largest accepted file, DefaultMaxFileSize if zero.
	MaxFileSize int64

	// CredentialKind is the expected "type" of the credential blob,
	// credentials.ServiceAccount if empty.
	CredentialKind string

	// URLScheme prefixes the destination in the batch message, "gs" if empty.
	URLScheme string
}

type Orchestrator struct {
	sender Sender
	config Config
	logger logrus.FieldLogger
}

func NewOrchestrator(sender Sender, logger logrus.FieldLogger, config Config) *Orchestrator {
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultMaxFileSize
	}
	if config.CredentialKind == "" {
		config.CredentialKind = credentials.ServiceAccount
	}
	if config.URLScheme == "" {
		config.URLScheme = "gs"
	}
	return &Orchestrator{
		sender: sender,
		config: config,
		logger: logger,
	}
}

type Option func(*Batch)

// WithObserver calls fn after every change applied to any transfer of the
// batch. fn is called from the transfers' tracker goroutines.
func WithObserver(fn func(transfer.View)) Option {
	return func(b *Batch) {
		b.observer = fn
	}
}

// Batch is a submitted set of transfers.
type Batch struct {
	ID          string
	Destination Destination

	scheme     string
	totalBytes int64
	trackers   []*transfer.Tracker
	observer   func(transfer.View)
	done       chan struct{}
}

// SubmitBatch validates the selection and starts one transfer per file. A
// validation failure is returned as a *ValidationError and starts nothing.
func (o *Orchestrator) SubmitBatch(ctx context.Context, files []File, dest Destination, credential []byte, opts ...Option) (*Batch, error) {
	if err := o.Validate(files, dest, credential); err != nil {
		return nil, err
	}

	b := &Batch{
		ID:          uuid.New().String(),
		Destination: dest,
		scheme:      o.config.URLScheme,
		trackers:    make([]*transfer.Tracker, len(files)),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	logger := o.logger.WithFields(logrus.Fields{
		"batch":  b.ID,
		"bucket": dest.Bucket,
	})

	for i, f := range files {
		b.totalBytes += f.Size
		ft := transfer.New(f.Name, i, f.Size, relay.ObjectPath(dest.Prefix, "", f.Name))
		b.trackers[i] = transfer.NewTracker(ft, logger, b.observer)
	}
	logger.WithField("files", len(files)).Info("Submitting batch")

	var wg sync.WaitGroup
	for i := range files {
		tr := b.trackers[i]
		go tr.Run()

		wg.Add(1)
		go func(f File) {
			defer wg.Done()
			o.send(ctx, tr, b.ID, f, dest, credential)
		}(files[i])
	}

	go func() {
		wg.Wait()
		for _, tr := range b.trackers {
			<-tr.Done()
		}
		close(b.done)
	}()

	return b, nil
}

// send runs one transfer. It always ends with exactly one terminal event.
func (o *Orchestrator) send(ctx context.Context, tr *transfer.Tracker, batchID string, f File, dest Destination, credential []byte) {
	tr.Emit(transfer.Event{Kind: transfer.EventStart})

	body, err := f.Open()
	if err != nil {
		tr.Emit(transfer.Event{Kind: transfer.EventFailed, Detail: err.Error()})
		return
	}
	defer body.Close()

	var sent atomic.Bool
	progress := func(loaded, total int64) {
		if sent.Load() {
			return
		}
		tr.Emit(transfer.Event{Kind: transfer.EventProgress, Loaded: loaded, Total: total})
		if total > 0 && loaded >= total {
			sent.Store(true)
			tr.Emit(transfer.Event{Kind: transfer.EventSent})
		}
	}

	name, err := o.sender.Send(ctx, Request{
		Bucket:       dest.Bucket,
		PathLocation: dest.Prefix,
		FileName:     f.Name,
		ContentType:  f.ContentType,
		Size:         f.Size,
		Body:         body,
		Credential:   credential,
		ExternalID:   batchID,
	}, progress)
	if err != nil {
		tr.Emit(transfer.Event{Kind: transfer.EventFailed, Detail: err.Error()})
		return
	}

	if sent.CompareAndSwap(false, true) {
		tr.Emit(transfer.Event{Kind: transfer.EventSent})
	}
	tr.Emit(transfer.Event{Kind: transfer.EventCommitted, ObjectName: name})
}

// Outcome is the aggregate result of a finished batch.
type Outcome struct {
	SuccessCount int
	ErrorCount   int
	Message      string
}

// Wait blocks until every transfer of the batch reached a terminal status.
// A failed transfer is part of the outcome, the error is only set when ctx
// ends first.
func (b *Batch) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-b.done:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}

	var out Outcome
	for _, tr := range b.trackers {
		if tr.View().Status == transfer.StatusSuccess {
			out.SuccessCount++
		} else {
			out.ErrorCount++
		}
	}

	if out.ErrorCount == 0 {
		out.Message = fmt.Sprintf("Successfully uploaded %d file(s) to %s://%s/%s", out.SuccessCount, b.scheme, b.Destination.Bucket, b.Destination.Prefix)
	} else {
		out.Message = fmt.Sprintf("%d file(s) failed to upload. Check individual file status below.", out.ErrorCount)
	}
	return out, nil
}

// Done is closed once every transfer of the batch is terminal.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Summary is a read-only view of a batch.
type Summary struct {
	ID         string          `json:"id"`
	Selected   int             `json:"selected"`
	TotalBytes int64           `json:"total_bytes"`
	Files      []transfer.View `json:"files"`
}

// Snapshot returns the current state of every transfer in batch order.
func (b *Batch) Snapshot() Summary {
	s := Summary{
		ID:         b.ID,
		Selected:   len(b.trackers),
		TotalBytes: b.totalBytes,
		Files:      make([]transfer.View, 0, len(b.trackers)),
	}
	for _, tr := range b.trackers {
		s.Files = append(s.Files, tr.View())
	}
	return s
}

// Selection describes a set of files before it is submitted, e.g.
// "Selected 2 file(s) (1.50 MB)".
func Selection(files []File) string {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return fmt.Sprintf("Selected %d file(s) (%s)", len(files), common.FormatFileSize(total))
}
