// Package relay forwards an inbound byte stream to an object store without
// holding more than one chunk of it in memory.
package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/osbuild/upload-relay/internal/common"
	"github.com/osbuild/upload-relay/internal/prometheus"
	"github.com/osbuild/upload-relay/internal/store"
)

const (
	DefaultThreshold   int64 = 5 * 1024 * 1024
	DefaultChunkSize         = 256 * 1024
	DefaultMaxDuration       = 10 * time.Minute

	// number of leading bytes looked at to guess a missing content type
	sniffLen = 512
)

type Config struct {
	// Threshold is the size above which writes are resumable.
	Threshold   int64
	ChunkSize   int
	MaxDuration time.Duration

	// MaxConcurrent caps the number of simultaneous pipelines, 0 means
	// no limit.
	MaxConcurrent int64
}

// Request is one inbound upload.
type Request struct {
	Body io.Reader

	// Size is the declared payload size, -1 when unknown.
	Size        int64
	Path        string
	ContentType string

	// Interrupt unblocks a pending read on Body. When nil and Body is an
	// io.Closer, Body is closed instead.
	Interrupt func()
}

// Result describes a committed object.
type Result struct {
	Bucket      string
	ObjectName  string
	ContentType string
	Resumable   bool
	Bytes       int64
}

type Relay struct {
	cfg    Config
	chunks sync.Pool
	sem    *semaphore.Weighted
	logger logrus.FieldLogger
}

func New(cfg Config, logger logrus.FieldLogger) *Relay {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}

	r := &Relay{
		cfg:    cfg,
		logger: logger,
	}
	r.chunks.New = func() interface{} {
		buf := make([]byte, cfg.ChunkSize)
		return &buf
	}
	if cfg.MaxConcurrent > 0 {
		r.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return r
}

func (r *Relay) Config() Config {
	return r.cfg
}

// IsResumable decides the write mode for a payload of the given size. An
// unknown size is treated as large.
func IsResumable(size, threshold int64) bool {
	return size < 0 || size > threshold
}

// Do relays req into st. On failure nothing is committed and the returned
// error is always a *Error.
func (r *Relay) Do(ctx context.Context, st store.Store, req Request) (*Result, error) {
	if req.Body == nil {
		return nil, validationError(CodeInvalidRequest, "no file provided")
	}
	if req.Path == "" {
		return nil, validationError(CodeInvalidRequest, "destination path is required")
	}

	resumable := IsResumable(req.Size, r.cfg.Threshold)
	logger := r.logger.WithFields(logrus.Fields{
		"bucket":    st.Bucket(),
		"path":      req.Path,
		"size":      req.Size,
		"resumable": resumable,
	})
	if oid := common.OperationID(ctx); oid != "" {
		logger = logger.WithField("operation_id", oid)
	}

	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil, transportError(CodeDisconnected, "request ended while waiting for an upload slot", err)
		}
		defer r.sem.Release(1)
	}

	observe := prometheus.UploadStarted(resumable)
	defer observe()

	res, err := r.relay(ctx, st, req, resumable, logger)
	if err != nil {
		prometheus.UploadFailed(string(err.Kind))
		logger.WithError(err).WithField("code", err.Code).Warn("Upload failed")
		return nil, err
	}

	prometheus.RelayedBytes.Add(float64(res.Bytes))
	logger.WithField("object", res.ObjectName).Info("Upload committed")
	return res, nil
}

func (r *Relay) relay(ctx context.Context, st store.Store, req Request, resumable bool, logger logrus.FieldLogger) (*Result, *Error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.MaxDuration)
	defer cancel()

	interrupt := inboundInterrupter(req)
	wd := newWatchdog(interrupt)
	go wd.watch(ctx)
	defer wd.stop()

	body := req.Body
	contentType := req.ContentType
	if contentType == "" {
		br := bufio.NewReaderSize(req.Body, sniffLen)
		head, err := br.Peek(sniffLen)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
			return nil, classify(ctx, &inboundError{err})
		}
		contentType = detectContentType(head)
		body = br
	}

	logger.WithField("content_type", contentType).Debug("Opening object for writing")
	sink, err := st.OpenWrite(ctx, store.WriteRequest{
		Path:        req.Path,
		ContentType: contentType,
		Resumable:   resumable,
		Size:        req.Size,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, classify(ctx, err)
		}
		return nil, storeFailure("opening the object for writing failed", err)
	}
	if !wd.attach(sink) {
		return nil, classify(ctx, ctx.Err())
	}

	bufp := r.chunks.Get().(*[]byte)
	defer r.chunks.Put(bufp)

	p := &pump{
		src:  body,
		dst:  sink,
		buf:  *bufp,
		size: req.Size,
	}
	n, err := p.run()
	if err != nil {
		sink.Abort()
		var se *sinkError
		if errors.As(err, &se) && interrupt != nil {
			interrupt()
		}
		return nil, classify(ctx, err)
	}

	if req.Size >= 0 && n != req.Size {
		sink.Abort()
		return nil, transportError(CodeSizeMismatch, fmt.Sprintf("received %d of %d declared bytes", n, req.Size), nil)
	}
	if ctx.Err() != nil {
		sink.Abort()
		return nil, classify(ctx, ctx.Err())
	}

	name, err := sink.Finalize()
	if err != nil {
		sink.Abort()
		if ctx.Err() != nil {
			return nil, classify(ctx, err)
		}
		return nil, storeFailure("committing the object failed", err)
	}

	return &Result{
		Bucket:      st.Bucket(),
		ObjectName:  name,
		ContentType: contentType,
		Resumable:   resumable,
		Bytes:       n,
	}, nil
}

// classify turns a pipeline failure into a relay error. Context expiry
// takes precedence since it is what caused both ends to be torn down.
func classify(ctx context.Context, err error) *Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return timeoutError(ctxErr)
		}
		return transportError(CodeDisconnected, "client disconnected", ctxErr)
	}

	var ie *inboundError
	var se *sinkError
	switch {
	case errors.Is(err, errSizeExceeded):
		return transportError(CodeSizeMismatch, "received more bytes than declared", err)
	case errors.As(err, &ie):
		return transportError(CodeInboundFailed, "reading the upload failed", ie.err)
	case errors.As(err, &se):
		return storeFailure("writing to the object store failed", se.err)
	}
	return AsError(err)
}

func detectContentType(head []byte) string {
	if len(head) == 0 {
		return DefaultContentType
	}
	mt := mimetype.Detect(head)
	if mt == nil || mt.String() == "" {
		return DefaultContentType
	}
	return mt.String()
}

func inboundInterrupter(req Request) func() {
	if req.Interrupt != nil {
		return req.Interrupt
	}
	if c, ok := req.Body.(io.Closer); ok {
		return func() { _ = c.Close() }
	}
	return nil
}

// watchdog tears down both ends of a pipeline once its context is done.
type watchdog struct {
	interrupt func()
	stopCh    chan struct{}
	done      chan struct{}

	mu    sync.Mutex // protects sink and fired
	sink  store.Sink
	fired bool
}

func newWatchdog(interrupt func()) *watchdog {
	return &watchdog{
		interrupt: interrupt,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (w *watchdog) watch(ctx context.Context) {
	defer close(w.done)
	select {
	case <-ctx.Done():
		w.mu.Lock()
		w.fired = true
		sink := w.sink
		w.mu.Unlock()

		if sink != nil {
			sink.Abort()
		}
		if w.interrupt != nil {
			w.interrupt()
		}
	case <-w.stopCh:
	}
}

// attach hands the sink to the watchdog. It returns false, after aborting
// the sink, when the context already expired.
func (w *watchdog) attach(sink store.Sink) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fired {
		sink.Abort()
		return false
	}
	w.sink = sink
	return true
}

func (w *watchdog) stop() {
	close(w.stopCh)
	<-w.done
}
