// Package store contains the object store write capability used by the
// upload relay, along with an in-memory implementation of it.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrAborted is returned by a Sink that was aborted before it was finalized.
var ErrAborted = errors.New("write aborted")

// WriteRequest describes a single object write.
type WriteRequest struct {
	// Path is the full object path inside the bucket.
	Path        string
	ContentType string

	// Resumable selects a chunked, resumable write session instead of a
	// single-shot write.
	Resumable bool

	// Size is the declared payload size, or -1 if unknown. Backends may
	// use it as a hint; it is not enforced here.
	Size int64
}

// A Sink receives the bytes of one object. Nothing becomes visible in the
// bucket before Finalize returns successfully.
//
// Write blocks while the store is not ready to take more data, callers must
// not issue the next Write before the previous one returned.
type Sink interface {
	Write(p []byte) (int, error)
	// Finalize commits the object and returns its committed path.
	Finalize() (string, error)
	// Abort discards everything written so far. It is safe to call Abort
	// more than once and after a failed Finalize.
	Abort()
}

// A Store opens object writes inside a single bucket.
type Store interface {
	Bucket() string
	OpenWrite(ctx context.Context, req WriteRequest) (Sink, error)
	Close() error
}

// A Backend creates stores from a caller-supplied credential blob.
type Backend interface {
	// CredentialKind is the value the credential's "type" discriminator
	// must carry for this backend.
	CredentialKind() string
	Connect(ctx context.Context, bucket string, credential []byte) (Store, error)
}

// Error is a failure reported by the object store. Code is the store's own
// error code and is passed through to clients unchanged.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err as a store error with the given code.
func NewError(code string, err error) *Error {
	return &Error{
		Code:    code,
		Message: err.Error(),
		Err:     err,
	}
}
