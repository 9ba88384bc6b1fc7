package relay

import (
	"errors"
	"fmt"

	"github.com/osbuild/upload-relay/internal/store"
)

// Kind classifies why a transfer failed.
type Kind string

const (
	KindValidation Kind = "validation"
	KindTransport  Kind = "transport"
	KindStore      Kind = "store"
	KindTimeout    Kind = "timeout"
)

// Codes used for failures that do not originate in the object store.
const (
	CodeInboundFailed  = "inbound_stream_failed"
	CodeSizeMismatch   = "size_mismatch"
	CodeDisconnected   = "client_disconnected"
	CodeTimeout        = "timeout"
	CodeStoreFailure   = "store_failure"
	CodeInvalidRequest = "invalid_request"
)

// Error is the failure of one relayed transfer.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func validationError(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

func transportError(code, message string, err error) *Error {
	return &Error{Kind: KindTransport, Code: code, Message: message, Err: err}
}

// storeFailure keeps the store's own error code when there is one.
func storeFailure(message string, err error) *Error {
	code := CodeStoreFailure
	var se *store.Error
	if errors.As(err, &se) && se.Code != "" {
		code = se.Code
	}
	return &Error{Kind: KindStore, Code: code, Message: message, Err: err}
}

func timeoutError(err error) *Error {
	return &Error{Kind: KindTimeout, Code: CodeTimeout, Message: "upload exceeded the maximum duration", Err: err}
}

// AsError returns err as a relay error, classifying unknown errors as
// transport failures.
func AsError(err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return transportError(CodeInboundFailed, "upload failed", err)
}
