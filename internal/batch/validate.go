package batch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/osbuild/upload-relay/internal/common"
	"github.com/osbuild/upload-relay/internal/credentials"
)

// ErrValidation is matched by every *ValidationError.
var ErrValidation = errors.New("batch validation failed")

// ValidationError rejects a whole batch before any transfer started. Message
// is meant for the user.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func validationError(err error, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...), Err: err}
}

// Validate runs the checks SubmitBatch runs before starting any transfer.
func (o *Orchestrator) Validate(files []File, dest Destination, credential []byte) error {
	if len(files) == 0 {
		return validationError(nil, "Please select at least one file to upload")
	}

	var oversized []string
	for _, f := range files {
		if f.Size > o.config.MaxFileSize {
			oversized = append(oversized, fmt.Sprintf("%s (%s)", f.Name, common.FormatFileSize(f.Size)))
		}
	}
	if len(oversized) > 0 {
		return validationError(nil, "File size limit exceeded (%s max): %s", sizeLimitLabel(o.config.MaxFileSize), strings.Join(oversized, ", "))
	}

	if strings.TrimSpace(dest.Bucket) == "" {
		return validationError(nil, "Please enter a bucket name")
	}
	if strings.TrimSpace(dest.Prefix) == "" {
		return validationError(nil, "Please enter a path location")
	}

	err := credentials.Check(credential, o.config.CredentialKind)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, credentials.ErrMissing):
		return validationError(err, "Please provide service account JSON")
	case errors.Is(err, credentials.ErrMalformed):
		return validationError(err, "Invalid JSON format for service account")
	case o.config.CredentialKind == credentials.ServiceAccount:
		return validationError(err, "Invalid service account JSON: must be a service account type")
	}
	return validationError(err, "Invalid credentials: must be a %s type", o.config.CredentialKind)
}

// sizeLimitLabel renders whole mebibyte limits as "4MB".
func sizeLimitLabel(limit int64) string {
	const mb = 1024 * 1024
	if limit%mb == 0 {
		return fmt.Sprintf("%dMB", limit/mb)
	}
	return common.FormatFileSize(limit)
}
