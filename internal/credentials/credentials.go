// Package credentials performs the minimal shape check on the opaque
// credential blob supplied with every upload.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ServiceAccount is the credential kind of Google Cloud service account keys.
const ServiceAccount = "service_account"

var (
	ErrMissing   = errors.New("credentials are required")
	ErrMalformed = errors.New("invalid credentials JSON format")
	ErrWrongKind = errors.New("unexpected credential type")
)

type header struct {
	Type string `json:"type"`
}

// Kind returns the "type" discriminator of the blob.
func Kind(blob []byte) (string, error) {
	if len(strings.TrimSpace(string(blob))) == 0 {
		return "", ErrMissing
	}
	var h header
	if err := json.Unmarshal(blob, &h); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return h.Type, nil
}

// Check verifies that blob is a JSON object whose "type" equals kind.
// Nothing else in the blob is looked at.
func Check(blob []byte, kind string) error {
	got, err := Kind(blob)
	if err != nil {
		return err
	}
	if got != kind {
		return fmt.Errorf("%w: expected %q, got %q", ErrWrongKind, kind, got)
	}
	return nil
}
