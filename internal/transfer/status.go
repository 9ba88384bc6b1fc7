package transfer

import (
	"encoding/json"
	"fmt"
)

func getStatusMapping() []string {
	return []string{"pending", "uploading", "processing", "success", "error"}
}

// Status is the lifecycle state of a single file transfer.
type Status int

const (
	StatusPending Status = iota
	StatusUploading
	StatusProcessing
	StatusSuccess
	StatusError
)

// StatusConversionError is returned when a string does not name a Status.
type StatusConversionError struct {
	reason string
}

func (err *StatusConversionError) Error() string {
	return err.reason
}

func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(getStatusMapping()) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return getStatusMapping()[s]
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

func (s Status) MarshalJSON() ([]byte, error) {
	if int(s) < 0 || int(s) >= len(getStatusMapping()) {
		return nil, &StatusConversionError{fmt.Sprintf("invalid transfer status: %d", int(s))}
	}
	return json.Marshal(getStatusMapping()[s])
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	for n, name := range getStatusMapping() {
		if name == str {
			*s = Status(n)
			return nil
		}
	}
	return &StatusConversionError{"invalid transfer status: " + str}
}
