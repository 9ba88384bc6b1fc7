package v1

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Multipart form fields of an upload. All metadata fields must be sent
// before the file part.
const (
	FieldBucketName     = "bucketName"
	FieldPathLocation   = "pathLocation"
	FieldObjectName     = "objectName"
	FieldFileName       = "fileName"
	FieldFileType       = "fileType"
	FieldFileSize       = "fileSize"
	FieldServiceAccount = "serviceAccountJson"
	FieldFile           = "file"
)

// UploadResponse is returned when an object was committed.
type UploadResponse struct {
	Success    bool   `json:"success"`
	ObjectName string `json:"objectName"`
	Bucket     string `json:"bucket"`
	Message    string `json:"message"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Message     string `json:"error"`
	Details     string `json:"details"`
	Code        string `json:"code"`
	OperationID string `json:"operation_id"`
}

// JSONUploadRequest is the body of the small-file JSON upload.
type JSONUploadRequest struct {
	BucketName         string          `json:"bucketName"`
	PathLocation       string          `json:"pathLocation"`
	ObjectName         string          `json:"objectName,omitempty"`
	ServiceAccountJSON json.RawMessage `json:"serviceAccountJson"`
	FileData           FileData        `json:"fileData"`
	FileName           string          `json:"fileName"`
	FileType           string          `json:"fileType,omitempty"`
}

// Credentials returns the credential blob, which may be sent either as a
// JSON object or as a string holding one.
func (r *JSONUploadRequest) Credentials() ([]byte, error) {
	raw := r.ServiceAccountJSON
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []byte(s), nil
	}
	return raw, nil
}

// FileData is the payload of a JSON upload, encoded either as a base64
// string or as an array of byte values.
type FileData []byte

var errInvalidFileData = errors.New("invalid fileData")

func (d *FileData) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*d = nil
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("%w: %v", errInvalidFileData, err)
		}
		*d = b
		return nil
	}

	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("%w: %v", errInvalidFileData, err)
	}
	b := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return fmt.Errorf("%w: value %d at %d is not a byte", errInvalidFileData, v, i)
		}
		b[i] = byte(v)
	}
	*d = b
	return nil
}
