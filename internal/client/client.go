// Package client sends files to the upload relay over HTTP.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/upload-relay/internal/batch"
	"github.com/osbuild/upload-relay/internal/common"
	"github.com/osbuild/upload-relay/internal/relay"
	v1 "github.com/osbuild/upload-relay/internal/uploadapi/v1"
)

// DefaultBasePath is where the relay serves its API.
const DefaultBasePath = "/api/upload/v1"

type Config struct {
	// URL of the relay, e.g. "http://localhost:8080".
	URL string

	// BasePath of the API, DefaultBasePath if empty.
	BasePath string

	// RetryMax bounds the readiness probe retries.
	RetryMax int

	// HTTPClient sends the uploads, http.DefaultClient if nil. Uploads are
	// streamed and never retried.
	HTTPClient *http.Client
}

type Client struct {
	url      string
	retryMax int
	http     *http.Client
	logger   *logrus.Logger
}

func New(config Config, logger *logrus.Logger) *Client {
	if config.BasePath == "" {
		config.BasePath = DefaultBasePath
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		url:      strings.TrimSuffix(config.URL, "/") + "/" + strings.Trim(config.BasePath, "/"),
		retryMax: config.RetryMax,
		http:     config.HTTPClient,
		logger:   logger,
	}
}

// ResponseError is a non-2xx answer of the relay. Its text is the message
// shown to the user.
type ResponseError struct {
	StatusCode int
	Message    string
	Details    string
	Code       string
}

func (e *ResponseError) Error() string {
	return e.Message
}

// NetworkError is returned when no answer was received from the relay.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "Network error"
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// errResponseReceived stops writing the body once the relay answered.
var errResponseReceived = errors.New("response received")

// Send streams one file to the relay as a multipart form. The metadata
// fields precede the file part so the relay can open the object before the
// first byte of the file arrives.
func (c *Client) Send(ctx context.Context, req batch.Request, progress batch.ProgressFunc) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	written := make(chan error, 1)
	go func() {
		err := writeForm(mw, req, progress)
		_ = pw.CloseWithError(err)
		written <- err
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/upload", pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		<-written
		return "", err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if req.ExternalID != "" {
		httpReq.Header.Set(common.ExternalIDHeader, req.ExternalID)
	}

	logger := c.logger.WithFields(logrus.Fields{
		"file":   req.FileName,
		"bucket": req.Bucket,
	})
	logger.Debug("Sending file to relay")

	resp, err := c.http.Do(httpReq)
	// the writer must be done before we return, it calls progress
	_ = pr.CloseWithError(errResponseReceived)
	writeErr := <-written
	if err != nil {
		if writeErr != nil && !errors.Is(writeErr, errResponseReceived) && !errors.Is(writeErr, io.ErrClosedPipe) {
			logger.WithError(writeErr).Error("Reading the file failed")
			return "", writeErr
		}
		logger.WithError(err).Error("Request to relay failed")
		return "", &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	return parseResponse(resp)
}

func writeForm(mw *multipart.Writer, req batch.Request, progress batch.ProgressFunc) error {
	fields := []struct {
		name  string
		value string
	}{
		{v1.FieldBucketName, req.Bucket},
		{v1.FieldPathLocation, req.PathLocation},
		{v1.FieldFileName, req.FileName},
		{v1.FieldFileType, req.ContentType},
		{v1.FieldFileSize, strconv.FormatInt(req.Size, 10)},
		{v1.FieldServiceAccount, string(req.Credential)},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := mw.WriteField(f.name, f.value); err != nil {
			return err
		}
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = relay.DefaultContentType
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, v1.FieldFile, escapeQuotes(req.FileName)))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}

	body := &progressReader{r: req.Body, total: req.Size, progress: progress}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	return mw.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// progressReader reports the bytes read so far after every read.
type progressReader struct {
	r        io.Reader
	loaded   int64
	total    int64
	progress batch.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += int64(n)
		if p.progress != nil {
			p.progress(p.loaded, p.total)
		}
	}
	return n, err
}

func parseResponse(resp *http.Response) (string, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &NetworkError{Err: err}
	}

	if resp.StatusCode == http.StatusOK {
		var ur v1.UploadResponse
		if err := json.Unmarshal(body, &ur); err != nil || !ur.Success {
			return "", &ResponseError{StatusCode: resp.StatusCode, Message: "Upload failed"}
		}
		return ur.ObjectName, nil
	}

	var er v1.ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return "", &ResponseError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("Upload failed with status %d", resp.StatusCode),
		}
	}
	if er.Message == "" {
		er.Message = "Upload failed"
	}
	return "", &ResponseError{
		StatusCode: resp.StatusCode,
		Message:    er.Message,
		Details:    er.Details,
		Code:       er.Code,
	}
}
