package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/upload-relay/internal/common"
	"github.com/osbuild/upload-relay/internal/credentials"
	"github.com/osbuild/upload-relay/internal/relay"
	"github.com/osbuild/upload-relay/internal/store"
)

type apiHandlers struct {
	server *Server
}

// uploadForm collects the metadata of one upload.
type uploadForm struct {
	BucketName   string
	PathLocation string
	ObjectName   string
	FileName     string
	FileType     string
	FileSize     int64
	Credentials  []byte
}

func (f *uploadForm) set(name string, value []byte) error {
	switch name {
	case FieldBucketName:
		f.BucketName = strings.TrimSpace(string(value))
	case FieldPathLocation:
		f.PathLocation = strings.TrimSpace(string(value))
	case FieldObjectName:
		f.ObjectName = strings.TrimSpace(string(value))
	case FieldFileName:
		f.FileName = string(value)
	case FieldFileType:
		f.FileType = strings.TrimSpace(string(value))
	case FieldFileSize:
		size, err := strconv.ParseInt(strings.TrimSpace(string(value)), 10, 64)
		if err != nil || size < 0 {
			return HTTPErrorWithInternal(ErrorInvalidFileSize, err)
		}
		f.FileSize = size
	case FieldServiceAccount:
		f.Credentials = value
	}
	// unknown fields are ignored
	return nil
}

func (f *uploadForm) missing(haveFile bool) []string {
	var missing []string
	if f.BucketName == "" {
		missing = append(missing, FieldBucketName)
	}
	if f.PathLocation == "" {
		missing = append(missing, FieldPathLocation)
	}
	if len(bytes.TrimSpace(f.Credentials)) == 0 {
		missing = append(missing, FieldServiceAccount)
	}
	if f.FileName == "" && f.ObjectName == "" {
		missing = append(missing, FieldFileName)
	}
	if !haveFile {
		missing = append(missing, FieldFile)
	}
	sort.Strings(missing)
	return missing
}

func missingFieldsError(missing []string) error {
	return HTTPErrorWithDetails(ErrorMissingFields, "", strings.Join(missing, ", "), nil)
}

func (h *apiHandlers) checkCredentials(blob []byte) error {
	kind := h.server.backend.CredentialKind()
	err := credentials.Check(blob, kind)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, credentials.ErrMissing):
		return missingFieldsError([]string{FieldServiceAccount})
	case errors.Is(err, credentials.ErrMalformed):
		return HTTPErrorWithInternal(ErrorMalformedCredentials, err)
	}

	message := ""
	if kind != credentials.ServiceAccount {
		message = fmt.Sprintf("Invalid credentials: must be a %s type", kind)
	}
	return HTTPErrorWithDetails(ErrorInvalidCredentials, message, "", err)
}

// Upload streams the file part of a multipart form into the object store.
// The metadata fields are read first, the file part is never buffered.
func (h *apiHandlers) Upload(ctx echo.Context) error {
	mr, err := ctx.Request().MultipartReader()
	if err != nil {
		return HTTPErrorWithInternal(ErrorMalformedMultipart, err)
	}

	form := uploadForm{FileSize: -1}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return missingFieldsError(form.missing(false))
		}
		if err != nil {
			return HTTPErrorWithInternal(ErrorMalformedMultipart, err)
		}

		if part.FormName() != FieldFile {
			value, err := io.ReadAll(io.LimitReader(part, h.server.config.MaxFieldSize+1))
			if err != nil {
				return HTTPErrorWithInternal(ErrorMalformedMultipart, err)
			}
			if int64(len(value)) > h.server.config.MaxFieldSize {
				return HTTPErrorWithDetails(ErrorFieldTooLarge, "", part.FormName(), nil)
			}
			if err := form.set(part.FormName(), value); err != nil {
				return err
			}
			continue
		}

		if form.FileName == "" {
			form.FileName = part.FileName()
		}
		if form.FileType == "" {
			form.FileType = partContentType(part.Header.Get(echo.HeaderContentType))
		}
		if missing := form.missing(true); len(missing) > 0 {
			return missingFieldsError(missing)
		}
		if err := h.checkCredentials(form.Credentials); err != nil {
			return err
		}

		rc := http.NewResponseController(ctx.Response())
		interrupt := func() {
			if err := rc.SetReadDeadline(time.Now()); err != nil {
				_ = part.Close()
			}
		}
		return h.relayUpload(ctx, form, part, interrupt)
	}
}

// partContentType ignores the generic type multipart writers put on file
// parts, so the relay gets a chance to detect a better one.
func partContentType(header string) string {
	if header == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil || mediaType == relay.DefaultContentType {
		return ""
	}
	return header
}

// UploadJSON handles the small-file variant carrying the whole file in the
// request body.
func (h *apiHandlers) UploadJSON(ctx echo.Context) error {
	var req JSONUploadRequest
	if err := json.NewDecoder(ctx.Request().Body).Decode(&req); err != nil {
		if errors.Is(err, echo.ErrStatusRequestEntityTooLarge) {
			return HTTPErrorWithInternal(ErrorBodyTooLarge, err)
		}
		if errors.Is(err, errInvalidFileData) {
			return HTTPErrorWithInternal(ErrorInvalidFileData, err)
		}
		return HTTPErrorWithInternal(ErrorBodyDecodingError, err)
	}

	creds, err := req.Credentials()
	if err != nil {
		return HTTPErrorWithInternal(ErrorMalformedCredentials, err)
	}

	form := uploadForm{
		BucketName:   strings.TrimSpace(req.BucketName),
		PathLocation: strings.TrimSpace(req.PathLocation),
		ObjectName:   strings.TrimSpace(req.ObjectName),
		FileName:     req.FileName,
		FileType:     req.FileType,
		FileSize:     int64(len(req.FileData)),
		Credentials:  creds,
	}
	if missing := form.missing(req.FileData != nil); len(missing) > 0 {
		return missingFieldsError(missing)
	}
	if err := h.checkCredentials(creds); err != nil {
		return err
	}

	return h.relayUpload(ctx, form, bytes.NewReader(req.FileData), nil)
}

func (h *apiHandlers) relayUpload(ctx echo.Context, form uploadForm, body io.Reader, interrupt func()) error {
	logger := common.RequestLogger(ctx).WithFields(logrus.Fields{
		"bucket": form.BucketName,
		"file":   form.FileName,
	})

	reqCtx := ctx.Request().Context()
	st, err := h.server.backend.Connect(reqCtx, form.BucketName, form.Credentials)
	if err != nil {
		details := ""
		var se *store.Error
		if errors.As(err, &se) {
			details = se.Code
		}
		return HTTPErrorWithDetails(ErrorStoreConnect, err.Error(), details, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close store client")
		}
	}()

	path := relay.ObjectPath(form.PathLocation, form.ObjectName, form.FileName)
	res, err := h.server.relay.Do(reqCtx, st, relay.Request{
		Body:        body,
		Size:        form.FileSize,
		Path:        path,
		ContentType: form.FileType,
		Interrupt:   interrupt,
	})
	if err != nil {
		return relayHTTPError(err)
	}

	logger.WithFields(logrus.Fields{
		"object":    res.ObjectName,
		"bytes":     res.Bytes,
		"resumable": res.Resumable,
	}).Info("File uploaded")

	return ctx.JSON(http.StatusOK, UploadResponse{
		Success:    true,
		ObjectName: res.ObjectName,
		Bucket:     res.Bucket,
		Message:    fmt.Sprintf("File uploaded successfully to %s://%s/%s", h.server.config.URLScheme, res.Bucket, res.ObjectName),
	})
}

func (h *apiHandlers) Healthz(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
