package v1

import (
	"fmt"
	"net/http"

	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"

	"github.com/osbuild/upload-relay/internal/prometheus"
	"github.com/osbuild/upload-relay/internal/relay"
)

const (
	ErrorCodePrefix = "UPLOAD-RELAY-"

	ErrorMissingFields        ServiceErrorCode = 1
	ErrorInvalidCredentials   ServiceErrorCode = 2
	ErrorMalformedCredentials ServiceErrorCode = 3
	ErrorBodyDecodingError    ServiceErrorCode = 4
	ErrorMalformedMultipart   ServiceErrorCode = 5
	ErrorInvalidFileSize      ServiceErrorCode = 6
	ErrorInvalidFileData      ServiceErrorCode = 7
	ErrorFieldTooLarge        ServiceErrorCode = 8
	ErrorBodyTooLarge         ServiceErrorCode = 9
	ErrorInvalidUpload        ServiceErrorCode = 10
	ErrorResourceNotFound     ServiceErrorCode = 21
	ErrorMethodNotAllowed     ServiceErrorCode = 22

	// Upload failures, the transfer was attempted
	ErrorTransport    ServiceErrorCode = 1000
	ErrorStore        ServiceErrorCode = 1001
	ErrorTimeout      ServiceErrorCode = 1002
	ErrorStoreConnect ServiceErrorCode = 1003

	// Errors contained within this file
	ErrorUnspecified          ServiceErrorCode = 10000
	ErrorNotHTTPError         ServiceErrorCode = 10001
	ErrorServiceErrorNotFound ServiceErrorCode = 10002
	ErrorMalformedOperationID ServiceErrorCode = 10003
)

type ServiceErrorCode int

type serviceError struct {
	code       ServiceErrorCode
	httpStatus int
	reason     string
}

type serviceErrors []serviceError

func getServiceErrors() serviceErrors {
	return serviceErrors{
		serviceError{ErrorMissingFields, http.StatusBadRequest, "Missing required fields"},
		serviceError{ErrorInvalidCredentials, http.StatusBadRequest, "Invalid service account JSON: must be a service account type"},
		serviceError{ErrorMalformedCredentials, http.StatusBadRequest, "Invalid JSON format for service account"},
		serviceError{ErrorBodyDecodingError, http.StatusBadRequest, "Malformed json, unable to decode body"},
		serviceError{ErrorMalformedMultipart, http.StatusBadRequest, "Malformed multipart form"},
		serviceError{ErrorInvalidFileSize, http.StatusBadRequest, "Invalid fileSize field, it should be a non-negative integer"},
		serviceError{ErrorInvalidFileData, http.StatusBadRequest, "Invalid fileData field, it should be base64 or an array of bytes"},
		serviceError{ErrorFieldTooLarge, http.StatusBadRequest, "Form field is too large"},
		serviceError{ErrorBodyTooLarge, http.StatusRequestEntityTooLarge, "Request body is too large, use the multipart upload"},
		serviceError{ErrorInvalidUpload, http.StatusBadRequest, "Invalid upload request"},
		serviceError{ErrorResourceNotFound, http.StatusNotFound, "Requested resource doesn't exist"},
		serviceError{ErrorMethodNotAllowed, http.StatusMethodNotAllowed, "Requested method isn't supported for resource"},

		serviceError{ErrorTransport, http.StatusInternalServerError, "Failed to receive the file"},
		serviceError{ErrorStore, http.StatusInternalServerError, "Failed to upload file to the object store"},
		serviceError{ErrorTimeout, http.StatusGatewayTimeout, "Upload timed out"},
		serviceError{ErrorStoreConnect, http.StatusInternalServerError, "Failed to connect to the object store"},

		serviceError{ErrorUnspecified, http.StatusInternalServerError, "Unspecified internal error "},
		serviceError{ErrorNotHTTPError, http.StatusInternalServerError, "Error is not an instance of HTTPError"},
		serviceError{ErrorServiceErrorNotFound, http.StatusInternalServerError, "Error does not exist"},
		serviceError{ErrorMalformedOperationID, http.StatusInternalServerError, "OperationID is empty or is not a string"},
	}
}

func find(code ServiceErrorCode) *serviceError {
	for _, e := range getServiceErrors() {
		if e.code == code {
			return &e
		}
	}
	return &serviceError{ErrorServiceErrorNotFound, http.StatusInternalServerError, "Error does not exist"}
}

// detailsError is stored as the message of an echo.HTTPError. message
// replaces the generic reason and details carries the machine readable
// cause, e.g. the object store's error code.
type detailsError struct {
	errorCode ServiceErrorCode
	message   string
	details   string
}

// Make an echo compatible error out of a service error
func HTTPError(code ServiceErrorCode) error {
	return HTTPErrorWithDetails(code, "", "", nil)
}

func HTTPErrorWithInternal(code ServiceErrorCode, internalErr error) error {
	return HTTPErrorWithDetails(code, "", "", internalErr)
}

// echo.HTTPError has a message interface{} field, which can be used to include the ServiceErrorCode
func HTTPErrorWithDetails(code ServiceErrorCode, message, details string, internalErr error) error {
	se := find(code)
	he := echo.NewHTTPError(se.httpStatus, detailsError{code, message, details})
	if internalErr != nil {
		he.Internal = internalErr
	}
	return he
}

// relayHTTPError maps a failed transfer onto a service error. The relay
// error code is passed on as details.
func relayHTTPError(err error) error {
	re := relay.AsError(err)

	var code ServiceErrorCode
	switch re.Kind {
	case relay.KindValidation:
		code = ErrorInvalidUpload
	case relay.KindStore:
		code = ErrorStore
	case relay.KindTimeout:
		code = ErrorTimeout
	default:
		code = ErrorTransport
	}
	return HTTPErrorWithDetails(code, re.Error(), re.Code, re)
}

// Convert a ServiceErrorCode into the error body returned to clients
func APIError(serviceError *serviceError, c echo.Context, details *detailsError) *ErrorResponse {
	se := serviceError

	operationID, ok := c.Get("operationID").(string)
	if !ok || operationID == "" {
		se = find(ErrorMalformedOperationID)
	}

	apiErr := &ErrorResponse{
		Message:     se.reason,
		Details:     "Unknown error",
		Code:        fmt.Sprintf("%s%d", ErrorCodePrefix, se.code),
		OperationID: operationID,
	}
	if details != nil && se.code == details.errorCode {
		if details.message != "" {
			apiErr.Message = details.message
		}
		if details.details != "" {
			apiErr.Details = details.details
		}
	}
	return apiErr
}

func apiErrorFromEchoError(echoError *echo.HTTPError) ServiceErrorCode {
	switch echoError.Code {
	case http.StatusNotFound:
		return ErrorResourceNotFound
	case http.StatusMethodNotAllowed:
		return ErrorMethodNotAllowed
	case http.StatusRequestEntityTooLarge:
		return ErrorBodyTooLarge
	default:
		return ErrorUnspecified
	}
}

// Convert an echo error into the relay's error body so clients always get
// a json error response
func (s *Server) HTTPErrorHandler(echoError error, c echo.Context) {
	doResponse := func(details *detailsError, c echo.Context) {
		if !c.Response().Committed {
			var err error
			sec := find(details.errorCode)
			apiErr := APIError(sec, c, details)

			if sec.httpStatus >= http.StatusInternalServerError {
				errMsg := fmt.Sprintf("Internal server error. Code: %s, OperationId: %s", apiErr.Code, apiErr.OperationID)

				if he, ok := echoError.(*echo.HTTPError); ok && he.Internal != nil {
					errMsg += fmt.Sprintf(", InternalError: %v", he.Internal)
				}

				c.Logger().Error(errMsg)
				if hub := sentryecho.GetHubFromContext(c); hub != nil {
					hub.CaptureException(echoError)
				}
			}

			if c.Request().Method == http.MethodHead {
				err = c.NoContent(sec.httpStatus)
			} else {
				err = c.JSON(sec.httpStatus, apiErr)
			}
			if err != nil {
				c.Logger().Errorf("Failed to return error response: %v", err)
			}
		} else {
			c.Logger().Infof("Failed to return error response, response already committed: %d", details.errorCode)
		}
	}

	he, ok := echoError.(*echo.HTTPError)
	if !ok {
		c.Logger().Errorf("ErrorNotHTTPError %v", echoError)
		prometheus.TotalFailures.Inc()
		doResponse(&detailsError{errorCode: ErrorNotHTTPError}, c)
		return
	}

	if he.Code >= http.StatusInternalServerError && he.Code <= http.StatusNetworkAuthenticationRequired {
		prometheus.TotalFailures.Inc()
	}

	details, ok := he.Message.(detailsError)
	if !ok {
		// No service code was set, so Echo threw this error
		doResponse(&detailsError{errorCode: apiErrorFromEchoError(he)}, c)
		return
	}
	doResponse(&details, c)
}
