package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/upload-relay/internal/relay"
	"github.com/osbuild/upload-relay/internal/store"
)

func TestHTTPErrorReturnsEchoHTTPError(t *testing.T) {
	for _, se := range getServiceErrors() {
		err := HTTPError(se.code)
		echoError, ok := err.(*echo.HTTPError)
		require.True(t, ok)
		require.Equal(t, se.httpStatus, echoError.Code)
		detailsError, ok := echoError.Message.(detailsError)
		require.True(t, ok)
		require.Equal(t, se.code, detailsError.errorCode)
	}
}

func TestAPIError(t *testing.T) {
	e := echo.New()
	for _, svcErr := range getServiceErrors() {
		ctx := e.NewContext(nil, nil)
		ctx.Set("operationID", "test-operation-id")
		se := svcErr // avoid G601
		apiError := APIError(&se, ctx, nil)
		require.Equal(t, fmt.Sprintf("UPLOAD-RELAY-%d", se.code), apiError.Code)
		require.Equal(t, "test-operation-id", apiError.OperationID)
		require.Equal(t, se.reason, apiError.Message)
		require.Equal(t, "Unknown error", apiError.Details)
	}
}

func TestAPIErrorOperationID(t *testing.T) {
	ctx := echo.New().NewContext(nil, nil)

	apiError := APIError(find(ErrorMissingFields), ctx, nil)
	require.Equal(t, "UPLOAD-RELAY-10003", apiError.Code)

	ctx.Set("operationID", 5)
	apiError = APIError(find(ErrorMissingFields), ctx, nil)
	require.Equal(t, "UPLOAD-RELAY-10003", apiError.Code)

	ctx.Set("operationID", "test-operation-id")
	apiError = APIError(find(ErrorMissingFields), ctx, nil)
	require.Equal(t, "UPLOAD-RELAY-1", apiError.Code)
}

func TestRelayHTTPError(t *testing.T) {
	cases := []struct {
		err     error
		code    ServiceErrorCode
		details string
	}{
		{&relay.Error{Kind: relay.KindValidation, Code: relay.CodeInvalidRequest}, ErrorInvalidUpload, relay.CodeInvalidRequest},
		{&relay.Error{Kind: relay.KindTransport, Code: relay.CodeSizeMismatch}, ErrorTransport, relay.CodeSizeMismatch},
		{&relay.Error{Kind: relay.KindStore, Code: "forbidden"}, ErrorStore, "forbidden"},
		{&relay.Error{Kind: relay.KindTimeout, Code: relay.CodeTimeout}, ErrorTimeout, relay.CodeTimeout},
		{fmt.Errorf("boom"), ErrorTransport, relay.CodeInboundFailed},
	}

	for _, c := range cases {
		he, ok := relayHTTPError(c.err).(*echo.HTTPError)
		require.True(t, ok)
		require.Equal(t, find(c.code).httpStatus, he.Code)
		de := he.Message.(detailsError)
		require.Equal(t, c.code, de.errorCode)
		require.Equal(t, c.details, de.details)
	}
}

func TestHTTPErrorHandler(t *testing.T) {
	logger, _ := logrusTest.NewNullLogger()
	server := NewServer(store.NewMemoryBackend("service_account"), relay.New(relay.Config{}, logger), logger, ServerConfig{})
	e := echo.New()

	// HTTPError
	{
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.Set("operationID", "opid")
		server.HTTPErrorHandler(HTTPError(ErrorMissingFields), c)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		var apiErr ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
		require.Equal(t, "opid", apiErr.OperationID)
		require.Equal(t, "Missing required fields", apiErr.Message)
		require.Equal(t, "Unknown error", apiErr.Details)
	}

	// HTTPErrorWithDetails
	{
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.Set("operationID", "opid")
		server.HTTPErrorHandler(HTTPErrorWithDetails(ErrorStore, "write failed", "forbidden", fmt.Errorf("403")), c)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		var apiErr ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
		require.Equal(t, "write failed", apiErr.Message)
		require.Equal(t, "forbidden", apiErr.Details)
		require.Equal(t, "UPLOAD-RELAY-1001", apiErr.Code)
	}

	// echo.HTTPError
	{
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.Set("operationID", "opid")
		server.HTTPErrorHandler(echo.ErrNotFound, c)
		require.Equal(t, http.StatusNotFound, rec.Code)
		var apiErr ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
		require.Equal(t, "UPLOAD-RELAY-21", apiErr.Code)
	}

	// plain error
	{
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.Set("operationID", "opid")
		server.HTTPErrorHandler(fmt.Errorf("unexpected"), c)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		var apiErr ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
		require.Equal(t, "UPLOAD-RELAY-10001", apiErr.Code)
	}
}
