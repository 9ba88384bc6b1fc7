package prometheus

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

type ObserveFunc func() time.Duration

var pathParam = regexp.MustCompile(":(.*)")

func pathLabel(path string) string {
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		segments[i] = pathParam.ReplaceAllString(segment, "-")
	}
	return strings.Join(segments, "/")
}

// statusClass reduces a status code to its class, e.g. 413 to "4xx".
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}

// responseStatus is the status a handler answers with. An error returned
// to echo is only written later by the error handler, so its code is taken
// from the error itself.
func responseStatus(ctx echo.Context, err error) int {
	if err == nil {
		return ctx.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
