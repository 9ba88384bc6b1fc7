package common

import (
	"context"
	"strings"

	"github.com/labstack/echo/v4"
)

const ExternalIDKey string = "externalID"
const externalIDKeyCtx ctxKey = ctxKey(ExternalIDKey)

// ExternalIDHeader carries an id chosen by the client, e.g. the id of the
// batch a file belongs to.
const ExternalIDHeader = "X-External-Id"

// longer ids are dropped rather than copied into every log entry
const maxExternalIDLen = 128

// Extracts HTTP header X-External-Id and sets it as a request context value
func ExternalIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		eid := strings.TrimSpace(c.Request().Header.Get(ExternalIDHeader))
		if eid == "" || len(eid) > maxExternalIDLen {
			return next(c)
		}

		c.Set(ExternalIDKey, eid)
		c.SetRequest(c.Request().WithContext(WithExternalID(c.Request().Context(), eid)))

		return next(c)
	}
}

// WithExternalID returns a copy of ctx carrying eid.
func WithExternalID(ctx context.Context, eid string) context.Context {
	return context.WithValue(ctx, externalIDKeyCtx, eid)
}

// ExternalID returns the external id stored in ctx, or "" when none.
func ExternalID(ctx context.Context) string {
	eid, _ := ctx.Value(externalIDKeyCtx).(string)
	return eid
}
