package common

import (
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// LoggerMiddleware sets a request logger carrying the operation id and the
// external id, it must run after OperationIDMiddleware and
// ExternalIDMiddleware.
func LoggerMiddleware(logger *logrus.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			fields := logrus.Fields{
				"operation_id": c.Get(OperationIDKey),
				"method":       c.Request().Method,
				"path":         c.Path(),
			}
			if eid := ExternalID(c.Request().Context()); eid != "" {
				fields["external_id"] = eid
			}
			entry := logger.WithContext(c.Request().Context()).WithFields(fields)
			c.SetLogger(NewEchoLogrusLogger(entry))
			return next(c)
		}
	}
}

// RequestLogger returns the logrus entry set by LoggerMiddleware, or the
// standard logger when there is none.
func RequestLogger(c echo.Context) *logrus.Entry {
	if l, ok := c.Logger().(*EchoLogrusLogger); ok {
		return l.Entry
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
