// Package v1 implements the HTTP endpoint of the upload relay.
package v1

import (
	"net/http"

	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/upload-relay/internal/common"
	"github.com/osbuild/upload-relay/internal/prometheus"
	"github.com/osbuild/upload-relay/internal/relay"
	"github.com/osbuild/upload-relay/internal/store"
)

// Server represents the state of the relay's HTTP endpoint
type Server struct {
	backend store.Backend
	relay   *relay.Relay
	config  ServerConfig
	logger  *logrus.Logger
}

type ServerConfig struct {
	// MaxJSONBody limits the body of JSON uploads, e.g. "8M".
	MaxJSONBody string

	// MaxFieldSize limits each metadata field of a multipart upload.
	MaxFieldSize int64

	// URLScheme prefixes object locations in messages, e.g. "gs".
	URLScheme string

	// Sentry attaches a hub to every request, server errors are reported
	// to it. sentry.Init must have been called.
	Sentry bool
}

const (
	DefaultMaxJSONBody        = "8M"
	DefaultMaxFieldSize int64 = 64 * 1024
	DefaultURLScheme          = "gs"
)

func NewServer(backend store.Backend, r *relay.Relay, logger *logrus.Logger, config ServerConfig) *Server {
	if config.MaxJSONBody == "" {
		config.MaxJSONBody = DefaultMaxJSONBody
	}
	if config.MaxFieldSize <= 0 {
		config.MaxFieldSize = DefaultMaxFieldSize
	}
	if config.URLScheme == "" {
		config.URLScheme = DefaultURLScheme
	}

	return &Server{
		backend: backend,
		relay:   r,
		config:  config,
		logger:  logger,
	}
}

func (s *Server) Handler(path string) http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.HTTPErrorHandler
	e.Pre(common.OperationIDMiddleware)
	e.Pre(common.ExternalIDMiddleware)
	e.Use(middleware.Recover())
	if s.config.Sentry {
		e.Use(sentryecho.New(sentryecho.Options{Repanic: true}))
	}
	e.Use(common.LoggerMiddleware(s.logger))
	e.Logger = common.NewEchoLogrusLogger(logrus.NewEntry(s.logger))

	handler := apiHandlers{
		server: s,
	}

	g := e.Group(path, prometheus.MetricsMiddleware)
	g.POST("/upload", handler.Upload)
	g.POST("/upload/json", handler.UploadJSON, middleware.BodyLimit(s.config.MaxJSONBody))
	g.GET("/healthz", handler.Healthz)

	return e
}
