package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/upload-relay/internal/cloud/awscloud"
	"github.com/osbuild/upload-relay/internal/cloud/azure"
	"github.com/osbuild/upload-relay/internal/cloud/gcp"
	"github.com/osbuild/upload-relay/internal/relay"
	"github.com/osbuild/upload-relay/internal/store"
	v1 "github.com/osbuild/upload-relay/internal/uploadapi/v1"
)

type cmdline struct {
	configFile string
	host       string
	port       string
}

func parseCmdline(args []string, getenv func(string) string) (*cmdline, error) {
	var c cmdline

	fs := flag.NewFlagSet("upload-relay", flag.ContinueOnError)
	fs.StringVar(&c.configFile, "config", "", "path to the configuration file, $"+configEnv+" if unset")
	fs.StringVar(&c.host, "host", "", "host to listen on, overrides the configuration")
	fs.StringVar(&c.port, "port", "", "port to listen on, overrides the configuration")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if c.configFile == "" {
		c.configFile = getenv(configEnv)
	}
	if c.configFile == "" {
		c.configFile = defaultConfigFile
	}
	return &c, nil
}

func newBackend(config *relayConfig) store.Backend {
	switch config.Store.Backend {
	case "s3":
		b := &awscloud.Backend{}
		if config.S3 != nil {
			b.Endpoint = config.S3.Endpoint
			b.Region = config.S3.Region
			b.CABundle = config.S3.CABundle
			b.SkipSSLVerification = config.S3.SkipSSLVerification
			b.PartSize = config.S3.PartSize
		}
		return b
	case "azure":
		b := &azure.Backend{BlockSize: int64(config.Relay.ChunkSize)}
		if config.Azure != nil {
			b.Endpoint = config.Azure.Endpoint
			if config.Azure.BlockSize > 0 {
				b.BlockSize = config.Azure.BlockSize
			}
		}
		return b
	case "memory":
		return store.NewMemoryBackend(config.Store.CredentialKind)
	}

	b := &gcp.Backend{ChunkSize: config.Relay.ChunkSize}
	if config.GCS != nil {
		b.Endpoint = config.GCS.Endpoint
	}
	return b
}

func urlScheme(backend string) string {
	switch backend {
	case "s3":
		return "s3"
	case "azure":
		return "az"
	case "memory":
		return "mem"
	}
	return "gs"
}

func newServer(logger *logrus.Logger, config *relayConfig) http.Handler {
	r := relay.New(relay.Config{
		Threshold:     config.Relay.Threshold,
		ChunkSize:     config.Relay.ChunkSize,
		MaxDuration:   config.Relay.MaxDuration,
		MaxConcurrent: config.Relay.MaxConcurrentUploads,
	}, logger)

	api := v1.NewServer(newBackend(config), r, logger, v1.ServerConfig{
		MaxJSONBody:  config.Relay.MaxJSONBody,
		MaxFieldSize: config.Relay.MaxFieldSize,
		URLScheme:    urlScheme(config.Store.Backend),
		Sentry:       config.Sentry.DSN != "",
	})

	mux := http.NewServeMux()
	// Add a "/" here, because http.ServeMux expects the
	// trailing slash for rooted subtrees, whereas the
	// handler functions don't.
	mux.Handle(config.BasePath+"/", api.Handler(config.BasePath))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// listen uses the socket passed by systemd if there is one, the configured
// address otherwise.
func listen(config *relayConfig) (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("could not get listening sockets: %w", err)
	}
	switch len(listeners) {
	case 0:
	case 1:
		return listeners[0], nil
	default:
		return nil, fmt.Errorf("unexpected number of listening sockets (%d), expected 1", len(listeners))
	}

	l, err := net.Listen("tcp", net.JoinHostPort(config.Host, config.Port))
	if err != nil {
		return nil, fmt.Errorf("error listening: %w", err)
	}
	return l, nil
}

func run(ctx context.Context, args []string, getenv func(string) string, logger *logrus.Logger) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd, err := parseCmdline(args, getenv)
	if err != nil {
		return err
	}

	config, err := parseConfig(cmd.configFile, logger)
	if err != nil {
		return fmt.Errorf("cannot load configuration %s: %w", cmd.configFile, err)
	}
	if cmd.host != "" {
		config.Host = cmd.host
	}
	if cmd.port != "" {
		config.Port = cmd.port
	}
	configureLogger(logger, config.Log)

	if config.Sentry.DSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.Sentry.DSN,
			Environment: config.Sentry.Environment,
		})
		if err != nil {
			return fmt.Errorf("cannot initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		logger.Info("Reporting server errors to sentry")
	}

	listener, err := listen(config)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Handler:           newServer(logger, config),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"address": listener.Addr().String(),
			"backend": config.Store.Backend,
		}).Info("Listening")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			listenErr <- err
			cancel()
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		// in-flight uploads may take up to the maximum upload duration
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Relay.MaxDuration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Error shutting down http server")
		}
	}()
	wg.Wait()

	select {
	case err := <-listenErr:
		return fmt.Errorf("error listening and serving: %w", err)
	default:
	}
	logger.Info("Stopped")
	return nil
}

func main() {
	logger := logrus.New()
	ctx := context.Background()
	if err := run(ctx, os.Args[1:], os.Getenv, logger); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
