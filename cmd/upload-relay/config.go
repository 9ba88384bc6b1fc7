package main

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/coreos/go-systemd/v22/journal"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/upload-relay/internal/common"
	"github.com/osbuild/upload-relay/internal/credentials"
	"github.com/osbuild/upload-relay/internal/relay"
	v1 "github.com/osbuild/upload-relay/internal/uploadapi/v1"
)

const (
	defaultConfigFile = "/etc/upload-relay/upload-relay.toml"
	configEnv         = "UPLOAD_RELAY_CONFIG"
)

type relaySection struct {
	// payloads above threshold bytes are written resumably
	Threshold            int64         `toml:"threshold"`
	ChunkSize            int           `toml:"chunk_size"`
	MaxDuration          time.Duration `toml:"max_duration"`
	MaxConcurrentUploads int64         `toml:"max_concurrent_uploads"`
	MaxJSONBody          string        `toml:"max_json_body"`
	MaxFieldSize         int64         `toml:"max_field_size"`
}

type storeSection struct {
	// one of "gcs", "s3", "azure" or "memory"
	Backend string `toml:"backend"`
	// only used by the memory backend
	CredentialKind string `toml:"credential_kind"`
}

type gcsSection struct {
	Endpoint string `toml:"endpoint"`
}

type s3Section struct {
	Endpoint            string `toml:"endpoint"`
	Region              string `toml:"region"`
	CABundle            string `toml:"ca_bundle"`
	SkipSSLVerification bool   `toml:"skip_ssl_verification"`
	PartSize            int64  `toml:"part_size"`
}

type azureSection struct {
	Endpoint  string `toml:"endpoint"`
	BlockSize int64  `toml:"block_size"`
}

type logSection struct {
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	// also send log entries to the systemd journal when it is available
	Journal bool   `toml:"journal"`
}

type sentrySection struct {
	DSN         string `toml:"dsn"`
	Environment string `toml:"environment"`
}

type relayConfig struct {
	Host     string        `toml:"host"`
	Port     string        `toml:"port"`
	BasePath string        `toml:"base_path"`
	Relay    relaySection  `toml:"relay"`
	Store    storeSection  `toml:"store"`
	GCS      *gcsSection   `toml:"gcs"`
	S3       *s3Section    `toml:"s3"`
	Azure    *azureSection `toml:"azure"`
	Log      logSection    `toml:"log"`
	Sentry   sentrySection `toml:"sentry"`
}

func defaultConfig() relayConfig {
	return relayConfig{
		Host:     "localhost",
		Port:     "8080",
		BasePath: "/api/upload/v1",
		Relay: relaySection{
			Threshold:    relay.DefaultThreshold,
			ChunkSize:    relay.DefaultChunkSize,
			MaxDuration:  relay.DefaultMaxDuration,
			MaxJSONBody:  v1.DefaultMaxJSONBody,
			MaxFieldSize: v1.DefaultMaxFieldSize,
		},
		Store: storeSection{
			Backend:        "gcs",
			CredentialKind: credentials.ServiceAccount,
		},
		Log: logSection{
			Level:  "info",
			Format: "text",
		},
	}
}

func parseConfig(file string, logger logrus.FieldLogger) (*relayConfig, error) {
	config := defaultConfig()

	_, err := toml.DecodeFile(file, &config)
	if err != nil {
		// A non-existing config isn't an error, use defaults in this case.
		if !os.IsNotExist(err) {
			return nil, err
		}

		logger.Info("Configuration file not found, using defaults")
	}

	switch config.Store.Backend {
	case "gcs", "s3", "azure", "memory":
		// supported
	default:
		return nil, fmt.Errorf("store backend needs to be gcs, s3, azure, or memory. Got: %s", config.Store.Backend)
	}

	if config.Relay.Threshold < 0 {
		return nil, fmt.Errorf("invalid resumable threshold: %d", config.Relay.Threshold)
	}
	if config.Relay.ChunkSize < 0 {
		return nil, fmt.Errorf("invalid chunk size: %d", config.Relay.ChunkSize)
	}
	if config.Relay.MaxDuration < 0 {
		return nil, fmt.Errorf("invalid maximum upload duration: %s", config.Relay.MaxDuration)
	} else if config.Relay.MaxDuration == 0 {
		config.Relay.MaxDuration = relay.DefaultMaxDuration
	}
	if config.Relay.MaxConcurrentUploads < 0 {
		return nil, fmt.Errorf("invalid number of concurrent uploads: %d", config.Relay.MaxConcurrentUploads)
	}
	if config.S3 != nil && config.S3.PartSize < 0 {
		return nil, fmt.Errorf("invalid S3 part size: %d", config.S3.PartSize)
	}
	if config.Azure != nil && config.Azure.BlockSize < 0 {
		return nil, fmt.Errorf("invalid Azure block size: %d", config.Azure.BlockSize)
	}

	if _, err := logrus.ParseLevel(config.Log.Level); err != nil {
		return nil, err
	}
	switch config.Log.Format {
	case "text", "json":
	default:
		return nil, fmt.Errorf("log format needs to be text or json. Got: %s", config.Log.Format)
	}

	return &config, nil
}

// configureLogger applies the [log] section.
func configureLogger(logger *logrus.Logger, config logSection) {
	level, err := logrus.ParseLevel(config.Level)
	if err == nil {
		logger.SetLevel(level)
	}
	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if config.Journal {
		if journal.Enabled() {
			logger.AddHook(&common.JournalHook{})
		} else {
			logger.Warn("Journal logging requested, but the systemd journal is not available")
		}
	}
}
