package nbstore

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/agentworkforce/nbstore/asyncop"
	"github.com/agentworkforce/nbstore/nbsync"
)

const (
	defaultLocalDSN    = "memory://local"
	DefaultMaxBlobSize = 100 << 20
)

type Options struct {
	// LocalDSN addresses the storage the store reads and writes first.
	LocalDSN string
	// RemoteDSNs are the peers docs and blobs are synced with.
	RemoteDSNs []string
	// Token authenticates against cloud peers.
	Token      string
	HTTPClient *http.Client

	MaxBlobSize        int64
	BlobUploadInterval time.Duration
	DocRefreshInterval time.Duration
	Retry              asyncop.RetryConfig

	// Indexer enables the indexer sync engine when set.
	Indexer nbsync.Indexer
	Logger  log.Logger
}

// OptionsFromEnv reads NBSTORE_* variables. Invalid values are logged and
// replaced by their defaults.
func OptionsFromEnv(logger log.Logger) Options {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	opts := Options{
		LocalDSN:           stringEnv("NBSTORE_LOCAL_DSN", defaultLocalDSN),
		RemoteDSNs:         listEnv("NBSTORE_REMOTE_DSNS"),
		Token:              strings.TrimSpace(os.Getenv("NBSTORE_CLOUD_TOKEN")),
		MaxBlobSize:        int64Env(logger, "NBSTORE_MAX_BLOB_SIZE", DefaultMaxBlobSize),
		BlobUploadInterval: durationEnv(logger, "NBSTORE_BLOB_UPLOAD_INTERVAL", 15*time.Second),
		DocRefreshInterval: durationEnv(logger, "NBSTORE_DOC_REFRESH_INTERVAL", 30*time.Second),
		Retry: asyncop.RetryConfig{
			Count: intEnv(logger, "NBSTORE_SYNC_RETRY_COUNT", 3),
		},
		Logger: logger,
	}
	return opts
}

func stringEnv(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func listEnv(name string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intEnv(logger log.Logger, name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		level.Warn(logger).Log("msg", "invalid env value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(logger log.Logger, name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		level.Warn(logger).Log("msg", "invalid env value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(logger log.Logger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		level.Warn(logger).Log("msg", "invalid env value, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
