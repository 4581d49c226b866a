package main

import (
	"fmt"
	"io"
	"os"

	"github.com/goodtune/usagesync/internal/config"
	"github.com/goodtune/usagesync/internal/dispatch"
	"github.com/goodtune/usagesync/internal/storage"
	"github.com/goodtune/usagesync/internal/storage/redis"
	"github.com/goodtune/usagesync/internal/transport"
	"github.com/rs/zerolog"
)

func openStorage(cfg *config.Config, logger zerolog.Logger) (storage.KVStore, error) {
	storageType := cfg.Storage.Type
	if storageType == "" {
		storageType = "redis"
	}

	switch storageType {
	case "redis":
		return redis.Open(cfg.Storage.Redis, cfg.Sync.MaxPayloadBytes, logger)
	case "memory":
		return storage.NewMemoryStore(cfg.Sync.MaxPayloadBytes), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (must be redis or memory)", storageType)
	}
}

func newTransport(cfg *config.Config, store storage.KVStore, executor dispatch.Executor, logger zerolog.Logger) (*transport.Transport, error) {
	codec, err := transport.CodecByName(cfg.Transport.Codec)
	if err != nil {
		return nil, err
	}

	return transport.New(store, transport.Options{
		MaxPayloadBytes: cfg.Sync.MaxPayloadBytes,
		Codec:           codec,
		Executor:        executor,
	}, logger), nil
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(out).With().Timestamp().Logger()
}

// quietLogger is used by the interactive commands so that log lines do not
// interleave with rendered output.
func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
}
