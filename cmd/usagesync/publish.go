package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/goodtune/usagesync/internal/config"
	"github.com/goodtune/usagesync/internal/coordinator"
	"github.com/goodtune/usagesync/internal/metrics"
	"github.com/goodtune/usagesync/internal/settings"
	"github.com/goodtune/usagesync/internal/systemd"
	"github.com/goodtune/usagesync/internal/usage"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var publishOnce bool

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish local usage to the shared store",
	Long: `Load the usage feed, push a snapshot whenever it changes and keep running
until interrupted. SIGHUP re-reads the feed.`,
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().BoolVar(&publishOnce, "once", false, "Push the current feed once and exit")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging, os.Stdout)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting usagesync publisher")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("redis_host", cfg.Storage.Redis.Host).
		Int("redis_port", cfg.Storage.Redis.Port).
		Msg("Storage initialized")

	tr, err := newTransport(cfg, store, nil, logger)
	if err != nil {
		return err
	}
	defer tr.Close()

	prefs, err := settings.Open(cfg.Sync.SettingsPath, logger)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	state := usage.NewStore(usage.State{SyncEnabled: prefs.SyncEnabled()})
	prefs.OnChange(state.SetSyncEnabled)

	feed := usage.NewFeed(cfg.Sync.FeedPath, state, logger)

	coord := coordinator.New(state, tr, coordinator.Options{
		DeviceName: cfg.Sync.DeviceName,
	}, logger)

	if publishOnce {
		return publishOnceAndExit(cmd.Context(), cmd.OutOrStdout(), feed, coord)
	}

	// Start observing before the first load so that the initial feed is
	// published like any later change.
	coord.StartObserving()
	defer coord.StopObserving()

	if err := feed.Load(); err != nil {
		logger.Warn().Err(err).Str("path", cfg.Sync.FeedPath).Msg("Usage feed not loaded, waiting for it to appear")
	}
	feed.Watch()
	prefs.Watch()

	logger.Info().
		Bool("sync_enabled", prefs.SyncEnabled()).
		Str("feed", cfg.Sync.FeedPath).
		Msg("Publisher started")

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
		metricsServer = metrics.NewServer(metricsAddr, publisherHealth(coord), logger)

		// Use systemd socket-activated listener if available
		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}
	}

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}
	device := coordinator.ResolveDeviceName(cfg.Sync.DeviceName, os.Hostname)
	if err := systemd.NotifyStatus("Publishing usage as " + device); err != nil {
		logger.Debug().Err(err).Msg("Failed to send systemd status")
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			logger.Info().Msg("SIGHUP received, reloading usage feed...")
			if err := feed.Load(); err != nil {
				logger.Error().Err(err).Msg("Failed to reload usage feed")
			}
			continue
		}

		logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("usagesync publisher stopped")

	return nil
}

// publishOnceAndExit pushes the feed as it is now and reports the outcome.
func publishOnceAndExit(ctx context.Context, out io.Writer, feed *usage.Feed, coord *coordinator.Coordinator) error {
	if err := feed.Load(); err != nil {
		return err
	}

	coord.PushCurrentSnapshot(ctx)

	status := coord.Status()
	switch {
	case status.LastSyncTime == nil:
		printNotice(out, "Nothing published: sync is disabled or no provider is enabled")
		return nil
	case !status.LastSyncSucceeded:
		return errors.New("failed to publish usage snapshot")
	default:
		printSuccess(out, "Published usage snapshot")
		return nil
	}
}

// publisherHealth reports unhealthy while the most recent push failed.
func publisherHealth(coord *coordinator.Coordinator) metrics.HealthFunc {
	return func() error {
		status := coord.Status()
		if status.LastSyncTime != nil && !status.LastSyncSucceeded {
			return fmt.Errorf("last push at %s failed", status.LastSyncTime.Format("2006-01-02T15:04:05Z07:00"))
		}
		return nil
	}
}
