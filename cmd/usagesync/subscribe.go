package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/usagesync/internal/clock"
	"github.com/goodtune/usagesync/internal/config"
	"github.com/goodtune/usagesync/internal/dispatch"
	"github.com/goodtune/usagesync/internal/reader"
	"github.com/spf13/cobra"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Follow usage published by another device",
	Long: `Show the latest published usage and redraw it whenever the publisher pushes
a new snapshot. SIGHUP forces a re-read of the shared store.`,
	RunE: runSubscribe,
}

func init() {
	rootCmd.AddCommand(subscribeCmd)
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := quietLogger()

	store, err := openStorage(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	// Every callback and redraw runs on this queue.
	queue := dispatch.NewQueue(logger)
	defer queue.Close()

	tr, err := newTransport(cfg, store, queue, logger)
	if err != nil {
		return err
	}
	defer tr.Close()

	ctx := cmd.Context()
	model := reader.NewModel(ctx, reader.New(tr, logger), clock.RealClock{})

	out := cmd.OutOrStdout()
	redraw := func() {
		renderSnapshot(out, model.Snapshot(), time.Now())
		if msg := model.LastSyncError(); msg != "" {
			printNotice(out, msg)
		}
	}

	model.OnChange(redraw)
	queue.Post(redraw)

	model.StartObserving()
	defer model.StopObserving()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			break
		}
		queue.Post(func() { model.Refresh(ctx) })
	}

	return nil
}
