package main

import (
	"fmt"
	"time"

	"github.com/goodtune/usagesync/internal/config"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

var showJSON bool

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the latest published usage once",
	Long:  `Read the snapshot currently held by the shared store and print it.`,
	Example: `  usagesync -c config.yaml show
  usagesync show --json`,
	RunE: runShow,
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print the snapshot as JSON")
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
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

	tr, err := newTransport(cfg, store, nil, logger)
	if err != nil {
		return err
	}
	defer tr.Close()

	s := tr.Fetch(cmd.Context())
	out := cmd.OutOrStdout()

	if showJSON {
		enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	renderSnapshot(out, s, time.Now())
	return nil
}
