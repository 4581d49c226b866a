package main

import (
	"fmt"

	"github.com/goodtune/usagesync/internal/config"
	"github.com/goodtune/usagesync/internal/settings"
	"github.com/spf13/cobra"
)

var settingsSyncEnabled bool

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change the persisted sync setting",
	Long: `Show whether this device publishes its usage. With --sync-enabled the
setting is changed; a running publisher picks the change up immediately.`,
	Example: `  usagesync settings
  usagesync settings --sync-enabled=false`,
	RunE: runSettings,
}

func init() {
	settingsCmd.Flags().BoolVar(&settingsSyncEnabled, "sync-enabled", true, "Enable or disable publishing")
	rootCmd.AddCommand(settingsCmd)
}

func runSettings(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	prefs, err := settings.Open(cfg.Sync.SettingsPath, quietLogger())
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	out := cmd.OutOrStdout()

	if cmd.Flags().Changed("sync-enabled") {
		if err := prefs.SetSyncEnabled(settingsSyncEnabled); err != nil {
			return fmt.Errorf("failed to save settings: %w", err)
		}
		printSuccess(out, fmt.Sprintf("Saved %s", cfg.Sync.SettingsPath))
	}

	state := "disabled"
	if prefs.SyncEnabled() {
		state = "enabled"
	}
	_, _ = fmt.Fprintf(out, "Sync:       %s\n", state)
	_, _ = fmt.Fprintf(out, "Settings:   %s\n", cfg.Sync.SettingsPath)

	return nil
}
