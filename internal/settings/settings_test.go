package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestSettings_DefaultsToEnabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")

	s, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !s.SyncEnabled() {
		t.Error("Expected sync to be enabled by default")
	}
}

func TestSettings_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")

	first, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := first.SetSyncEnabled(false); err != nil {
		t.Fatalf("SetSyncEnabled failed: %v", err)
	}

	second, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if second.SyncEnabled() {
		t.Error("Expected disabled setting to survive a new instance")
	}

	if err := second.SetSyncEnabled(true); err != nil {
		t.Fatalf("SetSyncEnabled failed: %v", err)
	}
	third, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if !third.SyncEnabled() {
		t.Error("Expected re-enabled setting to persist")
	}
}

func TestSettings_OnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")

	s, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	var changes []bool
	s.OnChange(func(enabled bool) { changes = append(changes, enabled) })

	if err := s.SetSyncEnabled(true); err != nil {
		t.Fatalf("SetSyncEnabled failed: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("Setting the current value should not notify, got %v", changes)
	}

	if err := s.SetSyncEnabled(false); err != nil {
		t.Fatalf("SetSyncEnabled failed: %v", err)
	}
	if len(changes) != 1 || changes[0] {
		t.Errorf("Expected one change to false, got %v", changes)
	}
}

func TestSettings_ReadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("sync_enabled: false\n"), 0o644); err != nil {
		t.Fatalf("Failed to write settings: %v", err)
	}

	s, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if s.SyncEnabled() {
		t.Error("Expected sync to be disabled from file")
	}
}

func TestSettings_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("sync_enabled: [unterminated\n"), 0o644); err != nil {
		t.Fatalf("Failed to write settings: %v", err)
	}

	if _, err := Open(path, zerolog.Nop()); err == nil {
		t.Error("Expected error for malformed settings file")
	}
}
