package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const testFeed = `
enabled: [claude, codex]
providers:
  claude:
    display_name: Claude
    updated_at: "2024-03-01T12:00:00Z"
    primary:
      used_percent: 42.5
      window_minutes: 300
  codex:
    error: Rate limited
`

type cliEnv struct {
	dir      string
	config   string
	settings string
	feed     string
	redis    *miniredis.Miniredis
}

func setupCLI(t *testing.T) cliEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	dir := t.TempDir()

	env := cliEnv{
		dir:      dir,
		config:   filepath.Join(dir, "config.yaml"),
		settings: filepath.Join(dir, "state", "settings.yaml"),
		feed:     filepath.Join(dir, "usage.yaml"),
		redis:    mr,
	}

	config := fmt.Sprintf(`
storage:
  type: redis
  redis:
    host: %s
    port: %s
    key_prefix: clitest
sync:
  device_name: Test Mac
  settings_path: %s
  feed_path: %s
logging:
  level: error
`, mr.Host(), mr.Port(), env.settings, env.feed)

	if err := os.WriteFile(env.config, []byte(config), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if err := os.WriteFile(env.feed, []byte(testFeed), 0o644); err != nil {
		t.Fatalf("Failed to write feed: %v", err)
	}

	return env
}

// runCLI executes the root command and restores every flag afterwards.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	defer resetFlags(rootCmd)

	err := rootCmd.Execute()
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func TestCLI_PublishOnceThenShow(t *testing.T) {
	env := setupCLI(t)

	out, err := runCLI(t, "-c", env.config, "publish", "--once")
	if err != nil {
		t.Fatalf("publish failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Published usage snapshot") {
		t.Errorf("Expected success message, got:\n%s", out)
	}

	if !env.redis.Exists("clitest:kv:com.codexbar.usage.snapshot") {
		t.Fatal("Expected snapshot key in Redis")
	}

	out, err = runCLI(t, "-c", env.config, "show")
	if err != nil {
		t.Fatalf("show failed: %v", err)
	}
	for _, want := range []string{"Test Mac", "Claude", "42.5% used", "Rate limited"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected show output to contain %q, got:\n%s", want, out)
		}
	}

	out, err = runCLI(t, "-c", env.config, "show", "--json")
	if err != nil {
		t.Fatalf("show --json failed: %v", err)
	}
	if !strings.Contains(out, `"deviceName": "Test Mac"`) {
		t.Errorf("Expected JSON snapshot, got:\n%s", out)
	}
}

func TestCLI_ShowWithoutSnapshot(t *testing.T) {
	env := setupCLI(t)

	out, err := runCLI(t, "-c", env.config, "show")
	if err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if !strings.Contains(out, "Waiting for Sync") {
		t.Errorf("Expected waiting state, got:\n%s", out)
	}

	out, err = runCLI(t, "-c", env.config, "show", "--json")
	if err != nil {
		t.Fatalf("show --json failed: %v", err)
	}
	if strings.TrimSpace(out) != "null" {
		t.Errorf("Expected null, got %q", out)
	}
}

func TestCLI_SettingsDisableSync(t *testing.T) {
	env := setupCLI(t)

	out, err := runCLI(t, "-c", env.config, "settings")
	if err != nil {
		t.Fatalf("settings failed: %v", err)
	}
	if !strings.Contains(out, "Sync:       enabled") {
		t.Errorf("Expected sync enabled by default, got:\n%s", out)
	}

	out, err = runCLI(t, "-c", env.config, "settings", "--sync-enabled=false")
	if err != nil {
		t.Fatalf("settings --sync-enabled=false failed: %v", err)
	}
	if !strings.Contains(out, "Sync:       disabled") {
		t.Errorf("Expected sync disabled, got:\n%s", out)
	}
	if _, err := os.Stat(env.settings); err != nil {
		t.Fatalf("Expected settings file to be written: %v", err)
	}

	out, err = runCLI(t, "-c", env.config, "publish", "--once")
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if !strings.Contains(out, "Nothing published") {
		t.Errorf("Expected nothing to be published, got:\n%s", out)
	}
	if env.redis.Exists("clitest:kv:com.codexbar.usage.snapshot") {
		t.Error("Expected no snapshot in Redis while sync is disabled")
	}
}

func TestCLI_PublishFailsWhenStoreUnavailable(t *testing.T) {
	env := setupCLI(t)
	env.redis.SetError("ERR server unavailable")

	if _, err := runCLI(t, "-c", env.config, "publish", "--once"); err == nil {
		t.Fatal("Expected publish to fail while Redis is unavailable")
	}
}

func TestCLI_Validate(t *testing.T) {
	env := setupCLI(t)

	out, err := runCLI(t, "-c", env.config, "validate", "--dump")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !strings.Contains(out, "Configuration is valid") {
		t.Errorf("Expected valid configuration, got:\n%s", out)
	}
	if !strings.Contains(out, "device_name = Test Mac  (modified from default: )") {
		t.Errorf("Expected device_name to be highlighted as modified, got:\n%s", out)
	}
	if strings.Contains(out, "unknown configuration key") {
		t.Errorf("Expected no unknown keys, got:\n%s", out)
	}
}

func TestCLI_ValidateUnknownKeys(t *testing.T) {
	env := setupCLI(t)

	data, err := os.ReadFile(env.config)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	typo := strings.Replace(string(data), "  device_name: Test Mac\n", "  device_name: Test Mac\n  devise_name: typo\n", 1)
	if err := os.WriteFile(env.config, []byte(typo), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := runCLI(t, "-c", env.config, "validate")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !strings.Contains(out, "sync.devise_name") {
		t.Errorf("Expected unknown key to be reported, got:\n%s", out)
	}
}

func TestCLI_ValidateRejectsBadConfig(t *testing.T) {
	env := setupCLI(t)

	if err := os.WriteFile(env.config, []byte("storage:\n  type: etcd\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := runCLI(t, "-c", env.config, "validate")
	if err == nil {
		t.Fatal("Expected validation to fail")
	}
	if !strings.Contains(out, "Configuration validation failed") {
		t.Errorf("Expected failure message, got:\n%s", out)
	}
}
