package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  path: "` + filepath.Join(dir, "centinela.db") + `"
quota:
  path: "` + filepath.Join(dir, "quota.db") + `"
logging:
  level: error
` + extra
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
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
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out, "centinela dev") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestConfigValidateCommand(t *testing.T) {
	path := writeConfig(t, `
jobs:
  enabled: true
redis:
  addr: "localhost:6379"
`)
	out, err := execute(t, "config", "validate", "-c", path)
	if err != nil {
		t.Fatalf("config validate failed: %v", err)
	}

	checks := []string{
		"Configuration is valid",
		"Provider: log",
		"Batch size: 100",
		"daily:    0 6 * * *",
		"Job locks: redis localhost:6379",
	}
	for _, check := range checks {
		if !strings.Contains(out, check) {
			t.Errorf("output missing %q:\n%s", check, out)
		}
	}
}

func TestConfigValidateRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
provider:
  type: smtp
`)
	if _, err := execute(t, "config", "validate", "-c", path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestMigrateCommand(t *testing.T) {
	path := writeConfig(t, "")
	out, err := execute(t, "migrate", "-c", path)
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if !strings.Contains(out, "Migrations completed successfully") {
		t.Errorf("unexpected output: %q", out)
	}

	// Migrations are idempotent.
	if _, err := execute(t, "migrate", "-c", path); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestJobCommandPrintsResult(t *testing.T) {
	path := writeConfig(t, "")
	out, err := execute(t, "evaluate", "-c", path)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	var summary struct {
		Evaluated int `json:"evaluated"`
	}
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if summary.Evaluated != 0 {
		t.Errorf("evaluated = %d, want 0", summary.Evaluated)
	}
}

func TestJobCommandsRegistered(t *testing.T) {
	for _, name := range []string{"daily", "evaluate", "optimize", "dispatch", "cleanup", "send"} {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %s not registered", name)
		}
	}
}

func TestSendUnknownCampaign(t *testing.T) {
	path := writeConfig(t, "")
	if _, err := execute(t, "send", "missing", "-c", path); err == nil {
		t.Fatal("expected error for unknown campaign")
	}
}
