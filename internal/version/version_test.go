package version

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRuntimeEnvOverrideWins(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".runtime-version"), []byte("1.2.3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CLI_GATEWAY_VERSION", "9.9.9")
	if got := Runtime(dir); got != "9.9.9" {
		t.Errorf("Runtime = %q", got)
	}
}

func TestRuntimeFromFile(t *testing.T) {
	t.Setenv("CLI_GATEWAY_VERSION", "")
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".runtime-version"), []byte("  2.0.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := Runtime(dir); got != "2.0.1" {
		t.Errorf("Runtime = %q", got)
	}
}

func TestRuntimeFallback(t *testing.T) {
	t.Setenv("CLI_GATEWAY_VERSION", "")
	if got := Runtime(t.TempDir()); got != "dev" {
		t.Errorf("Runtime = %q", got)
	}
}
