package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestProbeHonorsAutoConnectOff(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("auto_connect = false\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	prev := configPath
	configPath = path
	defer func() { configPath = prev }()

	// With auto-connect off the probe must exit without dialing anything;
	// no host is listening here, so an attempted dial would error out.
	cmd := probeCmd()
	cmd.SetArgs([]string{"--hold", "0s"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("probe with auto_connect=false: %v", err)
	}
}
