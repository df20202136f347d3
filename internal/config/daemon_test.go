package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daemon.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultDaemonConfig(t *testing.T) {
	cfg := DefaultDaemonConfig()

	if cfg.ListenAddr == nil || *cfg.ListenAddr != "127.0.0.1:18950" {
		t.Errorf("Expected ListenAddr 127.0.0.1:18950, got %v", cfg.ListenAddr)
	}
	if cfg.PublishRateHz == nil || *cfg.PublishRateHz != 10 {
		t.Errorf("Expected PublishRateHz 10, got %v", cfg.PublishRateHz)
	}
	if cfg.ReconnectMin == nil || *cfg.ReconnectMin != "250ms" {
		t.Errorf("Expected ReconnectMin '250ms', got %v", cfg.ReconnectMin)
	}

	if got := cfg.GetStatusTimeout(); got != 10*time.Second {
		t.Errorf("GetStatusTimeout() = %v, want 10s", got)
	}
	if got := cfg.GetSourceType(); got != "Generic" {
		t.Errorf("GetSourceType() = %q, want Generic", got)
	}
}

func TestEmptyConfigFallsBackToDefaults(t *testing.T) {
	cfg := EmptyDaemonConfig()

	if got := cfg.GetListenAddr(); got != "127.0.0.1:18950" {
		t.Errorf("GetListenAddr() = %q, want default", got)
	}
	if got := cfg.GetPublishRateHz(); got != 10 {
		t.Errorf("GetPublishRateHz() = %v, want 10", got)
	}
	if got := cfg.GetReconnectMax(); got != 5*time.Second {
		t.Errorf("GetReconnectMax() = %v, want 5s", got)
	}
	if got := cfg.GetSessionPath(); got != "" {
		t.Errorf("GetSessionPath() = %q, want empty", got)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	path := writeConfig(t, `{
		"listen_addr": "0.0.0.0:9000",
		"publish_rate_hz": 30,
		"status_timeout": "2s"
	}`)

	cfg, err := LoadDaemonConfig(path)
	if err != nil {
		t.Fatalf("LoadDaemonConfig failed: %v", err)
	}

	if got := cfg.GetListenAddr(); got != "0.0.0.0:9000" {
		t.Errorf("GetListenAddr() = %q, want 0.0.0.0:9000", got)
	}
	if got := cfg.GetPublishRateHz(); got != 30 {
		t.Errorf("GetPublishRateHz() = %v, want 30", got)
	}
	if got := cfg.GetStatusTimeout(); got != 2*time.Second {
		t.Errorf("GetStatusTimeout() = %v, want 2s", got)
	}
	// Omitted fields keep their defaults.
	if got := cfg.GetSourceType(); got != "Generic" {
		t.Errorf("GetSourceType() = %q, want Generic", got)
	}
	if got := cfg.GetReconnectMin(); got != 250*time.Millisecond {
		t.Errorf("GetReconnectMin() = %v, want 250ms", got)
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"malformed json", `{"listen_addr": `},
		{"bad duration", `{"status_timeout": "soon"}`},
		{"negative duration", `{"status_timeout": "-1s"}`},
		{"zero publish rate", `{"publish_rate_hz": 0}`},
		{"min exceeds max", `{"reconnect_min": "10s", "reconnect_max": "1s"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			if _, err := LoadDaemonConfig(path); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}
}

func TestLoadRejectsNonJSONPath(t *testing.T) {
	if _, err := LoadDaemonConfig("daemon.yaml"); err == nil {
		t.Error("expected error for non-.json extension")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := LoadDaemonConfig(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing file")
	}
}
