package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "missing.env"))

	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want :9999", cfg.ListenAddr)
	}
	if cfg.Mode != "stream" || cfg.ByteOrder != "little" || cfg.Encoding != "png" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if !cfg.Prefetch {
		t.Error("prefetch should default to true")
	}
	if cfg.MaxPayloadBytes() != 64*1024*1024 {
		t.Errorf("MaxPayloadBytes() = %d", cfg.MaxPayloadBytes())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromEnvAndFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	content := "POSEWIRE_MODE=ack\nPOSEWIRE_LISTEN_ADDR=:7000\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	// Process environment wins over the file.
	t.Setenv("POSEWIRE_LISTEN_ADDR", ":8000")
	t.Setenv("POSEWIRE_PREFETCH", "no")
	t.Setenv("POSEWIRE_WORKER_TIMEOUT", "5s")
	t.Cleanup(func() { os.Unsetenv("POSEWIRE_MODE") })

	cfg := Load(envFile)
	if cfg.Mode != "ack" {
		t.Errorf("Mode = %q, want ack from file", cfg.Mode)
	}
	if cfg.ListenAddr != ":8000" {
		t.Errorf("ListenAddr = %q, want :8000 from env", cfg.ListenAddr)
	}
	if cfg.Prefetch {
		t.Error("Prefetch should be false")
	}
	if cfg.WorkerTimeout != 5*time.Second {
		t.Errorf("WorkerTimeout = %v", cfg.WorkerTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "Valid", mutate: func(c *Config) {}, wantErr: false},
		{name: "Bad mode", mutate: func(c *Config) { c.Mode = "udp" }, wantErr: true},
		{name: "Bad byte order", mutate: func(c *Config) { c.ByteOrder = "middle" }, wantErr: true},
		{name: "Bad encoding", mutate: func(c *Config) { c.Encoding = "bmp" }, wantErr: true},
		{name: "Zero payload cap", mutate: func(c *Config) { c.MaxPayloadMB = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load(filepath.Join(t.TempDir(), "none.env"))
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfGetters(t *testing.T) {
	t.Setenv("X_NUM", "42")
	t.Setenv("X_BAD", "4x2")
	t.Setenv("X_DUR", "nonsense")

	c := New().Prefix("X_")
	if got := c.GetInt("NUM", 1); got != 42 {
		t.Errorf("GetInt = %d", got)
	}
	if got := c.GetInt("BAD", 1); got != 1 {
		t.Errorf("GetInt fallback = %d", got)
	}
	if got := c.GetDuration("DUR", time.Second); got != time.Second {
		t.Errorf("GetDuration fallback = %v", got)
	}
	if got := c.Get("MISSING", "def"); got != "def" {
		t.Errorf("Get fallback = %q", got)
	}
}
