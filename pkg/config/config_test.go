package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPassesValidation(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
	if cfg.Transport.AppID != 0x0001 || cfg.Transport.AppVersion != 0x0001 {
		t.Fatalf("unexpected app identity: %04x/%04x", cfg.Transport.AppID, cfg.Transport.AppVersion)
	}
}

func TestLoadAppliesDefaultsOverPartialYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "transport:\n  bind_address: \":9000\"\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.BindAddress != ":9000" {
		t.Fatalf("bind address = %q, want :9000", cfg.Transport.BindAddress)
	}
	if cfg.Driver.NumWorkerThreads != 2 {
		t.Fatalf("num worker threads = %d, want default 2", cfg.Driver.NumWorkerThreads)
	}
}

func TestValidateRejectsBadProtocol(t *testing.T) {
	cfg := Default()
	cfg.Transport.Protocol = "tcp"
	if err := cfg.validate(); err == nil {
		t.Fatalf("expected validation error for protocol tcp")
	}
}

func TestValidateRequiresRedisAddrWhenSelected(t *testing.T) {
	cfg := Default()
	cfg.ReplayCache.Backend = "redis"
	if err := cfg.validate(); err == nil {
		t.Fatalf("expected validation error for redis backend without addr")
	}
	cfg.ReplayCache.Redis.Addr = "localhost:6379"
	if err := cfg.validate(); err != nil {
		t.Fatalf("unexpected validation error once addr set: %v", err)
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := Default()
	cfg.Transport.ServerAddress = "198.51.100.1:27015"

	if err := Write(cfg, path); err != nil {
		t.Fatalf("Write: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Transport.ServerAddress != cfg.Transport.ServerAddress {
		t.Fatalf("server address did not round-trip: got %q", loaded.Transport.ServerAddress)
	}
}
