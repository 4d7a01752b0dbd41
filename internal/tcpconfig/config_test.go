package tcpconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg.BindAddress != want.BindAddress || cfg.RetransmitRetries != want.RetransmitRetries || cfg.IdleTimeout != want.IdleTimeout {
		t.Fatalf("expected defaults for a missing file, got %+v", cfg)
	}
}

func TestLoadOverlaysFileOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	contents := "bind_address: 192.0.2.1\nlisten_ports: [80, 443]\nretransmit_retries: 5\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddress != "192.0.2.1" {
		t.Fatalf("expected overridden bind address, got %q", cfg.BindAddress)
	}
	if len(cfg.ListenPorts) != 2 || cfg.ListenPorts[0] != 80 || cfg.ListenPorts[1] != 443 {
		t.Fatalf("expected listen ports [80 443], got %v", cfg.ListenPorts)
	}
	if cfg.RetransmitRetries != 5 {
		t.Fatalf("expected retransmit_retries overridden to 5, got %d", cfg.RetransmitRetries)
	}
	if cfg.IdleTimeout != 10*time.Minute {
		t.Fatalf("expected idle timeout to keep its default, got %v", cfg.IdleTimeout)
	}
}

func TestLoadRejectsOversizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huge.yml")
	big := make([]byte, maxConfigSize+1)
	if err := os.WriteFile(path, big, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for an oversized config file")
	}
}
