package winksock

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHandshakeConfigDefaultsOriginToHostAndSetsUserAgent(t *testing.T) {
	cfg := DefaultConfig()
	hcfg := cfg.handshakeConfig("example.test:7010")
	if hcfg.Origin != "example.test:7010" {
		t.Fatalf("Origin = %q, want host", hcfg.Origin)
	}
	if hcfg.UserAgent != defaultUserAgent {
		t.Fatalf("UserAgent = %q, want %q", hcfg.UserAgent, defaultUserAgent)
	}
}

func TestHandshakeConfigExplicitOriginWins(t *testing.T) {
	cfg := DefaultConfig().apply([]Option{WithOrigin("https://custom.example")})
	hcfg := cfg.handshakeConfig("example.test:7010")
	if hcfg.Origin != "https://custom.example" {
		t.Fatalf("Origin = %q, want explicit override", hcfg.Origin)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "winksock.yaml")
	body := "origin: https://example.test\n" +
		"user_agent: test-agent/1\n" +
		"follow_redirects: false\n" +
		"dial_timeout_ms: 2500\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	opts, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	cfg := DefaultConfig().apply(opts)
	if cfg.Origin != "https://example.test" {
		t.Fatalf("Origin = %q", cfg.Origin)
	}
	if cfg.UserAgent != "test-agent/1" {
		t.Fatalf("UserAgent = %q", cfg.UserAgent)
	}
	if cfg.FollowRedirects {
		t.Fatal("FollowRedirects = true, want false")
	}
	if cfg.DialTimeout != 2500*time.Millisecond {
		t.Fatalf("DialTimeout = %v, want 2.5s", cfg.DialTimeout)
	}
}

func TestLoadConfigFileMissingFieldsKeepDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "winksock.yaml")
	if err := os.WriteFile(path, []byte("user_agent: only-this\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	opts, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	def := DefaultConfig()
	cfg := def.apply(opts)
	if cfg.UserAgent != "only-this" {
		t.Fatalf("UserAgent = %q", cfg.UserAgent)
	}
	if cfg.FollowRedirects != def.FollowRedirects {
		t.Fatalf("FollowRedirects = %v, want default %v", cfg.FollowRedirects, def.FollowRedirects)
	}
	if cfg.DialTimeout != def.DialTimeout {
		t.Fatalf("DialTimeout = %v, want default %v", cfg.DialTimeout, def.DialTimeout)
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	werr, ok := err.(*Error)
	if !ok || werr.Kind != TransportError {
		t.Fatalf("err = %v, want TransportError", err)
	}
}

func TestLoadConfigFileBadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "winksock.yaml")
	if err := os.WriteFile(path, []byte("origin: [unterminated\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := LoadConfigFile(path)
	werr, ok := err.(*Error)
	if !ok || werr.Kind != ValidationError {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}
