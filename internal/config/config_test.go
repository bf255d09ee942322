package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// writeConfig writes a temporary config file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "konak.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// TestDefault tests the built-in defaults.
func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.ThreadPoolSize != 5 {
		t.Errorf("default pool size = %d, want 5", cfg.Server.ThreadPoolSize)
	}
	if cfg.TLS.VerifyDepth != 9 {
		t.Errorf("default verify depth = %d, want 9", cfg.TLS.VerifyDepth)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

// TestLoad tests parsing a complete file with defaults filled in.
func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  threadPoolSize: 3
  serverName: "Test/0.1"
auth:
  logins:
    - "alice:secret"
  allowedNetworks:
    - "192.0.2.0/24"
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ThreadPoolSize != 3 {
		t.Errorf("pool size = %d, want 3", cfg.Server.ThreadPoolSize)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Logging.Level)
	}
	// Unset sections keep their defaults.
	if cfg.Multipart.MaxCollectedLength != 20*1024*1024 {
		t.Errorf("multipart max = %d, want default", cfg.Multipart.MaxCollectedLength)
	}
}

// TestLoadEnvExpansion tests ${VAR} substitution for secrets.
func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("KONAK_TEST_PASS", "s3cret")
	path := writeConfig(t, `
auth:
  logins:
    - "bob:${KONAK_TEST_PASS}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Auth.Logins) != 1 || cfg.Auth.Logins[0] != "bob:s3cret" {
		t.Errorf("logins = %v", cfg.Auth.Logins)
	}
}

// TestLoadMissingFile tests the not-found sentinel.
func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, ErrFileNotFound) {
		t.Errorf("expected ErrFileNotFound, got %v", err)
	}
}

// TestValidateRejectsImpossibleConfigs tests fatal configuration errors.
func TestValidateRejectsImpossibleConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"zero pool", func(c *Config) { c.Server.ThreadPoolSize = 0 }, ErrInvalidPoolSize},
		{"port too low", func(c *Config) { c.Server.Port = 0 }, ErrInvalidPort},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, ErrInvalidPort},
		{"no family", func(c *Config) { c.Server.IPv4Only = true; c.Server.IPv6Only = true }, ErrNoIPFamily},
		{"tls no cert", func(c *Config) { c.TLS.Enabled = true }, ErrTLSCertRequired},
		{"peer auth no tls", func(c *Config) { c.TLS.PeerAuth = true }, ErrPeerAuthRequiresTLS},
		{"bad network", func(c *Config) { c.Auth.AllowedNetworks = []string{"300.0.0.0/8"} }, ErrInvalidNetwork},
		{"bad login", func(c *Config) { c.Auth.Logins = []string{"nopassword"} }, ErrInvalidLogin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

// TestSplitLogin tests login entry splitting.
func TestSplitLogin(t *testing.T) {
	login, pass, ok := SplitLogin("alice:top:secret")
	if !ok || login != "alice" || pass != "top:secret" {
		t.Errorf("SplitLogin = %q %q %v", login, pass, ok)
	}
	if _, _, ok := SplitLogin("nocolon"); ok {
		t.Error("expected failure for entry without colon")
	}
	if _, _, ok := SplitLogin(":leading"); ok {
		t.Error("expected failure for empty login")
	}
}
