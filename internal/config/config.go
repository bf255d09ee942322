// Package config provides configuration loading and validation for the
// Konak web server CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/konakweb/konak/internal/ipnet"
)

// Configuration errors.
var (
	// ErrFileNotFound is returned when the configuration file does not exist.
	ErrFileNotFound = errors.New("config: file not found")
	// ErrInvalidPort is returned when the listen port is out of range.
	ErrInvalidPort = errors.New("config: invalid port")
	// ErrInvalidPoolSize is returned when the worker pool size is not positive.
	ErrInvalidPoolSize = errors.New("config: thread pool size must be at least 1")
	// ErrNoIPFamily is returned when both IP families are disabled.
	ErrNoIPFamily = errors.New("config: both IPv4 and IPv6 are disabled")
	// ErrTLSCertRequired is returned when TLS is enabled without a certificate.
	ErrTLSCertRequired = errors.New("config: TLS enabled but no certificate file")
	// ErrPeerAuthRequiresTLS is returned when peer certificate auth is enabled without TLS.
	ErrPeerAuthRequiresTLS = errors.New("config: peer certificate auth requires TLS")
	// ErrInvalidNetwork is returned when an allowed network cannot be parsed.
	ErrInvalidNetwork = errors.New("config: invalid allowed network")
	// ErrInvalidLogin is returned when a login entry is malformed.
	ErrInvalidLogin = errors.New("config: invalid login entry, expected login:password")
)

// Config holds the complete server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	TLS       TLSConfig       `yaml:"tls"`
	Auth      AuthConfig      `yaml:"auth"`
	Multipart MultipartConfig `yaml:"multipart"`
	Logging   LogConfig       `yaml:"logging"`
}

// ServerConfig holds listener and worker pool configuration.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	Device         string        `yaml:"device"`
	IPv4Only       bool          `yaml:"ipv4Only"`
	IPv6Only       bool          `yaml:"ipv6Only"`
	ThreadPoolSize int           `yaml:"threadPoolSize"`
	ServerName     string        `yaml:"serverName"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
}

// TLSConfig holds HTTPS configuration.
type TLSConfig struct {
	Enabled      bool     `yaml:"enabled"`
	CertFile     string   `yaml:"certFile"`
	CertPassword string   `yaml:"certPassword"`
	CAFile       string   `yaml:"caFile"`
	PeerAuth     bool     `yaml:"peerAuth"`
	AllowedDNs   []string `yaml:"allowedDNs"`
	VerifyDepth  int      `yaml:"verifyDepth"`
}

// AuthConfig holds admission control configuration.
type AuthConfig struct {
	// Logins is a list of "login:password" pairs; the password part may
	// be a {SCHEME}-prefixed hash.
	Logins []string `yaml:"logins"`
	// AllowedNetworks is a list of CIDR ranges permitted to connect.
	// Empty means all hosts are permitted.
	AllowedNetworks []string `yaml:"allowedNetworks"`
}

// MultipartConfig holds upload handling configuration.
type MultipartConfig struct {
	TempDir            string `yaml:"tempDir"`
	MaxCollectedLength int64  `yaml:"maxCollectedLength"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration with the same defaults the embeddable
// API uses: port 8080, five workers, both IP families, no TLS, no auth.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			ThreadPoolSize: 5,
			ServerName:     "Konak/1.0",
		},
		TLS: TLSConfig{
			VerifyDepth: 9,
		},
		Multipart: MultipartConfig{
			TempDir:            os.TempDir(),
			MaxCollectedLength: 20 * 1024 * 1024,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file at path, applying defaults
// for missing values and expanding ${ENV_VAR} references so secrets can
// stay out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, err
	}

	cfg := Default()
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors that would make the server
// unable to start. Impossible configurations (no IP family, empty pool)
// are reported here rather than degrading into silent no-ops.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Server.Port)
	}
	if c.Server.ThreadPoolSize < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidPoolSize, c.Server.ThreadPoolSize)
	}
	if c.Server.IPv4Only && c.Server.IPv6Only {
		return ErrNoIPFamily
	}
	if c.TLS.Enabled && c.TLS.CertFile == "" {
		return ErrTLSCertRequired
	}
	if c.TLS.PeerAuth && !c.TLS.Enabled {
		return ErrPeerAuthRequiresTLS
	}
	for _, n := range c.Auth.AllowedNetworks {
		if _, err := ipnet.ParseNetwork(n); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidNetwork, n)
		}
	}
	for _, l := range c.Auth.Logins {
		if _, _, ok := SplitLogin(l); !ok {
			return fmt.Errorf("%w: %q", ErrInvalidLogin, l)
		}
	}
	return nil
}

// SplitLogin splits a "login:password" entry. The password part may itself
// contain colons; only the first separates the login.
func SplitLogin(entry string) (login, password string, ok bool) {
	for i := 0; i < len(entry); i++ {
		if entry[i] == ':' {
			if i == 0 {
				return "", "", false
			}
			return entry[:i], entry[i+1:], true
		}
	}
	return "", "", false
}
