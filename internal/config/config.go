// Package config loads runtime settings from the environment (optionally
// seeded from a .env file). Command-line flags use these values as defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix namespaces every variable this program reads.
const EnvPrefix = "POSEWIRE_"

// Conf is a namespaced view over environment variables (e.g. "POSEWIRE_", "LOG_").
type Conf struct{ prefix string }

// New returns a root Conf (no prefix).
func New() Conf { return Conf{} }

// Prefix returns a child Conf with an additional prefix.
func (c Conf) Prefix(p string) Conf { return Conf{prefix: c.prefix + p} }

func (c Conf) key(k string) string { return c.prefix + k }

// Get returns the trimmed env var or def if empty.
func (c Conf) Get(key, def string) string {
	v := strings.TrimSpace(os.Getenv(c.key(key)))
	if v == "" {
		return def
	}
	return v
}

// GetBool parses "1|true|yes" / "0|false|no" with default fallback.
func (c Conf) GetBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(c.key(key))))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// GetInt parses an integer with default fallback; non-numeric -> def.
func (c Conf) GetInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(c.key(key)))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetDuration parses a Go duration string with default fallback.
func (c Conf) GetDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(c.key(key)))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Config holds every setting shared by the sub-commands.
type Config struct {
	ListenAddr   string
	ConnectAddr  string
	Mode         string
	ByteOrder    string
	MaxPayloadMB int
	Prefetch     bool
	Encoding     string
	OutputDir    string

	DatabaseURL string
	RedisAddr   string

	WorkerScript  string
	WorkerTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads an optional .env file (files are tried in order, missing ones
// are skipped) and then the POSEWIRE_* environment.
func Load(envFiles ...string) *Config {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			// Existing environment wins over the file.
			_ = godotenv.Load(f)
		}
	}

	rc := New().Prefix(EnvPrefix)
	return &Config{
		ListenAddr:    rc.Get("LISTEN_ADDR", ":9999"),
		ConnectAddr:   rc.Get("CONNECT_ADDR", "localhost:9999"),
		Mode:          strings.ToLower(rc.Get("MODE", "stream")),
		ByteOrder:     strings.ToLower(rc.Get("BYTE_ORDER", "little")),
		MaxPayloadMB:  rc.GetInt("MAX_PAYLOAD_MB", 64),
		Prefetch:      rc.GetBool("PREFETCH", true),
		Encoding:      strings.ToLower(rc.Get("ENCODING", "png")),
		OutputDir:     rc.Get("OUTPUT_DIR", "output"),
		DatabaseURL:   rc.Get("DATABASE_URL", ""),
		RedisAddr:     rc.Get("REDIS_ADDR", ""),
		WorkerScript:  rc.Get("WORKER_SCRIPT", ""),
		WorkerTimeout: rc.GetDuration("WORKER_TIMEOUT", 30*time.Second),
		LogLevel:      strings.ToLower(rc.Get("LOG_LEVEL", "info")),
		LogFormat:     strings.ToLower(rc.Get("LOG_FORMAT", "console")),
	}
}

// MaxPayloadBytes converts the megabyte cap into bytes.
func (c *Config) MaxPayloadBytes() int64 {
	return int64(c.MaxPayloadMB) * 1024 * 1024
}

// Validate checks enumerations and ranges.
func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case "stream", "ack":
	default:
		errs = append(errs, fmt.Errorf("mode must be stream or ack, got %q", c.Mode))
	}
	switch c.ByteOrder {
	case "little", "big", "native":
	default:
		errs = append(errs, fmt.Errorf("byte order must be little or big, got %q", c.ByteOrder))
	}
	switch c.Encoding {
	case "png", "jpeg", "jpg":
	default:
		errs = append(errs, fmt.Errorf("encoding must be png or jpeg, got %q", c.Encoding))
	}
	if c.MaxPayloadMB < 1 {
		errs = append(errs, fmt.Errorf("max payload must be >= 1 MB, got %d", c.MaxPayloadMB))
	}
	if c.WorkerTimeout < 0 {
		errs = append(errs, fmt.Errorf("worker timeout must not be negative"))
	}
	return errors.Join(errs...)
}
