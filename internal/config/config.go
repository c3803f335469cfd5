// Package config holds operator-level configuration for a Warden installation.
//
// This is infrastructure config set by whoever deploys Warden, not tenant
// configuration. Values resolve from env vars (WARDEN_*) or a config file
// (warden.config.yaml) via viper. Per-consumer filter profiles live next to
// the data directory and are loaded by the egress engine, not here.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the WARDEN_ prefix
// (e.g. "signing_key" → WARDEN_SIGNING_KEY) and to a YAML field in
// warden.config.yaml.
const (
	KeyDataDir             = "data_dir"
	KeySigningKey          = "signing_key"
	KeyIngestBaseURL       = "ingest_base_url"
	KeyListenAddr          = "listen_addr"
	KeyAPIKey              = "api_key"
	KeyInjectionThreshold  = "injection_threshold"
	KeyDeliveryMaxAttempts = "delivery_max_attempts"
	KeyDeliveryBaseDelayMS = "delivery_base_delay_ms"
	KeyDeliveryMaxDelayMS  = "delivery_max_delay_ms"
	KeyProfileDir          = "profile_dir"
)

// Defaults that do not involve crypto material. The signing key has no
// baked-in default — when unset we derive a per-machine fallback and warn.
const (
	DefaultIngestBaseURL = "http://localhost:8099"
	DefaultListenAddr    = ":8090"
	DefaultInjThreshold  = 70
	DefaultMaxAttempts   = 3
	DefaultBaseDelayMS   = 250
	DefaultMaxDelayMS    = 5000
)

// Config holds resolved operator-level configuration for a Warden process.
type Config struct {
	DataDir             string        // Base directory for all state (~/.warden)
	SigningKey          string        // HMAC-SHA256 key for risk event signing (≥32 bytes)
	IngestBaseURL       string        // Downstream ingestion port base URL
	ListenAddr          string        // HTTP API listen address
	APIKey              string        // Bearer key for the HTTP API (empty = open, dev only)
	InjectionThreshold  int           // Risk score at which input is blocked
	DeliveryMaxAttempts int           // Delivery attempts before dead-lettering
	DeliveryBaseDelay   time.Duration // Backoff base delay
	DeliveryMaxDelay    time.Duration // Backoff cap
	ProfileDir          string        // Directory holding per-app filter profiles

	usingDefaultSigningKey bool
}

// UsingDefaultSigningKey returns true if the signing key was derived rather
// than set explicitly. Commands warn when this is the case.
func (c *Config) UsingDefaultSigningKey() bool {
	return c.usingDefaultSigningKey
}

// AuditDBPath returns the full path to the risk event SQLite database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// DLQDBPath returns the full path to the dead-letter SQLite database.
func (c *Config) DLQDBPath() string {
	return filepath.Join(c.DataDir, "dlq.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when the signing key was derived.
func (c *Config) WarnIfDefaultKeys() {
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default WARDEN_SIGNING_KEY — set via env var or config file for production")
	}
}

func init() {
	viper.SetEnvPrefix("WARDEN")
	viper.AutomaticEnv()
	viper.SetDefault(KeyIngestBaseURL, DefaultIngestBaseURL)
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
	viper.SetDefault(KeyInjectionThreshold, DefaultInjThreshold)
	viper.SetDefault(KeyDeliveryMaxAttempts, DefaultMaxAttempts)
	viper.SetDefault(KeyDeliveryBaseDelayMS, DefaultBaseDelayMS)
	viper.SetDefault(KeyDeliveryMaxDelayMS, DefaultMaxDelayMS)
}

// Load reads configuration from viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:             resolveDataDir(),
		SigningKey:          viper.GetString(KeySigningKey),
		IngestBaseURL:       viper.GetString(KeyIngestBaseURL),
		ListenAddr:          viper.GetString(KeyListenAddr),
		APIKey:              viper.GetString(KeyAPIKey),
		InjectionThreshold:  viper.GetInt(KeyInjectionThreshold),
		DeliveryMaxAttempts: viper.GetInt(KeyDeliveryMaxAttempts),
		DeliveryBaseDelay:   time.Duration(viper.GetInt(KeyDeliveryBaseDelayMS)) * time.Millisecond,
		DeliveryMaxDelay:    time.Duration(viper.GetInt(KeyDeliveryMaxDelayMS)) * time.Millisecond,
		ProfileDir:          viper.GetString(KeyProfileDir),
	}

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "risk-event-signing")
		cfg.usingDefaultSigningKey = true
	}
	if cfg.ProfileDir == "" {
		cfg.ProfileDir = filepath.Join(cfg.DataDir, "profiles")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. Not cryptographically strong — it exists
// so `warden serve` works out of the box while still signing audit rows
// with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("warden:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateSigningKey(c.SigningKey); err != nil {
		return err
	}
	if c.InjectionThreshold < 1 || c.InjectionThreshold > 100 {
		return fmt.Errorf("injection_threshold must be in 1..100 (got %d)", c.InjectionThreshold)
	}
	if c.DeliveryMaxAttempts < 1 {
		return fmt.Errorf("delivery_max_attempts must be at least 1")
	}
	if c.DeliveryBaseDelay <= 0 || c.DeliveryMaxDelay < c.DeliveryBaseDelay {
		return fmt.Errorf("delivery delays must satisfy 0 < base <= max")
	}
	return nil
}

// validateSigningKey accepts either ≥32 raw bytes or 64+ even hex characters
// decoding to ≥32 bytes (HMAC-SHA256). Hex is checked first so hex-format
// keys get format validation; raw is accepted otherwise.
func validateSigningKey(key string) error {
	n := len(key)
	if n >= 64 && n%2 == 0 && isHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) < 32 {
			return fmt.Errorf("signing_key hex must decode to at least 32 bytes: %w", err)
		}
		return nil
	}
	if n >= 32 {
		return nil
	}
	return fmt.Errorf("signing_key must be at least 32 bytes or 64+ hex characters (got %d); set WARDEN_SIGNING_KEY", n)
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
