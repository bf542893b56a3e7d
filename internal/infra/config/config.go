package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
	Store   StoreConfig   `yaml:"store"`
	Routing RoutingConfig `yaml:"routing"`
	Gateway GatewayConfig `yaml:"gateway"`
	Agents  []AgentConfig `yaml:"agents"`
}

// AgentConfig defines one worker agent in the routing pool. Order in the
// config file is registration order; the fallback scan and tie-breaking
// follow it.
type AgentConfig struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name,omitempty"`
	Enabled      *bool    `yaml:"enabled,omitempty"` // nil = enabled
	Capabilities []string `yaml:"capabilities,omitempty"`
	MaxLoad      int      `yaml:"max_load,omitempty"` // default 1000
	Weight       int      `yaml:"weight,omitempty"`   // weighted_round_robin only
}

// IsEnabled resolves the tri-state enabled flag; unset means enabled.
func (a AgentConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// RoutingConfig holds router and strategy settings.
type RoutingConfig struct {
	Strategy  string          `yaml:"strategy"` // round_robin, weighted_round_robin, least_connections
	Overrides OverridesConfig `yaml:"overrides"`
	Dedupe    DedupeConfig    `yaml:"dedupe"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// OverridesConfig holds the rule-based overrides evaluated before the
// strategy. Empty target ids disable the corresponding rule.
type OverridesConfig struct {
	FastAgent       string   `yaml:"fast_agent,omitempty"`  // urgency high/critical target
	MatchAgent      string   `yaml:"match_agent,omitempty"` // framework-affinity target
	MatchFrameworks []string `yaml:"match_frameworks,omitempty"`
}

// DedupeConfig holds message idempotency settings.
type DedupeConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Window     time.Duration `yaml:"window"`      // default 10m
	MaxEntries int           `yaml:"max_entries"` // default 4096
}

// ReconcileConfig holds workload write-back settings.
type ReconcileConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path    string        `yaml:"path"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds the workload persistence circuit breaker settings.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"` // consecutive failures before opening
	Timeout     time.Duration `yaml:"timeout"`      // open -> half-open
	Interval    time.Duration `yaml:"interval"`     // closed-state counter reset
}

// GatewayConfig holds WebSocket/HTTP gateway settings.
type GatewayConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Addr      string          `yaml:"addr"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token. Token values may carry the
// "enc:" prefix (see EncryptValue).
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// RateLimitConfig holds per-IP HTTP rate limiting settings.
type RateLimitConfig struct {
	Enabled        bool     `yaml:"enabled"`
	RequestsPerMin int      `yaml:"requests_per_min"`
	BurstSize      int      `yaml:"burst_size"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under
// $HOME/.dispatch/data. Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".dispatch", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "dispatch.db"),
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Routing: RoutingConfig{
			Strategy: "round_robin",
			Dedupe: DedupeConfig{
				Enabled:    true,
				Window:     10 * time.Minute,
				MaxEntries: 4096,
			},
			Reconcile: ReconcileConfig{
				Enabled:  true,
				Schedule: "@every 1m",
			},
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Addr:    ":8090",
			RateLimit: RateLimitConfig{
				Enabled:        true,
				RequestsPerMin: 120,
				BurstSize:      30,
			},
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("DISPATCH_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps DISPATCH_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DISPATCH_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("DISPATCH_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("DISPATCH_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("DISPATCH_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("DISPATCH_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("DISPATCH_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("DISPATCH_ROUTING_STRATEGY"); v != "" {
		cfg.Routing.Strategy = v
	}
	if v := os.Getenv("DISPATCH_ROUTING_FAST_AGENT"); v != "" {
		cfg.Routing.Overrides.FastAgent = v
	}
	if v := os.Getenv("DISPATCH_ROUTING_MATCH_AGENT"); v != "" {
		cfg.Routing.Overrides.MatchAgent = v
	}
	if v := os.Getenv("DISPATCH_ROUTING_MATCH_FRAMEWORKS"); v != "" {
		cfg.Routing.Overrides.MatchFrameworks = splitAndTrim(v, ",")
	}
	if v := os.Getenv("DISPATCH_ROUTING_DEDUPE_ENABLED"); v == "false" {
		cfg.Routing.Dedupe.Enabled = false
	}
	if v := os.Getenv("DISPATCH_ROUTING_DEDUPE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Routing.Dedupe.Window = d
		}
	}
	if v := os.Getenv("DISPATCH_ROUTING_RECONCILE_ENABLED"); v == "false" {
		cfg.Routing.Reconcile.Enabled = false
	}
	if v := os.Getenv("DISPATCH_ROUTING_RECONCILE_SCHEDULE"); v != "" {
		cfg.Routing.Reconcile.Schedule = v
	}
	if v := os.Getenv("DISPATCH_GATEWAY_ENABLED"); v == "true" {
		cfg.Gateway.Enabled = true
	}
	if v := os.Getenv("DISPATCH_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("DISPATCH_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Type = "static"
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{
			Token: v,
			Name:  "env",
			Roles: []string{"admin"},
		})
	}
	if v := os.Getenv("DISPATCH_GATEWAY_RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Gateway.RateLimit.RequestsPerMin = n
		}
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values in gateway auth tokens and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Gateway.Auth.Tokens {
		tok := cfg.Gateway.Auth.Tokens[i].Token
		if strings.HasPrefix(tok, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(tok, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("gateway auth token %s: %w", cfg.Gateway.Auth.Tokens[i].Name, err)
			}
			cfg.Gateway.Auth.Tokens[i].Token = decrypted
		}
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
