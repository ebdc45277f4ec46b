// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for the trust core.
//
// Precedence, lowest to highest: built-in defaults, the TOML file,
// TRUSTCORE_* environment variables. Secret material (signing secrets,
// encryption passphrases) never lives in the file itself; the file names
// the environment variables that carry it.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/morganforge/trustcore/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete trustcore configuration.
type Config struct {
	// StateDir holds derived key salts and lockout state. Empty selects
	// ~/.trustcore.
	StateDir string `toml:"state_dir"`

	Log     LogConfig     `toml:"log"`
	Audit   AuditConfig   `toml:"audit"`
	Secrets SecretsConfig `toml:"secrets"`
	Session SessionConfig `toml:"session"`
	Trust   TrustConfig   `toml:"trust"`
}

// LogConfig configures the operational zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`
}

// AuditConfig configures the tamper-evident audit trail.
type AuditConfig struct {
	// Enabled turns the audit trail on. Disabling it is only sensible
	// in tests.
	Enabled bool `toml:"enabled"`
	// Path is the audit log file. Empty selects stderr-only operation.
	Path string `toml:"path"`
	// MaxSizeBytes rotates the file sink past this size. 0 keeps the
	// sink's default.
	MaxSizeBytes int64 `toml:"max_size_bytes"`
	// SQLitePath, when set, mirrors events into a queryable database.
	SQLitePath string `toml:"sqlite_path"`
	// SensitiveKeys extends the built-in list of metadata key markers
	// whose values are redacted from events (for example "encryption_key"
	// for a deployment that logs key names in metadata).
	SensitiveKeys []string `toml:"sensitive_keys"`
}

// SecretsConfig configures the secret storage backend.
type SecretsConfig struct {
	// Backend selects the store: vault, env, or memory.
	Backend string `toml:"backend"`

	// Vault connection settings, used when Backend is "vault".
	VaultAddress  string `toml:"vault_address"`
	VaultMount    string `toml:"vault_mount"`
	VaultToken    string `toml:"vault_token"`
	VaultRoleID   string `toml:"vault_role_id"`
	VaultSecretID string `toml:"vault_secret_id"`

	// RedisAddr enables the distributed secret mirror when non-empty.
	RedisAddr string `toml:"redis_addr"`

	// EncryptionPassphraseEnv names the environment variable holding the
	// passphrase for encrypt-at-rest. Empty disables sealing.
	EncryptionPassphraseEnv string `toml:"encryption_passphrase_env"`

	// CacheTTLSecs bounds staleness of the manager's read cache.
	CacheTTLSecs int `toml:"cache_ttl_secs"`
}

// SessionConfig configures session storage and token issuance.
type SessionConfig struct {
	// Backend selects the store: memory or redis.
	Backend   string `toml:"backend"`
	RedisAddr string `toml:"redis_addr"`

	// MaxAgeSecs is the session lifetime. 0 selects the default.
	MaxAgeSecs int  `toml:"max_age_secs"`
	Rolling    bool `toml:"rolling"`

	// SigningSecretEnv names the environment variable holding the HMAC
	// secret for session tokens. The variable must be set at startup.
	SigningSecretEnv string `toml:"signing_secret_env"`

	// TokenEncryptionEnv optionally names a passphrase variable; when
	// set, issued tokens are AEAD-wrapped as well as signed.
	TokenEncryptionEnv string `toml:"token_encryption_env"`

	// Cookie attributes. Secure and HttpOnly default on.
	CookieDomain string `toml:"cookie_domain"`

	// SweepIntervalSecs controls the expired-session sweeper.
	SweepIntervalSecs int `toml:"sweep_interval_secs"`
}

// TrustConfig tunes the authorization gate. All fields are reloadable
// at runtime.
type TrustConfig struct {
	RatePerSecond float64 `toml:"rate_per_second"`
	RateBurst     int     `toml:"rate_burst"`
	RequireAuth   bool    `toml:"require_auth"`

	// MaxAttempts and LockoutDurationSecs tune the failed-attempt
	// lockout. PersistDir keeps lockout state across restarts.
	MaxAttempts         int    `toml:"max_attempts"`
	LockoutDurationSecs int    `toml:"lockout_duration_secs"`
	PersistDir          string `toml:"persist_dir"`

	// APIKeyPath names the stored secret machine clients authenticate
	// with. Empty disables API key authentication.
	APIKeyPath string `toml:"api_key_path"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with production defaults. The memory secrets
// backend and memory session store keep a fresh install runnable without
// external services.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Audit: AuditConfig{
			Enabled:      true,
			MaxSizeBytes: 10 * 1024 * 1024,
		},
		Secrets: SecretsConfig{
			Backend:                 "memory",
			VaultMount:              "secret",
			EncryptionPassphraseEnv: "TRUSTCORE_ENCRYPTION_PASSPHRASE",
			CacheTTLSecs:            3600,
		},
		Session: SessionConfig{
			Backend:           "memory",
			MaxAgeSecs:        int((24 * time.Hour).Seconds()),
			Rolling:           true,
			SigningSecretEnv:  "TRUSTCORE_SESSION_SIGNING_SECRET",
			SweepIntervalSecs: 300,
		},
		Trust: TrustConfig{
			RatePerSecond:       10,
			RateBurst:           20,
			RequireAuth:         false,
			MaxAttempts:         5,
			LockoutDurationSecs: 900,
		},
	}
}

// =============================================================================
// LOAD
// =============================================================================

// Load builds configuration from defaults, the TOML file at path (if it
// exists), and environment overrides, then validates. A missing file is
// not an error; a malformed or invalid one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := loadTOML(cfg, path); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadTOML decodes the file over cfg, tightening permissions first.
// SECURITY: config files may reference vault credentials; 0600 only.
func loadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// ensureSecurePermissions chmods the config file to 0600 if looser.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm() != 0600 {
		return os.Chmod(path, 0600)
	}
	return nil
}

// Save writes cfg to path as TOML, atomically and with 0600 perms.
func Save(cfg *Config, path string) error {
	var sb strings.Builder
	sb.WriteString("# trustcore configuration file\n")
	sb.WriteString("# Secret material belongs in the environment, not here.\n\n")

	enc := toml.NewEncoder(&sb)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, []byte(sb.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// applyEnvOverrides applies TRUSTCORE_* variables over file values.
//
// Supported variables:
//   - TRUSTCORE_LOG_LEVEL
//   - TRUSTCORE_SECRETS_BACKEND
//   - TRUSTCORE_VAULT_ADDR, TRUSTCORE_VAULT_TOKEN
//   - TRUSTCORE_VAULT_ROLE_ID, TRUSTCORE_VAULT_SECRET_ID
//   - TRUSTCORE_REDIS_ADDR (both secret mirror and session store)
//   - TRUSTCORE_SESSION_BACKEND
//   - TRUSTCORE_REQUIRE_AUTH ("1" or "true")
//   - TRUSTCORE_AUDIT_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TRUSTCORE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("TRUSTCORE_SECRETS_BACKEND"); v != "" {
		c.Secrets.Backend = v
	}
	if v := os.Getenv("TRUSTCORE_VAULT_ADDR"); v != "" {
		c.Secrets.VaultAddress = v
	}
	if v := os.Getenv("TRUSTCORE_VAULT_TOKEN"); v != "" {
		c.Secrets.VaultToken = v
	}
	if v := os.Getenv("TRUSTCORE_VAULT_ROLE_ID"); v != "" {
		c.Secrets.VaultRoleID = v
	}
	if v := os.Getenv("TRUSTCORE_VAULT_SECRET_ID"); v != "" {
		c.Secrets.VaultSecretID = v
	}
	if v := os.Getenv("TRUSTCORE_REDIS_ADDR"); v != "" {
		c.Secrets.RedisAddr = v
		c.Session.RedisAddr = v
	}
	if v := os.Getenv("TRUSTCORE_SESSION_BACKEND"); v != "" {
		c.Session.Backend = v
	}
	if v := os.Getenv("TRUSTCORE_REQUIRE_AUTH"); v != "" {
		c.Trust.RequireAuth = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("TRUSTCORE_AUDIT_PATH"); v != "" {
		c.Audit.Path = v
	}
}

// =============================================================================
// SECRET RESOLUTION
// =============================================================================

// ResolveStateDir returns the state directory, defaulting to
// ~/.trustcore when unset.
func (c *Config) ResolveStateDir() (string, error) {
	if c.StateDir != "" {
		return c.StateDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".trustcore"), nil
}

// SigningSecret resolves the session signing secret from the environment
// variable the config names.
func (c *Config) SigningSecret() ([]byte, error) {
	name := c.Session.SigningSecretEnv
	if name == "" {
		return nil, fmt.Errorf("session.signing_secret_env is not set")
	}
	v := os.Getenv(name)
	if v == "" {
		return nil, fmt.Errorf("signing secret environment variable %s is empty", name)
	}
	return []byte(v), nil
}

// EncryptionPassphrase resolves the encrypt-at-rest passphrase, if
// configured. Empty return with nil error means sealing is disabled.
func (c *Config) EncryptionPassphrase() string {
	if c.Secrets.EncryptionPassphraseEnv == "" {
		return ""
	}
	return os.Getenv(c.Secrets.EncryptionPassphraseEnv)
}

// TokenEncryptionPassphrase resolves the optional token-wrapping
// passphrase.
func (c *Config) TokenEncryptionPassphrase() string {
	if c.Session.TokenEncryptionEnv == "" {
		return ""
	}
	return os.Getenv(c.Session.TokenEncryptionEnv)
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors collects validation failures.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration. Configuration errors are fatal at
// startup; there is no degraded mode for a misconfigured trust core.
func (c *Config) Validate() error {
	var errs ValidateErrors

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("invalid level '%s', must be one of: debug, info, warn, error", c.Log.Level),
		})
	}

	switch strings.ToLower(c.Secrets.Backend) {
	case "vault":
		// SECURITY: a vault backend without credentials would silently
		// fail every read; reject it at startup instead.
		if c.Secrets.VaultAddress == "" {
			errs = append(errs, ValidationError{
				Field:   "secrets.vault_address",
				Message: "required when backend is vault",
			})
		} else if _, err := url.Parse(c.Secrets.VaultAddress); err != nil {
			errs = append(errs, ValidationError{
				Field:   "secrets.vault_address",
				Message: fmt.Sprintf("invalid URL: %v", err),
			})
		}
		hasToken := c.Secrets.VaultToken != ""
		hasAppRole := c.Secrets.VaultRoleID != "" && c.Secrets.VaultSecretID != ""
		if !hasToken && !hasAppRole {
			errs = append(errs, ValidationError{
				Field:   "secrets.backend",
				Message: "vault backend requires vault_token or vault_role_id + vault_secret_id",
			})
		}
	case "env", "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "secrets.backend",
			Message: fmt.Sprintf("invalid backend '%s', must be one of: vault, env, memory", c.Secrets.Backend),
		})
	}

	if c.Secrets.CacheTTLSecs < 0 {
		errs = append(errs, ValidationError{
			Field:   "secrets.cache_ttl_secs",
			Message: "must be non-negative",
		})
	}

	switch strings.ToLower(c.Session.Backend) {
	case "redis":
		if c.Session.RedisAddr == "" {
			errs = append(errs, ValidationError{
				Field:   "session.redis_addr",
				Message: "required when backend is redis",
			})
		}
	case "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "session.backend",
			Message: fmt.Sprintf("invalid backend '%s', must be one of: memory, redis", c.Session.Backend),
		})
	}

	if c.Session.MaxAgeSecs < 0 {
		errs = append(errs, ValidationError{
			Field:   "session.max_age_secs",
			Message: "must be non-negative",
		})
	}
	if c.Session.SigningSecretEnv == "" {
		errs = append(errs, ValidationError{
			Field:   "session.signing_secret_env",
			Message: "required: session tokens must be signed",
		})
	}

	if c.Trust.RatePerSecond <= 0 {
		errs = append(errs, ValidationError{
			Field:   "trust.rate_per_second",
			Message: "must be positive",
		})
	}
	if c.Trust.RateBurst <= 0 {
		errs = append(errs, ValidationError{
			Field:   "trust.rate_burst",
			Message: "must be positive",
		})
	}
	if c.Trust.MaxAttempts < 1 || c.Trust.MaxAttempts > 20 {
		errs = append(errs, ValidationError{
			Field:   "trust.max_attempts",
			Message: fmt.Sprintf("must be 1-20, got %d", c.Trust.MaxAttempts),
		})
	}
	if c.Trust.LockoutDurationSecs < 60 || c.Trust.LockoutDurationSecs > 86400 {
		errs = append(errs, ValidationError{
			Field:   "trust.lockout_duration_secs",
			Message: fmt.Sprintf("must be 60-86400 seconds, got %d", c.Trust.LockoutDurationSecs),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// RELOAD SUPPORT
// =============================================================================

// ApplyReloadable copies the runtime-tunable fields from next into c.
// Backend selection and credential references deliberately require a
// restart: swapping a live store under active managers is not safe.
func (c *Config) ApplyReloadable(next *Config) {
	c.Log.Level = next.Log.Level
	c.Trust = next.Trust
	c.Audit.MaxSizeBytes = next.Audit.MaxSizeBytes
	c.Secrets.CacheTTLSecs = next.Secrets.CacheTTLSecs
	c.Session.SweepIntervalSecs = next.Session.SweepIntervalSecs
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Audit.SensitiveKeys = append([]string(nil), c.Audit.SensitiveKeys...)
	return &clone
}

// String renders the config for diagnostics with credentials redacted.
// SECURITY: vault tokens and approle secret IDs must never reach logs.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Secrets.VaultToken != "" {
		safe.Secrets.VaultToken = "[REDACTED]"
	}
	if safe.Secrets.VaultSecretID != "" {
		safe.Secrets.VaultSecretID = "[REDACTED]"
	}

	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(safe); err != nil {
		return fmt.Sprintf("config (unrenderable: %v)", err)
	}
	return sb.String()
}
