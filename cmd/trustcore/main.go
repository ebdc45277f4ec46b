// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command trustcore runs the secrets and session trust core as a
// long-lived process: it wires the audit trail, secret storage, session
// management, and the authorization gate, then supervises the session
// sweeper until shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/morganforge/trustcore/internal/audit"
	"github.com/morganforge/trustcore/internal/config"
	"github.com/morganforge/trustcore/internal/crypto"
	"github.com/morganforge/trustcore/internal/logger"
	"github.com/morganforge/trustcore/internal/secrets"
	"github.com/morganforge/trustcore/internal/session"
	"github.com/morganforge/trustcore/internal/trust"
	"github.com/morganforge/trustcore/internal/util"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "trustcore: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", defaultConfigPath(), "path to trustcore.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	zlog, err := logger.New(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer zlog.Sync()

	stateDir, err := cfg.ResolveStateDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	// Audit trail first: everything downstream reports into it.
	auditLog, fileSink, err := buildAudit(cfg, stateDir, zlog)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	encryptionKey, storageSalt, err := buildEncryptionKey(cfg, stateDir)
	if err != nil {
		return err
	}

	var secretsRedis *redis.Client
	if cfg.Secrets.RedisAddr != "" {
		secretsRedis = redis.NewClient(&redis.Options{Addr: cfg.Secrets.RedisAddr})
	}

	store, err := secrets.NewStore(secrets.Options{
		Backend: cfg.Secrets.Backend,
		Vault: secrets.VaultOptions{
			Address:  cfg.Secrets.VaultAddress,
			Mount:    cfg.Secrets.VaultMount,
			Token:    cfg.Secrets.VaultToken,
			RoleID:   cfg.Secrets.VaultRoleID,
			SecretID: cfg.Secrets.VaultSecretID,
		},
		Redis:         secretsRedis,
		EncryptionKey: encryptionKey,
		Audit:         auditLog,
	})
	if err != nil {
		return fmt.Errorf("failed to build secret store: %w", err)
	}

	secretsMgr := secrets.NewManager(store,
		time.Duration(cfg.Secrets.CacheTTLSecs)*time.Second, auditLog, zlog)
	defer secretsMgr.Close()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 15*time.Second)
	ok := secretsMgr.Initialize(startupCtx)
	cancelStartup()
	if !ok {
		return fmt.Errorf("secrets backend %q is not available", cfg.Secrets.Backend)
	}

	sessionMgr, err := buildSessions(cfg, storageSalt, auditLog, zlog)
	if err != nil {
		return err
	}
	defer sessionMgr.Close()
	sessionMgr.StartSweeper(time.Duration(cfg.Session.SweepIntervalSecs) * time.Second)

	lockout := trust.NewLockout(
		trust.WithMaxAttempts(cfg.Trust.MaxAttempts),
		trust.WithLockoutDuration(time.Duration(cfg.Trust.LockoutDurationSecs)*time.Second),
		trust.WithPersistDir(lockoutDir(cfg, stateDir)),
		trust.WithAuditLogger(auditLog),
	)

	gate := trust.NewGate(trust.GateConfig{
		RatePerSecond: cfg.Trust.RatePerSecond,
		RateBurst:     cfg.Trust.RateBurst,
		RequireAuth:   cfg.Trust.RequireAuth,
		APIKeyPath:    cfg.Trust.APIKeyPath,
	}, sessionMgr, secretsMgr, lockout, auditLog, zlog)

	watcher := startConfigWatcher(*configPath, cfg, gate, fileSink, zlog)
	if watcher != nil {
		defer watcher.Close()
	}

	auditLog.Security("core_started", "", true, map[string]any{
		"secrets_backend": cfg.Secrets.Backend,
		"session_backend": cfg.Session.Backend,
	})
	zlog.Info("trustcore started",
		zap.String("secrets_backend", cfg.Secrets.Backend),
		zap.String("session_backend", cfg.Session.Backend),
		zap.Bool("require_auth", cfg.Trust.RequireAuth),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	zlog.Info("shutdown signal received")
	auditLog.Security("core_stopping", "", true, nil)

	// Deferred closes run in reverse construction order. The watchdog
	// bounds how long a hung remote (redis, vault) can stall exit; it
	// dies with the process on a normal shutdown.
	time.AfterFunc(shutdownTimeout, func() {
		fmt.Fprintln(os.Stderr, "trustcore: shutdown timeout exceeded, exiting")
		os.Exit(1)
	})

	zlog.Info("trustcore stopped")
	return nil
}

// =============================================================================
// WIRING HELPERS
// =============================================================================

func defaultConfigPath() string {
	if v := os.Getenv("TRUSTCORE_CONFIG"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "trustcore.toml"
	}
	return filepath.Join(home, ".trustcore", "trustcore.toml")
}

// buildAudit assembles the configured sinks behind one logger. The file
// sink is returned separately so config reloads can retune its rotation
// size.
func buildAudit(cfg *config.Config, stateDir string, zlog *zap.Logger) (*audit.Logger, *audit.FileSink, error) {
	if !cfg.Audit.Enabled {
		auditLog := audit.NewLogger(nil, zlog)
		auditLog.SetEnabled(false)
		return auditLog, nil, nil
	}

	path := cfg.Audit.Path
	if path == "" {
		path = filepath.Join(stateDir, "audit.log")
	}
	fileSink, err := audit.NewFileSink(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	if cfg.Audit.MaxSizeBytes > 0 {
		fileSink.SetMaxSize(cfg.Audit.MaxSizeBytes)
	}

	sinks := []audit.EventSink{fileSink}
	if cfg.Audit.SQLitePath != "" {
		ss, err := audit.NewSQLiteSink(cfg.Audit.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit database: %w", err)
		}
		sinks = append(sinks, ss)
	}

	auditLog := audit.NewLogger(audit.NewMultiSink(sinks...), zlog)
	auditLog.AddSensitiveKeys(cfg.Audit.SensitiveKeys...)
	return auditLog, fileSink, nil
}

// buildEncryptionKey derives the at-rest AEAD key from the configured
// passphrase. The PBKDF2 salt persists in the state dir so the same
// passphrase derives the same key across restarts. The salt is returned
// for other derivations (token wrapping).
func buildEncryptionKey(cfg *config.Config, stateDir string) ([]byte, []byte, error) {
	saltPath := filepath.Join(stateDir, "storage.salt")
	salt, err := os.ReadFile(saltPath)
	if err != nil || len(salt) != crypto.SaltSize {
		salt, err = crypto.GenerateSalt()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate storage salt: %w", err)
		}
		if err := util.AtomicWriteFile(saltPath, salt, 0600); err != nil {
			return nil, nil, fmt.Errorf("failed to persist storage salt: %w", err)
		}
	}

	passphrase := cfg.EncryptionPassphrase()
	if passphrase == "" {
		return nil, salt, nil
	}
	return crypto.DeriveStorageKey(passphrase, salt), salt, nil
}

func buildSessions(cfg *config.Config, storageSalt []byte, auditLog *audit.Logger, zlog *zap.Logger) (*session.Manager, error) {
	signingSecret, err := cfg.SigningSecret()
	if err != nil {
		return nil, err
	}

	var store session.Store
	switch cfg.Session.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Session.RedisAddr})
		store = session.NewRedisStore(client)
	default:
		store = session.NewMemoryStore()
	}

	var tokenKey []byte
	if pass := cfg.TokenEncryptionPassphrase(); pass != "" {
		tokenKey = crypto.DeriveStorageKey(pass, storageSalt)
	}

	mgr, err := session.NewManager(store, session.Config{
		MaxAge:             time.Duration(cfg.Session.MaxAgeSecs) * time.Second,
		Rolling:            cfg.Session.Rolling,
		SigningSecret:      signingSecret,
		TokenEncryptionKey: tokenKey,
		Cookie: session.CookieOptions{
			Domain: cfg.Session.CookieDomain,
		},
	}, auditLog, zlog)
	if err != nil {
		return nil, fmt.Errorf("failed to build session manager: %w", err)
	}
	return mgr, nil
}

func lockoutDir(cfg *config.Config, stateDir string) string {
	if cfg.Trust.PersistDir != "" {
		return cfg.Trust.PersistDir
	}
	return stateDir
}

// startConfigWatcher wires live reload of the runtime tunables. A nil
// return means reload is unavailable (not fatal).
func startConfigWatcher(path string, live *config.Config, gate *trust.Gate, fileSink *audit.FileSink, zlog *zap.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(path, func(next *config.Config) {
		live.ApplyReloadable(next)
		gate.ApplyTunables(next.Trust.RatePerSecond, next.Trust.RateBurst, next.Trust.RequireAuth)
		if fileSink != nil && next.Audit.MaxSizeBytes > 0 {
			fileSink.SetMaxSize(next.Audit.MaxSizeBytes)
		}
	}, zlog)
	if err != nil {
		zlog.Warn("config reload unavailable", zap.Error(err))
		return nil
	}
	if err := watcher.Watch(); err != nil {
		zlog.Warn("config reload unavailable", zap.Error(err))
		watcher.Close()
		return nil
	}
	return watcher
}
