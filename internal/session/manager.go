// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/morganforge/trustcore/internal/audit"
	"github.com/morganforge/trustcore/internal/crypto"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// DefaultMaxAge is the session lifetime when none is configured.
const DefaultMaxAge = 24 * time.Hour

// DefaultSweepInterval is how often the background sweeper runs.
const DefaultSweepInterval = 5 * time.Minute

// sessionIDBytes gives 256-bit session identifiers (64 hex characters).
const sessionIDBytes = 32

// csrfTokenBytes sizes the per-session CSRF token.
const csrfTokenBytes = 32

// ErrSigningSecretRequired indicates the manager was built without a
// session signing secret.
var ErrSigningSecretRequired = errors.New("session signing secret is required")

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds session manager settings.
type Config struct {
	// MaxAge is the session lifetime. Zero is honored literally: such a
	// session is expired on its first read. Negative selects the default.
	MaxAge time.Duration

	// Rolling extends expiry on each GetSession.
	Rolling bool

	// SigningSecret signs session tokens. Required.
	SigningSecret []byte

	// TokenEncryptionKey, when 32 bytes, additionally wraps issued tokens
	// in AES-256-GCM so the session ID is not even visible base64-encoded.
	TokenEncryptionKey []byte

	// Cookie controls the attributes handed to the transport layer.
	Cookie CookieOptions
}

// =============================================================================
// SESSION MANAGER
// =============================================================================

// Manager drives the session state machine:
// created -> active (renewed on rolling access) -> expired|destroyed.
type Manager struct {
	store Store
	cfg   Config

	audit *audit.Logger
	zlog  *zap.Logger

	stopSweep chan struct{}
	sweepWG   sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewManager validates the config and builds the manager. auditLog and
// zlog may be nil.
func NewManager(store Store, cfg Config, auditLog *audit.Logger, zlog *zap.Logger) (*Manager, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrSigningSecretRequired
	}
	if cfg.MaxAge < 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if zlog == nil {
		zlog = zap.NewNop()
	}
	return &Manager{
		store:     store,
		cfg:       cfg,
		audit:     auditLog,
		zlog:      zlog,
		stopSweep: make(chan struct{}),
	}, nil
}

// =============================================================================
// LIFECYCLE OPERATIONS
// =============================================================================

// CreateSession generates a fresh session for userID and persists it.
// fingerprint may be empty; when present it is stored for later
// corroboration by the trust layer.
func (m *Manager) CreateSession(ctx context.Context, userID string, data map[string]any, fingerprint string) (*Session, error) {
	id, err := crypto.RandomToken(sessionIDBytes, crypto.EncodingHex)
	if err != nil {
		return nil, err
	}
	csrfToken, err := crypto.RandomToken(csrfTokenBytes, crypto.EncodingHex)
	if err != nil {
		return nil, err
	}

	if data == nil {
		data = map[string]any{}
	}
	now := time.Now()
	s := &Session{
		ID:           id,
		UserID:       userID,
		Data:         data,
		Created:      now,
		LastAccessed: now,
		Expires:      now.Add(m.cfg.MaxAge),
		CSRFToken:    csrfToken,
		Fingerprint:  fingerprint,
	}

	if err := m.store.Save(ctx, s); err != nil {
		m.auditAuth("session_create", userID, false, map[string]any{"error": err.Error()})
		return nil, m.translate("create", err)
	}

	m.auditAuth("session_create", userID, true, map[string]any{"session_id": id})
	return s.Clone(), nil
}

// GetSession loads a session. An expired record is purged and reported as
// ErrNotFound. With rolling enabled the expiry is extended by rewriting
// the same record; if a concurrent destroy removed the record between
// load and rewrite, the destroy wins and ErrNotFound is returned.
func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	s, err := m.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, m.translate("get", err)
	}

	now := time.Now()
	if s.ExpiredAt(now) {
		if err := m.store.Delete(ctx, id); err != nil {
			m.zlog.Warn("failed to purge expired session", zap.Error(err))
		}
		m.auditAuth("session_get", s.UserID, false, map[string]any{
			"session_id": id,
			"reason":     "expired",
		})
		return nil, ErrNotFound
	}

	if m.cfg.Rolling {
		s.LastAccessed = now
		s.Expires = now.Add(m.cfg.MaxAge)

		saved, err := m.store.SaveIfExists(ctx, s)
		if err != nil {
			return nil, m.translate("renew", err)
		}
		if !saved {
			// Destroyed between load and renewal. Destroy wins.
			return nil, ErrNotFound
		}
	}

	return s.Clone(), nil
}

// UpdateSession shallow-merges partial into the session data
// (last-writer-wins per key) and persists.
func (m *Manager) UpdateSession(ctx context.Context, id string, partial map[string]any) error {
	s, err := m.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return m.translate("update", err)
	}
	if s.ExpiredAt(time.Now()) {
		_ = m.store.Delete(ctx, id)
		return ErrNotFound
	}

	if s.Data == nil {
		s.Data = map[string]any{}
	}
	for k, v := range partial {
		s.Data[k] = v
	}
	s.LastAccessed = time.Now()

	saved, err := m.store.SaveIfExists(ctx, s)
	if err != nil {
		return m.translate("update", err)
	}
	if !saved {
		return ErrNotFound
	}
	return nil
}

// DestroySession removes the session unconditionally.
func (m *Manager) DestroySession(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return m.translate("destroy", err)
	}
	m.auditAuth("session_destroy", "", true, map[string]any{"session_id": id})
	return nil
}

// DestroyAllUserSessions removes every session owned by userID and
// returns how many were destroyed.
func (m *Manager) DestroyAllUserSessions(ctx context.Context, userID string) (int, error) {
	sessions, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return 0, m.translate("destroy_all", err)
	}

	count := 0
	for _, s := range sessions {
		if err := m.store.Delete(ctx, s.ID); err == nil {
			count++
		}
	}

	m.auditAuth("session_destroy_all", userID, true, map[string]any{"count": count})
	return count, nil
}

// CleanExpiredSessions sweeps expired records once.
func (m *Manager) CleanExpiredSessions(ctx context.Context) (int, error) {
	count, err := m.store.SweepExpired(ctx)
	if err != nil {
		return count, m.translate("sweep", err)
	}
	if count > 0 {
		m.zlog.Info("swept expired sessions", zap.Int("count", count))
	}
	return count, nil
}

// =============================================================================
// SESSION TOKENS
// =============================================================================

// GenerateSessionToken issues a transportable token embedding the session
// ID, an issue timestamp, and an HMAC signature:
// base64url(id.timestampMs.signature), optionally wrapped in AES-256-GCM
// when a token encryption key is configured.
func (m *Manager) GenerateSessionToken(id string) (string, error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	signed := id + "." + ts
	signature := crypto.HMACSign([]byte(signed), m.cfg.SigningSecret, crypto.SHA256)

	token := base64.RawURLEncoding.EncodeToString([]byte(signed + "." + signature))
	if len(m.cfg.TokenEncryptionKey) == 0 {
		return token, nil
	}
	return crypto.EncryptString(token, m.cfg.TokenEncryptionKey)
}

// ParseSessionToken extracts the session ID from a token issued by
// GenerateSessionToken. The signature is verified in constant time before
// the embedded ID is trusted. Malformed input yields ok=false, never an
// error or panic.
func (m *Manager) ParseSessionToken(token string) (string, bool) {
	if len(m.cfg.TokenEncryptionKey) > 0 && crypto.IsEncrypted(token) {
		decrypted, err := crypto.DecryptString(token, m.cfg.TokenEncryptionKey)
		if err != nil {
			return "", false
		}
		token = decrypted
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", false
	}

	parts := strings.Split(string(raw), ".")
	if len(parts) != 3 {
		return "", false
	}
	id, ts, signature := parts[0], parts[1], parts[2]
	if id == "" {
		return "", false
	}
	if _, err := strconv.ParseInt(ts, 10, 64); err != nil {
		return "", false
	}

	if !crypto.HMACVerify([]byte(id+"."+ts), signature, m.cfg.SigningSecret, crypto.SHA256) {
		m.auditSecurity("session_token_bad_signature", map[string]any{})
		return "", false
	}
	return id, true
}

// ValidateCSRFToken compares the provided token against the session's in
// constant time. Empty or mismatched input is false, never an error.
func (m *Manager) ValidateCSRFToken(s *Session, provided string) bool {
	if s == nil || s.CSRFToken == "" || provided == "" {
		return false
	}
	ok := crypto.ConstantTimeEquals([]byte(s.CSRFToken), []byte(provided))
	if !ok {
		m.auditSecurity("csrf_mismatch", map[string]any{
			"session_id": s.ID,
			"user_id":    s.UserID,
		})
	}
	return ok
}

// GetCookieOptions returns the attributes the transport layer should use
// when setting the session cookie.
func (m *Manager) GetCookieOptions() CookieOptions {
	opts := m.cfg.Cookie.normalize()
	if opts.MaxAge == 0 {
		opts.MaxAge = m.cfg.MaxAge
	}
	return opts
}

// =============================================================================
// BACKGROUND SWEEPER
// =============================================================================

// StartSweeper launches a goroutine that sweeps expired sessions at the
// given interval until Close. interval <= 0 selects the default.
func (m *Manager) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	m.sweepWG.Add(1)
	go func() {
		defer m.sweepWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if _, err := m.CleanExpiredSessions(ctx); err != nil {
					m.zlog.Warn("session sweep failed", zap.Error(err))
				}
				cancel()
			case <-m.stopSweep:
				return
			}
		}
	}()
}

// Close stops the sweeper and releases the store.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopSweep)
		m.sweepWG.Wait()
		m.closeErr = m.store.Close()
	})
	return m.closeErr
}

// =============================================================================
// HELPERS
// =============================================================================

func (m *Manager) auditAuth(action, userID string, success bool, metadata map[string]any) {
	if m.audit == nil {
		return
	}
	m.audit.Authentication(action, userID, success, metadata)
}

func (m *Manager) auditSecurity(action string, metadata map[string]any) {
	if m.audit == nil {
		return
	}
	m.audit.Security(action, "", false, metadata)
}

func (m *Manager) translate(op string, err error) error {
	m.zlog.Warn("session store operation failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s", ErrStoreUnavailable, op)
}
