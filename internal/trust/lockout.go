// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package trust

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/morganforge/trustcore/internal/audit"
	"github.com/morganforge/trustcore/internal/crypto"
	"github.com/morganforge/trustcore/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultMaxAttempts is the failed-attempt threshold before lockout.
	DefaultMaxAttempts = 5

	// DefaultLockoutDuration is how long a lockout lasts.
	DefaultLockoutDuration = 15 * time.Minute

	// lockoutStateFile names the persisted state next to its HMAC key.
	lockoutStateFile = "lockout_state.json"
)

// ErrLocked is returned while an identifier is locked out.
var ErrLocked = errors.New("identifier is locked out")

// ErrIntegrityCompromised is returned when the persisted lockout state
// fails its HMAC check. All identifiers are treated as locked until an
// operator resets the state.
var ErrIntegrityCompromised = errors.New("lockout state integrity compromised")

// =============================================================================
// ATTEMPT RECORD
// =============================================================================

// attemptRecord tracks consecutive failures for one identifier.
type attemptRecord struct {
	Count       int       `json:"count"`
	FirstFailed time.Time `json:"first_failed,omitempty"`
	LastAttempt time.Time `json:"last_attempt"`
	Locked      bool      `json:"locked"`
	LockedUntil time.Time `json:"locked_until,omitempty"`
}

func (a *attemptRecord) lockExpired(now time.Time) bool {
	return a.Locked && !now.Before(a.LockedUntil)
}

// =============================================================================
// LOCKOUT
// =============================================================================

// Lockout blocks identifiers after repeated failed attempts. State is
// persisted with an HMAC-SHA-256 trailer so an attacker who can edit the
// file cannot silently clear their own lockout; a failed check locks
// everything until Reset.
type Lockout struct {
	mu       sync.Mutex
	attempts map[string]*attemptRecord

	maxAttempts int
	duration    time.Duration

	persistPath  string
	integrityKey []byte
	compromised  bool

	audit *audit.Logger
}

// LockoutOption configures a Lockout.
type LockoutOption func(*Lockout)

// WithMaxAttempts sets the failure threshold.
func WithMaxAttempts(n int) LockoutOption {
	return func(l *Lockout) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithLockoutDuration sets how long a lockout lasts.
func WithLockoutDuration(d time.Duration) LockoutOption {
	return func(l *Lockout) {
		if d > 0 {
			l.duration = d
		}
	}
}

// WithPersistDir persists state (and its HMAC key) under dir. Without it
// state is process-local.
func WithPersistDir(dir string) LockoutOption {
	return func(l *Lockout) {
		l.persistPath = filepath.Join(dir, lockoutStateFile)
	}
}

// WithAuditLogger wires lockout events into the audit trail.
func WithAuditLogger(logger *audit.Logger) LockoutOption {
	return func(l *Lockout) {
		l.audit = logger
	}
}

// NewLockout builds the manager and loads any persisted state.
func NewLockout(opts ...LockoutOption) *Lockout {
	l := &Lockout{
		attempts:    make(map[string]*attemptRecord),
		maxAttempts: DefaultMaxAttempts,
		duration:    DefaultLockoutDuration,
	}
	for _, opt := range opts {
		opt(l)
	}

	l.initIntegrityKey()
	l.loadState()
	return l
}

// =============================================================================
// CORE OPERATIONS
// =============================================================================

// RecordAttempt notes an authentication outcome for identifier. Success
// clears the failure streak. Returns ErrLocked while locked out and
// ErrIntegrityCompromised when the persisted state failed verification.
func (l *Lockout) RecordAttempt(identifier string, success bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.compromised {
		return ErrIntegrityCompromised
	}

	now := time.Now()
	record, ok := l.attempts[identifier]
	if !ok {
		record = &attemptRecord{}
		l.attempts[identifier] = record
	}

	if record.Locked {
		if !record.lockExpired(now) {
			l.auditEvent("lockout_blocked", identifier, map[string]any{
				"remaining": time.Until(record.LockedUntil).String(),
			})
			return ErrLocked
		}
		record.Locked = false
		record.LockedUntil = time.Time{}
		record.Count = 0
	}

	record.LastAttempt = now
	if success {
		record.Count = 0
		record.FirstFailed = time.Time{}
	} else {
		if record.FirstFailed.IsZero() {
			record.FirstFailed = now
		}
		record.Count++
		if record.Count >= l.maxAttempts {
			record.Locked = true
			record.LockedUntil = now.Add(l.duration)
			l.auditEvent("lockout_triggered", identifier, map[string]any{
				"attempts": record.Count,
				"until":    record.LockedUntil.Format(time.RFC3339),
			})
		}
	}

	l.saveStateLocked()
	return nil
}

// IsLocked reports whether the identifier is currently locked out.
func (l *Lockout) IsLocked(identifier string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.compromised {
		return true
	}

	record, ok := l.attempts[identifier]
	if !ok {
		return false
	}
	return record.Locked && !record.lockExpired(time.Now())
}

// Unlock clears a lockout (operator action).
func (l *Lockout) Unlock(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if record, ok := l.attempts[identifier]; ok {
		record.Locked = false
		record.LockedUntil = time.Time{}
		record.Count = 0
		l.auditEvent("lockout_cleared", identifier, nil)
		l.saveStateLocked()
	}
}

// Reset wipes all state, including a compromised flag. Operator action
// after investigating an integrity failure.
func (l *Lockout) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.attempts = make(map[string]*attemptRecord)
	l.compromised = false
	l.auditEvent("lockout_reset", "", nil)
	l.saveStateLocked()
}

// =============================================================================
// PERSISTENCE
// =============================================================================

type lockoutState struct {
	Attempts map[string]*attemptRecord `json:"attempts"`
	SavedAt  time.Time                 `json:"saved_at"`
}

// initIntegrityKey loads or creates the HMAC key beside the state file.
// Without persistence a per-process random key is enough.
func (l *Lockout) initIntegrityKey() {
	if l.persistPath == "" {
		key, err := crypto.RandomBytes(32)
		if err == nil {
			l.integrityKey = key
		} else {
			l.compromised = true
		}
		return
	}

	keyPath := l.persistPath + ".key"
	if data, err := os.ReadFile(keyPath); err == nil && len(data) == 32 {
		l.integrityKey = data
		return
	}

	key, err := crypto.RandomBytes(32)
	if err != nil {
		l.compromised = true
		return
	}
	l.integrityKey = key

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return
	}
	if err := util.AtomicWriteFile(keyPath, key, 0600); err != nil {
		l.auditEvent("lockout_key_save_failed", "", map[string]any{"error": err.Error()})
	}
}

// loadState reads and verifies persisted state. A missing file is a
// fresh start; a file that fails its HMAC locks everything.
func (l *Lockout) loadState() {
	if l.persistPath == "" {
		return
	}

	payload, err := os.ReadFile(l.persistPath)
	if err != nil {
		return // first run
	}

	if len(payload) < sha256.Size {
		l.compromised = true
		l.auditEvent("lockout_state_tampered", "", map[string]any{"reason": "truncated"})
		return
	}

	data := payload[:len(payload)-sha256.Size]
	sig := payload[len(payload)-sha256.Size:]

	mac := hmac.New(sha256.New, l.integrityKey)
	mac.Write(data)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		l.compromised = true
		l.auditEvent("lockout_state_tampered", "", map[string]any{"reason": "hmac mismatch"})
		return
	}

	var state lockoutState
	if err := json.Unmarshal(data, &state); err != nil {
		l.compromised = true
		l.auditEvent("lockout_state_tampered", "", map[string]any{"reason": "malformed json"})
		return
	}
	if state.Attempts != nil {
		l.attempts = state.Attempts
	}
}

// saveStateLocked persists state atomically with the HMAC trailer.
// Caller holds the lock. Persistence failure is logged, not fatal: the
// in-memory state remains authoritative for this process.
func (l *Lockout) saveStateLocked() {
	if l.persistPath == "" || l.integrityKey == nil {
		return
	}

	data, err := json.Marshal(lockoutState{Attempts: l.attempts, SavedAt: time.Now().UTC()})
	if err != nil {
		return
	}

	mac := hmac.New(sha256.New, l.integrityKey)
	mac.Write(data)
	payload := append(data, mac.Sum(nil)...)

	if err := util.AtomicWriteFile(l.persistPath, payload, 0600); err != nil {
		l.auditEvent("lockout_state_save_failed", "", map[string]any{"error": err.Error()})
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// maskIdentifier keeps enough of an identifier to correlate events
// without writing the full value into the audit trail.
func maskIdentifier(id string) string {
	if len(id) <= 4 {
		return "****"
	}
	return id[:4] + fmt.Sprintf("***(%d)", len(id))
}

func (l *Lockout) auditEvent(action, identifier string, metadata map[string]any) {
	if l.audit == nil {
		return
	}
	if identifier != "" {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["identifier"] = maskIdentifier(identifier)
	}
	l.audit.Security(action, "", false, metadata)
}
