// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package secrets

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/morganforge/trustcore/internal/audit"
	"github.com/morganforge/trustcore/internal/crypto"
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store is the backend contract. Implementations must be safe for
// concurrent use. Get returns ErrNotFound for absent keys so callers can
// distinguish "no such secret" from a backend failure.
type Store interface {
	Get(ctx context.Context, key string) (*Secret, error)
	Set(ctx context.Context, key, value string, tags []string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)

	// Healthy reports whether the backend can currently serve requests.
	Healthy(ctx context.Context) bool

	// Close releases backend connections.
	Close() error
}

// Backend names accepted by the factory.
const (
	BackendVault  = "vault"
	BackendEnv    = "env"
	BackendMemory = "memory"
)

// Options configures the store factory.
type Options struct {
	// Backend selects the implementation: vault, env, or memory.
	Backend string

	// Vault holds connection and auth settings for the vault backend.
	Vault VaultOptions

	// Redis, when set, mirrors the memory backend to a shared cache.
	Redis *redis.Client

	// EncryptionKey, when 32 bytes, seals values at rest. Empty disables
	// at-rest encryption (values stored as given).
	EncryptionKey []byte

	// Audit receives an access event for every store operation.
	Audit *audit.Logger
}

// NewStore selects a backend by name. The backend is fixed at construction;
// there is no runtime switching.
func NewStore(opts Options) (Store, error) {
	switch opts.Backend {
	case BackendVault:
		return NewVaultBackend(opts.Vault, opts.EncryptionKey, opts.Audit)
	case BackendEnv:
		return NewEnvBackend(opts.EncryptionKey, opts.Audit), nil
	case BackendMemory:
		return NewCacheBackend(opts.Redis, opts.EncryptionKey, opts.Audit), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}

// =============================================================================
// AT-REST SEALING
// =============================================================================

// sealValue encrypts a plaintext value for persistence. With no key
// configured the value passes through unchanged.
func sealValue(value string, key []byte) (string, error) {
	if len(key) == 0 {
		return value, nil
	}
	return crypto.EncryptString(value, key)
}

// openValue reverses sealValue. Values without the ciphertext marker pass
// through, which tolerates entries written before encryption was enabled.
func openValue(value string, key []byte) (string, error) {
	if len(key) == 0 {
		return value, nil
	}
	return crypto.DecryptString(value, key)
}

// =============================================================================
// AUDIT HELPER
// =============================================================================

// auditRef wraps an optional audit logger so the nil checks live in one
// place. The secret value never appears in any emitted event.
type auditRef struct {
	logger *audit.Logger
}

func newAuditRef(logger *audit.Logger) *auditRef {
	return &auditRef{logger: logger}
}

func (a *auditRef) access(action, key, backend string, success bool, err error) {
	if a == nil || a.logger == nil {
		return
	}
	event := audit.NewEvent(audit.PrefixAccess+action, key, success)
	event.Metadata = map[string]any{"backend": backend}
	if err != nil {
		event.Error = err.Error()
	}
	a.logger.Log(event)
}

func (a *auditRef) vaultOperation(action, path string, success bool) {
	if a == nil || a.logger == nil {
		return
	}
	a.logger.VaultOperation(action, path, success, nil)
}
