// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/morganforge/trustcore/internal/audit"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// DefaultVaultTimeout bounds every remote call so a Vault outage degrades
// to "secret unavailable" instead of hanging the request.
const DefaultVaultTimeout = 10 * time.Second

// DefaultVaultMount is the KV v2 mount path.
const DefaultVaultMount = "secret"

// ErrVaultAuth indicates Vault rejected or lacks credentials.
var ErrVaultAuth = errors.New("vault authentication failed")

// =============================================================================
// VAULT BACKEND
// =============================================================================

// VaultOptions configures the remote secret-management backend.
type VaultOptions struct {
	// Address is the Vault base URL, e.g. https://vault.internal:8200.
	Address string

	// Token authenticates directly when set.
	Token string

	// RoleID and SecretID perform an AppRole login when Token is empty.
	RoleID   string
	SecretID string

	// Mount is the KV v2 mount path. Defaults to "secret".
	Mount string

	// Timeout bounds each HTTP call. Defaults to DefaultVaultTimeout.
	Timeout time.Duration
}

// VaultBackend stores secrets in a remote Vault KV v2 mount.
//
// Authentication is lazy: the constructor never performs network I/O, and
// an AppRole login happens on the first call that needs a token. A failed
// login is retried on the next call.
type VaultBackend struct {
	addr     string
	mount    string
	roleID   string
	secretID string

	client *http.Client
	encKey []byte
	audit  *auditRef

	mu    sync.Mutex
	token string
}

// NewVaultBackend validates configuration and builds the client without
// touching the network.
func NewVaultBackend(opts VaultOptions, encKey []byte, logger *audit.Logger) (*VaultBackend, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrVaultAuth)
	}
	if opts.Token == "" && (opts.RoleID == "" || opts.SecretID == "") {
		return nil, fmt.Errorf("%w: token or role-id/secret-id pair is required", ErrVaultAuth)
	}

	mount := opts.Mount
	if mount == "" {
		mount = DefaultVaultMount
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultVaultTimeout
	}

	return &VaultBackend{
		addr:     strings.TrimRight(opts.Address, "/"),
		mount:    mount,
		roleID:   opts.RoleID,
		secretID: opts.SecretID,
		token:    opts.Token,
		client:   &http.Client{Timeout: timeout},
		encKey:   encKey,
		audit:    newAuditRef(logger),
	}, nil
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

// ensureToken performs an AppRole login if no token is held yet.
func (v *VaultBackend) ensureToken(ctx context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.token != "" {
		return v.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"role_id":   v.roleID,
		"secret_id": v.secretID,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVaultAuth, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.addr+"/v1/auth/approle/login", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVaultAuth, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: approle login returned %d", ErrVaultAuth, resp.StatusCode)
	}

	var login struct {
		Auth struct {
			ClientToken string `json:"client_token"`
		} `json:"auth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return "", fmt.Errorf("%w: %v", ErrVaultAuth, err)
	}
	if login.Auth.ClientToken == "" {
		return "", fmt.Errorf("%w: empty client token", ErrVaultAuth)
	}

	v.token = login.Auth.ClientToken
	v.audit.vaultOperation("approle_login", "auth/approle/login", true)
	return v.token, nil
}

// do issues an authenticated request and returns the response body for
// 2xx statuses. 404 maps to ErrNotFound, everything else to
// ErrBackendUnavailable.
func (v *VaultBackend) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	token, err := v.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, v.addr+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	req.Header.Set("X-Vault-Token", token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusForbidden:
		// Token may have expired; drop it so the next call re-authenticates.
		v.mu.Lock()
		if v.roleID != "" {
			v.token = ""
		}
		v.mu.Unlock()
		return nil, fmt.Errorf("%w: vault returned 403", ErrVaultAuth)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: vault returned %d", ErrBackendUnavailable, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// =============================================================================
// STORE OPERATIONS (KV v2)
// =============================================================================

// Keys are slash-separated paths (provider/openai), so segments are
// escaped individually to keep the separators intact.
func escapeKeyPath(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func (v *VaultBackend) dataPath(key string) string {
	return "/v1/" + v.mount + "/data/" + escapeKeyPath(key)
}

func (v *VaultBackend) metadataPath(key string) string {
	return "/v1/" + v.mount + "/metadata/" + escapeKeyPath(key)
}

// Get reads a secret from the KV v2 data envelope.
func (v *VaultBackend) Get(ctx context.Context, key string) (*Secret, error) {
	body, err := v.do(ctx, http.MethodGet, v.dataPath(key), nil)
	if err != nil {
		v.audit.access("get", key, BackendVault, false, err)
		return nil, err
	}

	var envelope struct {
		Data struct {
			Data     map[string]string `json:"data"`
			Metadata struct {
				CreatedTime time.Time `json:"created_time"`
				Version     uint      `json:"version"`
			} `json:"metadata"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		v.audit.access("get", key, BackendVault, false, err)
		return nil, fmt.Errorf("%w: malformed vault response", ErrBackendUnavailable)
	}

	sealed, ok := envelope.Data.Data["value"]
	if !ok {
		v.audit.access("get", key, BackendVault, false, ErrNotFound)
		return nil, ErrNotFound
	}

	value, err := openValue(sealed, v.encKey)
	if err != nil {
		v.audit.access("get", key, BackendVault, false, err)
		return nil, err
	}

	v.audit.access("get", key, BackendVault, true, nil)
	return &Secret{
		Value: value,
		Metadata: Metadata{
			Created: envelope.Data.Metadata.CreatedTime,
			Updated: envelope.Data.Metadata.CreatedTime,
			Version: envelope.Data.Metadata.Version,
		},
	}, nil
}

// Set writes a secret. Vault handles version increments natively.
func (v *VaultBackend) Set(ctx context.Context, key, value string, tags []string) error {
	sealed, err := sealValue(value, v.encKey)
	if err != nil {
		v.audit.access("set", key, BackendVault, false, err)
		return err
	}

	data := map[string]string{"value": sealed}
	if len(tags) > 0 {
		data["tags"] = strings.Join(tags, ",")
	}

	_, err = v.do(ctx, http.MethodPost, v.dataPath(key), map[string]any{"data": data})
	v.audit.access("set", key, BackendVault, err == nil, err)
	return err
}

// Delete removes all versions of the secret.
func (v *VaultBackend) Delete(ctx context.Context, key string) error {
	_, err := v.do(ctx, http.MethodDelete, v.metadataPath(key), nil)
	v.audit.access("delete", key, BackendVault, err == nil, err)
	return err
}

// List returns key names under prefix.
func (v *VaultBackend) List(ctx context.Context, prefix string) ([]string, error) {
	path := "/v1/" + v.mount + "/metadata/" + prefix + "?list=true"
	body, err := v.do(ctx, http.MethodGet, path, nil)
	if errors.Is(err, ErrNotFound) {
		// An empty mount lists as 404; that is an empty result, not a failure.
		v.audit.access("list", prefix, BackendVault, true, nil)
		return []string{}, nil
	}
	if err != nil {
		v.audit.access("list", prefix, BackendVault, false, err)
		return nil, err
	}

	var envelope struct {
		Data struct {
			Keys []string `json:"keys"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		v.audit.access("list", prefix, BackendVault, false, err)
		return nil, fmt.Errorf("%w: malformed vault response", ErrBackendUnavailable)
	}

	v.audit.access("list", prefix, BackendVault, true, nil)
	return envelope.Data.Keys, nil
}

// Exists probes for the key without decrypting the value.
func (v *VaultBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := v.do(ctx, http.MethodGet, v.metadataPath(key), nil)
	if errors.Is(err, ErrNotFound) {
		v.audit.access("exists", key, BackendVault, true, nil)
		return false, nil
	}
	if err != nil {
		v.audit.access("exists", key, BackendVault, false, err)
		return false, err
	}
	v.audit.access("exists", key, BackendVault, true, nil)
	return true, nil
}

// Healthy probes /v1/sys/health: usable means initialized and unsealed.
func (v *VaultBackend) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.addr+"/v1/sys/health", nil)
	if err != nil {
		return false
	}

	resp, err := v.client.Do(req)
	if err != nil {
		v.audit.vaultOperation("health", "sys/health", false)
		return false
	}
	defer resp.Body.Close()

	var health struct {
		Initialized bool `json:"initialized"`
		Sealed      bool `json:"sealed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false
	}

	ok := health.Initialized && !health.Sealed
	v.audit.vaultOperation("health", "sys/health", ok)
	return ok
}

// Close drops the held token.
func (v *VaultBackend) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.token = ""
	v.client.CloseIdleConnections()
	return nil
}
