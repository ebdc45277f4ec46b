// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morganforge/trustcore/internal/crypto"
	"github.com/morganforge/trustcore/internal/secrets"
	"github.com/morganforge/trustcore/internal/session"
)

const (
	testIP = "203.0.113.9"
)

type gateFixture struct {
	gate     *Gate
	sessions *session.Manager
	secrets  *secrets.Manager
}

func newGateFixture(t *testing.T, cfg GateConfig) *gateFixture {
	t.Helper()

	sessionMgr, err := session.NewManager(session.NewMemoryStore(), session.Config{
		MaxAge:        time.Hour,
		SigningSecret: []byte("gate-test-secret"),
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sessionMgr.Close() })

	secretsMgr := secrets.NewManager(secrets.NewCacheBackend(nil, nil, nil), 0, nil, nil)
	require.True(t, secretsMgr.Initialize(context.Background()))
	t.Cleanup(func() { secretsMgr.Close() })

	if cfg.RatePerSecond == 0 {
		cfg.RatePerSecond = 1000
		cfg.RateBurst = 1000
	}
	return &gateFixture{
		gate:     NewGate(cfg, sessionMgr, secretsMgr, nil, nil, nil),
		sessions: sessionMgr,
		secrets:  secretsMgr,
	}
}

// authenticatedRequest builds a request carrying a valid session token
// whose fingerprint matches the request attributes.
func (f *gateFixture) authenticatedRequest(t *testing.T, operation string) (Request, *session.Session) {
	t.Helper()
	ctx := context.Background()

	fp := crypto.Fingerprint(goodUA, testIP, "en-US")
	sess, err := f.sessions.CreateSession(ctx, "u1", nil, fp)
	require.NoError(t, err)

	token, err := f.sessions.GenerateSessionToken(sess.ID)
	require.NoError(t, err)

	return Request{
		Operation:      operation,
		SessionToken:   token,
		CSRFToken:      sess.CSRFToken,
		IP:             testIP,
		UserAgent:      goodUA,
		AcceptLanguage: "en-US",
		Resource:       "vocab/deck",
	}, sess
}

func TestAuthorizeFullTrustAdmin(t *testing.T) {
	f := newGateFixture(t, GateConfig{RequireAuth: true})
	req, _ := f.authenticatedRequest(t, OpAdmin)

	res := f.gate.Authorize(context.Background(), req)
	assert.True(t, res.Allowed)
	assert.Equal(t, TrustFull, res.Decision.Trust)
	require.NotNil(t, res.Session)
	assert.Equal(t, "u1", res.Session.UserID)
}

func TestAuthorizeAnonymousReadOnly(t *testing.T) {
	f := newGateFixture(t, GateConfig{})

	req := Request{
		Operation:      OpRead,
		IP:             testIP,
		UserAgent:      goodUA,
		AcceptLanguage: "en-US",
	}
	res := f.gate.Authorize(context.Background(), req)
	assert.True(t, res.Allowed, "partial trust still reads")

	req.Operation = OpDelete
	res = f.gate.Authorize(context.Background(), req)
	assert.False(t, res.Allowed)
}

func TestAuthorizeRequireAuthRejectsNone(t *testing.T) {
	f := newGateFixture(t, GateConfig{RequireAuth: true})

	res := f.gate.Authorize(context.Background(), Request{
		Operation: OpRead,
		IP:        "10.0.0.1", // private
		UserAgent: "curl/8.0", // bot-like
	})
	assert.False(t, res.Allowed)
	assert.Equal(t, "insufficient trust", res.Reason)
}

func TestAuthorizeCSRFRequiredForMutations(t *testing.T) {
	f := newGateFixture(t, GateConfig{})
	req, _ := f.authenticatedRequest(t, OpWrite)

	req.CSRFToken = "forged"
	res := f.gate.Authorize(context.Background(), req)
	assert.False(t, res.Allowed)
	assert.Equal(t, "csrf validation failed", res.Reason)

	// Reads do not require the CSRF echo.
	req.Operation = OpRead
	res = f.gate.Authorize(context.Background(), req)
	assert.True(t, res.Allowed)
}

func TestAuthorizeGarbageTokenIsAnonymous(t *testing.T) {
	f := newGateFixture(t, GateConfig{})

	res := f.gate.Authorize(context.Background(), Request{
		Operation:      OpRead,
		SessionToken:   "complete-garbage",
		IP:             testIP,
		UserAgent:      goodUA,
		AcceptLanguage: "en-US",
	})
	assert.True(t, res.Allowed, "garbage token degrades to anonymous read")
	assert.Nil(t, res.Session)
	assert.NotEqual(t, TrustFull, res.Decision.Trust)
}

func TestAuthorizeDestroyedSessionIsAnonymous(t *testing.T) {
	f := newGateFixture(t, GateConfig{})
	req, sess := f.authenticatedRequest(t, OpDelete)

	require.NoError(t, f.sessions.DestroySession(context.Background(), sess.ID))

	res := f.gate.Authorize(context.Background(), req)
	assert.False(t, res.Allowed, "delete requires a live session")
}

func TestAuthorizeStolenTokenFingerprintMismatch(t *testing.T) {
	f := newGateFixture(t, GateConfig{RequireAuth: true})
	req, _ := f.authenticatedRequest(t, OpRead)

	// Same token presented from a different client.
	req.UserAgent = "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0"
	req.IP = "198.51.100.99"

	res := f.gate.Authorize(context.Background(), req)
	assert.False(t, res.Allowed)
}

func TestAuthorizeRateLimit(t *testing.T) {
	f := newGateFixture(t, GateConfig{RatePerSecond: 1, RateBurst: 2})

	req := Request{Operation: OpRead, IP: testIP, UserAgent: goodUA}
	allowed := 0
	for i := 0; i < 10; i++ {
		if f.gate.Authorize(context.Background(), req).Allowed {
			allowed++
		}
	}
	assert.LessOrEqual(t, allowed, 3, "burst must cap immediate requests")

	// A different source address has its own bucket.
	other := req
	other.IP = "198.51.100.80"
	assert.True(t, f.gate.Authorize(context.Background(), other).Allowed)
}

func TestAuthorizeLockout(t *testing.T) {
	lockout := NewLockout(WithMaxAttempts(2))
	sessionMgr, err := session.NewManager(session.NewMemoryStore(), session.Config{
		MaxAge:        time.Hour,
		SigningSecret: []byte("gate-test-secret"),
	}, nil, nil)
	require.NoError(t, err)
	defer sessionMgr.Close()

	gate := NewGate(GateConfig{RatePerSecond: 1000, RateBurst: 1000}, sessionMgr, nil, lockout, nil, nil)

	// Repeated garbage tokens accumulate failed attempts for the IP.
	req := Request{Operation: OpRead, SessionToken: "garbage", IP: testIP, UserAgent: goodUA}
	gate.Authorize(context.Background(), req)
	gate.Authorize(context.Background(), req)

	res := gate.Authorize(context.Background(), req)
	assert.False(t, res.Allowed)
	assert.Equal(t, "locked out", res.Reason)
}

func TestAuthorizeAPIKey(t *testing.T) {
	ctx := context.Background()
	f := newGateFixture(t, GateConfig{APIKeyPath: "auth/service_api_key", RequireAuth: true})
	require.NoError(t, f.secrets.SetSecret(ctx, "auth/service_api_key", "machine-credential"))

	req := Request{
		Operation:      OpAdmin,
		APIKey:         "machine-credential",
		IP:             testIP,
		UserAgent:      goodUA,
		AcceptLanguage: "en-US",
	}
	res := f.gate.Authorize(ctx, req)
	assert.True(t, res.Allowed, "valid api key authenticates a machine client")
	assert.Equal(t, TrustFull, res.Decision.Trust)

	req.APIKey = "wrong"
	res = f.gate.Authorize(ctx, req)
	assert.False(t, res.Allowed, "wrong key leaves the client anonymous, which cannot admin")
}

func TestApplyTunables(t *testing.T) {
	f := newGateFixture(t, GateConfig{RatePerSecond: 1, RateBurst: 1})

	req := Request{Operation: OpRead, IP: testIP, UserAgent: goodUA}
	require.True(t, f.gate.Authorize(context.Background(), req).Allowed)
	require.False(t, f.gate.Authorize(context.Background(), req).Allowed, "bucket drained")

	// Retune live. The drained bucket refills at the new rate; a fresh
	// identifier starts from the new burst immediately.
	f.gate.ApplyTunables(1000, 1000, true)
	fresh := req
	fresh.IP = "198.51.100.40"
	assert.True(t, f.gate.Authorize(context.Background(), fresh).Allowed)

	// require_auth now rejects a fully anonymous bot.
	res := f.gate.Authorize(context.Background(), Request{
		Operation: OpRead,
		IP:        "10.0.0.1",
		UserAgent: "curl/8.0",
	})
	assert.False(t, res.Allowed)
}

func TestRateLimiterIsolation(t *testing.T) {
	rl := NewRateLimiter(1, 1)

	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"), "bucket for a is drained")
	assert.True(t, rl.Allow("b"), "b has its own bucket")
	assert.Equal(t, 2, rl.Tracked())
}
