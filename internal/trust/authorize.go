// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package trust

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/morganforge/trustcore/internal/audit"
	"github.com/morganforge/trustcore/internal/crypto"
	"github.com/morganforge/trustcore/internal/secrets"
	"github.com/morganforge/trustcore/internal/session"
)

// =============================================================================
// GATE
// =============================================================================

// GateConfig tunes the request gate.
type GateConfig struct {
	// RatePerSecond and RateBurst configure the per-IP limiter.
	RatePerSecond float64
	RateBurst     int

	// RequireAuth rejects any request scoring TrustNone.
	RequireAuth bool

	// APIKeyPath, when set, names a stored secret that service clients may
	// present instead of a session (machine-to-machine access).
	APIKeyPath string
}

// Gate authorizes one unit of work per call. It owns no session or secret
// state; everything round-trips through the injected managers.
type Gate struct {
	cfg      GateConfig
	sessions *session.Manager
	secrets  *secrets.Manager
	limiter  *RateLimiter
	lockout  *Lockout
	audit    *audit.Logger
	zlog     *zap.Logger

	requireAuth atomic.Bool
}

// NewGate wires the gate. secretsMgr, auditLog, and zlog may be nil;
// lockout may be nil to disable lockout tracking.
func NewGate(cfg GateConfig, sessionMgr *session.Manager, secretsMgr *secrets.Manager, lockout *Lockout, auditLog *audit.Logger, zlog *zap.Logger) *Gate {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if zlog == nil {
		zlog = zap.NewNop()
	}
	g := &Gate{
		cfg:      cfg,
		sessions: sessionMgr,
		secrets:  secretsMgr,
		limiter:  NewRateLimiter(cfg.RatePerSecond, cfg.RateBurst),
		lockout:  lockout,
		audit:    auditLog,
		zlog:     zlog,
	}
	g.requireAuth.Store(cfg.RequireAuth)
	return g
}

// ApplyTunables adjusts the runtime-tunable knobs, typically after a
// config reload. Safe to call while requests are in flight.
func (g *Gate) ApplyTunables(ratePerSecond float64, rateBurst int, requireAuth bool) {
	if ratePerSecond > 0 && rateBurst > 0 {
		g.limiter.SetLimit(ratePerSecond, rateBurst)
	}
	g.requireAuth.Store(requireAuth)
}

// =============================================================================
// REQUEST / RESULT
// =============================================================================

// Request carries everything the gate needs to authorize one operation.
type Request struct {
	// Operation is what the caller wants to do: read, write, delete, admin.
	Operation string

	// SessionToken is the signed token from the session cookie, if any.
	SessionToken string

	// CSRFToken must echo the session's token for mutating operations.
	CSRFToken string

	// APIKey is an alternative machine credential checked against the
	// configured secret when no session is presented.
	APIKey string

	IP             string
	UserAgent      string
	AcceptLanguage string

	// Resource names what is being accessed, for the audit trail only.
	Resource string
}

func (r Request) mutating() bool {
	return r.Operation == OpWrite || r.Operation == OpDelete || r.Operation == OpAdmin
}

// Result is the gate's verdict.
type Result struct {
	Allowed  bool
	Reason   string
	Decision Decision
	Session  *session.Session
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

// Authorize evaluates one request: lockout, rate limit, session and CSRF
// validation, trust scoring, and operation mapping, in that order. Every
// denial is audited; no step panics on malformed input.
func (g *Gate) Authorize(ctx context.Context, req Request) Result {
	if g.lockout != nil && g.lockout.IsLocked(req.IP) {
		return g.deny(req, nil, "locked out")
	}

	if !g.limiter.Allow(req.IP) {
		return g.deny(req, nil, "rate limit exceeded")
	}

	sess, authenticated := g.resolveSession(ctx, req)

	if authenticated && req.mutating() && !g.sessions.ValidateCSRFToken(sess, req.CSRFToken) {
		g.recordAttempt(req.IP, false)
		return g.deny(req, sess, "csrf validation failed")
	}

	apiAuthenticated := g.apiKeyValid(ctx, req)

	fp := ""
	if req.UserAgent != "" && req.IP != "" {
		fp = crypto.Fingerprint(req.UserAgent, req.IP, req.AcceptLanguage)
	}

	decision := Evaluate(Signals{
		Authenticated:       authenticated || apiAuthenticated,
		Fingerprint:         fp,
		FingerprintMismatch: authenticated && sess.Fingerprint != "" && sess.Fingerprint != fp,
		UserAgent:           req.UserAgent,
		IP:                  req.IP,
	})

	if g.requireAuth.Load() && decision.Trust == TrustNone {
		g.recordAttempt(req.IP, false)
		return g.denyScored(req, sess, decision, "insufficient trust")
	}

	if !decision.Allows(req.Operation) {
		return g.denyScored(req, sess, decision, "operation not permitted at trust level")
	}

	// Only a successful authentication clears the failure streak; an
	// anonymous read must not launder repeated bad credentials.
	if authenticated || apiAuthenticated {
		g.recordAttempt(req.IP, true)
	}
	g.auditOutcome(req, sess, true, "")
	return Result{Allowed: true, Decision: decision, Session: sess}
}

// resolveSession parses the token and loads the session. Any failure
// yields unauthenticated rather than an error: a garbage token is a
// normal hostile input, not an exceptional condition.
func (g *Gate) resolveSession(ctx context.Context, req Request) (*session.Session, bool) {
	if g.sessions == nil || req.SessionToken == "" {
		return nil, false
	}

	id, ok := g.sessions.ParseSessionToken(req.SessionToken)
	if !ok {
		g.recordAttempt(req.IP, false)
		return nil, false
	}

	sess, err := g.sessions.GetSession(ctx, id)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			g.zlog.Warn("session lookup failed during authorization", zap.Error(err))
		}
		return nil, false
	}
	return sess, true
}

// apiKeyValid compares a presented machine credential against the stored
// secret in constant time.
func (g *Gate) apiKeyValid(ctx context.Context, req Request) bool {
	if g.secrets == nil || g.cfg.APIKeyPath == "" || req.APIKey == "" {
		return false
	}

	expected, err := g.secrets.GetSecret(ctx, g.cfg.APIKeyPath)
	if err != nil {
		// Secret unavailable means the credential cannot be verified;
		// fail closed.
		return false
	}
	ok := crypto.ConstantTimeEquals([]byte(expected), []byte(req.APIKey))
	if !ok {
		g.recordAttempt(req.IP, false)
		if g.audit != nil {
			g.audit.Security("api_key_mismatch", req.Resource, false, map[string]any{
				"ip": req.IP,
			})
		}
	}
	return ok
}

// =============================================================================
// HELPERS
// =============================================================================

func (g *Gate) recordAttempt(ip string, success bool) {
	if g.lockout == nil || ip == "" {
		return
	}
	// ErrLocked here just means the streak already tripped the lockout.
	_ = g.lockout.RecordAttempt(ip, success)
}

func (g *Gate) deny(req Request, sess *session.Session, reason string) Result {
	return g.denyScored(req, sess, Decision{
		Trust:             TrustNone,
		Reasons:           []string{reason},
		AllowedOperations: nil,
	}, reason)
}

func (g *Gate) denyScored(req Request, sess *session.Session, decision Decision, reason string) Result {
	g.auditOutcome(req, sess, false, reason)
	return Result{Allowed: false, Reason: reason, Decision: decision, Session: sess}
}

func (g *Gate) auditOutcome(req Request, sess *session.Session, allowed bool, reason string) {
	if g.audit == nil {
		return
	}
	metadata := map[string]any{
		"operation":  req.Operation,
		"ip":         req.IP,
		"user_agent": req.UserAgent,
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	event := audit.NewEvent(audit.PrefixAccess+"authorize", req.Resource, allowed)
	if sess != nil {
		event.UserID = sess.UserID
	}
	event.IP = req.IP
	event.UserAgent = req.UserAgent
	event.Metadata = metadata
	g.audit.Log(event)
}
