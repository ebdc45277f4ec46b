// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package trust

import (
	"net"
	"strings"
)

// =============================================================================
// TRUST LEVELS
// =============================================================================

// Level is the outcome of zero-trust scoring.
type Level string

const (
	TrustFull    Level = "full"
	TrustPartial Level = "partial"
	TrustNone    Level = "none"
)

// Operations grantable by trust level.
const (
	OpRead   = "read"
	OpWrite  = "write"
	OpDelete = "delete"
	OpAdmin  = "admin"
)

// allowedOperations maps a trust level to what it may do.
var allowedOperations = map[Level][]string{
	TrustFull:    {OpRead, OpWrite, OpDelete, OpAdmin},
	TrustPartial: {OpRead, OpWrite},
	TrustNone:    {OpRead},
}

// Decision is computed fresh per request and never persisted.
type Decision struct {
	Trust             Level
	Reasons           []string
	AllowedOperations []string
}

// Allows reports whether the decision grants op.
func (d Decision) Allows(op string) bool {
	for _, allowed := range d.AllowedOperations {
		if allowed == op {
			return true
		}
	}
	return false
}

// =============================================================================
// REQUEST SIGNALS
// =============================================================================

// Signals are the per-request inputs to trust scoring.
type Signals struct {
	// Authenticated is true when a valid session backs the request.
	Authenticated bool

	// Fingerprint is the request's derived fingerprint, empty when the
	// client supplied too little to compute one.
	Fingerprint string

	// FingerprintMismatch is true when the session carries a fingerprint
	// and the request's does not match it.
	FingerprintMismatch bool

	UserAgent string
	IP        string
}

// =============================================================================
// EVALUATION
// =============================================================================

// botMarkers flag automation in a user agent. Lowercase substring match.
var botMarkers = []string{
	"bot", "crawler", "spider", "scraper",
	"curl", "wget", "python-requests", "go-http-client",
}

func botLikeUserAgent(ua string) bool {
	if ua == "" {
		return true
	}
	lower := strings.ToLower(ua)
	for _, marker := range botMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// suspiciousIP reports private, loopback, or unparseable source addresses.
// Legitimate browsers arrive through a public address; a private source on
// an internet-facing service usually means a proxy stripped the real one.
func suspiciousIP(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return true
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

// Evaluate scores a request. It starts at full trust and downgrades one
// level per accumulated negative signal: one signal yields partial, two or
// more yield none. A fingerprint mismatch against the session is treated
// as two signals since it suggests token theft. Pure function, no I/O.
func Evaluate(s Signals) Decision {
	var reasons []string
	score := 0

	if !s.Authenticated {
		reasons = append(reasons, "missing authentication")
		score++
	}
	if s.Fingerprint == "" {
		reasons = append(reasons, "missing fingerprint")
		score++
	}
	if s.FingerprintMismatch {
		reasons = append(reasons, "fingerprint mismatch")
		score += 2
	}
	if botLikeUserAgent(s.UserAgent) {
		reasons = append(reasons, "bot-like user agent")
		score++
	}
	if suspiciousIP(s.IP) {
		reasons = append(reasons, "private or proxy source address")
		score++
	}

	level := TrustFull
	switch {
	case score >= 2:
		level = TrustNone
	case score == 1:
		level = TrustPartial
	}

	return Decision{
		Trust:             level,
		Reasons:           reasons,
		AllowedOperations: append([]string(nil), allowedOperations[level]...),
	}
}
