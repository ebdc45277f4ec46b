// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package trust

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const goodUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36"

func cleanSignals() Signals {
	return Signals{
		Authenticated: true,
		Fingerprint:   "abc123",
		UserAgent:     goodUA,
		IP:            "203.0.113.9",
	}
}

func TestEvaluateFullTrust(t *testing.T) {
	d := Evaluate(cleanSignals())

	assert.Equal(t, TrustFull, d.Trust)
	assert.Empty(t, d.Reasons)
	assert.ElementsMatch(t, []string{OpRead, OpWrite, OpDelete, OpAdmin}, d.AllowedOperations)
}

func TestEvaluateSingleSignalPartial(t *testing.T) {
	s := cleanSignals()
	s.Authenticated = false

	d := Evaluate(s)
	assert.Equal(t, TrustPartial, d.Trust)
	assert.Contains(t, d.Reasons, "missing authentication")
	assert.True(t, d.Allows(OpRead))
	assert.True(t, d.Allows(OpWrite))
	assert.False(t, d.Allows(OpDelete))
	assert.False(t, d.Allows(OpAdmin))
}

func TestEvaluateAccumulatedSignalsNone(t *testing.T) {
	s := cleanSignals()
	s.Authenticated = false
	s.UserAgent = "curl/8.0"

	d := Evaluate(s)
	assert.Equal(t, TrustNone, d.Trust)
	assert.Len(t, d.Reasons, 2)
	assert.True(t, d.Allows(OpRead))
	assert.False(t, d.Allows(OpWrite))
}

func TestEvaluateFingerprintMismatchIsStrong(t *testing.T) {
	s := cleanSignals()
	s.FingerprintMismatch = true

	// A mismatch alone drops straight to none: it suggests a stolen token.
	d := Evaluate(s)
	assert.Equal(t, TrustNone, d.Trust)
}

func TestEvaluateBotUserAgents(t *testing.T) {
	for _, ua := range []string{"", "Googlebot/2.1", "curl/8.0", "python-requests/2.31", "Scrapy/2.9 spider"} {
		s := cleanSignals()
		s.UserAgent = ua
		d := Evaluate(s)
		assert.NotEqual(t, TrustFull, d.Trust, "user agent %q must cost trust", ua)
	}
}

func TestEvaluateSuspiciousIPs(t *testing.T) {
	for _, ip := range []string{"", "not-an-ip", "10.1.2.3", "192.168.0.5", "172.16.9.1", "127.0.0.1", "169.254.1.1"} {
		s := cleanSignals()
		s.IP = ip
		d := Evaluate(s)
		assert.NotEqual(t, TrustFull, d.Trust, "ip %q must cost trust", ip)
	}
}

func TestEvaluatePublicIPIsClean(t *testing.T) {
	s := cleanSignals()
	s.IP = "198.51.100.7"
	assert.Equal(t, TrustFull, Evaluate(s).Trust)
}

func TestEvaluateIsPure(t *testing.T) {
	s := cleanSignals()
	first := Evaluate(s)
	second := Evaluate(s)
	assert.Equal(t, first, second)
}
