// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint derives a deterministic hash of request characteristics.
// It is a weak corroborating signal only: two clients behind the same proxy
// with the same browser collide, and a client that changes networks drifts.
// Never use it as a sole identity.
func Fingerprint(userAgent, ip, acceptLanguage string) string {
	joined := strings.Join([]string{userAgent, ip, acceptLanguage}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}
