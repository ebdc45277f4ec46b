// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// Encoding selects the textual form of a random token.
type Encoding string

const (
	EncodingHex       Encoding = "hex"
	EncodingBase64URL Encoding = "base64url"
)

// RandomBytes returns n cryptographically secure random bytes.
// An entropy-source failure is not retried; callers treat it as fatal.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("entropy source failed: %w", err)
	}
	return b, nil
}

// RandomToken returns byteLen random bytes in the requested encoding.
// Unknown encodings fall back to hex, the safer default for log-adjacent
// values.
func RandomToken(byteLen int, enc Encoding) (string, error) {
	b, err := RandomBytes(byteLen)
	if err != nil {
		return "", err
	}
	switch enc {
	case EncodingBase64URL:
		return base64.RawURLEncoding.EncodeToString(b), nil
	default:
		return hex.EncodeToString(b), nil
	}
}

// GenerateSalt returns a fresh random salt for key derivation (32 bytes).
func GenerateSalt() ([]byte, error) {
	return RandomBytes(SaltSize)
}

// ZeroBytes overwrites b with zeros. Key material is zeroed after use to
// limit exposure via crash dumps.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
