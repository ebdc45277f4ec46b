// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
)

// HMACSign computes an HMAC over data and returns it hex-encoded.
func HMACSign(data, secret []byte, algorithm HashAlgorithm) string {
	var mac []byte
	switch algorithm {
	case SHA512:
		m := hmac.New(sha512.New, secret)
		m.Write(data)
		mac = m.Sum(nil)
	default:
		m := hmac.New(sha256.New, secret)
		m.Write(data)
		mac = m.Sum(nil)
	}
	return hex.EncodeToString(mac)
}

// HMACVerify recomputes the HMAC and compares in constant time.
// A malformed hex signature is a verification failure, not an error.
func HMACVerify(data []byte, signatureHex string, secret []byte, algorithm HashAlgorithm) bool {
	provided, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	expected, err := hex.DecodeString(HMACSign(data, secret, algorithm))
	if err != nil {
		return false
	}
	return hmac.Equal(provided, expected)
}
