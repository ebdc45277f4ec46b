// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// Signed-token wire format: base64url(JSON(payload + iat + exp)) + "." +
// hex(HMAC-SHA-256 of the first part). iat/exp are Unix milliseconds.

// Reason codes for token verification failure. Callers get a code, not a
// detailed explanation, so a rejected token leaks nothing about why.
const (
	TokenErrMalformed    = "malformed"
	TokenErrBadSignature = "bad_signature"
	TokenErrExpired      = "expired"
)

// TokenResult is the outcome of VerifySignedToken.
type TokenResult struct {
	Valid   bool
	Payload map[string]any
	ErrCode string
}

type tokenClaims struct {
	Payload  map[string]any `json:"payload"`
	IssuedAt int64          `json:"iat"`
	Expires  int64          `json:"exp"`
}

// SignedToken issues a signed token carrying payload, valid for ttl.
func SignedToken(payload map[string]any, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Payload:  payload,
		IssuedAt: now.UnixMilli(),
		Expires:  now.Add(ttl).UnixMilli(),
	}

	body, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	encoded := base64.RawURLEncoding.EncodeToString(body)
	signature := HMACSign([]byte(encoded), secret, SHA256)
	return encoded + "." + signature, nil
}

// VerifySignedToken validates a token issued by SignedToken.
//
// The signature is checked before any field of the decoded body is trusted,
// including exp: an attacker must not be able to probe expiry handling with
// unsigned input.
func VerifySignedToken(token string, secret []byte) TokenResult {
	encoded, signature, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || signature == "" {
		return TokenResult{ErrCode: TokenErrMalformed}
	}

	if !HMACVerify([]byte(encoded), signature, secret, SHA256) {
		return TokenResult{ErrCode: TokenErrBadSignature}
	}

	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return TokenResult{ErrCode: TokenErrMalformed}
	}

	var claims tokenClaims
	if err := json.Unmarshal(body, &claims); err != nil {
		return TokenResult{ErrCode: TokenErrMalformed}
	}

	if time.Now().UnixMilli() >= claims.Expires {
		return TokenResult{ErrCode: TokenErrExpired}
	}

	return TokenResult{Valid: true, Payload: claims.Payload}
}
