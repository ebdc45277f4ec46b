// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package crypto implements the stateless cryptographic primitives the core
// is built on: random token generation, PBKDF2 password hashing, HMAC
// signing, AES-256-GCM authenticated encryption, signed expiring tokens, and
// request fingerprinting.
//
// Every function here is pure with respect to process state. Failure to read
// the entropy source is the only fatal condition; everything else resolves to
// an error value or a boolean, never a panic.
//
// All expiry comparisons in this package and its consumers treat
// "now >= deadline" as expired so that renewal races cannot extend a token by
// a boundary instant.
package crypto
