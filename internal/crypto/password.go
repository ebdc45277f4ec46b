// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"hash"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the PBKDF2 iteration count used when callers do
	// not specify one. The floor is MinIterations; requests below it are
	// raised, never honored.
	DefaultIterations = 100000

	// MinIterations is the minimum accepted PBKDF2 iteration count.
	MinIterations = 100000

	// PasswordSaltSize is the salt length for password hashing (16 bytes
	// minimum per the contract; we use 32).
	PasswordSaltSize = 32

	// passwordKeyLen is the derived hash length in bytes.
	passwordKeyLen = 32
)

// HashAlgorithm names the digest backing PBKDF2.
type HashAlgorithm string

const (
	SHA256 HashAlgorithm = "sha256"
	SHA512 HashAlgorithm = "sha512"
)

func (a HashAlgorithm) hashFunc() func() hash.Hash {
	if a == SHA512 {
		return sha512.New
	}
	return sha256.New
}

// ErrEmptyPassword is returned when hashing is requested for an empty string.
var ErrEmptyPassword = errors.New("password must not be empty")

// PasswordHash is the result of HashPassword. Hash and Salt are hex-encoded
// so they can be persisted as text columns.
type PasswordHash struct {
	Hash       string        `json:"hash"`
	Salt       string        `json:"salt"`
	Algorithm  HashAlgorithm `json:"algorithm"`
	Iterations int           `json:"iterations"`
}

// HashPassword derives a PBKDF2 hash with a fresh random salt per call.
// Iteration counts below MinIterations are raised to the floor.
func HashPassword(password string, iterations int, algorithm HashAlgorithm) (PasswordHash, error) {
	if password == "" {
		return PasswordHash{}, ErrEmptyPassword
	}
	if iterations < MinIterations {
		iterations = MinIterations
	}
	if algorithm == "" {
		algorithm = SHA256
	}

	salt, err := RandomBytes(PasswordSaltSize)
	if err != nil {
		return PasswordHash{}, err
	}

	derived := pbkdf2.Key([]byte(password), salt, iterations, passwordKeyLen, algorithm.hashFunc())

	return PasswordHash{
		Hash:       hex.EncodeToString(derived),
		Salt:       hex.EncodeToString(salt),
		Algorithm:  algorithm,
		Iterations: iterations,
	}, nil
}

// VerifyPassword recomputes the PBKDF2 hash and compares in constant time.
// Malformed hex input yields false, never an error: a corrupted stored hash
// is an authentication failure, not a crash.
func VerifyPassword(password, hashHex, saltHex string, iterations int, algorithm HashAlgorithm) bool {
	if password == "" || iterations <= 0 {
		return false
	}
	if algorithm == "" {
		algorithm = SHA256
	}

	expected, err := hex.DecodeString(hashHex)
	if err != nil || len(expected) == 0 {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil || len(salt) == 0 {
		return false
	}

	derived := pbkdf2.Key([]byte(password), salt, iterations, len(expected), algorithm.hashFunc())
	return subtle.ConstantTimeCompare(derived, expected) == 1
}

// ConstantTimeEquals compares two byte slices without leaking the position
// of the first mismatch through timing.
func ConstantTimeEquals(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
