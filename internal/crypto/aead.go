// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length (32 bytes).
	KeySize = 32

	// NonceSize is the GCM nonce length (12 bytes / 96 bits).
	NonceSize = 12

	// TagSize is the GCM authentication tag length (16 bytes).
	TagSize = 16

	// SaltSize is the salt length for storage-key derivation (32 bytes).
	SaltSize = 32

	// StorageKeyIterations is the PBKDF2 iteration count for deriving a
	// storage key from a configured passphrase. OWASP recommends 600k+ for
	// PBKDF2-SHA-256.
	StorageKeyIterations = 600000

	// EncryptedPrefix marks an encoded value as ciphertext:
	// ENC:base64(nonce || ciphertext || tag).
	EncryptedPrefix = "ENC:"
)

var (
	// ErrInvalidKeySize indicates the key is not 32 bytes.
	ErrInvalidKeySize = errors.New("encryption key must be 32 bytes")

	// ErrInvalidCiphertext indicates the ciphertext structure is malformed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")

	// ErrDecryptionFailed indicates a wrong key or tampered data. No partial
	// plaintext is ever returned alongside it.
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")
)

// Encrypted carries the three AEAD output components separately so callers
// that persist them in distinct fields can do so without re-parsing.
type Encrypted struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	Tag        []byte `json:"tag"`
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random nonce.
func Encrypt(plaintext, key []byte) (Encrypted, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return Encrypted{}, err
	}

	nonce, err := RandomBytes(NonceSize)
	if err != nil {
		return Encrypted{}, err
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	if len(sealed) < TagSize {
		return Encrypted{}, ErrInvalidCiphertext
	}

	return Encrypted{
		Ciphertext: sealed[:len(sealed)-TagSize],
		IV:         nonce,
		Tag:        sealed[len(sealed)-TagSize:],
	}, nil
}

// Decrypt opens an AEAD envelope. It fails closed: any tag mismatch returns
// ErrDecryptionFailed and no plaintext.
func Decrypt(enc Encrypted, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(enc.IV) != NonceSize || len(enc.Tag) != TagSize {
		return nil, ErrInvalidCiphertext
	}

	sealed := make([]byte, 0, len(enc.Ciphertext)+len(enc.Tag))
	sealed = append(sealed, enc.Ciphertext...)
	sealed = append(sealed, enc.Tag...)

	plaintext, err := gcm.Open(nil, enc.IV, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// EncryptString seals a string and encodes it as
// ENC:base64(nonce || ciphertext || tag), the at-rest format the secret
// backends persist.
func EncryptString(plaintext string, key []byte) (string, error) {
	enc, err := Encrypt([]byte(plaintext), key)
	if err != nil {
		return "", err
	}
	packed := make([]byte, 0, NonceSize+len(enc.Ciphertext)+TagSize)
	packed = append(packed, enc.IV...)
	packed = append(packed, enc.Ciphertext...)
	packed = append(packed, enc.Tag...)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(packed), nil
}

// DecryptString reverses EncryptString. Values without the ENC: prefix are
// returned unchanged so backends can hold a mix of encrypted and legacy
// plaintext entries during migration.
func DecryptString(value string, key []byte) (string, error) {
	if !strings.HasPrefix(value, EncryptedPrefix) {
		return value, nil
	}

	packed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(packed) < NonceSize+TagSize {
		return "", ErrInvalidCiphertext
	}

	enc := Encrypted{
		IV:         packed[:NonceSize],
		Ciphertext: packed[NonceSize : len(packed)-TagSize],
		Tag:        packed[len(packed)-TagSize:],
	}
	plaintext, err := Decrypt(enc, key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a stored value carries the ENC: marker.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// DeriveStorageKey turns a configured passphrase into a 32-byte AEAD key
// using PBKDF2-SHA-256.
func DeriveStorageKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, StorageKeyIterations, KeySize, sha256.New)
}
