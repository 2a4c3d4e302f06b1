// Package crypto provides the cryptographic primitives for a caller's static
// identity (Ed25519 signing + X25519 exchange), the per-session AEAD channel
// derived from a completed handshake, and the low-level AES-256-GCM sealing
// the channel is built on.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

const (
	// NonceSize is the GCM standard nonce size (12 bytes).
	NonceSize = 12
	// KeySize is the required key length for AES-256-GCM (32 bytes).
	KeySize = 32
)

var (
	ErrInvalidKeySize     = fmt.Errorf("key must be exactly %d bytes", KeySize)
	ErrInvalidNonceSize   = fmt.Errorf("nonce must be exactly %d bytes", NonceSize)
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// newGCM builds an AES-256-GCM AEAD instance for key.
func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

// sealWithNonce encrypts plaintext under key using the caller-supplied 12-byte
// nonce. The nonce is transmitted alongside the ciphertext by the caller (the
// wire envelope is {nonce, ciphertext}); it is never embedded in the output.
func sealWithNonce(key, nonce, plaintext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonceSize
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

// openWithNonce decrypts a ciphertext produced by sealWithNonce using the
// same key and nonce. Authentication failure (tampering or wrong key) is
// reported as an opaque error; callers surface it as InvalidSignature.
func openWithNonce(key, nonce, ciphertext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonceSize
	}
	if len(ciphertext) == 0 {
		return nil, ErrCiphertextTooShort
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
