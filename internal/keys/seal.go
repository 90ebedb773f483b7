package keys

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// Seed encryption at rest: scrypt-derived key, NaCl secretbox.
// Blob layout: salt(16) || nonce(24) || box.
const (
	saltSize  = 16
	nonceSize = 24

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

func sealSeed(seed []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer zero(key[:])

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+nonceSize+len(seed)+secretbox.Overhead)
	out = append(out, salt...)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, seed, &nonce, key), nil
}

func openSeed(blob []byte, passphrase string) ([]byte, error) {
	if len(blob) < saltSize+nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("malformed encrypted seed")
	}

	key, err := deriveKey(passphrase, blob[:saltSize])
	if err != nil {
		return nil, err
	}
	defer zero(key[:])

	var nonce [nonceSize]byte
	copy(nonce[:], blob[saltSize:saltSize+nonceSize])

	seed, ok := secretbox.Open(nil, blob[saltSize+nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrWrongPassphrase
	}
	return seed, nil
}

func deriveKey(passphrase string, salt []byte) (*[32]byte, error) {
	raw, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	var key [32]byte
	copy(key[:], raw)
	zero(raw)
	return &key, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
