// Package crypto implements the cryptographic primitives for hushbox.
//
// This package handles key derivation from user secrets, identity key
// pairs, shared-secret agreement, and per-message envelope encryption
// using the primitives in Go's x/crypto packages.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(keys.Public[:]))
package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
)

// KeyPair represents an X25519 key pair used for contact key agreement.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, err
	}
	return FromSeed(priv)
}

// FromSeed derives a key pair deterministically from 32 bytes of seed
// material. The same seed always yields the same pair, which is what ties
// a re-derived identity to the same public key across unlocks.
func FromSeed(seed [32]byte) (*KeyPair, error) {
	if isZeroKey(seed) {
		return nil, errors.New("invalid seed: all zeros")
	}

	var priv [32]byte
	copy(priv[:], seed[:])

	// Standard X25519 clamping.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)

	return &KeyPair{
		Public:  pub,
		Private: priv,
	}, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
