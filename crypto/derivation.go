package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// SaltSize is the size of the persisted derivation salt.
	SaltSize = 16
	// KeySize is the size of every derived key.
	KeySize = 32
	// UserIDSize is the size of the deterministic user identifier.
	UserIDSize = 16

	// Argon2id parameters: 64 MiB memory, 3 passes. GPU-resistant per the
	// threat model; changing these invalidates every existing identity.
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// Domain-separation info strings for HKDF expansion. Each derived key gets
// its own label so compromise of one never reveals the others.
const (
	infoUserID       = "hushbox/v1/user-id"
	infoRealStorage  = "hushbox/v1/storage-real"
	infoDecoyStorage = "hushbox/v1/storage-decoy"
	infoSigning      = "hushbox/v1/signing"
)

// DerivedKeys holds every key derived from a single unlock secret.
// Callers must Wipe the struct once the keys have been handed off.
type DerivedKeys struct {
	UserID          [UserIDSize]byte
	RealStorageKey  [KeySize]byte
	DecoyStorageKey [KeySize]byte
	SigningSeed     [KeySize]byte
}

// GenerateSalt creates a new random derivation salt. The salt is not
// secret; it only binds the derivation to this installation.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKeys stretches a user secret into the full identity key set.
// Derivation is deterministic for a given (secret, salt) pair and never
// fails on a "wrong" secret — whether a secret is correct is decided one
// level up by attempting to open a store with the resulting key.
func DeriveKeys(secret, salt []byte) (*DerivedKeys, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty secret")
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("invalid salt size: %d (want %d)", len(salt), SaltSize)
	}

	logrus.WithFields(logrus.Fields{
		"function": "DeriveKeys",
		"mem_kib":  argonMemory,
		"passes":   argonTime,
	}).Debug("Stretching unlock secret")

	master := argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, KeySize)
	defer ZeroBytes(master)

	dk := &DerivedKeys{}
	if err := expandKey(master, salt, infoUserID, dk.UserID[:]); err != nil {
		return nil, err
	}
	if err := expandKey(master, salt, infoRealStorage, dk.RealStorageKey[:]); err != nil {
		return nil, err
	}
	if err := expandKey(master, salt, infoDecoyStorage, dk.DecoyStorageKey[:]); err != nil {
		return nil, err
	}
	if err := expandKey(master, salt, infoSigning, dk.SigningSeed[:]); err != nil {
		return nil, err
	}

	return dk, nil
}

// expandKey fills out with HKDF-SHA256 output bound to the given label.
func expandKey(master, salt []byte, info string, out []byte) error {
	r := hkdf.New(sha256.New, master, salt, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("hkdf expand %q: %w", info, err)
	}
	return nil
}

// Wipe erases all key material held by the struct.
func (dk *DerivedKeys) Wipe() {
	if dk == nil {
		return
	}
	ZeroBytes(dk.UserID[:])
	ZeroBytes(dk.RealStorageKey[:])
	ZeroBytes(dk.DecoyStorageKey[:])
	ZeroBytes(dk.SigningSeed[:])
}
