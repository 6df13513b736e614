package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// DeriveSharedSecret computes a shared secret between two parties using
// Elliptic Curve Diffie-Hellman (ECDH) on Curve25519. Both sides arrive at
// the same value, which seeds all per-message keys for the contact.
func DeriveSharedSecret(peerPublicKey, privateKey [32]byte) ([32]byte, error) {
	logrus.WithFields(logrus.Fields{
		"function":        "DeriveSharedSecret",
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
	}).Debug("Computing shared secret using ECDH")

	// Work on copies so the caller's key material is never modified.
	var privCopy [32]byte
	copy(privCopy[:], privateKey[:])

	shared, err := curve25519.X25519(privCopy[:], peerPublicKey[:])
	if err != nil {
		ZeroBytes(privCopy[:])
		return [32]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	var result [32]byte
	copy(result[:], shared)

	ZeroBytes(privCopy[:])
	ZeroBytes(shared)

	return result, nil
}
