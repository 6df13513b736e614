package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrSignatureMismatch indicates the envelope's integrity tag does not
	// verify. The envelope must be dropped, never persisted.
	ErrSignatureMismatch = errors.New("envelope signature mismatch")
	// ErrDecryptionFailed indicates a malformed or corrupted envelope.
	ErrDecryptionFailed = errors.New("envelope decryption failed")
)

// MaxPlaintextSize is the maximum plaintext size for a single message.
const MaxPlaintextSize = 32 * 1024

const infoMessageKey = "hushbox/v1/message-key"

// Engine encrypts and decrypts message payloads for a contact given the
// long-lived shared secret seed. It is an interface so a forward-secure
// ratchet can replace the static scheme without touching transport or
// storage.
type Engine interface {
	// Encrypt seals plaintext into an envelope addressed from sender to
	// recipient, keyed off the contact's shared secret seed.
	Encrypt(plaintext []byte, seed [32]byte, messageID [16]byte, sender, recipient [32]byte) (*Envelope, error)
	// Decrypt verifies and opens an envelope using the same seed. It fails
	// closed: the integrity tag is checked before any decryption happens.
	Decrypt(env *Envelope, seed [32]byte) ([]byte, error)
}

// StaticEngine derives an independent key for every message from the
// contact's long-lived seed plus a fresh random salt. The seed itself is
// static, so this scheme has no forward secrecy; see the Engine interface
// for how a ratchet slots in.
type StaticEngine struct{}

// NewStaticEngine creates the default per-message-key engine.
func NewStaticEngine() *StaticEngine {
	return &StaticEngine{}
}

// messageKeys expands the seed and salt into an encryption key and a
// separate MAC key.
func messageKeys(seed [32]byte, salt []byte) (encKey, macKey []byte, err error) {
	r := hkdf.New(sha256.New, seed[:], salt, []byte(infoMessageKey))
	keys := make([]byte, 2*KeySize)
	if _, err := io.ReadFull(r, keys); err != nil {
		return nil, nil, fmt.Errorf("message key derivation: %w", err)
	}
	return keys[:KeySize], keys[KeySize:], nil
}

// Encrypt implements Engine.
func (se *StaticEngine) Encrypt(plaintext []byte, seed [32]byte, messageID [16]byte, sender, recipient [32]byte) (*Envelope, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("empty plaintext")
	}
	if len(plaintext) > MaxPlaintextSize {
		return nil, fmt.Errorf("plaintext too large: %d bytes (max %d)", len(plaintext), MaxPlaintextSize)
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate message salt: %w", err)
	}

	encKey, macKey, err := messageKeys(seed, salt)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(encKey)
	defer ZeroBytes(macKey)

	aead, err := chacha20poly1305.New(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Nonce travels prepended to the ciphertext so the envelope needs no
	// extra field for it.
	ciphertext := aead.Seal(nonce, nonce, plaintext, messageID[:])

	// Keyed integrity tag over the full ciphertext. Redundant with the
	// AEAD tag, but cheap, and lets Decrypt fail closed before touching
	// the cipher at all.
	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)

	env := &Envelope{
		MessageID:    messageID,
		SenderRef:    sender,
		RecipientRef: recipient,
		Ciphertext:   ciphertext,
		Salt:         salt,
		Signature:    mac.Sum(nil),
		Timestamp:    time.Now().UnixMilli(),
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Encrypt",
		"message_id": fmt.Sprintf("%x", messageID[:4]),
		"size":       len(ciphertext),
	}).Debug("Message sealed")

	return env, nil
}

// Decrypt implements Engine.
func (se *StaticEngine) Decrypt(env *Envelope, seed [32]byte) ([]byte, error) {
	if env == nil {
		return nil, ErrDecryptionFailed
	}
	if len(env.Salt) != SaltSize || len(env.Signature) != sha256.Size {
		return nil, ErrDecryptionFailed
	}

	encKey, macKey, err := messageKeys(seed, env.Salt)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	defer ZeroBytes(encKey)
	defer ZeroBytes(macKey)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(env.Ciphertext)
	if !hmac.Equal(mac.Sum(nil), env.Signature) {
		return nil, ErrSignatureMismatch
	}

	aead, err := chacha20poly1305.New(encKey)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(env.Ciphertext) < aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}

	nonce := env.Ciphertext[:aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, env.Ciphertext[aead.NonceSize():], env.MessageID[:])
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}
