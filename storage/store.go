// Package storage implements the encrypted local stores for hushbox.
//
// Every identity owns two independently keyed database files, "real" and
// "decoy". Each is a bbolt database whose record values are sealed with a
// 256-bit key before they touch disk; a canary record decides whether a
// candidate key actually opens a store. The DualStore state machine
// decides which of the two becomes active for a session.
package storage

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrKeyMismatch indicates the candidate key does not open this store.
	ErrKeyMismatch = errors.New("key does not open store")
	// ErrStorageCorrupted indicates the store file is damaged beyond opening.
	// Only this store is affected; its sibling remains reachable.
	ErrStorageCorrupted = errors.New("store corrupted")
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStoreExists indicates Create was called on an existing store file.
	ErrStoreExists = errors.New("store already exists")
)

// Bucket names for the record namespaces inside a store.
const (
	BucketMeta     = "meta"
	BucketContacts = "contacts"
	BucketMessages = "messages"
	BucketPending  = "pending"
)

const (
	canaryKey   = "canary"
	canaryValue = "hushbox-store-v1"
)

var storeBuckets = []string{BucketMeta, BucketContacts, BucketMessages, BucketPending}

// Store is one encrypted database file. All values are sealed with the
// store key; bucket keys are opaque identifiers (UUIDs), never plaintext
// user data.
type Store struct {
	db   *bolt.DB
	aead cipher.AEAD
	path string
}

// Create initializes a new store file keyed with the given key. It fails
// if the file already exists; unlock attempts must never create stores.
func Create(path string, key [32]byte) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, ErrStoreExists
	}
	return newStore(path, key, true)
}

// Open opens an existing store with a candidate key. A missing file and a
// wrong key both come back as ErrKeyMismatch so the caller cannot tell
// "no store" apart from "wrong key".
func Open(path string, key [32]byte) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, ErrKeyMismatch
	}
	return newStore(path, key, false)
}

func newStore(path string, key [32]byte, create bool) (*Store, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create store cipher: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageCorrupted, err)
	}

	s := &Store{db: db, aead: aead, path: path}

	if err := s.checkCanary(create); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// checkCanary verifies the store key by decrypting the canary record, or
// writes the canary when creating a fresh store.
func (s *Store) checkCanary(create bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range storeBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("%w: %v", ErrStorageCorrupted, err)
			}
		}

		meta := tx.Bucket([]byte(BucketMeta))
		sealed := meta.Get([]byte(canaryKey))

		if sealed == nil {
			if !create {
				return ErrKeyMismatch
			}
			out, err := s.seal([]byte(canaryValue))
			if err != nil {
				return err
			}
			return meta.Put([]byte(canaryKey), out)
		}

		plain, err := s.open(sealed)
		if err != nil || string(plain) != canaryValue {
			return ErrKeyMismatch
		}
		return nil
	})
}

// seal encrypts a record value with the store key. The nonce is prepended.
func (s *Store) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate record nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a sealed record value.
func (s *Store) open(sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, ErrStorageCorrupted
	}
	nonce := sealed[:s.aead.NonceSize()]
	plain, err := s.aead.Open(nil, nonce, sealed[s.aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: record decrypt failed", ErrStorageCorrupted)
	}
	return plain, nil
}

// Put seals and stores a record value.
func (s *Store) Put(bucket string, key, value []byte) error {
	sealed, err := s.seal(value)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("unknown bucket %q", bucket)
		}
		return b.Put(key, sealed)
	})
}

// Get retrieves and decrypts a record value.
func (s *Store) Get(bucket string, key []byte) ([]byte, error) {
	var plain []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("unknown bucket %q", bucket)
		}
		sealed := b.Get(key)
		if sealed == nil {
			return ErrNotFound
		}
		var err error
		plain, err = s.open(sealed)
		return err
	})
	if err != nil {
		return nil, err
	}
	return plain, nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(bucket string, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("unknown bucket %q", bucket)
		}
		return b.Delete(key)
	})
}

// ForEach calls fn with every decrypted record in the bucket. Returning
// an error from fn aborts the iteration.
func (s *Store) ForEach(bucket string, fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("unknown bucket %q", bucket)
		}
		return b.ForEach(func(k, sealed []byte) error {
			plain, err := s.open(sealed)
			if err != nil {
				return err
			}
			return fn(k, plain)
		})
	})
}

// Path returns the store's file path.
func (s *Store) Path() string {
	return s.path
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WipeFile overwrites a file with random data before deleting it, so the
// ciphertext cannot be recovered from the filesystem afterwards. A plain
// unlink would leave the old blocks intact.
func WipeFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat store for wipe: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open store for wipe: %w", err)
	}

	junk := make([]byte, info.Size())
	if _, err := rand.Read(junk); err != nil {
		f.Close()
		return fmt.Errorf("failed to generate wipe data: %w", err)
	}
	if _, err := f.WriteAt(junk, 0); err != nil {
		f.Close()
		return fmt.Errorf("failed to overwrite store: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync wiped store: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "WipeFile",
		"bytes":    info.Size(),
	}).Info("Store file overwritten")

	return os.Remove(path)
}
