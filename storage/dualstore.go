package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hushbox/crypto"
)

var (
	// ErrAuthenticationFailed indicates that neither the real nor the decoy
	// store opened with the presented secret. The error is identical for a
	// wrong secret, a wiped real store, and a missing installation, so it
	// carries no information an observer could use.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrNotUnlocked indicates an operation that needs an active store.
	ErrNotUnlocked = errors.New("no store is unlocked")
	// ErrAlreadyUnlocked indicates Unlock was called on an active session.
	ErrAlreadyUnlocked = errors.New("a store is already unlocked")
	// ErrWipeNotPermitted indicates PanicWipe outside RealActive.
	ErrWipeNotPermitted = errors.New("wipe only permitted while the real store is active")
	// ErrAlreadyInitialized indicates Initialize found existing store files.
	ErrAlreadyInitialized = errors.New("stores already initialized")
)

// State is the DualStore session state.
type State int

const (
	// Locked means no store is mounted.
	Locked State = iota
	// RealActive means the real store opened and is mounted.
	RealActive
	// DecoyActive means the decoy store opened and is mounted.
	DecoyActive
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case RealActive:
		return "real-active"
	case DecoyActive:
		return "decoy-active"
	default:
		return "locked"
	}
}

const (
	realStoreFile  = "store-a.db"
	decoyStoreFile = "store-b.db"
)

// DualStore owns the two encrypted store files and gates which one a
// session sees. At most one store is ever mounted; the other's key
// material is zeroed immediately after the single unlock attempt.
type DualStore struct {
	mu   sync.Mutex
	dir  string
	salt []byte

	state       State
	active      *Store
	signingSeed [crypto.KeySize]byte
	userID      [crypto.UserIDSize]byte
}

// New prepares a DualStore over a data directory, creating the directory
// and derivation salt as needed. No store is opened or created.
func New(dir string) (*DualStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	salt, err := LoadOrCreateSalt(dir)
	if err != nil {
		return nil, err
	}
	return &DualStore{dir: dir, salt: salt, state: Locked}, nil
}

// Salt returns the persisted derivation salt.
func (ds *DualStore) Salt() []byte {
	return ds.salt
}

func (ds *DualStore) realPath() string  { return filepath.Join(ds.dir, realStoreFile) }
func (ds *DualStore) decoyPath() string { return filepath.Join(ds.dir, decoyStoreFile) }

// Initialize creates both store files: the real store keyed from the real
// secret and the decoy store keyed from the decoy secret. It must run once
// before the first unlock, and refuses to touch existing stores.
func (ds *DualStore) Initialize(realSecret, decoySecret []byte) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.state != Locked {
		return ErrAlreadyUnlocked
	}
	if _, err := os.Stat(ds.realPath()); err == nil {
		return ErrAlreadyInitialized
	}
	if _, err := os.Stat(ds.decoyPath()); err == nil {
		return ErrAlreadyInitialized
	}

	if err := ds.createStore(realSecret, ds.realPath(), true); err != nil {
		return err
	}
	if err := ds.createStore(decoySecret, ds.decoyPath(), false); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Initialize",
		"dir":      ds.dir,
	}).Info("Store pair initialized")

	return nil
}

// createStore derives the appropriate storage key for one secret and
// creates that store file.
func (ds *DualStore) createStore(secret []byte, path string, real bool) error {
	dk, err := crypto.DeriveKeys(secret, ds.salt)
	if err != nil {
		return err
	}
	defer dk.Wipe()

	key := dk.DecoyStorageKey
	if real {
		key = dk.RealStorageKey
	}

	s, err := Create(path, key)
	if err != nil {
		return err
	}
	return s.Close()
}

// Unlock derives both candidate keys from the presented secret and tries
// the real store, then the decoy store, through the identical code path.
// Exactly one store is mounted on success; on failure the state stays
// Locked and the caller learns nothing beyond ErrAuthenticationFailed.
func (ds *DualStore) Unlock(secret []byte) (State, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.state != Locked {
		return ds.state, ErrAlreadyUnlocked
	}

	dk, err := crypto.DeriveKeys(secret, ds.salt)
	if err != nil {
		return Locked, ErrAuthenticationFailed
	}
	defer dk.Wipe()

	attempts := []struct {
		path  string
		key   [crypto.KeySize]byte
		state State
	}{
		{ds.realPath(), dk.RealStorageKey, RealActive},
		{ds.decoyPath(), dk.DecoyStorageKey, DecoyActive},
	}

	for _, a := range attempts {
		s, err := Open(a.path, a.key)
		if err == nil {
			ds.active = s
			ds.state = a.state
			ds.signingSeed = dk.SigningSeed
			ds.userID = dk.UserID

			logrus.WithFields(logrus.Fields{
				"function": "Unlock",
				"user_id":  fmt.Sprintf("%x", dk.UserID[:4]),
			}).Info("Store unlocked")

			return ds.state, nil
		}
		if errors.Is(err, ErrStorageCorrupted) {
			// A damaged store is a distinct, fatal condition for that
			// store only; the sibling may still open on a later attempt.
			logrus.WithFields(logrus.Fields{
				"function": "Unlock",
				"path":     a.path,
			}).Error("Store failed to open: corrupted")
		}
	}

	return Locked, ErrAuthenticationFailed
}

// Lock closes the active store and erases session key material.
func (ds *DualStore) Lock() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.state == Locked {
		return nil
	}

	err := ds.active.Close()
	ds.active = nil
	ds.state = Locked
	crypto.ZeroBytes(ds.signingSeed[:])
	crypto.ZeroBytes(ds.userID[:])
	return err
}

// PanicWipe securely destroys the real store and its key material while
// leaving the decoy store byte-for-byte untouched. It is only callable
// while the real store is active. Afterwards, unlocking with the real
// secret fails exactly like unlocking with an unknown secret.
func (ds *DualStore) PanicWipe() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.state != RealActive {
		return ErrWipeNotPermitted
	}

	if err := ds.active.Close(); err != nil {
		return fmt.Errorf("failed to close store before wipe: %w", err)
	}
	ds.active = nil
	ds.state = Locked
	crypto.ZeroBytes(ds.signingSeed[:])
	crypto.ZeroBytes(ds.userID[:])

	if err := WipeFile(ds.realPath()); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "PanicWipe",
	}).Info("Real store destroyed")

	return nil
}

// State returns the current session state.
func (ds *DualStore) State() State {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.state
}

// Active returns the mounted store, or an error while Locked.
func (ds *DualStore) Active() (*Store, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.state == Locked {
		return nil, ErrNotUnlocked
	}
	return ds.active, nil
}

// SigningSeed returns the signing material derived at unlock. The seed
// belongs to whichever identity (real or decoy) is active.
func (ds *DualStore) SigningSeed() ([crypto.KeySize]byte, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.state == Locked {
		return [crypto.KeySize]byte{}, ErrNotUnlocked
	}
	return ds.signingSeed, nil
}

// UserID returns the deterministic user identifier for the active session.
func (ds *DualStore) UserID() ([crypto.UserIDSize]byte, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.state == Locked {
		return [crypto.UserIDSize]byte{}, ErrNotUnlocked
	}
	return ds.userID, nil
}
