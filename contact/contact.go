// Package contact implements the contact registry for hushbox.
//
// This package handles contact records, out-of-band verification, trust
// levels, and contact-card exchange. All operations act on whichever
// encrypted store is active for the session; contacts are never visible
// across the real/decoy boundary.
//
// Example:
//
//	reg := contact.NewRegistry(store, keys)
//	c, err := reg.Add("Alice", alicePub, aliceMailbox)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Compare out of band:", c.Fingerprint)
package contact

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hushbox/crypto"
	"github.com/opd-ai/hushbox/storage"
)

var (
	// ErrContactNotFound indicates the contact does not exist in the
	// active store.
	ErrContactNotFound = errors.New("contact not found")
	// ErrInvalidTrustLevel indicates a trust level outside 0..3.
	ErrInvalidTrustLevel = errors.New("invalid trust level")
)

// TrustLevel expresses how much the user trusts a contact, from 0 (none)
// to 3 (full).
type TrustLevel uint8

const (
	TrustNone TrustLevel = iota
	TrustLow
	TrustMedium
	TrustFull
)

// Contact represents a peer in the active store.
type Contact struct {
	ID               uuid.UUID `cbor:"1,keyasint"`
	Name             string    `cbor:"2,keyasint"`
	PeerPublicKey    [32]byte  `cbor:"3,keyasint"`
	Fingerprint      string    `cbor:"4,keyasint"`
	TrustLevel       TrustLevel `cbor:"5,keyasint"`
	Verified         bool      `cbor:"6,keyasint"`
	MailboxAddress   string    `cbor:"7,keyasint"`
	SharedSecretSeed [32]byte  `cbor:"8,keyasint"`
	AddedAt          time.Time `cbor:"9,keyasint"`
}

// CanReceive reports whether the contact has a mailbox address. A contact
// without one is valid but sends to it degrade to local-only queuing.
func (c *Contact) CanReceive() bool {
	return c.MailboxAddress != ""
}

// Registry persists contacts in the active store and derives per-contact
// key material from our identity key pair.
type Registry struct {
	mu    sync.RWMutex
	store *storage.Store
	keys  *crypto.KeyPair
}

// NewRegistry creates a registry over the active store.
func NewRegistry(store *storage.Store, keys *crypto.KeyPair) *Registry {
	return &Registry{store: store, keys: keys}
}

// Add creates a contact from a peer's public key and optional mailbox
// address. The shared secret seed is the X25519 agreement between our
// private key and the peer's public key, and the verification fingerprint
// is computed over both public keys so the peer arrives at the same words.
func (r *Registry) Add(name string, peerPublicKey [32]byte, mailboxAddress string) (*Contact, error) {
	if name == "" {
		return nil, errors.New("empty contact name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seed, err := crypto.DeriveSharedSecret(peerPublicKey, r.keys.Private)
	if err != nil {
		return nil, fmt.Errorf("failed to derive contact secret: %w", err)
	}

	c := &Contact{
		ID:               uuid.New(),
		Name:             name,
		PeerPublicKey:    peerPublicKey,
		Fingerprint:      crypto.Fingerprint(r.keys.Public, peerPublicKey),
		TrustLevel:       TrustNone,
		Verified:         false,
		MailboxAddress:   mailboxAddress,
		SharedSecretSeed: seed,
		AddedAt:          time.Now(),
	}

	if err := r.put(c); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Add",
		"contact_id":      c.ID.String(),
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
		"has_mailbox":     c.CanReceive(),
	}).Info("Contact added")

	return c, nil
}

// AddFromCard creates a contact from a parsed contact card.
func (r *Registry) AddFromCard(card *Card) (*Contact, error) {
	return r.Add(card.Name, card.PublicKey, card.MailboxAddress)
}

// Get retrieves a contact by ID.
func (r *Registry) Get(id uuid.UUID) (*Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.get(id)
}

func (r *Registry) get(id uuid.UUID) (*Contact, error) {
	data, err := r.store.Get(storage.BucketContacts, id[:])
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrContactNotFound
	}
	if err != nil {
		return nil, err
	}

	c := &Contact{}
	if err := cbor.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to decode contact: %w", err)
	}
	return c, nil
}

func (r *Registry) put(c *Contact) error {
	data, err := cbor.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode contact: %w", err)
	}
	return r.store.Put(storage.BucketContacts, c.ID[:], data)
}

// List returns all contacts in the active store, oldest first.
func (r *Registry) List() ([]*Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var contacts []*Contact
	err := r.store.ForEach(storage.BucketContacts, func(_, v []byte) error {
		c := &Contact{}
		if err := cbor.Unmarshal(v, c); err != nil {
			return fmt.Errorf("failed to decode contact: %w", err)
		}
		contacts = append(contacts, c)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(contacts, func(i, j int) bool {
		return contacts[i].AddedAt.Before(contacts[j].AddedAt)
	})
	return contacts, nil
}

// Verify marks a contact as verified. Verification is always a manual,
// out-of-band step: the user has compared the fingerprint with the peer
// over an independent channel. The system never verifies on its own.
func (r *Registry) Verify(id uuid.UUID) error {
	return r.update(id, func(c *Contact) error {
		c.Verified = true
		return nil
	})
}

// SetTrustLevel updates a contact's trust level.
func (r *Registry) SetTrustLevel(id uuid.UUID, level TrustLevel) error {
	if level > TrustFull {
		return ErrInvalidTrustLevel
	}
	return r.update(id, func(c *Contact) error {
		c.TrustLevel = level
		return nil
	})
}

// SetMailboxAddress supplies or replaces a contact's mailbox address,
// e.g. for a contact added before their transport was provisioned.
func (r *Registry) SetMailboxAddress(id uuid.UUID, address string) error {
	return r.update(id, func(c *Contact) error {
		c.MailboxAddress = address
		return nil
	})
}

func (r *Registry) update(id uuid.UUID, mutate func(*Contact) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.get(id)
	if err != nil {
		return err
	}
	if err := mutate(c); err != nil {
		return err
	}
	return r.put(c)
}

// Remove deletes a contact from the active store.
func (r *Registry) Remove(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.get(id); err != nil {
		return err
	}
	return r.store.Delete(storage.BucketContacts, id[:])
}
