// Package message implements the per-contact message history for hushbox.
//
// Messages are persisted in whichever encrypted store is active at
// creation time and are never visible from the other store. Persistence
// is independent of transport success: a sent message is saved before any
// delivery attempt, and its delivered flag is updated afterwards.
package message

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hushbox/storage"
)

// ErrMessageNotFound indicates the message does not exist in the active store.
var ErrMessageNotFound = errors.New("message not found")

// Direction tells whether a message was sent by us or received from the peer.
type Direction uint8

const (
	// DirectionSent is a message we authored.
	DirectionSent Direction = iota
	// DirectionReceived is a message decrypted from an inbound envelope.
	DirectionReceived
)

// Message is one entry in a conversation.
type Message struct {
	ID             uuid.UUID  `cbor:"1,keyasint"`
	ContactID      uuid.UUID  `cbor:"2,keyasint"`
	Direction      Direction  `cbor:"3,keyasint"`
	Plaintext      string     `cbor:"4,keyasint"`
	Timestamp      time.Time  `cbor:"5,keyasint"`
	Delivered      bool       `cbor:"6,keyasint"`
	Read           bool       `cbor:"7,keyasint"`
	EphemeralExpiry *time.Time `cbor:"8,keyasint,omitempty"`
}

// Expired reports whether an ephemeral message is past its expiry.
func (m *Message) Expired(now time.Time) bool {
	return m.EphemeralExpiry != nil && now.After(*m.EphemeralExpiry)
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Store persists message history in the active store.
type Store struct {
	mu    sync.RWMutex
	store *storage.Store
	clock TimeProvider
}

// NewStore creates a message store over the active encrypted store.
func NewStore(store *storage.Store) *Store {
	return NewStoreWithTimeProvider(store, DefaultTimeProvider{})
}

// NewStoreWithTimeProvider creates a message store with a custom clock.
func NewStoreWithTimeProvider(store *storage.Store, clock TimeProvider) *Store {
	if clock == nil {
		clock = DefaultTimeProvider{}
	}
	return &Store{store: store, clock: clock}
}

// New creates an unsaved message for a contact. A non-zero ttl makes the
// message ephemeral: it is hard-deleted once the ttl elapses.
func (s *Store) New(contactID uuid.UUID, direction Direction, plaintext string, ttl time.Duration) *Message {
	m := &Message{
		ID:        uuid.New(),
		ContactID: contactID,
		Direction: direction,
		Plaintext: plaintext,
		Timestamp: s.clock.Now(),
	}
	if ttl > 0 {
		expiry := m.Timestamp.Add(ttl)
		m.EphemeralExpiry = &expiry
	}
	return m
}

// Save persists a message in the active store.
func (s *Store) Save(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(m)
}

func (s *Store) put(m *Message) error {
	data, err := cbor.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return s.store.Put(storage.BucketMessages, m.ID[:], data)
}

func (s *Store) get(id uuid.UUID) (*Message, error) {
	data, err := s.store.Get(storage.BucketMessages, id[:])
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	m := &Message{}
	if err := cbor.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return m, nil
}

// Get retrieves a single message by ID.
func (s *Store) Get(id uuid.UUID) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(id)
}

// Conversation returns the message history with a contact ordered oldest
// to newest. Expired ephemeral messages are swept before the read, so a
// conversation never shows a message that should already be gone.
func (s *Store) Conversation(contactID uuid.UUID) ([]*Message, error) {
	if _, err := s.SweepExpiredEphemeral(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var msgs []*Message
	err := s.store.ForEach(storage.BucketMessages, func(_, v []byte) error {
		m := &Message{}
		if err := cbor.Unmarshal(v, m); err != nil {
			return fmt.Errorf("failed to decode message: %w", err)
		}
		if m.ContactID == contactID {
			msgs = append(msgs, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs, nil
}

// MarkRead flags a message as read.
func (s *Store) MarkRead(id uuid.UUID) error {
	return s.update(id, func(m *Message) { m.Read = true })
}

// MarkDelivered flags a message as delivered to the peer's mailbox.
func (s *Store) MarkDelivered(id uuid.UUID) error {
	return s.update(id, func(m *Message) { m.Delivered = true })
}

func (s *Store) update(id uuid.UUID, mutate func(*Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.get(id)
	if err != nil {
		return err
	}
	mutate(m)
	return s.put(m)
}

// Delete removes a message outright.
func (s *Store) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Delete(storage.BucketMessages, id[:])
}

// SweepExpiredEphemeral hard-deletes every ephemeral message past its
// expiry and returns how many were removed. The sweep runs
// opportunistically on conversation reads rather than on a timer; exact
// deletion latency is not a correctness requirement.
func (s *Store) SweepExpiredEphemeral() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var expired []uuid.UUID

	err := s.store.ForEach(storage.BucketMessages, func(_, v []byte) error {
		m := &Message{}
		if err := cbor.Unmarshal(v, m); err != nil {
			return fmt.Errorf("failed to decode message: %w", err)
		}
		if m.Expired(now) {
			expired = append(expired, m.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, id := range expired {
		if err := s.store.Delete(storage.BucketMessages, id[:]); err != nil {
			return 0, err
		}
	}

	if len(expired) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "SweepExpiredEphemeral",
			"removed":  len(expired),
		}).Debug("Expired ephemeral messages removed")
	}

	return len(expired), nil
}
