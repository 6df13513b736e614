package message

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/opd-ai/hushbox/storage"
)

// ErrPendingNotFound indicates the pending send does not exist.
var ErrPendingNotFound = errors.New("pending send not found")

// PendingSend is an encrypted envelope that could not be delivered (full
// or unreachable mailbox) and is queued for an explicit caller-driven
// retry. Nothing retries these in the background.
type PendingSend struct {
	ID        uuid.UUID `cbor:"1,keyasint"`
	ContactID uuid.UUID `cbor:"2,keyasint"`
	MessageID uuid.UUID `cbor:"3,keyasint"`
	Envelope  []byte    `cbor:"4,keyasint"`
	QueuedAt  time.Time `cbor:"5,keyasint"`
	Attempts  int       `cbor:"6,keyasint"`
}

// QueuePending persists an undelivered envelope for later retry.
func (s *Store) QueuePending(contactID, messageID uuid.UUID, envelope []byte) (*PendingSend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &PendingSend{
		ID:        uuid.New(),
		ContactID: contactID,
		MessageID: messageID,
		Envelope:  envelope,
		QueuedAt:  s.clock.Now(),
		Attempts:  1,
	}

	data, err := cbor.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pending send: %w", err)
	}
	if err := s.store.Put(storage.BucketPending, p.ID[:], data); err != nil {
		return nil, err
	}
	return p, nil
}

// PendingSends returns all queued sends, oldest first.
func (s *Store) PendingSends() ([]*PendingSend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*PendingSend
	err := s.store.ForEach(storage.BucketPending, func(_, v []byte) error {
		p := &PendingSend{}
		if err := cbor.Unmarshal(v, p); err != nil {
			return fmt.Errorf("failed to decode pending send: %w", err)
		}
		pending = append(pending, p)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].QueuedAt.Before(pending[j].QueuedAt)
	})
	return pending, nil
}

// MarkPendingAttempt records another failed delivery attempt.
func (s *Store) MarkPendingAttempt(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.store.Get(storage.BucketPending, id[:])
	if errors.Is(err, storage.ErrNotFound) {
		return ErrPendingNotFound
	}
	if err != nil {
		return err
	}

	p := &PendingSend{}
	if err := cbor.Unmarshal(data, p); err != nil {
		return fmt.Errorf("failed to decode pending send: %w", err)
	}
	p.Attempts++

	out, err := cbor.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode pending send: %w", err)
	}
	return s.store.Put(storage.BucketPending, p.ID[:], out)
}

// RemovePending drops a queued send, e.g. after successful delivery.
func (s *Store) RemovePending(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Delete(storage.BucketPending, id[:])
}
