// Package hushbox implements a deniable, end-to-end encrypted message
// core over a serverless store-and-forward mailbox network.
//
// Every identity owns two independently keyed encrypted stores, "real"
// and "decoy"; which one a session sees depends solely on which unlock
// secret is presented, and nothing observable distinguishes the two
// modes. Messages travel as sealed envelopes dropped into fixed-slot
// mailbox records hosted on an anonymous DHT-like layer.
//
// Example:
//
//	opts := hushbox.NewOptions()
//	opts.DataDir = "/home/user/.hushbox"
//
//	session, err := hushbox.New(opts, host)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if _, err := session.Unlock([]byte(secret)); err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Lock()
//
//	msg, err := session.SendMessage(ctx, contactID, "hello")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !msg.Delivered {
//	    fmt.Println("queued; peer mailbox full or unreachable")
//	}
package hushbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hushbox/contact"
	"github.com/opd-ai/hushbox/crypto"
	"github.com/opd-ai/hushbox/mailbox"
	"github.com/opd-ai/hushbox/message"
	"github.com/opd-ai/hushbox/storage"
)

var (
	// ErrNotUnlocked indicates an operation that needs an unlocked session.
	ErrNotUnlocked = storage.ErrNotUnlocked
	// ErrAuthenticationFailed mirrors the storage-level unlock failure.
	ErrAuthenticationFailed = storage.ErrAuthenticationFailed
)

const metaMailboxAddress = "mailbox-address"

// Session is one unlocked identity: explicit composition of the key
// derivation, dual store, registry, message store, crypto engine, and
// transport. Multiple isolated sessions can coexist in a process; there
// are no package-level singletons.
type Session struct {
	opts   *Options
	dual   *storage.DualStore
	engine crypto.Engine

	transport *mailbox.Transport

	mu       sync.RWMutex
	keys     *crypto.KeyPair
	contacts *contact.Registry
	messages *message.Store
	ownAddr  mailbox.Address
}

// New creates a locked session over a data directory and a mailbox record
// host. The host is injected so production and in-memory implementations
// are interchangeable.
func New(opts *Options, host mailbox.Host) (*Session, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if host == nil {
		return nil, errors.New("nil mailbox host")
	}

	dual, err := storage.New(opts.DataDir)
	if err != nil {
		return nil, err
	}

	return &Session{
		opts:      opts,
		dual:      dual,
		engine:    crypto.NewStaticEngine(),
		transport: mailbox.NewTransport(host, opts.SlotCount, opts.MailboxTimeout),
	}, nil
}

// Initialize creates the real and decoy stores. It must run once, before
// the first unlock.
func (s *Session) Initialize(realSecret, decoySecret []byte) error {
	return s.dual.Initialize(realSecret, decoySecret)
}

// Unlock derives keys from the secret and mounts whichever store it
// opens. The returned state says which mode is active; callers that care
// about deniability should not branch on it in any user-visible way.
func (s *Session) Unlock(secret []byte) (storage.State, error) {
	state, err := s.dual.Unlock(secret)
	if err != nil {
		return state, err
	}

	seed, err := s.dual.SigningSeed()
	if err != nil {
		return storage.Locked, err
	}
	keys, err := crypto.FromSeed(seed)
	crypto.ZeroBytes(seed[:])
	if err != nil {
		s.dual.Lock()
		return storage.Locked, err
	}

	store, err := s.dual.Active()
	if err != nil {
		return storage.Locked, err
	}

	s.mu.Lock()
	s.keys = keys
	s.contacts = contact.NewRegistry(store, keys)
	s.messages = message.NewStore(store)
	s.ownAddr = ""
	if addr, err := store.Get(storage.BucketMeta, []byte(metaMailboxAddress)); err == nil {
		s.ownAddr = mailbox.Address(addr)
	}
	s.mu.Unlock()

	return state, nil
}

// Lock closes the active store and erases session key material.
func (s *Session) Lock() error {
	s.mu.Lock()
	if s.keys != nil {
		crypto.WipeKeyPair(s.keys)
	}
	s.keys = nil
	s.contacts = nil
	s.messages = nil
	s.ownAddr = ""
	s.mu.Unlock()

	return s.dual.Lock()
}

// PanicWipe irreversibly destroys the real store while leaving the decoy
// untouched, then locks the session. Only callable while the real store
// is active. Afterwards the real secret unlocks nothing, exactly like an
// unknown secret.
func (s *Session) PanicWipe() error {
	s.mu.Lock()
	if s.keys != nil {
		crypto.WipeKeyPair(s.keys)
	}
	s.keys = nil
	s.contacts = nil
	s.messages = nil
	s.ownAddr = ""
	s.mu.Unlock()

	return s.dual.PanicWipe()
}

// State returns the session state.
func (s *Session) State() storage.State {
	return s.dual.State()
}

// components snapshots the per-unlock state under a short read lock, so
// no caller ever holds the session lock across network I/O.
func (s *Session) components() (*crypto.KeyPair, *contact.Registry, *message.Store, mailbox.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keys == nil {
		return nil, nil, nil, "", ErrNotUnlocked
	}
	return s.keys, s.contacts, s.messages, s.ownAddr, nil
}

// Contacts exposes the registry for the active store.
func (s *Session) Contacts() (*contact.Registry, error) {
	_, contacts, _, _, err := s.components()
	return contacts, err
}

// Messages exposes the message store for the active store.
func (s *Session) Messages() (*message.Store, error) {
	_, _, messages, _, err := s.components()
	return messages, err
}

// MailboxAddress returns this identity's mailbox address, provisioning
// one on first use and persisting it in the active store.
func (s *Session) MailboxAddress(ctx context.Context) (mailbox.Address, error) {
	_, _, _, addr, err := s.components()
	if err != nil {
		return "", err
	}
	if addr != "" {
		return addr, nil
	}

	// Provisioning is network I/O; it runs without the session lock.
	addr, err = s.transport.Provision(ctx)
	if err != nil {
		return "", err
	}

	store, serr := s.dual.Active()
	if serr != nil {
		return "", serr
	}
	if err := store.Put(storage.BucketMeta, []byte(metaMailboxAddress), []byte(addr)); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.ownAddr = addr
	s.mu.Unlock()

	return addr, nil
}

// ContactCard builds this identity's exchange payload: display name,
// public key, and mailbox address. The mailbox is provisioned on demand.
func (s *Session) ContactCard(ctx context.Context) (string, error) {
	addr, err := s.MailboxAddress(ctx)
	if err != nil {
		return "", err
	}
	keys, _, _, _, err := s.components()
	if err != nil {
		return "", err
	}

	card := &contact.Card{
		Name:           s.opts.DisplayName,
		PublicKey:      keys.Public,
		MailboxAddress: string(addr),
	}
	return card.Encode()
}

// AddContact parses a contact card and adds the peer to the active store.
func (s *Session) AddContact(cardString string) (*contact.Contact, error) {
	_, contacts, _, _, err := s.components()
	if err != nil {
		return nil, err
	}

	card, err := contact.ParseCard(cardString)
	if err != nil {
		return nil, err
	}
	return contacts.AddFromCard(card)
}

// SendMessage persists and delivers a plaintext message to a contact.
// The message is saved before any delivery attempt, so history survives
// transport failure. A false Delivered flag on the returned message means
// the envelope was queued: the peer's mailbox was full or unreachable, or
// the contact has no mailbox address yet. Retry is always explicit, via
// RetryPending.
func (s *Session) SendMessage(ctx context.Context, contactID uuid.UUID, text string) (*message.Message, error) {
	return s.send(ctx, contactID, text, 0)
}

// SendEphemeralMessage is SendMessage with a time-to-live; the local copy
// is hard-deleted once the ttl elapses.
func (s *Session) SendEphemeralMessage(ctx context.Context, contactID uuid.UUID, text string, ttl time.Duration) (*message.Message, error) {
	return s.send(ctx, contactID, text, ttl)
}

func (s *Session) send(ctx context.Context, contactID uuid.UUID, text string, ttl time.Duration) (*message.Message, error) {
	keys, contacts, messages, _, err := s.components()
	if err != nil {
		return nil, err
	}

	c, err := contacts.Get(contactID)
	if err != nil {
		return nil, err
	}

	m := messages.New(contactID, message.DirectionSent, text, ttl)
	if err := messages.Save(m); err != nil {
		return nil, err
	}

	env, err := s.engine.Encrypt([]byte(text), c.SharedSecretSeed, [16]byte(m.ID), keys.Public, c.PeerPublicKey)
	if err != nil {
		return nil, err
	}

	if !c.CanReceive() {
		// Contact predates their transport: local-only queuing until a
		// mailbox address is supplied.
		if err := s.queueUndelivered(messages, c.ID, m.ID, env); err != nil {
			return nil, err
		}
		return m, nil
	}

	// Network delivery happens with no session lock held.
	delivered, err := s.transport.Send(ctx, env, mailbox.Address(c.MailboxAddress))
	if err != nil {
		return nil, err
	}

	if !delivered {
		if err := s.queueUndelivered(messages, c.ID, m.ID, env); err != nil {
			return nil, err
		}
		return m, nil
	}

	if err := messages.MarkDelivered(m.ID); err != nil {
		return nil, err
	}
	m.Delivered = true
	return m, nil
}

func (s *Session) queueUndelivered(messages *message.Store, contactID, messageID uuid.UUID, env *crypto.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	_, err = messages.QueuePending(contactID, messageID, data)
	return err
}

// RetryPending attempts to deliver every queued envelope and returns how
// many landed. Failures stay queued with a bumped attempt count.
func (s *Session) RetryPending(ctx context.Context) (int, error) {
	_, contacts, messages, _, err := s.components()
	if err != nil {
		return 0, err
	}

	pending, err := messages.PendingSends()
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, p := range pending {
		c, err := contacts.Get(p.ContactID)
		if err != nil || !c.CanReceive() {
			continue
		}

		env, err := crypto.UnmarshalEnvelope(p.Envelope)
		if err != nil {
			// A pending record that no longer decodes is unrecoverable.
			logrus.WithFields(logrus.Fields{
				"function":   "RetryPending",
				"pending_id": p.ID.String(),
			}).Warn("Dropping undecodable pending send")
			messages.RemovePending(p.ID)
			continue
		}

		ok, err := s.transport.Send(ctx, env, mailbox.Address(c.MailboxAddress))
		if err != nil {
			return delivered, err
		}
		if !ok {
			messages.MarkPendingAttempt(p.ID)
			continue
		}

		if err := messages.RemovePending(p.ID); err != nil {
			return delivered, err
		}
		messages.MarkDelivered(p.MessageID)
		delivered++
	}

	return delivered, nil
}

// PollMessages drains this identity's mailbox, decrypts what it can, and
// persists the results as received messages. An envelope that fails
// verification or decryption, or that comes from an unknown sender, is
// dropped and logged; it never halts the rest of the batch and never
// reaches storage.
func (s *Session) PollMessages(ctx context.Context) ([]*message.Message, error) {
	_, contacts, messages, ownAddr, err := s.components()
	if err != nil {
		return nil, err
	}
	if ownAddr == "" {
		return nil, nil
	}

	envelopes, err := s.transport.Poll(ctx, ownAddr)
	if err != nil {
		return nil, err
	}

	byKey, err := contactsByPublicKey(contacts)
	if err != nil {
		return nil, err
	}

	var received []*message.Message
	for _, env := range envelopes {
		log := logrus.WithFields(logrus.Fields{
			"function":   "PollMessages",
			"message_id": fmt.Sprintf("%x", env.MessageID[:4]),
		})

		c, ok := byKey[env.SenderRef]
		if !ok {
			log.Warn("Dropping envelope from unknown sender")
			continue
		}

		plaintext, err := s.engine.Decrypt(env, c.SharedSecretSeed)
		if err != nil {
			// Verification failures are handled here, locally, always:
			// one crafted envelope must not crash a polling loop.
			log.WithError(err).Warn("Dropping unreadable envelope")
			continue
		}

		m := messages.New(c.ID, message.DirectionReceived, string(plaintext), 0)
		m.Timestamp = env.SentAt()
		if err := messages.Save(m); err != nil {
			return received, err
		}
		received = append(received, m)
	}

	return received, nil
}

func contactsByPublicKey(contacts *contact.Registry) (map[[32]byte]*contact.Contact, error) {
	list, err := contacts.List()
	if err != nil {
		return nil, err
	}
	byKey := make(map[[32]byte]*contact.Contact, len(list))
	for _, c := range list {
		byKey[c.PeerPublicKey] = c
	}
	return byKey, nil
}

// Conversation returns the message history with a contact, oldest first,
// sweeping expired ephemeral messages on the way.
func (s *Session) Conversation(contactID uuid.UUID) ([]*message.Message, error) {
	_, _, messages, _, err := s.components()
	if err != nil {
		return nil, err
	}
	return messages.Conversation(contactID)
}
