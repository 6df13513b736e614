package hushbox

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/hushbox/mailbox"
	"github.com/opd-ai/hushbox/storage"
)

func newTestSession(t *testing.T, host mailbox.Host, name string) *Session {
	t.Helper()

	opts := NewOptions()
	opts.DataDir = t.TempDir()
	opts.DisplayName = name
	opts.SlotCount = 50

	s, err := New(opts, host)
	require.NoError(t, err)
	return s
}

// pairSessions initializes and unlocks two real sessions and connects
// them as contacts via exchanged cards. The returned IDs are Alice's
// contact entry for Bob and Bob's entry for Alice.
func pairSessions(t *testing.T, host mailbox.Host) (alice, bob *Session, bobID, aliceID uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	alice = newTestSession(t, host, "Alice")
	require.NoError(t, alice.Initialize([]byte("alice-real"), []byte("alice-decoy")))
	_, err := alice.Unlock([]byte("alice-real"))
	require.NoError(t, err)
	t.Cleanup(func() { alice.Lock() })

	bob = newTestSession(t, host, "Bob")
	require.NoError(t, bob.Initialize([]byte("bob-real"), []byte("bob-decoy")))
	_, err = bob.Unlock([]byte("bob-real"))
	require.NoError(t, err)
	t.Cleanup(func() { bob.Lock() })

	aliceCard, err := alice.ContactCard(ctx)
	require.NoError(t, err)
	bobCard, err := bob.ContactCard(ctx)
	require.NoError(t, err)

	cb, err := alice.AddContact(bobCard)
	require.NoError(t, err)
	ca, err := bob.AddContact(aliceCard)
	require.NoError(t, err)

	return alice, bob, cb.ID, ca.ID
}

func TestEndToEndMessageExchange(t *testing.T) {
	host := mailbox.NewMemoryHost()
	ctx := context.Background()

	alice, bob, bobID, aliceID := pairSessions(t, host)

	sent, err := alice.SendMessage(ctx, bobID, "hello Bob")
	require.NoError(t, err)
	assert.True(t, sent.Delivered)

	received, err := bob.PollMessages(ctx)
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, "hello Bob", received[0].Plaintext)

	// Bob replies; Alice polls.
	_, err = bob.SendMessage(ctx, aliceID, "hi Alice")
	require.NoError(t, err)

	got, err := alice.PollMessages(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hi Alice", got[0].Plaintext)

	// Both directions show up in Bob's conversation, oldest first.
	conv, err := bob.Conversation(aliceID)
	require.NoError(t, err)
	require.Len(t, conv, 2)
	assert.Equal(t, "hello Bob", conv[0].Plaintext)
	assert.Equal(t, "hi Alice", conv[1].Plaintext)
}

func TestVerificationFingerprintsMatch(t *testing.T) {
	host := mailbox.NewMemoryHost()

	alice, bob, bobID, aliceID := pairSessions(t, host)

	aliceContacts, err := alice.Contacts()
	require.NoError(t, err)
	bobContacts, err := bob.Contacts()
	require.NoError(t, err)

	cb, err := aliceContacts.Get(bobID)
	require.NoError(t, err)
	ca, err := bobContacts.Get(aliceID)
	require.NoError(t, err)

	// Both sides derive the same words for out-of-band comparison.
	assert.Equal(t, cb.Fingerprint, ca.Fingerprint)
}

func TestMailboxExhaustionAndRetry(t *testing.T) {
	host := mailbox.NewMemoryHost()
	ctx := context.Background()

	alice, bob, bobID, _ := pairSessions(t, host)

	// 51 sends without a poll: the first 50 land, the 51st queues.
	var lastDelivered bool
	for i := 0; i < 51; i++ {
		m, err := alice.SendMessage(ctx, bobID, "flood")
		require.NoError(t, err)
		lastDelivered = m.Delivered
		if i < 50 {
			require.True(t, m.Delivered, "send %d should fit", i)
		}
	}
	assert.False(t, lastDelivered, "51st send into a 50-slot mailbox reported delivered")

	aliceMessages, err := alice.Messages()
	require.NoError(t, err)
	pending, err := aliceMessages.PendingSends()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Bob drains his mailbox; the retry then succeeds.
	received, err := bob.PollMessages(ctx)
	require.NoError(t, err)
	assert.Len(t, received, 50)

	delivered, err := alice.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	pending, err = aliceMessages.PendingSends()
	require.NoError(t, err)
	assert.Empty(t, pending)

	received, err = bob.PollMessages(ctx)
	require.NoError(t, err)
	assert.Len(t, received, 1)
}

func TestContactWithoutMailboxQueuesLocally(t *testing.T) {
	host := mailbox.NewMemoryHost()
	ctx := context.Background()

	alice := newTestSession(t, host, "Alice")
	require.NoError(t, alice.Initialize([]byte("alice-real"), []byte("alice-decoy")))
	_, err := alice.Unlock([]byte("alice-real"))
	require.NoError(t, err)
	defer alice.Lock()

	contacts, err := alice.Contacts()
	require.NoError(t, err)

	// Bob shared his key before provisioning transport.
	bob := newTestSession(t, host, "Bob")
	require.NoError(t, bob.Initialize([]byte("bob-real"), []byte("bob-decoy")))
	_, err = bob.Unlock([]byte("bob-real"))
	require.NoError(t, err)
	defer bob.Lock()

	bobKeys, _, _, _, err := bob.components()
	require.NoError(t, err)

	c, err := contacts.Add("Bob", bobKeys.Public, "")
	require.NoError(t, err)

	// Bob knows Alice too, or his poll would drop her envelopes.
	aliceKeys, _, _, _, err := alice.components()
	require.NoError(t, err)
	bobContacts, err := bob.Contacts()
	require.NoError(t, err)
	_, err = bobContacts.Add("Alice", aliceKeys.Public, "")
	require.NoError(t, err)

	m, err := alice.SendMessage(ctx, c.ID, "waiting for your mailbox")
	require.NoError(t, err)
	assert.False(t, m.Delivered)

	// History is intact even though nothing was transported.
	conv, err := alice.Conversation(c.ID)
	require.NoError(t, err)
	require.Len(t, conv, 1)

	// Once Bob's address arrives, the retry delivers.
	bobAddr, err := bob.MailboxAddress(ctx)
	require.NoError(t, err)
	require.NoError(t, contacts.SetMailboxAddress(c.ID, string(bobAddr)))

	delivered, err := alice.RetryPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	received, err := bob.PollMessages(ctx)
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, "waiting for your mailbox", received[0].Plaintext)
}

func TestDeniabilityScenario(t *testing.T) {
	host := mailbox.NewMemoryHost()

	s := newTestSession(t, host, "deniable")
	require.NoError(t, s.Initialize([]byte("correct-horse"), []byte("decoy-pin")))

	// Real session: add a contact.
	state, err := s.Unlock([]byte("correct-horse"))
	require.NoError(t, err)
	require.Equal(t, storage.RealActive, state)

	peer := newTestSession(t, host, "peer")
	require.NoError(t, peer.Initialize([]byte("peer-real"), []byte("peer-decoy")))
	_, err = peer.Unlock([]byte("peer-real"))
	require.NoError(t, err)
	defer peer.Lock()
	peerKeys, _, _, _, err := peer.components()
	require.NoError(t, err)

	contacts, err := s.Contacts()
	require.NoError(t, err)
	_, err = contacts.Add("real friend", peerKeys.Public, "")
	require.NoError(t, err)
	require.NoError(t, s.Lock())

	// Decoy session: zero overlap.
	state, err = s.Unlock([]byte("decoy-pin"))
	require.NoError(t, err)
	require.Equal(t, storage.DecoyActive, state)

	contacts, err = s.Contacts()
	require.NoError(t, err)
	list, err := contacts.List()
	require.NoError(t, err)
	assert.Empty(t, list, "decoy session sees real contacts")
	require.NoError(t, s.Lock())

	// Wrong secret: authentication failure, still locked.
	_, err = s.Unlock([]byte("wrong-guess"))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, storage.Locked, s.State())

	// Real data still reachable with the real secret.
	state, err = s.Unlock([]byte("correct-horse"))
	require.NoError(t, err)
	require.Equal(t, storage.RealActive, state)
	contacts, err = s.Contacts()
	require.NoError(t, err)
	list, err = contacts.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
	require.NoError(t, s.Lock())
}

func TestPanicWipeEndToEnd(t *testing.T) {
	host := mailbox.NewMemoryHost()

	s := newTestSession(t, host, "wipeable")
	require.NoError(t, s.Initialize([]byte("correct-horse"), []byte("decoy-pin")))

	_, err := s.Unlock([]byte("correct-horse"))
	require.NoError(t, err)
	require.NoError(t, s.PanicWipe())
	assert.Equal(t, storage.Locked, s.State())

	// Real secret now fails exactly like a wrong one.
	_, err = s.Unlock([]byte("correct-horse"))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	_, err = s.Unlock([]byte("random-unknown"))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	// Decoy survives untouched.
	state, err := s.Unlock([]byte("decoy-pin"))
	require.NoError(t, err)
	assert.Equal(t, storage.DecoyActive, state)
	require.NoError(t, s.Lock())
}

func TestEphemeralMessageEndToEnd(t *testing.T) {
	host := mailbox.NewMemoryHost()
	ctx := context.Background()

	alice, _, bobID, _ := pairSessions(t, host)

	m, err := alice.SendEphemeralMessage(ctx, bobID, "self-destructs", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, m.EphemeralExpiry)

	time.Sleep(120 * time.Millisecond)

	conv, err := alice.Conversation(bobID)
	require.NoError(t, err)
	assert.Empty(t, conv, "expired ephemeral message still visible")

	messages, err := alice.Messages()
	require.NoError(t, err)
	_, err = messages.Get(m.ID)
	assert.Error(t, err, "expired ephemeral message still stored")
}

func TestSessionRequiresUnlock(t *testing.T) {
	host := mailbox.NewMemoryHost()
	ctx := context.Background()

	s := newTestSession(t, host, "locked")
	require.NoError(t, s.Initialize([]byte("real"), []byte("decoy")))

	_, err := s.Contacts()
	assert.ErrorIs(t, err, ErrNotUnlocked)
	_, err = s.PollMessages(ctx)
	assert.ErrorIs(t, err, ErrNotUnlocked)
	_, err = s.ContactCard(ctx)
	assert.ErrorIs(t, err, ErrNotUnlocked)
}

func TestTamperedEnvelopeDoesNotHaltPolling(t *testing.T) {
	host := mailbox.NewMemoryHost()
	ctx := context.Background()

	alice, bob, bobID, _ := pairSessions(t, host)

	// One genuine message plus raw garbage written straight into Bob's
	// mailbox by an attacker.
	_, err := alice.SendMessage(ctx, bobID, "genuine")
	require.NoError(t, err)

	bobAddr, err := bob.MailboxAddress(ctx)
	require.NoError(t, err)
	h, err := host.Open(ctx, bobAddr)
	require.NoError(t, err)
	require.NoError(t, h.WriteSlot(ctx, 40, []byte("not an envelope at all")))
	require.NoError(t, h.Close())

	received, err := bob.PollMessages(ctx)
	require.NoError(t, err)
	require.Len(t, received, 1)
	assert.Equal(t, "genuine", received[0].Plaintext)
}
