package contact

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/hushbox/crypto"
	"github.com/opd-ai/hushbox/storage"
)

func testRegistry(t *testing.T) (*Registry, *crypto.KeyPair) {
	t.Helper()

	var key [32]byte
	key[0] = 1
	store, err := storage.Create(filepath.Join(t.TempDir(), "store.db"), key)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	return NewRegistry(store, keys), keys
}

func TestRegistryAddAndGet(t *testing.T) {
	reg, keys := testRegistry(t)

	peer, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	c, err := reg.Add("Alice", peer.Public, "mbx:alice")
	require.NoError(t, err)

	assert.Equal(t, "Alice", c.Name)
	assert.Equal(t, TrustNone, c.TrustLevel)
	assert.False(t, c.Verified)
	assert.True(t, c.CanReceive())
	assert.Equal(t, crypto.Fingerprint(keys.Public, peer.Public), c.Fingerprint)

	// The shared seed must match what the peer computes on their side.
	peerSeed, err := crypto.DeriveSharedSecret(keys.Public, peer.Private)
	require.NoError(t, err)
	assert.Equal(t, peerSeed, c.SharedSecretSeed)

	got, err := reg.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, c.SharedSecretSeed, got.SharedSecretSeed)
}

func TestRegistryAddWithoutMailbox(t *testing.T) {
	reg, _ := testRegistry(t)

	peer, _ := crypto.GenerateKeyPair()
	c, err := reg.Add("Bob", peer.Public, "")
	require.NoError(t, err)
	assert.False(t, c.CanReceive())

	// Supplying the address later makes the contact reachable.
	require.NoError(t, reg.SetMailboxAddress(c.ID, "mbx:bob"))
	got, err := reg.Get(c.ID)
	require.NoError(t, err)
	assert.True(t, got.CanReceive())
	assert.Equal(t, "mbx:bob", got.MailboxAddress)
}

func TestRegistryVerifyAndTrust(t *testing.T) {
	reg, _ := testRegistry(t)

	peer, _ := crypto.GenerateKeyPair()
	c, err := reg.Add("Carol", peer.Public, "")
	require.NoError(t, err)

	require.NoError(t, reg.Verify(c.ID))
	require.NoError(t, reg.SetTrustLevel(c.ID, TrustFull))

	got, err := reg.Get(c.ID)
	require.NoError(t, err)
	assert.True(t, got.Verified)
	assert.Equal(t, TrustFull, got.TrustLevel)

	assert.ErrorIs(t, reg.SetTrustLevel(c.ID, TrustLevel(4)), ErrInvalidTrustLevel)
}

func TestRegistryRemove(t *testing.T) {
	reg, _ := testRegistry(t)

	peer, _ := crypto.GenerateKeyPair()
	c, err := reg.Add("Dave", peer.Public, "")
	require.NoError(t, err)

	require.NoError(t, reg.Remove(c.ID))

	_, err = reg.Get(c.ID)
	assert.ErrorIs(t, err, ErrContactNotFound)
	assert.ErrorIs(t, reg.Remove(c.ID), ErrContactNotFound)
}

func TestRegistryMissingContact(t *testing.T) {
	reg, _ := testRegistry(t)

	_, err := reg.Get(uuid.New())
	assert.ErrorIs(t, err, ErrContactNotFound)
	assert.ErrorIs(t, reg.Verify(uuid.New()), ErrContactNotFound)
}

func TestRegistryList(t *testing.T) {
	reg, _ := testRegistry(t)

	for _, name := range []string{"first", "second", "third"} {
		peer, _ := crypto.GenerateKeyPair()
		_, err := reg.Add(name, peer.Public, "")
		require.NoError(t, err)
	}

	list, err := reg.List()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "first", list[0].Name)
	assert.Equal(t, "third", list[2].Name)
}

func TestCardRoundTrip(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	card := &Card{
		Name:           "Alice",
		PublicKey:      keys.Public,
		MailboxAddress: "mbx:alice",
	}

	encoded, err := card.Encode()
	require.NoError(t, err)

	decoded, err := ParseCard(encoded)
	require.NoError(t, err)
	assert.Equal(t, card, decoded)
}

func TestCardNoMailbox(t *testing.T) {
	keys, _ := crypto.GenerateKeyPair()
	card := &Card{Name: "Bob", PublicKey: keys.Public}

	encoded, err := card.Encode()
	require.NoError(t, err)

	decoded, err := ParseCard(encoded)
	require.NoError(t, err)
	assert.Empty(t, decoded.MailboxAddress)
}

func TestCardCorruption(t *testing.T) {
	keys, _ := crypto.GenerateKeyPair()
	card := &Card{Name: "Eve", PublicKey: keys.Public, MailboxAddress: "mbx:eve"}

	encoded, err := card.Encode()
	require.NoError(t, err)

	cases := []struct {
		name  string
		input string
	}{
		{"truncated", encoded[:len(encoded)-3]},
		{"altered mailbox", strings.Replace(encoded, "mbx:eve", "mbx:evf", 1)},
		{"too few fields", "just-a-name"},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseCard(tc.input)
			assert.Error(t, err)
		})
	}
}

func TestCardValidation(t *testing.T) {
	keys, _ := crypto.GenerateKeyPair()

	_, err := (&Card{PublicKey: keys.Public}).Encode()
	assert.Error(t, err, "empty name accepted")

	_, err = (&Card{Name: "a|b", PublicKey: keys.Public}).Encode()
	assert.Error(t, err, "separator in name accepted")
}
