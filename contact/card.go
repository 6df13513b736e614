package contact

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Card is the out-of-band contact exchange payload: enough for the peer
// to add us, derive the pairwise fingerprint, and reach our mailbox. The
// mailbox address may be empty if transport was not provisioned yet.
type Card struct {
	Name           string
	PublicKey      [32]byte
	MailboxAddress string
}

const cardSeparator = "|"

// Encode serializes the card as name|pubkey|mailbox|checksum. The
// trailing checksum catches transcription errors when the card is typed
// or read over a voice channel.
func (c *Card) Encode() (string, error) {
	if c.Name == "" {
		return "", errors.New("card has no name")
	}
	if strings.Contains(c.Name, cardSeparator) {
		return "", fmt.Errorf("card name must not contain %q", cardSeparator)
	}
	if strings.Contains(c.MailboxAddress, cardSeparator) {
		return "", fmt.Errorf("mailbox address must not contain %q", cardSeparator)
	}

	fields := []string{
		c.Name,
		hex.EncodeToString(c.PublicKey[:]),
		c.MailboxAddress,
		hex.EncodeToString(c.checksum()),
	}
	return strings.Join(fields, cardSeparator), nil
}

// ParseCard decodes and validates a contact card string.
func ParseCard(s string) (*Card, error) {
	fields := strings.Split(s, cardSeparator)
	if len(fields) != 4 {
		return nil, fmt.Errorf("invalid card: %d fields (want 4)", len(fields))
	}

	c := &Card{
		Name:           fields[0],
		MailboxAddress: fields[2],
	}
	if c.Name == "" {
		return nil, errors.New("invalid card: empty name")
	}

	pub, err := hex.DecodeString(fields[1])
	if err != nil || len(pub) != 32 {
		return nil, errors.New("invalid card: bad public key")
	}
	copy(c.PublicKey[:], pub)

	sum, err := hex.DecodeString(fields[3])
	if err != nil || len(sum) != 2 {
		return nil, errors.New("invalid card: bad checksum")
	}
	if sum[0] != c.checksum()[0] || sum[1] != c.checksum()[1] {
		return nil, errors.New("invalid card: checksum mismatch")
	}

	return c, nil
}

// checksum XOR-folds the public key and mailbox address into two bytes.
func (c *Card) checksum() []byte {
	var sum [2]byte
	for i, b := range c.PublicKey {
		sum[i%2] ^= b
	}
	for i := 0; i < len(c.MailboxAddress); i++ {
		sum[i%2] ^= c.MailboxAddress[i]
	}
	return sum[:]
}
