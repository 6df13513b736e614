package crypto

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Envelope is the wire form of an encrypted message: what actually lands
// in a mailbox slot. It is transient — it exists between encryption and
// either delivery or persistence as a pending send.
type Envelope struct {
	MessageID    [16]byte `cbor:"1,keyasint"`
	SenderRef    [32]byte `cbor:"2,keyasint"`
	RecipientRef [32]byte `cbor:"3,keyasint"`
	Ciphertext   []byte   `cbor:"4,keyasint"`
	Salt         []byte   `cbor:"5,keyasint"`
	Signature    []byte   `cbor:"6,keyasint"`
	Timestamp    int64    `cbor:"7,keyasint"`
}

// MaxEnvelopeSize bounds what we are willing to decode out of a mailbox
// slot. Anything larger is treated as garbage, not a message.
const MaxEnvelopeSize = 64 * 1024

// Marshal serializes the envelope for a mailbox slot write.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := cbor.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// UnmarshalEnvelope decodes an envelope read from a mailbox slot.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, errors.New("empty envelope data")
	}
	if len(data) > MaxEnvelopeSize {
		return nil, fmt.Errorf("envelope too large: %d bytes", len(data))
	}

	e := &Envelope{}
	if err := cbor.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return e, nil
}

// SentAt returns the sender-claimed timestamp. Ordering across different
// senders is meaningless; this only orders one sender's own messages.
func (e *Envelope) SentAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}
