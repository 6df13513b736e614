package mailbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hushbox/crypto"
)

const (
	// DefaultSlotCount is the fixed slot count for provisioned mailboxes.
	DefaultSlotCount = 50
	// DefaultTimeout bounds every mailbox network operation.
	DefaultTimeout = 10 * time.Second
)

// Transport delivers envelopes to peer mailboxes and polls our own.
//
// A full mailbox, an unreachable host, and a timed-out operation all
// come back as the same undelivered result, never as distinct errors:
// the distinction is not actionable for the caller, and a uniform signal
// keeps retry logic in one place. Nothing here retries on its own.
type Transport struct {
	host      Host
	slotCount int
	timeout   time.Duration

	// pollMu serializes polls of our own mailbox. Two concurrent polls
	// could race to clear the same slot and drop an envelope.
	pollMu sync.Mutex
}

// NewTransport creates a transport over a record host. Zero values for
// slotCount and timeout select the defaults.
func NewTransport(host Host, slotCount int, timeout time.Duration) *Transport {
	if slotCount <= 0 {
		slotCount = DefaultSlotCount
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Transport{host: host, slotCount: slotCount, timeout: timeout}
}

// Provision creates our own mailbox record and returns its address, to
// be shared with future contacts out-of-band inside a contact card.
func (t *Transport) Provision(ctx context.Context) (Address, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	addr, err := t.host.Create(ctx, t.slotCount)
	if err != nil {
		return "", fmt.Errorf("failed to provision mailbox: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Provision",
		"slots":    t.slotCount,
	}).Info("Mailbox provisioned")

	return addr, nil
}

// Send writes the envelope into the first empty slot of the peer's
// mailbox. It returns false — not an error — when every slot is occupied
// or the mailbox is unreachable within the timeout; the caller decides
// whether to queue, retry, or surface the failure. Occupied slots are
// never overwritten.
func (t *Transport) Send(ctx context.Context, env *crypto.Envelope, peer Address) (bool, error) {
	data, err := env.Marshal()
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	log := logrus.WithFields(logrus.Fields{
		"function":   "Send",
		"message_id": fmt.Sprintf("%x", env.MessageID[:4]),
	})

	h, err := t.host.Open(ctx, peer)
	if err != nil {
		log.WithError(err).Warn("Peer mailbox unreachable")
		return false, nil
	}
	defer h.Close()

	for slot := 0; slot < h.SlotCount(); slot++ {
		current, err := h.ReadSlot(ctx, slot)
		if err != nil {
			log.WithError(err).Warn("Slot read failed, reporting undelivered")
			return false, nil
		}
		if len(current) != 0 {
			continue
		}
		if err := h.WriteSlot(ctx, slot, data); err != nil {
			log.WithError(err).Warn("Slot write failed, reporting undelivered")
			return false, nil
		}
		log.WithField("slot", slot).Debug("Envelope delivered")
		return true, nil
	}

	log.Debug("Peer mailbox full, reporting undelivered")
	return false, nil
}

// Poll reads every slot of our own mailbox, clears each occupied slot to
// reclaim capacity, and returns the decoded envelopes. A slot holding
// garbage is cleared and skipped — one malformed envelope must never halt
// processing of the remaining slots. Order across senders is meaningless;
// per-sender order comes from the envelope timestamps.
func (t *Transport) Poll(ctx context.Context, own Address) ([]*crypto.Envelope, error) {
	t.pollMu.Lock()
	defer t.pollMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	log := logrus.WithField("function", "Poll")

	h, err := t.host.Open(ctx, own)
	if err != nil {
		return nil, fmt.Errorf("failed to open own mailbox: %w", err)
	}
	defer h.Close()

	var envelopes []*crypto.Envelope
	for slot := 0; slot < h.SlotCount(); slot++ {
		data, err := h.ReadSlot(ctx, slot)
		if err != nil {
			return envelopes, fmt.Errorf("failed to read slot %d: %w", slot, err)
		}
		if len(data) == 0 {
			continue
		}

		// Clear first, decode after: the slot must be reclaimed even if
		// its contents turn out to be garbage.
		if err := h.WriteSlot(ctx, slot, nil); err != nil {
			return envelopes, fmt.Errorf("failed to clear slot %d: %w", slot, err)
		}

		env, err := crypto.UnmarshalEnvelope(data)
		if err != nil {
			log.WithError(err).WithField("slot", slot).Warn("Dropping undecodable slot contents")
			continue
		}
		envelopes = append(envelopes, env)
	}

	if len(envelopes) > 0 {
		log.WithField("count", len(envelopes)).Debug("Envelopes collected")
	}
	return envelopes, nil
}
