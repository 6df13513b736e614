package mailbox

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltHost is a file-backed Host implementation. It gives durable
// mailboxes for local or LAN-simulated networks and for tests that need
// records to survive a restart. One bucket per record, one key per slot.
type BoltHost struct {
	db *bolt.DB
}

const boltSlotCountKey = "slot-count"

// NewBoltHost opens or creates a record host database at path.
func NewBoltHost(path string) (*BoltHost, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open mailbox host db: %w", err)
	}
	return &BoltHost{db: db}, nil
}

// Close closes the backing database.
func (h *BoltHost) Close() error {
	return h.db.Close()
}

// Create implements Host.
func (h *BoltHost) Create(ctx context.Context, slotCount int) (Address, error) {
	if slotCount <= 0 {
		return "", fmt.Errorf("invalid slot count: %d", slotCount)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	addr := Address("bolt:" + hex.EncodeToString(raw[:]))

	err := h.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucket([]byte(addr))
		if err != nil {
			return err
		}
		var count [4]byte
		binary.BigEndian.PutUint32(count[:], uint32(slotCount))
		return b.Put([]byte(boltSlotCountKey), count[:])
	})
	if err != nil {
		return "", fmt.Errorf("failed to create record: %w", err)
	}
	return addr, nil
}

// Open implements Host.
func (h *BoltHost) Open(ctx context.Context, addr Address) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var slotCount int
	err := h.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(addr))
		if b == nil {
			return ErrRecordNotFound
		}
		raw := b.Get([]byte(boltSlotCountKey))
		if len(raw) != 4 {
			return fmt.Errorf("record %q has no slot count", addr)
		}
		slotCount = int(binary.BigEndian.Uint32(raw))
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &boltHandle{host: h, addr: addr, slotCount: slotCount}, nil
}

type boltHandle struct {
	host      *BoltHost
	addr      Address
	slotCount int
}

func slotKey(slot int) []byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(slot))
	return key[:]
}

func (bh *boltHandle) SlotCount() int {
	return bh.slotCount
}

func (bh *boltHandle) ReadSlot(ctx context.Context, slot int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if slot < 0 || slot >= bh.slotCount {
		return nil, fmt.Errorf("slot %d out of range", slot)
	}

	var data []byte
	err := bh.host.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bh.addr))
		if b == nil {
			return ErrRecordNotFound
		}
		if raw := b.Get(slotKey(slot)); raw != nil {
			data = make([]byte, len(raw))
			copy(data, raw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (bh *boltHandle) WriteSlot(ctx context.Context, slot int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if slot < 0 || slot >= bh.slotCount {
		return fmt.Errorf("slot %d out of range", slot)
	}

	return bh.host.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bh.addr))
		if b == nil {
			return ErrRecordNotFound
		}
		if len(data) == 0 {
			return b.Delete(slotKey(slot))
		}
		return b.Put(slotKey(slot), data)
	})
}

func (bh *boltHandle) Close() error {
	return nil
}
