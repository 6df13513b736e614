package mailbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRecordNotFound indicates no record exists at the address.
var ErrRecordNotFound = errors.New("record not found")

// MemoryHost is an in-process Host implementation. It backs tests and
// single-process simulations; several transports can share one instance
// to exchange messages.
type MemoryHost struct {
	mu      sync.Mutex
	records map[Address]*memRecord

	// Latency is added to every slot operation when non-zero, so tests
	// can exercise timeout behavior.
	Latency time.Duration
}

type memRecord struct {
	mu    sync.Mutex
	slots [][]byte
}

// NewMemoryHost creates an empty in-memory record host.
func NewMemoryHost() *MemoryHost {
	return &MemoryHost{records: make(map[Address]*memRecord)}
}

// Create implements Host.
func (h *MemoryHost) Create(ctx context.Context, slotCount int) (Address, error) {
	if slotCount <= 0 {
		return "", fmt.Errorf("invalid slot count: %d", slotCount)
	}
	if err := h.wait(ctx); err != nil {
		return "", err
	}

	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	addr := Address("mem:" + hex.EncodeToString(raw[:]))

	h.mu.Lock()
	h.records[addr] = &memRecord{slots: make([][]byte, slotCount)}
	h.mu.Unlock()

	return addr, nil
}

// Open implements Host.
func (h *MemoryHost) Open(ctx context.Context, addr Address) (Handle, error) {
	if err := h.wait(ctx); err != nil {
		return nil, err
	}

	h.mu.Lock()
	rec, ok := h.records[addr]
	h.mu.Unlock()
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &memHandle{host: h, rec: rec}, nil
}

// wait simulates network latency, honoring cancellation.
func (h *MemoryHost) wait(ctx context.Context) error {
	if h.Latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(h.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type memHandle struct {
	host *MemoryHost
	rec  *memRecord
}

func (mh *memHandle) SlotCount() int {
	mh.rec.mu.Lock()
	defer mh.rec.mu.Unlock()
	return len(mh.rec.slots)
}

func (mh *memHandle) ReadSlot(ctx context.Context, slot int) ([]byte, error) {
	if err := mh.host.wait(ctx); err != nil {
		return nil, err
	}

	mh.rec.mu.Lock()
	defer mh.rec.mu.Unlock()
	if slot < 0 || slot >= len(mh.rec.slots) {
		return nil, fmt.Errorf("slot %d out of range", slot)
	}
	data := mh.rec.slots[slot]
	if data == nil {
		return nil, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (mh *memHandle) WriteSlot(ctx context.Context, slot int, data []byte) error {
	if err := mh.host.wait(ctx); err != nil {
		return err
	}

	mh.rec.mu.Lock()
	defer mh.rec.mu.Unlock()
	if slot < 0 || slot >= len(mh.rec.slots) {
		return fmt.Errorf("slot %d out of range", slot)
	}
	if len(data) == 0 {
		mh.rec.slots[slot] = nil
		return nil
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	mh.rec.slots[slot] = stored
	return nil
}

func (mh *memHandle) Close() error {
	return nil
}
