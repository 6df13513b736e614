// Package mailbox implements the store-and-forward mailbox transport for
// hushbox.
//
// A mailbox is a distributed, addressable record with a fixed number of
// writable slots. Anyone holding the address can drop an envelope into an
// empty slot; only the owner polls and clears its own slots. The record
// primitive itself (a DHT-hosted record in production) is an external
// collaborator behind the Host interface; this package ships an in-memory
// host for tests and a bbolt-backed host for local or simulated networks.
package mailbox

import "context"

// Address is an opaque, serializable handle sufficient for a peer to open
// the distributed record. It travels inside contact cards.
type Address string

// Host is the minimal record primitive the transport depends on. The
// routing and anonymity properties of the production implementation are
// taken as given.
type Host interface {
	// Create allocates a record with the given number of empty slots.
	Create(ctx context.Context, slotCount int) (Address, error)
	// Open returns a handle to an existing record.
	Open(ctx context.Context, addr Address) (Handle, error)
}

// Handle is an open record. Slot writes are atomic: a cancelled write
// either completed or it did not, never a partial slot.
type Handle interface {
	// SlotCount returns the record's fixed slot count.
	SlotCount() int
	// ReadSlot returns the slot's contents, or nil if the slot is empty.
	ReadSlot(ctx context.Context, slot int) ([]byte, error)
	// WriteSlot replaces the slot's contents. Writing nil or empty data
	// clears the slot.
	WriteSlot(ctx context.Context, slot int, data []byte) error
	// Close releases the handle.
	Close() error
}
