// Package store defines the storage contracts the rankings engine consumes:
// fixed-size record blocks addressed by Addr, and a single control blob.
//
// Implementations are provided in store/mem (arena in memory) and
// store/blockfile (disk-backed).
package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by ControlStore.Load when nothing was persisted yet.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidAddr is returned when an address does not resolve to an allocated block.
	ErrInvalidAddr = errors.New("store: invalid address")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")
	// ErrBlockSize is returned when a buffer does not match the store block size.
	ErrBlockSize = errors.New("store: wrong block size")
)

// Addr is an opaque 32-bit storage address. The zero value is the sentinel
// meaning "no record".
//
// Layout: bit 31 initialized, bits 28..30 block kind, bits 24..27 reserved,
// bits 0..23 slot number.
type Addr uint32

// Nil is the sentinel address.
const Nil Addr = 0

// Kind tags the type of block an address points at.
type Kind uint8

const (
	KindExternal Kind = 0
	KindControl  Kind = 1
	KindRecord   Kind = 2
)

const (
	initializedMask = 0x80000000
	kindMask        = 0x70000000
	kindShift       = 28
	reservedMask    = 0x0F000000
	slotMask        = 0x00FFFFFF

	// MaxSlot is the largest slot number an Addr can carry.
	MaxSlot = slotMask
)

// NewAddr builds an initialized address of the given kind.
func NewAddr(kind Kind, slot uint32) Addr {
	if slot > MaxSlot {
		panic(fmt.Sprintf("store: slot %d out of range", slot))
	}
	return Addr(initializedMask | uint32(kind)<<kindShift&kindMask | slot)
}

// IsInitialized reports whether a is not the sentinel.
func (a Addr) IsInitialized() bool { return a&initializedMask != 0 }

// Kind returns the block kind encoded in a.
func (a Addr) Kind() Kind { return Kind((a & kindMask) >> kindShift) }

// Slot returns the slot number encoded in a.
func (a Addr) Slot() uint32 { return uint32(a & slotMask) }

// SanityCheck reports whether a is a well-formed initialized address.
func (a Addr) SanityCheck() bool {
	return a.IsInitialized() && a&reservedMask == 0
}

func (a Addr) String() string {
	if !a.IsInitialized() {
		return "nil"
	}
	return fmt.Sprintf("0x%08x", uint32(a))
}

// RecordStore resolves addresses to fixed-size blocks and allocates them.
// Block contents are opaque to the store.
type RecordStore interface {
	// BlockSize is the size of every block in bytes.
	BlockSize() int
	// Allocate reserves a new block and returns its address. The block is
	// zero-filled until the first Save.
	Allocate() (Addr, error)
	// Load copies the block at a into buf (len(buf) == BlockSize()).
	Load(a Addr, buf []byte) error
	// Save overwrites the block at a with buf.
	Save(a Addr, buf []byte) error
	// Free releases the block at a. Later loads fail with ErrInvalidAddr.
	Free(a Addr) error
}

// ControlStore persists the single control blob.
type ControlStore interface {
	// LoadControl returns the last persisted blob or ErrNotFound.
	LoadControl() ([]byte, error)
	// PersistControl replaces the blob. Calls are applied in order.
	PersistControl(data []byte) error
}
