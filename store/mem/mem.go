// Package mem implements the store contracts on an in-memory arena.
// Writes are visible immediately, which makes it suitable for crash
// simulation: whatever was saved before a panic is what the next engine sees.
package mem

import (
	"sync"

	"github.com/IvanBrykalov/diskrank/store"
)

// Store is an arena of fixed-size blocks plus a control blob.
// It is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	blockSize int
	blocks    map[uint32][]byte
	free      []uint32
	next      uint32 // next never-used slot
	control   []byte
}

// New creates an empty arena with the given block size.
func New(blockSize int) *Store {
	if blockSize <= 0 {
		panic("mem: block size must be > 0")
	}
	return &Store{
		blockSize: blockSize,
		blocks:    make(map[uint32][]byte),
		next:      1, // slot 0 is never handed out
	}
}

func (s *Store) BlockSize() int { return s.blockSize }

// Allocate reuses a freed slot when one exists.
func (s *Store) Allocate() (store.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var slot uint32
	if n := len(s.free); n > 0 {
		slot = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		if s.next > store.MaxSlot {
			return store.Nil, store.ErrInvalidAddr
		}
		slot = s.next
		s.next++
	}
	s.blocks[slot] = make([]byte, s.blockSize)
	return store.NewAddr(store.KindRecord, slot), nil
}

func (s *Store) Load(a store.Addr, buf []byte) error {
	if len(buf) != s.blockSize {
		return store.ErrBlockSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.lookup(a)
	if !ok {
		return store.ErrInvalidAddr
	}
	copy(buf, b)
	return nil
}

func (s *Store) Save(a store.Addr, buf []byte) error {
	if len(buf) != s.blockSize {
		return store.ErrBlockSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.lookup(a)
	if !ok {
		return store.ErrInvalidAddr
	}
	copy(b, buf)
	return nil
}

func (s *Store) Free(a store.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookup(a); !ok {
		return store.ErrInvalidAddr
	}
	delete(s.blocks, a.Slot())
	s.free = append(s.free, a.Slot())
	return nil
}

// Len returns the number of allocated blocks.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}

// Poke overwrites raw bytes of a block, bypassing any encoding. Tests use it
// to fabricate torn writes and broken links.
func (s *Store) Poke(a store.Addr, off int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.lookup(a)
	if !ok || off < 0 || off+len(data) > len(b) {
		return store.ErrInvalidAddr
	}
	copy(b[off:], data)
	return nil
}

func (s *Store) LoadControl() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.control == nil {
		return nil, store.ErrNotFound
	}
	out := make([]byte, len(s.control))
	copy(out, s.control)
	return out, nil
}

func (s *Store) PersistControl(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.control = append(s.control[:0], data...)
	return nil
}

// lookup resolves a to its block (mu held).
func (s *Store) lookup(a store.Addr) ([]byte, bool) {
	if !a.SanityCheck() || a.Kind() != store.KindRecord {
		return nil, false
	}
	b, ok := s.blocks[a.Slot()]
	return b, ok
}

var (
	_ store.RecordStore  = (*Store)(nil)
	_ store.ControlStore = (*Store)(nil)
)
