// Package blockfile implements the store contracts on disk.
//
// A cache directory holds two files:
//
//   - records.blk: a header followed by fixed-size slots. Each slot is one
//     state byte (free/used) and one block.
//   - control.blk: a header followed by two control slots written
//     alternately; each carries a sequence number and an xxhash64 checksum,
//     so a torn control write falls back to the previous copy.
//
// Both headers carry the same instance id (a UUID); opening a directory whose
// files disagree fails with ErrMismatch.
package blockfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/IvanBrykalov/diskrank/store"
)

const (
	RecordsFile = "records.blk"
	ControlFile = "control.blk"

	recordsMagic = 0x46425244 // "DRBF"
	controlMagic = 0x43435244 // "DRCC"
	version      = 1

	headerSize = 64
	// MaxControlSize bounds the control blob.
	MaxControlSize = 512

	slotFree byte = 0
	slotUsed byte = 1

	defaultCacheSlots = 4096
)

var (
	// ErrCorrupt is returned when a file header or both control copies are unreadable.
	ErrCorrupt = errors.New("blockfile: corrupt file")
	// ErrMismatch is returned when the two files belong to different instances.
	ErrMismatch = errors.New("blockfile: files belong to different instances")
)

// Options configures a block file store.
type Options struct {
	// Dir is the cache directory; it is created if missing.
	Dir string
	// BlockSize is the record block size. Required when creating, checked when opening.
	BlockSize int
	// SyncWrites fsyncs after every control write.
	SyncWrites bool
	// CacheSlots is the number of slots kept in the read cache (0 => 4096, <0 disables).
	CacheSlots int
}

// Store is a disk-backed RecordStore and ControlStore. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	id         uuid.UUID
	blockSize  int
	syncWrites bool

	records *os.File
	control *os.File

	state []byte   // slot state, index = slot-1
	free  []uint32 // freed slots available for reuse
	// reserved slots were handed out by Allocate but never saved.
	reserved map[uint32]struct{}

	cache *lru.Cache[uint32, []byte]

	ctlSeq uint64
	closed bool
}

// Open opens or creates the store in opt.Dir.
func Open(opt Options) (*Store, error) {
	if opt.BlockSize <= 0 {
		return nil, fmt.Errorf("blockfile: block size must be > 0")
	}
	if err := os.MkdirAll(opt.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("blockfile: create dir %s: %w", opt.Dir, err)
	}

	s := &Store{
		blockSize:  opt.BlockSize,
		syncWrites: opt.SyncWrites,
		reserved:   make(map[uint32]struct{}),
	}
	if n := opt.CacheSlots; n >= 0 {
		if n == 0 {
			n = defaultCacheSlots
		}
		c, err := lru.New[uint32, []byte](n)
		if err != nil {
			return nil, fmt.Errorf("blockfile: read cache: %w", err)
		}
		s.cache = c
	}

	recPath := filepath.Join(opt.Dir, RecordsFile)
	ctlPath := filepath.Join(opt.Dir, ControlFile)
	_, recErr := os.Stat(recPath)
	_, ctlErr := os.Stat(ctlPath)

	var err error
	switch {
	case os.IsNotExist(recErr) && os.IsNotExist(ctlErr):
		err = s.create(recPath, ctlPath)
	case recErr == nil && ctlErr == nil:
		err = s.open(recPath, ctlPath)
	default:
		err = fmt.Errorf("%w: %s has only one of %s/%s", ErrMismatch, opt.Dir, RecordsFile, ControlFile)
	}
	if err != nil {
		s.closeFiles()
		return nil, err
	}
	return s, nil
}

// Remove deletes both files of the store in dir. Used to rebuild from empty.
func Remove(dir string) error {
	for _, name := range []string{RecordsFile, ControlFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("blockfile: remove %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) create(recPath, ctlPath string) error {
	s.id = uuid.New()

	var err error
	if s.records, err = os.OpenFile(recPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644); err != nil {
		return fmt.Errorf("blockfile: create %s: %w", recPath, err)
	}
	if s.control, err = os.OpenFile(ctlPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644); err != nil {
		return fmt.Errorf("blockfile: create %s: %w", ctlPath, err)
	}
	if _, err := s.records.WriteAt(s.header(recordsMagic, uint32(s.blockSize)), 0); err != nil {
		return fmt.Errorf("blockfile: write header: %w", err)
	}
	ctl := make([]byte, headerSize+2*controlSlotSize)
	copy(ctl, s.header(controlMagic, MaxControlSize))
	if _, err := s.control.WriteAt(ctl, 0); err != nil {
		return fmt.Errorf("blockfile: write header: %w", err)
	}
	return nil
}

func (s *Store) open(recPath, ctlPath string) error {
	var err error
	if s.records, err = os.OpenFile(recPath, os.O_RDWR, 0o644); err != nil {
		return fmt.Errorf("blockfile: open %s: %w", recPath, err)
	}
	if s.control, err = os.OpenFile(ctlPath, os.O_RDWR, 0o644); err != nil {
		return fmt.Errorf("blockfile: open %s: %w", ctlPath, err)
	}

	recID, recSize, err := readHeader(s.records, recordsMagic)
	if err != nil {
		return err
	}
	ctlID, _, err := readHeader(s.control, controlMagic)
	if err != nil {
		return err
	}
	if recID != ctlID {
		return fmt.Errorf("%w: %s != %s", ErrMismatch, recID, ctlID)
	}
	if int(recSize) != s.blockSize {
		return fmt.Errorf("%w: block size %d, want %d", ErrCorrupt, recSize, s.blockSize)
	}
	s.id = recID
	if _, _, err := s.readControl(); err != nil {
		return err
	}
	return s.scan()
}

// scan rebuilds the slot state table and free list from the records file.
func (s *Store) scan() error {
	fi, err := s.records.Stat()
	if err != nil {
		return fmt.Errorf("blockfile: stat: %w", err)
	}
	stride := int64(1 + s.blockSize)
	n := (fi.Size() - headerSize) / stride
	if n < 0 {
		return fmt.Errorf("%w: short records file", ErrCorrupt)
	}
	s.state = make([]byte, n)
	buf := make([]byte, 1)
	for i := int64(0); i < n; i++ {
		if _, err := s.records.ReadAt(buf, headerSize+i*stride); err != nil {
			return fmt.Errorf("blockfile: scan slot %d: %w", i+1, err)
		}
		s.state[i] = buf[0]
		if buf[0] != slotUsed {
			s.state[i] = slotFree
			s.free = append(s.free, uint32(i+1))
		}
	}
	return nil
}

func (s *Store) header(magic, size uint32) []byte {
	h := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(h[0:], magic)
	binary.LittleEndian.PutUint32(h[4:], version)
	binary.LittleEndian.PutUint32(h[8:], size)
	copy(h[12:28], s.id[:])
	binary.LittleEndian.PutUint64(h[28:], xxhash.Sum64(h[:28]))
	return h
}

func readHeader(f *os.File, magic uint32) (uuid.UUID, uint32, error) {
	h := make([]byte, headerSize)
	if _, err := f.ReadAt(h, 0); err != nil {
		return uuid.Nil, 0, fmt.Errorf("%w: %s header: %v", ErrCorrupt, f.Name(), err)
	}
	if binary.LittleEndian.Uint32(h[0:]) != magic ||
		binary.LittleEndian.Uint32(h[4:]) != version ||
		binary.LittleEndian.Uint64(h[28:]) != xxhash.Sum64(h[:28]) {
		return uuid.Nil, 0, fmt.Errorf("%w: %s header", ErrCorrupt, f.Name())
	}
	id, err := uuid.FromBytes(h[12:28])
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("%w: %s id: %v", ErrCorrupt, f.Name(), err)
	}
	return id, binary.LittleEndian.Uint32(h[8:]), nil
}

// ID returns the instance id shared by both files.
func (s *Store) ID() uuid.UUID { return s.id }

func (s *Store) BlockSize() int { return s.blockSize }

// Allocate hands out a free slot, growing the file when none is left.
// The slot is only marked used on disk by its first Save.
func (s *Store) Allocate() (store.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.Nil, store.ErrClosed
	}

	var slot uint32
	if n := len(s.free); n > 0 {
		slot = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		slot = uint32(len(s.state)) + 1
		if slot > store.MaxSlot {
			return store.Nil, fmt.Errorf("blockfile: records file full")
		}
		s.state = append(s.state, slotFree)
	}
	s.reserved[slot] = struct{}{}
	return store.NewAddr(store.KindRecord, slot), nil
}

func (s *Store) Load(a store.Addr, buf []byte) error {
	if len(buf) != s.blockSize {
		return store.ErrBlockSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, err := s.resolve(a)
	if err != nil {
		return err
	}
	if _, ok := s.reserved[slot]; ok {
		clear(buf)
		return nil
	}
	if s.cache != nil {
		if b, ok := s.cache.Get(slot); ok {
			copy(buf, b)
			return nil
		}
	}
	if _, err := s.records.ReadAt(buf, s.offset(slot)+1); err != nil {
		return fmt.Errorf("blockfile: read slot %d: %w", slot, err)
	}
	if s.cache != nil {
		s.cache.Add(slot, append([]byte(nil), buf...))
	}
	return nil
}

func (s *Store) Save(a store.Addr, buf []byte) error {
	if len(buf) != s.blockSize {
		return store.ErrBlockSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, err := s.resolve(a)
	if err != nil {
		return err
	}
	rec := make([]byte, 1+s.blockSize)
	rec[0] = slotUsed
	copy(rec[1:], buf)
	if _, err := s.records.WriteAt(rec, s.offset(slot)); err != nil {
		return fmt.Errorf("blockfile: write slot %d: %w", slot, err)
	}
	delete(s.reserved, slot)
	s.state[slot-1] = slotUsed
	if s.cache != nil {
		s.cache.Add(slot, rec[1:])
	}
	return nil
}

func (s *Store) Free(a store.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, err := s.resolve(a)
	if err != nil {
		return err
	}
	if _, ok := s.reserved[slot]; !ok {
		if _, err := s.records.WriteAt([]byte{slotFree}, s.offset(slot)); err != nil {
			return fmt.Errorf("blockfile: free slot %d: %w", slot, err)
		}
	}
	delete(s.reserved, slot)
	s.state[slot-1] = slotFree
	s.free = append(s.free, slot)
	if s.cache != nil {
		s.cache.Remove(slot)
	}
	return nil
}

// Len returns the number of used or reserved slots.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.reserved)
	for _, st := range s.state {
		if st == slotUsed {
			n++
		}
	}
	return n
}

// resolve validates a and returns its slot (mu held).
func (s *Store) resolve(a store.Addr) (uint32, error) {
	if s.closed {
		return 0, store.ErrClosed
	}
	if !a.SanityCheck() || a.Kind() != store.KindRecord {
		return 0, fmt.Errorf("%w: %s", store.ErrInvalidAddr, a)
	}
	slot := a.Slot()
	if slot == 0 || int(slot) > len(s.state) {
		return 0, fmt.Errorf("%w: %s", store.ErrInvalidAddr, a)
	}
	if _, ok := s.reserved[slot]; !ok && s.state[slot-1] != slotUsed {
		return 0, fmt.Errorf("%w: %s not allocated", store.ErrInvalidAddr, a)
	}
	return slot, nil
}

func (s *Store) offset(slot uint32) int64 {
	return headerSize + int64(slot-1)*int64(1+s.blockSize)
}

// ---- control ----

const controlSlotSize = 8 + 4 + MaxControlSize + 8

func (s *Store) LoadControl() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	best, written, err := s.readControl()
	switch {
	case err != nil:
		return nil, err
	case best != nil:
		return best, nil
	case written:
		return nil, fmt.Errorf("%w: no valid control copy", ErrCorrupt)
	default:
		return nil, store.ErrNotFound
	}
}

// readControl returns the newest valid control copy and sets ctlSeq to its
// sequence number, so the next write lands in the other slot (mu held).
// written reports whether any slot was ever written.
func (s *Store) readControl() (best []byte, written bool, err error) {
	var bestSeq uint64
	slot := make([]byte, controlSlotSize)
	for i := 0; i < 2; i++ {
		if _, err := s.control.ReadAt(slot, headerSize+int64(i)*controlSlotSize); err != nil && !errors.Is(err, io.EOF) {
			return nil, false, fmt.Errorf("blockfile: read control: %w", err)
		}
		seq := binary.LittleEndian.Uint64(slot[0:])
		if seq == 0 {
			continue
		}
		written = true
		n := binary.LittleEndian.Uint32(slot[8:])
		if n > MaxControlSize {
			continue
		}
		sum := binary.LittleEndian.Uint64(slot[12+MaxControlSize:])
		if sum != xxhash.Sum64(slot[:12+n]) {
			continue
		}
		if seq > bestSeq {
			bestSeq = seq
			best = append([]byte(nil), slot[12:12+n]...)
		}
	}
	s.ctlSeq = bestSeq
	return best, written, nil
}

// PersistControl writes data into the older of the two control slots.
func (s *Store) PersistControl(data []byte) error {
	if len(data) > MaxControlSize {
		return fmt.Errorf("blockfile: control blob of %d bytes exceeds %d", len(data), MaxControlSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	seq := s.ctlSeq + 1
	slot := make([]byte, controlSlotSize)
	binary.LittleEndian.PutUint64(slot[0:], seq)
	binary.LittleEndian.PutUint32(slot[8:], uint32(len(data)))
	copy(slot[12:], data)
	binary.LittleEndian.PutUint64(slot[12+MaxControlSize:], xxhash.Sum64(slot[:12+len(data)]))

	off := headerSize + int64(seq%2)*controlSlotSize
	if _, err := s.control.WriteAt(slot, off); err != nil {
		return fmt.Errorf("blockfile: write control: %w", err)
	}
	if s.syncWrites {
		if err := s.control.Sync(); err != nil {
			return fmt.Errorf("blockfile: sync control: %w", err)
		}
	}
	s.ctlSeq = seq
	return nil
}

// Sync flushes both files to stable storage.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	if err := s.records.Sync(); err != nil {
		return fmt.Errorf("blockfile: sync records: %w", err)
	}
	if err := s.control.Sync(); err != nil {
		return fmt.Errorf("blockfile: sync control: %w", err)
	}
	return nil
}

// Close releases the files. Reserved but unsaved slots are forgotten.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.closeFiles()
}

func (s *Store) closeFiles() error {
	var errs []error
	for _, f := range []*os.File{s.records, s.control} {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	return errors.Join(errs...)
}

var (
	_ store.RecordStore  = (*Store)(nil)
	_ store.ControlStore = (*Store)(nil)
)
