package rankings

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/IvanBrykalov/diskrank/store"
)

const (
	controlMagic   = 0x4b4e5244 // "DRNK"
	controlVersion = 1
	controlSize    = 112

	flagCounted = 1 << 0
)

type txOp uint32

const (
	opNone txOp = iota
	opInsert
	opRemove
)

func (op txOp) String() string {
	switch op {
	case opNone:
		return "none"
	case opInsert:
		return "insert"
	case opRemove:
		return "remove"
	}
	return fmt.Sprintf("op(%d)", uint32(op))
}

// txLog is the one-slot record of the structural mutation in flight.
// target is set only while the remove half of a rank update is in flight.
type txLog struct {
	op     txOp
	addr   store.Addr
	list   List
	target List
}

func (t txLog) pending() bool { return t.op != opNone }

// controlData is the persisted list state shared by every operation.
type controlData struct {
	id      uuid.UUID
	counted bool
	heads   [NumLists]store.Addr
	tails   [NumLists]store.Addr
	sizes   [NumLists]int32
	tx      txLog
}

func newControlData() controlData {
	c := controlData{id: uuid.New()}
	c.tx.target = NoList
	return c
}

// Layout (little endian):
//
//	0   magic, 4 version, 8 flags, 12 id[16]
//	28  heads[5], 48 tails[5], 68 sizes[5]
//	88  tx op, 92 tx addr, 96 tx list, 100 tx target
//	104 xxhash64 of bytes 0..103
func (c *controlData) marshal() []byte {
	b := make([]byte, controlSize)
	binary.LittleEndian.PutUint32(b[0:], controlMagic)
	binary.LittleEndian.PutUint32(b[4:], controlVersion)
	var flags uint32
	if c.counted {
		flags |= flagCounted
	}
	binary.LittleEndian.PutUint32(b[8:], flags)
	copy(b[12:28], c.id[:])
	for i := 0; i < NumLists; i++ {
		binary.LittleEndian.PutUint32(b[28+4*i:], uint32(c.heads[i]))
		binary.LittleEndian.PutUint32(b[48+4*i:], uint32(c.tails[i]))
		binary.LittleEndian.PutUint32(b[68+4*i:], uint32(c.sizes[i]))
	}
	binary.LittleEndian.PutUint32(b[88:], uint32(c.tx.op))
	binary.LittleEndian.PutUint32(b[92:], uint32(c.tx.addr))
	binary.LittleEndian.PutUint32(b[96:], uint32(c.tx.list))
	binary.LittleEndian.PutUint32(b[100:], uint32(c.tx.target))
	binary.LittleEndian.PutUint64(b[104:], xxhash.Sum64(b[:104]))
	return b
}

func (c *controlData) unmarshal(b []byte) error {
	if len(b) != controlSize {
		return fmt.Errorf("size %d, want %d", len(b), controlSize)
	}
	if binary.LittleEndian.Uint32(b[0:]) != controlMagic {
		return fmt.Errorf("bad magic")
	}
	if v := binary.LittleEndian.Uint32(b[4:]); v != controlVersion {
		return fmt.Errorf("unsupported version %d", v)
	}
	if binary.LittleEndian.Uint64(b[104:]) != xxhash.Sum64(b[:104]) {
		return fmt.Errorf("checksum mismatch")
	}

	c.counted = binary.LittleEndian.Uint32(b[8:])&flagCounted != 0
	id, err := uuid.FromBytes(b[12:28])
	if err != nil {
		return fmt.Errorf("id: %w", err)
	}
	c.id = id
	for i := 0; i < NumLists; i++ {
		c.heads[i] = store.Addr(binary.LittleEndian.Uint32(b[28+4*i:]))
		c.tails[i] = store.Addr(binary.LittleEndian.Uint32(b[48+4*i:]))
		c.sizes[i] = int32(binary.LittleEndian.Uint32(b[68+4*i:]))
	}
	c.tx = txLog{
		op:     txOp(binary.LittleEndian.Uint32(b[88:])),
		addr:   store.Addr(binary.LittleEndian.Uint32(b[92:])),
		list:   List(int32(binary.LittleEndian.Uint32(b[96:]))),
		target: List(int32(binary.LittleEndian.Uint32(b[100:]))),
	}
	return c.validate()
}

// validate rejects control data whose addresses or log cannot be trusted.
func (c *controlData) validate() error {
	for i := 0; i < NumLists; i++ {
		h, t := c.heads[i], c.tails[i]
		if h.IsInitialized() != t.IsInitialized() {
			return fmt.Errorf("list %s: head %s tail %s", List(i), h, t)
		}
		if h.IsInitialized() && (!recordAddr(h) || !recordAddr(t)) {
			return fmt.Errorf("list %s: bad address", List(i))
		}
		if c.sizes[i] < 0 {
			return fmt.Errorf("list %s: negative size", List(i))
		}
	}
	switch c.tx.op {
	case opNone:
	case opInsert, opRemove:
		if !recordAddr(c.tx.addr) || !c.tx.list.Valid() {
			return fmt.Errorf("bad transaction %s %s on %s", c.tx.op, c.tx.addr, c.tx.list)
		}
		if c.tx.target != NoList && (c.tx.op != opRemove || !c.tx.target.Valid()) {
			return fmt.Errorf("bad transaction target %s", c.tx.target)
		}
	default:
		return fmt.Errorf("unknown transaction %s", c.tx.op)
	}
	return nil
}

// recordAddr reports whether a is a well-formed record address.
func recordAddr(a store.Addr) bool {
	return a.SanityCheck() && a.Kind() == store.KindRecord
}
