package rankings

import (
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/IvanBrykalov/diskrank/store"
)

// RecordSize is the persisted size of a rankings record.
const RecordSize = 40

// Record is the in-memory copy of one persisted rankings block.
// Its address never changes while the block is allocated.
//
// A Record handed to the engine is refreshed from storage before it is
// mutated, so a stale copy held by the caller is harmless.
type Record struct {
	addr store.Addr
	data recordData
	// torn is set when the stored self hash did not match on load.
	torn bool
}

type recordData struct {
	lastUsed     int64
	lastModified int64
	next         store.Addr
	prev         store.Addr
	contents     store.Addr
	list         List
	dirty        uint32
}

// Addr returns the storage address of the record.
func (r *Record) Addr() store.Addr { return r.addr }

// Next returns the address of the following (older) record on its list.
func (r *Record) Next() store.Addr { return r.data.next }

// Prev returns the address of the preceding (newer) record on its list.
func (r *Record) Prev() store.Addr { return r.data.prev }

// Contents returns the address of the entry data the record ranks.
func (r *Record) Contents() store.Addr { return r.data.contents }

// List returns the list the record claims to belong to.
func (r *Record) List() List { return r.data.list }

// Dirty returns the write generation of the record.
func (r *Record) Dirty() uint32 { return r.data.dirty }

// LastUsed returns when the record was last inserted or re-ranked.
func (r *Record) LastUsed() time.Time { return time.Unix(0, r.data.lastUsed) }

// LastModified returns the last time an insert or re-rank marked the entry
// as modified.
func (r *Record) LastModified() time.Time { return time.Unix(0, r.data.lastModified) }

// detached reports whether the record carries no links.
func (r *Record) detached() bool {
	return r.data.next == store.Nil && r.data.prev == store.Nil
}

// Layout (little endian):
//
//	0  last_used     int64
//	8  last_modified int64
//	16 next          uint32
//	20 prev          uint32
//	24 contents      uint32
//	28 list          int32
//	32 dirty         uint32
//	36 self_hash     uint32 (low bits of xxhash64 over bytes 0..35)
func (d *recordData) marshal(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], uint64(d.lastUsed))
	binary.LittleEndian.PutUint64(b[8:], uint64(d.lastModified))
	binary.LittleEndian.PutUint32(b[16:], uint32(d.next))
	binary.LittleEndian.PutUint32(b[20:], uint32(d.prev))
	binary.LittleEndian.PutUint32(b[24:], uint32(d.contents))
	binary.LittleEndian.PutUint32(b[28:], uint32(d.list))
	binary.LittleEndian.PutUint32(b[32:], d.dirty)
	binary.LittleEndian.PutUint32(b[36:], uint32(xxhash.Sum64(b[:36])))
}

// unmarshal decodes b and reports whether the self hash matched. A block of
// zeroes (allocated, never stored) decodes as a blank record.
func (d *recordData) unmarshal(b []byte) bool {
	d.lastUsed = int64(binary.LittleEndian.Uint64(b[0:]))
	d.lastModified = int64(binary.LittleEndian.Uint64(b[8:]))
	d.next = store.Addr(binary.LittleEndian.Uint32(b[16:]))
	d.prev = store.Addr(binary.LittleEndian.Uint32(b[20:]))
	d.contents = store.Addr(binary.LittleEndian.Uint32(b[24:]))
	d.list = List(int32(binary.LittleEndian.Uint32(b[28:])))
	d.dirty = binary.LittleEndian.Uint32(b[32:])

	sum := binary.LittleEndian.Uint32(b[36:])
	if sum == 0 && *d == (recordData{}) {
		return true
	}
	return sum == uint32(xxhash.Sum64(b[:36]))
}
