package rankings

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/diskrank/store"
)

var noTx = txLog{target: NoList}

// Rankings maintains the five ranking lists of a disk cache.
//
// The lists are doubly linked through record addresses, so every link is a
// store write rather than a pointer assignment. Each structural mutation is
// guarded by a one-slot transaction log persisted with the control data:
// the log is written before the first link write and cleared with the last
// control write. Init replays or rolls back whatever a crash left behind.
//
// Rankings is not safe for concurrent use. All calls are expected on the
// cache's I/O thread; callbacks running inside a traversal may call back
// into the engine.
type Rankings struct {
	records store.RecordStore
	control store.ControlStore

	opt Options
	log *zap.Logger

	init  bool
	ctl   controlData
	iters registry

	buf []byte // scratch block for record I/O
}

// New constructs an engine over the given stores. Call Init before use.
// Defaults:
//   - nil Logger  -> zap.NewNop()
//   - nil Metrics -> NoopMetrics
func New(records store.RecordStore, control store.ControlStore, opt Options) *Rankings {
	if records.BlockSize() != RecordSize {
		panic(fmt.Sprintf("rankings: record store block size %d, want %d", records.BlockSize(), RecordSize))
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	return &Rankings{
		records: records,
		control: control,
		opt:     opt,
		log:     opt.Logger.Named("rankings"),
		ctl:     newControlData(),
		iters:   newRegistry(),
		buf:     make([]byte, RecordSize),
	}
}

// Init loads the control data and completes any transaction interrupted by
// a crash. countLists enables the persisted per-list counters; turning it on
// for a cache that was not counted recounts every list.
//
// An error from Init is fatal: the cache must be rebuilt from empty (see
// Rebuild) rather than used.
func (r *Rankings) Init(countLists bool) error {
	if r.init {
		return nil
	}

	data, err := r.control.LoadControl()
	switch {
	case errors.Is(err, store.ErrNotFound):
		r.ctl = newControlData()
		r.ctl.counted = countLists
		if err := r.writeControl(); err != nil {
			return err
		}
		r.log.Info("created control data", zap.Stringer("cache_id", r.ctl.id))
	case err != nil:
		return fmt.Errorf("rankings: load control: %w", err)
	default:
		var ctl controlData
		if err := ctl.unmarshal(data); err != nil {
			r.log.Error("control data rejected", zap.Error(err))
			return fmt.Errorf("%w: %v", ErrCorruptControl, err)
		}
		r.ctl = ctl
	}

	r.init = true
	if err := r.completeTransaction(); err != nil {
		r.Reset()
		return err
	}

	switch {
	case countLists && !r.ctl.counted:
		if err := r.recount(); err != nil {
			r.Reset()
			return err
		}
	case !countLists && r.ctl.counted:
		r.ctl.counted = false
		r.ctl.sizes = [NumLists]int32{}
		if err := r.writeControl(); err != nil {
			r.Reset()
			return err
		}
	}

	r.log.Info("rankings initialized",
		zap.Stringer("cache_id", r.ctl.id),
		zap.Bool("count_lists", r.ctl.counted))
	for l := List(0); l < NumLists; l++ {
		r.reportSize(l)
	}
	return nil
}

// Reset restores the pre-Init state. Live iterators are invalidated.
func (r *Rankings) Reset() {
	r.iters.invalidateAll()
	r.init = false
	r.ctl = newControlData()
}

// Rebuild persists empty control data under a new cache id and leaves the
// engine uninitialized. Records still in the record store become
// unreachable; owners rebuilding from empty should recreate that store too.
func (r *Rankings) Rebuild() error {
	r.Reset()
	r.ctl.counted = false
	if err := r.writeControl(); err != nil {
		return err
	}
	r.log.Warn("control data rebuilt", zap.Stringer("cache_id", r.ctl.id))
	return nil
}

// recount walks every list and stores its length (Init only).
func (r *Rankings) recount() error {
	for l := List(0); l < NumLists; l++ {
		n, err := r.checkList(l, nil)
		if err != nil {
			return fmt.Errorf("%w: recount: %v", ErrUnrecoverable, err)
		}
		r.ctl.sizes[l] = int32(n)
	}
	r.ctl.counted = true
	return r.writeControl()
}

// ---- record handles ----

// Allocate reserves storage for a new record. The record is not on any list
// until Insert.
func (r *Rankings) Allocate() (*Record, error) {
	if !r.init {
		return nil, ErrNotInitialized
	}
	a, err := r.records.Allocate()
	if err != nil {
		return nil, fmt.Errorf("rankings: allocate: %w", err)
	}
	return &Record{addr: a, data: recordData{list: NoList}}, nil
}

// Load resolves a to its record. A record failing SanityCheck is returned
// together with ErrBadRecord so the caller can treat it as untrustworthy.
func (r *Rankings) Load(a store.Addr) (*Record, error) {
	if !r.init {
		return nil, ErrNotInitialized
	}
	rec, err := r.read(a)
	if err != nil {
		return nil, err
	}
	if !r.SanityCheck(rec, false) {
		return rec, fmt.Errorf("%w: %s", ErrBadRecord, a)
	}
	return rec, nil
}

// SetContents points rec at the entry data it ranks.
func (r *Rankings) SetContents(rec *Record, contents store.Addr) error {
	if !r.init {
		return ErrNotInitialized
	}
	if err := r.refresh(rec); err != nil {
		return err
	}
	rec.data.contents = contents
	return r.save(rec)
}

// Free releases the storage of a record that is not on any list. Iterators
// still referencing it are invalidated first.
func (r *Rankings) Free(rec *Record) error {
	if !r.init {
		return ErrNotInitialized
	}
	if err := r.refresh(rec); err != nil && !errors.Is(err, ErrBadRecord) {
		return err
	}
	if l, ok := r.checkLinks(rec); ok || r.isEndpoint(rec.addr) {
		r.log.Error("free of a linked record", zap.Stringer("addr", rec.addr), zap.Stringer("list", l))
		return fmt.Errorf("%w: %s on %s", ErrStillLinked, rec.addr, l)
	}
	if n := r.iters.invalidate(rec.addr); n > 0 {
		r.log.Debug("invalidated iterators", zap.Stringer("addr", rec.addr), zap.Int("cursors", n))
	}
	if err := r.records.Free(rec.addr); err != nil {
		return fmt.Errorf("rankings: free %s: %w", rec.addr, err)
	}
	return nil
}

// ---- structural operations ----

// Insert links rec at the head of list. rec must not be on any list.
// modified also stamps the last-modified time.
func (r *Rankings) Insert(rec *Record, modified bool, list List) error {
	if err := r.ready(list); err != nil {
		return err
	}
	if err := r.refresh(rec); err != nil && !errors.Is(err, ErrBadRecord) {
		return err
	}
	if l, ok := r.checkLinks(rec); ok || r.isEndpoint(rec.addr) {
		r.log.Error("insert of a linked record",
			zap.Stringer("addr", rec.addr), zap.Stringer("list", l), zap.Stringer("target", list))
		return fmt.Errorf("%w: %s on %s", ErrAlreadyLinked, rec.addr, l)
	}

	// The record reaches storage detached before the log names it, so a
	// freshly allocated block still resolves when recovery replays the insert.
	if rec.torn {
		rec.data = recordData{dirty: rec.data.dirty}
	}
	rec.data.next, rec.data.prev, rec.data.list = store.Nil, store.Nil, NoList
	if err := r.save(rec); err != nil {
		return err
	}

	r.ctl.tx = txLog{op: opInsert, addr: rec.addr, list: list, target: NoList}
	if err := r.writeControl(); err != nil {
		return err
	}
	r.crash(CrashInsertLogged)

	if err := r.linkHead(rec, list, r.now(), modified); err != nil {
		return err
	}
	r.opt.Metrics.Op(OpInsert)
	return nil
}

// Remove unlinks rec from list.
//
// With strict set the caller asserts that no iterator is positioned on rec;
// a violation is logged and the offending cursors are invalidated. Without
// it, cursors on rec are moved past it, which lets a traversal callback
// remove the record it was just handed.
func (r *Rankings) Remove(rec *Record, list List, strict bool) error {
	if err := r.ready(list); err != nil {
		return err
	}
	if err := r.refresh(rec); err != nil {
		return err
	}
	if l, ok := r.checkLinks(rec); !ok || l != list {
		r.log.Error("remove of a record not on the list",
			zap.Stringer("addr", rec.addr), zap.Stringer("list", list), zap.Stringer("found", l))
		return fmt.Errorf("%w: %s from %s", ErrNotLinked, rec.addr, list)
	}

	if strict && r.iters.holds(rec.addr) {
		r.log.Error("strict remove of a record held by an iterator", zap.Stringer("addr", rec.addr))
		r.iters.invalidate(rec.addr)
	}
	r.iters.update(rec)

	r.ctl.tx = txLog{op: opRemove, addr: rec.addr, list: list, target: NoList}
	if err := r.writeControl(); err != nil {
		return err
	}
	r.crash(CrashRemoveLogged)

	if err := r.unlink(rec, list); err != nil {
		return err
	}
	r.decrementCounter(list)
	r.ctl.tx = noTx
	if err := r.writeControl(); err != nil {
		return err
	}
	r.crash(CrashRemoveControlled)

	rec.data.next, rec.data.prev = store.Nil, store.Nil
	if err := r.save(rec); err != nil {
		return err
	}
	r.opt.Metrics.Op(OpRemove)
	r.reportSize(list)
	return nil
}

// UpdateRank moves rec to the head of list, which may differ from the list
// it is on, and refreshes its timestamps. The move is one guarded
// transaction: the log names the removal (with its target) and then the
// insertion, and is never empty in between.
func (r *Rankings) UpdateRank(rec *Record, modified bool, list List) error {
	if err := r.ready(list); err != nil {
		return err
	}
	if err := r.refresh(rec); err != nil {
		return err
	}
	from, ok := r.checkLinks(rec)
	if !ok {
		r.log.Error("rank update of an unlinked record", zap.Stringer("addr", rec.addr))
		return fmt.Errorf("%w: %s", ErrNotLinked, rec.addr)
	}

	now := r.now()
	if from == list && r.ctl.heads[list] == rec.addr {
		r.stamp(rec, now, modified)
		if err := r.save(rec); err != nil {
			return err
		}
		r.opt.Metrics.Op(OpUpdate)
		return nil
	}

	r.iters.update(rec)

	r.ctl.tx = txLog{op: opRemove, addr: rec.addr, list: from, target: list}
	if err := r.writeControl(); err != nil {
		return err
	}
	r.crash(CrashUpdateLogged)

	if err := r.unlink(rec, from); err != nil {
		return err
	}
	r.decrementCounter(from)
	r.ctl.tx = txLog{op: opInsert, addr: rec.addr, list: list, target: NoList}
	if err := r.writeControl(); err != nil {
		return err
	}
	r.crash(CrashUpdateUnlinked)

	if err := r.linkHead(rec, list, now, modified); err != nil {
		return err
	}
	r.opt.Metrics.Op(OpUpdate)
	r.reportSize(from)
	return nil
}

// linkHead performs the writes of an insert whose log entry is already
// persisted: record links, old head back link, control with the new head,
// and finally the cleared log. Replaying it with the same control state
// writes the same links.
func (r *Rankings) linkHead(rec *Record, list List, now int64, modified bool) error {
	head := r.ctl.heads[list]

	rec.data.next = head
	rec.data.prev = store.Nil
	rec.data.list = list
	r.stamp(rec, now, modified)
	if err := r.save(rec); err != nil {
		return err
	}
	r.crash(CrashLinkRecordStored)

	if head.IsInitialized() {
		h, err := r.read(head)
		if err != nil {
			return err
		}
		h.data.prev = rec.addr
		if err := r.save(h); err != nil {
			return err
		}
	}
	r.crash(CrashLinkHeadUpdated)

	r.ctl.heads[list] = rec.addr
	if !r.ctl.tails[list].IsInitialized() {
		r.ctl.tails[list] = rec.addr
	}
	r.incrementCounter(list)
	if err := r.writeControl(); err != nil {
		return err
	}
	r.crash(CrashLinkControlled)

	r.ctl.tx = noTx
	if err := r.writeControl(); err != nil {
		return err
	}
	r.reportSize(list)
	return nil
}

// unlink rewrites the neighbors of rec so that list skips it, and moves the
// in-memory head/tail. The caller persists the control data.
func (r *Rankings) unlink(rec *Record, list List) error {
	prev, next := rec.data.prev, rec.data.next

	if prev.IsInitialized() {
		p, err := r.read(prev)
		if err != nil {
			return err
		}
		p.data.next = next
		if err := r.save(p); err != nil {
			return err
		}
	}
	r.crash(CrashUnlinkPrev)

	if next.IsInitialized() {
		n, err := r.read(next)
		if err != nil {
			return err
		}
		n.data.prev = prev
		if err := r.save(n); err != nil {
			return err
		}
	}
	r.crash(CrashUnlinkNext)

	if r.ctl.heads[list] == rec.addr {
		r.ctl.heads[list] = next
	}
	if r.ctl.tails[list] == rec.addr {
		r.ctl.tails[list] = prev
	}
	return nil
}

// ---- traversal ----

// GetNext returns the record after rec on list, or the head when rec is
// nil. It returns nil at the end of the list.
func (r *Rankings) GetNext(rec *Record, list List) (*Record, error) {
	return r.step(rec, list, Forward)
}

// GetPrev returns the record before rec on list, or the tail when rec is
// nil. It returns nil at the start of the list.
func (r *Rankings) GetPrev(rec *Record, list List) (*Record, error) {
	return r.step(rec, list, Backward)
}

func (r *Rankings) step(rec *Record, list List, dir Direction) (*Record, error) {
	if err := r.ready(list); err != nil {
		return nil, err
	}

	var from store.Addr
	var to store.Addr
	if rec == nil {
		to = r.ctl.heads[list]
		if dir == Backward {
			to = r.ctl.tails[list]
		}
	} else {
		if err := r.refresh(rec); err != nil {
			return nil, err
		}
		from = rec.addr
		to = rec.data.next
		if dir == Backward {
			to = rec.data.prev
		}
	}
	if !to.IsInitialized() {
		return nil, nil
	}
	return r.follow(from, to, list, dir)
}

// follow loads the record at to, reached from from (nil for an endpoint),
// and checks that the link back agrees.
func (r *Rankings) follow(from, to store.Addr, list List, dir Direction) (*Record, error) {
	rec, err := r.read(to)
	if err != nil {
		return nil, err
	}
	back := rec.data.prev
	if dir == Backward {
		back = rec.data.next
	}
	if back != from || !r.SanityCheck(rec, true) || rec.data.list != list {
		r.log.Error("broken link",
			zap.Stringer("from", from), zap.Stringer("to", to), zap.Stringer("list", list))
		return nil, fmt.Errorf("%w: %s -> %s on %s", ErrBadRecord, from, to, list)
	}
	return rec, nil
}

// Head returns the address at the head of list.
func (r *Rankings) Head(list List) store.Addr {
	if !list.Valid() {
		return store.Nil
	}
	return r.ctl.heads[list]
}

// Tail returns the address at the tail of list.
func (r *Rankings) Tail(list List) store.Addr {
	if !list.Valid() {
		return store.Nil
	}
	return r.ctl.tails[list]
}

// Count returns the persisted number of records on list, or -1 when list
// counting is disabled.
func (r *Rankings) Count(list List) int {
	if !list.Valid() || !r.ctl.counted {
		return -1
	}
	return int(r.ctl.sizes[list])
}

// ---- helpers ----

func (r *Rankings) ready(list List) error {
	if !r.init {
		return ErrNotInitialized
	}
	if !list.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidList, int(list))
	}
	return nil
}

func (r *Rankings) now() int64 {
	if r.opt.Clock != nil {
		return r.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}

func (r *Rankings) stamp(rec *Record, now int64, modified bool) {
	if now == 0 {
		return
	}
	rec.data.lastUsed = now
	if modified {
		rec.data.lastModified = now
	}
}

// read loads the record at a. A torn record is returned with torn set.
func (r *Rankings) read(a store.Addr) (*Record, error) {
	if !recordAddr(a) {
		return nil, fmt.Errorf("rankings: %w: %s", store.ErrInvalidAddr, a)
	}
	if err := r.records.Load(a, r.buf); err != nil {
		return nil, fmt.Errorf("rankings: load %s: %w", a, err)
	}
	rec := &Record{addr: a}
	rec.torn = !rec.data.unmarshal(r.buf)
	return rec, nil
}

// refresh replaces rec's data with the stored copy.
func (r *Rankings) refresh(rec *Record) error {
	stored, err := r.read(rec.addr)
	if err != nil {
		return err
	}
	rec.data, rec.torn = stored.data, stored.torn
	if rec.torn {
		return fmt.Errorf("%w: %s torn", ErrBadRecord, rec.addr)
	}
	return nil
}

// save stores rec, bumping its write generation.
func (r *Rankings) save(rec *Record) error {
	rec.data.dirty++
	rec.data.marshal(r.buf)
	if err := r.records.Save(rec.addr, r.buf); err != nil {
		return fmt.Errorf("rankings: store %s: %w", rec.addr, err)
	}
	rec.torn = false
	return nil
}

func (r *Rankings) writeControl() error {
	if err := r.control.PersistControl(r.ctl.marshal()); err != nil {
		return fmt.Errorf("rankings: persist control: %w", err)
	}
	return nil
}

func (r *Rankings) incrementCounter(list List) {
	if r.ctl.counted {
		r.ctl.sizes[list]++
	}
}

func (r *Rankings) decrementCounter(list List) {
	if r.ctl.counted && r.ctl.sizes[list] > 0 {
		r.ctl.sizes[list]--
	}
}

func (r *Rankings) reportSize(list List) {
	if r.ctl.counted {
		r.opt.Metrics.ListSize(list, int(r.ctl.sizes[list]))
	}
}
