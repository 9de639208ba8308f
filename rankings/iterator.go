package rankings

import (
	"fmt"

	"github.com/IvanBrykalov/diskrank/store"
)

// maxIteratorLists is how many lists one iterator can scan side by side.
const maxIteratorLists = 3

type cursorState uint8

const (
	cursorPositioned cursorState = iota // pos is the record last returned
	cursorAdvanced                      // pos is the next record to return
	cursorDone                          // list exhausted or invalidated
)

// cursor is the position of an iterator on one list. bound is the last
// record to visit: the far end of the list when the iterator started.
type cursor struct {
	list  List
	pos   store.Addr
	bound store.Addr
	state cursorState
}

// Iterator walks up to three lists at once, merging them by last use time:
// newest first when moving Forward, oldest first when moving Backward.
//
// An Iterator visits the records linked when it was created, each at most
// once; records inserted or re-ranked onto a scanned list afterwards land
// behind its range. It is registered with its engine until Release.
// Mutations that move or free a record an iterator is positioned on adjust
// the iterator first, so a caller may remove or re-rank the record it was
// just handed and then keep calling Next.
type Iterator struct {
	r       *Rankings
	dir     Direction
	cursors []cursor
	done    bool
}

// NewIterator starts an iteration over lists (NotUsed, LowUse and HighUse
// when none are given).
func (r *Rankings) NewIterator(dir Direction, lists ...List) (*Iterator, error) {
	if !r.init {
		return nil, ErrNotInitialized
	}
	if len(lists) == 0 {
		lists = []List{NotUsed, LowUse, HighUse}
	}
	if len(lists) > maxIteratorLists {
		return nil, fmt.Errorf("%w: %d", ErrTooManyLists, len(lists))
	}
	it := &Iterator{r: r, dir: dir}
	for _, l := range lists {
		if !l.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrInvalidList, int(l))
		}
		start, bound := r.ctl.heads[l], r.ctl.tails[l]
		if dir == Backward {
			start, bound = bound, start
		}
		c := cursor{list: l, pos: start, bound: bound, state: cursorAdvanced}
		if !start.IsInitialized() {
			c.state = cursorDone
		}
		it.cursors = append(it.cursors, c)
	}
	r.iters.track(it)
	return it, nil
}

// Next returns the next record and the list it was found on, or a nil
// record once every list is exhausted.
func (it *Iterator) Next() (*Record, List, error) {
	if it.done {
		return nil, NoList, ErrReleased
	}

	best := -1
	var bestRec *Record
	for i := range it.cursors {
		rec, err := it.peek(&it.cursors[i])
		if err != nil {
			return nil, NoList, err
		}
		if rec != nil && (best < 0 || it.before(rec, bestRec)) {
			best, bestRec = i, rec
		}
	}
	if best < 0 {
		return nil, NoList, nil
	}

	c := &it.cursors[best]
	c.pos, c.state = bestRec.addr, cursorPositioned
	return bestRec, c.list, nil
}

// Release unregisters the iterator. It is safe to call more than once.
func (it *Iterator) Release() {
	if it.done {
		return
	}
	it.done = true
	it.r.iters.untrack(it)
}

// before reports whether a comes ahead of b in the merged order.
func (it *Iterator) before(a, b *Record) bool {
	if it.dir == Forward {
		return a.data.lastUsed > b.data.lastUsed
	}
	return a.data.lastUsed < b.data.lastUsed
}

// peek loads the record c would return next without moving c.
func (it *Iterator) peek(c *cursor) (*Record, error) {
	r := it.r
	var from, to store.Addr
	switch c.state {
	case cursorDone:
		return nil, nil
	case cursorAdvanced:
		rec, err := r.read(c.pos)
		if err != nil {
			c.state = cursorDone
			return nil, err
		}
		if !r.SanityCheck(rec, true) || rec.data.list != c.list {
			c.state = cursorDone
			return nil, fmt.Errorf("%w: iterator at %s", ErrBadRecord, c.pos)
		}
		return rec, nil
	case cursorPositioned:
		if c.pos == c.bound {
			c.state = cursorDone
			return nil, nil
		}
		cur, err := r.read(c.pos)
		if err != nil {
			c.state = cursorDone
			return nil, err
		}
		from, to = cur.addr, cur.data.next
		if it.dir == Backward {
			to = cur.data.prev
		}
	}
	if !to.IsInitialized() {
		return nil, nil
	}
	rec, err := r.follow(from, to, c.list, it.dir)
	if err != nil {
		c.state = cursorDone
		return nil, err
	}
	return rec, nil
}

// Walk visits list in the given direction until fn returns false or an
// error. fn may insert, remove or re-rank records, including the one it is
// given.
func (r *Rankings) Walk(list List, dir Direction, fn func(*Record) (bool, error)) error {
	it, err := r.NewIterator(dir, list)
	if err != nil {
		return err
	}
	defer it.Release()
	for {
		rec, _, err := it.Next()
		if err != nil || rec == nil {
			return err
		}
		more, err := fn(rec)
		if err != nil || !more {
			return err
		}
	}
}

// ---- registry ----

// registry tracks the live iterators of an engine.
type registry struct {
	its map[*Iterator]struct{}
}

func newRegistry() registry {
	return registry{its: make(map[*Iterator]struct{})}
}

func (g *registry) track(it *Iterator)   { g.its[it] = struct{}{} }
func (g *registry) untrack(it *Iterator) { delete(g.its, it) }

// holds reports whether any iterator has just returned a.
func (g *registry) holds(a store.Addr) bool {
	for it := range g.its {
		for i := range it.cursors {
			if c := &it.cursors[i]; c.state == cursorPositioned && c.pos == a {
				return true
			}
		}
	}
	return false
}

// update adjusts cursors before rec leaves its place on the list. A cursor
// on rec moves to the neighbor it would have reached next. A cursor whose
// bound is rec takes the neighbor on its own side as the new bound. Cursors
// left with nothing to visit are done.
func (g *registry) update(rec *Record) {
	for it := range g.its {
		ahead, behind := rec.data.next, rec.data.prev
		if it.dir == Backward {
			ahead, behind = behind, ahead
		}
		for i := range it.cursors {
			c := &it.cursors[i]
			switch {
			case c.on(rec.addr):
				if rec.addr == c.bound || !ahead.IsInitialized() {
					c.pos, c.state = store.Nil, cursorDone
				} else {
					c.pos, c.state = ahead, cursorAdvanced
				}
			case c.state != cursorDone && c.bound == rec.addr:
				c.bound = behind
				if !behind.IsInitialized() || (c.state == cursorPositioned && c.pos == behind) {
					c.pos, c.state = store.Nil, cursorDone
				}
			}
		}
	}
}

// invalidate ends every cursor positioned on a and returns how many there
// were.
func (g *registry) invalidate(a store.Addr) int {
	n := 0
	for it := range g.its {
		for i := range it.cursors {
			if c := &it.cursors[i]; c.on(a) {
				c.pos, c.state = store.Nil, cursorDone
				n++
			}
		}
	}
	return n
}

// invalidateAll ends and unregisters every iterator.
func (g *registry) invalidateAll() {
	for it := range g.its {
		for i := range it.cursors {
			it.cursors[i].state = cursorDone
		}
		it.done = true
	}
	clear(g.its)
}

func (c *cursor) on(a store.Addr) bool {
	return (c.state == cursorPositioned || c.state == cursorAdvanced) && c.pos == a
}
