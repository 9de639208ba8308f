package rankings

import (
	"errors"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/diskrank/store"
)

// SelfCheck walks every list in both directions and returns the total number
// of linked records. On failure it returns the negative ErrCode of the first
// defect together with a *CheckError naming the list and direction.
//
// A record found on two lists is reported with ErrCodeCrossList.
func (r *Rankings) SelfCheck() (int, error) {
	if !r.init {
		return 0, ErrNotInitialized
	}
	seen := make(map[store.Addr]List)
	total := 0
	for l := List(0); l < NumLists; l++ {
		n, err := r.checkList(l, seen)
		if err != nil {
			return r.reportCheck(err)
		}
		total += n
	}
	return total, nil
}

// CheckList checks a single list; see SelfCheck.
func (r *Rankings) CheckList(list List) (int, error) {
	if err := r.ready(list); err != nil {
		return 0, err
	}
	n, err := r.checkList(list, nil)
	if err != nil {
		return r.reportCheck(err)
	}
	return n, nil
}

func (r *Rankings) reportCheck(err error) (int, error) {
	var ce *CheckError
	if !errors.As(err, &ce) {
		return 0, err
	}
	r.log.Error("list check failed",
		zap.Stringer("list", ce.List),
		zap.Bool("forward", ce.Forward),
		zap.Stringer("code", ce.Code),
		zap.Stringer("addr", ce.Addr))
	r.opt.Metrics.CheckFailure(ce.Code)
	return int(ce.Code), err
}

// checkList verifies one list. When seen is non-nil it also records every
// address visited so that a record on two lists is detected.
func (r *Rankings) checkList(list List, seen map[store.Addr]List) (int, error) {
	head, tail := r.ctl.heads[list], r.ctl.tails[list]
	if head.IsInitialized() != tail.IsInitialized() {
		return 0, &CheckError{List: list, Forward: true, Code: ErrCodeInvalidHead, Addr: head}
	}

	forward, err := r.checkListSection(list, Forward, seen)
	if err != nil {
		// Walk in from the other end too, so the log shows both sides of the break.
		if _, berr := r.checkListSection(list, Backward, nil); berr != nil {
			r.log.Debug("backward walk also failed", zap.Error(berr))
		}
		return 0, err
	}
	backward, err := r.checkListSection(list, Backward, nil)
	if err != nil {
		return 0, err
	}
	if forward != backward {
		return 0, &CheckError{List: list, Code: ErrCodeInvalidPrev, Addr: tail}
	}
	if r.ctl.counted && int(r.ctl.sizes[list]) != forward {
		return 0, &CheckError{List: list, Forward: true, Code: ErrCodeCountMismatch}
	}
	return forward, nil
}

// checkListSection walks list from one end to the other, verifying that each
// record links back to the one before it and claims the list. It returns the
// number of records visited.
func (r *Rankings) checkListSection(list List, dir Direction, seen map[store.Addr]List) (int, error) {
	fwd := dir == Forward
	start, end := r.ctl.heads[list], r.ctl.tails[list]
	badStart, badBack, badEnd := ErrCodeInvalidHead, ErrCodeInvalidPrev, ErrCodeInvalidTail
	if !fwd {
		start, end = end, start
		badStart, badBack, badEnd = ErrCodeInvalidTail, ErrCodeInvalidNext, ErrCodeInvalidHead
	}
	fail := func(code ErrCode, a store.Addr) (int, error) {
		return 0, &CheckError{List: list, Forward: fwd, Code: code, Addr: a}
	}

	visited := make(map[store.Addr]struct{})
	last := store.Nil
	n := 0
	for cur := start; cur.IsInitialized(); {
		if !recordAddr(cur) {
			return fail(ErrCodeInvalidAddress, cur)
		}
		if _, dup := visited[cur]; dup {
			return fail(ErrCodeLoop, cur)
		}
		rec, err := r.read(cur)
		if err != nil {
			return fail(ErrCodeInvalidAddress, cur)
		}
		if rec.torn {
			return fail(ErrCodeBadRecord, cur)
		}

		back, next := rec.data.prev, rec.data.next
		if !fwd {
			back, next = next, back
		}
		if back != last {
			if !last.IsInitialized() {
				// the first record must not link outward
				return fail(badStart, cur)
			}
			return fail(badBack, cur)
		}
		if seen != nil {
			if _, other := seen[cur]; other {
				return fail(ErrCodeCrossList, cur)
			}
			seen[cur] = list
		}
		if rec.data.list != list {
			return fail(ErrCodeWrongList, cur)
		}

		visited[cur] = struct{}{}
		n++
		last = cur
		cur = next
	}
	if last != end {
		return fail(badEnd, last)
	}
	return n, nil
}

// SanityCheck returns false if rec is clearly invalid: torn, linked to
// malformed addresses, or (when fromList is set because it was reached by
// walking a list) an endpoint that the control data does not know about.
func (r *Rankings) SanityCheck(rec *Record, fromList bool) bool {
	if rec == nil || rec.torn {
		return false
	}
	d := &rec.data
	for _, a := range [...]store.Addr{d.next, d.prev} {
		if a.IsInitialized() && !recordAddr(a) {
			return false
		}
		if a == rec.addr {
			return false
		}
	}
	if !d.list.Valid() {
		return !fromList && rec.detached()
	}
	if !fromList {
		return true
	}
	if !d.prev.IsInitialized() && r.ctl.heads[d.list] != rec.addr {
		return false
	}
	if !d.next.IsInitialized() && r.ctl.tails[d.list] != rec.addr {
		return false
	}
	return true
}

// DataSanityCheck extends SanityCheck with the entry data reference.
func (r *Rankings) DataSanityCheck(rec *Record, fromList bool) bool {
	if !r.SanityCheck(rec, fromList) {
		return false
	}
	c := rec.data.contents
	if !c.IsInitialized() {
		return !fromList
	}
	return c.SanityCheck() && c != rec.addr && rec.data.lastUsed >= 0
}

// IsHead reports whether a is the head of a list, and which one.
func (r *Rankings) IsHead(a store.Addr) (List, bool) {
	for l := List(0); l < NumLists; l++ {
		if a.IsInitialized() && r.ctl.heads[l] == a {
			return l, true
		}
	}
	return NoList, false
}

// IsTail reports whether a is the tail of a list, and which one.
func (r *Rankings) IsTail(a store.Addr) (List, bool) {
	for l := List(0); l < NumLists; l++ {
		if a.IsInitialized() && r.ctl.tails[l] == a {
			return l, true
		}
	}
	return NoList, false
}

func (r *Rankings) isEndpoint(a store.Addr) bool {
	_, head := r.IsHead(a)
	_, tail := r.IsTail(a)
	return head || tail
}

// checkLinks reports whether rec is properly linked: each neighbor (or the
// control data, at an endpoint) points back at it. It returns the list the
// record actually sits on, which for an endpoint comes from the control data
// rather than the record's own claim.
func (r *Rankings) checkLinks(rec *Record) (List, bool) {
	a := rec.addr
	list := rec.data.list
	prev, next := rec.data.prev, rec.data.next

	if prev.IsInitialized() {
		if !r.linksTo(prev, a, Forward) {
			return list, false
		}
	} else {
		l, ok := r.IsHead(a)
		if !ok {
			return list, false
		}
		list = l
	}

	if next.IsInitialized() {
		if !r.linksTo(next, a, Backward) {
			return list, false
		}
	} else {
		l, ok := r.IsTail(a)
		if !ok || (!prev.IsInitialized() && l != list) {
			return list, false
		}
		list = l
	}
	return list, list.Valid()
}

// linksTo reports whether the record at from links to a in direction dir.
func (r *Rankings) linksTo(from, a store.Addr, dir Direction) bool {
	rec, err := r.read(from)
	if err != nil || rec.torn {
		return false
	}
	if dir == Forward {
		return rec.data.next == a
	}
	return rec.data.prev == a
}
