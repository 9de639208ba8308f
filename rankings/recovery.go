package rankings

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/diskrank/store"
)

// completeTransaction finishes the mutation recorded in the log, if any.
// It runs once from Init, before any other operation.
//
// A non-empty log always means the final control write of the mutation
// never happened, so heads, tails and counters are those of the moment the
// log entry was written (for a rank update, of the moment its current phase
// was logged).
func (r *Rankings) completeTransaction() error {
	tx := r.ctl.tx
	if !tx.pending() {
		r.opt.Metrics.Recovery(RecoveryClean)
		return nil
	}
	r.log.Warn("completing interrupted transaction",
		zap.Stringer("op", tx.op),
		zap.Stringer("addr", tx.addr),
		zap.Stringer("list", tx.list),
		zap.Stringer("target", tx.target))

	rec, err := r.read(tx.addr)
	if err != nil {
		if tx.op == opInsert && errors.Is(err, store.ErrInvalidAddr) && !r.insertStarted(tx) {
			return r.dropInsert(tx)
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnrecoverable, tx.op, tx.addr, err)
	}

	var outcome RecoveryOutcome
	switch tx.op {
	case opInsert:
		outcome, err = r.finishInsert(rec, tx.list)
	case opRemove:
		outcome, err = r.finishRemove(rec, tx)
	}
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnrecoverable, tx.op, tx.addr, err)
	}
	r.log.Info("transaction recovered",
		zap.Stringer("addr", tx.addr), zap.Stringer("outcome", outcome))
	r.opt.Metrics.Recovery(outcome)
	return nil
}

// finishInsert completes an insert of rec at the head of list. If the new
// head already reached the control data the links were written before it
// and only the log is left to clear; otherwise the whole insert is replayed
// against the persisted head, which writes the same links however many times
// it runs.
func (r *Rankings) finishInsert(rec *Record, list List) (RecoveryOutcome, error) {
	if r.ctl.heads[list] == rec.addr {
		r.ctl.tx = noTx
		return RecoveryInsertDone, r.writeControl()
	}
	var now int64
	if rec.torn || rec.data.lastUsed == 0 {
		now = r.now()
	}
	if rec.torn {
		// the record write itself was cut; only the links can be rebuilt
		rec.data = recordData{dirty: rec.data.dirty}
	}
	if err := r.linkHead(rec, list, now, false); err != nil {
		return 0, err
	}
	return RecoveryInsertReplayed, nil
}

// insertStarted reports whether any link to the record named by tx was
// written: the control data or the persisted head already refers to it.
func (r *Rankings) insertStarted(tx txLog) bool {
	if r.isEndpoint(tx.addr) {
		return true
	}
	head := r.ctl.heads[tx.list]
	return head.IsInitialized() && r.linksTo(head, tx.addr, Backward)
}

// dropInsert clears the log of an insert whose record no longer resolves and
// that never linked anything. The lists are those of before the insert.
func (r *Rankings) dropInsert(tx txLog) error {
	r.log.Warn("insert of an unresolvable record dropped",
		zap.Stringer("addr", tx.addr), zap.Stringer("list", tx.list))
	r.ctl.tx = noTx
	if err := r.writeControl(); err != nil {
		return err
	}
	r.opt.Metrics.Recovery(RecoveryInsertDropped)
	return nil
}

// side describes one neighbor of a record being removed.
type side struct {
	done bool // the neighbor already skips the record
	ok   bool // the neighbor is in a recognizable before or after state
}

// finishRemove decides whether the unlink recorded in tx already happened.
// Each neighbor (or the control data, at an endpoint) must either still
// point at the record or already point past it. When both sides are
// recognizable the remove is completed, and for a rank update the record is
// then inserted on the target list. Otherwise see revertRemove.
func (r *Rankings) finishRemove(rec *Record, tx txLog) (RecoveryOutcome, error) {
	list := tx.list
	prev, next := rec.data.prev, rec.data.next

	ps := r.inspect(prev, rec.addr, next, list, Forward)
	ns := r.inspect(next, rec.addr, prev, list, Backward)
	if !ps.ok || !ns.ok {
		return r.revertRemove(rec, tx, ps, ns)
	}

	if err := r.completeUnlink(rec, list, ps, ns); err != nil {
		return 0, err
	}
	r.decrementCounter(list)

	if tx.target.Valid() {
		r.ctl.tx = txLog{op: opInsert, addr: rec.addr, list: tx.target, target: NoList}
		if err := r.writeControl(); err != nil {
			return 0, err
		}
		if err := r.linkHead(rec, tx.target, 0, false); err != nil {
			return 0, err
		}
		return RecoveryMoveCompleted, nil
	}

	r.ctl.tx = noTx
	if err := r.writeControl(); err != nil {
		return 0, err
	}
	rec.data.next, rec.data.prev = store.Nil, store.Nil
	if err := r.save(rec); err != nil {
		return 0, err
	}
	return RecoveryRemoveCompleted, nil
}

// inspect classifies the neighbor at nb of the record at a. dir is the
// direction of the link from the neighbor to a: Forward for the previous
// record (its next), Backward for the next one (its prev). past is the
// address the neighbor links to once the unlink is done.
func (r *Rankings) inspect(nb, a, past store.Addr, list List, dir Direction) side {
	if !nb.IsInitialized() {
		end := r.ctl.heads[list]
		if dir == Backward {
			end = r.ctl.tails[list]
		}
		switch end {
		case a:
			return side{ok: true}
		case past:
			return side{ok: true, done: true}
		}
		return side{}
	}

	n, err := r.read(nb)
	if err != nil || n.torn {
		return side{}
	}
	link := n.data.next
	if dir == Backward {
		link = n.data.prev
	}
	switch link {
	case a:
		return side{ok: true}
	case past:
		return side{ok: true, done: true}
	}
	return side{}
}

// completeUnlink applies the pending halves of an unlink of rec. Sides in an
// unknown state are left alone.
func (r *Rankings) completeUnlink(rec *Record, list List, ps, ns side) error {
	prev, next := rec.data.prev, rec.data.next

	if ps.ok && !ps.done {
		if prev.IsInitialized() {
			p, err := r.read(prev)
			if err != nil {
				return err
			}
			p.data.next = next
			if err := r.save(p); err != nil {
				return err
			}
		} else {
			r.ctl.heads[list] = next
		}
	}
	if ns.ok && !ns.done {
		if next.IsInitialized() {
			n, err := r.read(next)
			if err != nil {
				return err
			}
			n.data.prev = prev
			if err := r.save(n); err != nil {
				return err
			}
		} else {
			r.ctl.tails[list] = prev
		}
	}
	return nil
}

// revertRemove handles a remove whose neighbors match neither the state
// before nor after the unlink, e.g. because one of them was reclaimed. The
// recognizable side is still detached so the list stops pointing at the
// record, and the record is parked at the head of Deleted instead of its
// target: leaking a stale entry is preferred to losing or corrupting one.
func (r *Rankings) revertRemove(rec *Record, tx txLog, ps, ns side) (RecoveryOutcome, error) {
	r.log.Warn("ambiguous remove, parking record on deleted list",
		zap.Stringer("addr", rec.addr),
		zap.Stringer("list", tx.list),
		zap.Bool("prev_known", ps.ok),
		zap.Bool("next_known", ns.ok))

	if err := r.completeUnlink(rec, tx.list, ps, ns); err != nil {
		return 0, err
	}
	r.decrementCounter(tx.list)

	r.ctl.tx = txLog{op: opInsert, addr: rec.addr, list: Deleted, target: NoList}
	if err := r.writeControl(); err != nil {
		return 0, err
	}
	if err := r.linkHead(rec, Deleted, 0, false); err != nil {
		return 0, err
	}
	return RecoveryReverted, nil
}
