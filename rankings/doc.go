// Package rankings maintains the eviction ordering of a disk cache: five
// persisted, address-linked, doubly linked lists of ranking records, kept
// consistent across crashes by a one-slot transaction log.
//
// Design
//
//   - Storage: records live in a store.RecordStore as fixed 40-byte blocks
//     and link to each other by store.Addr, never by pointer. List heads,
//     tails, optional counters and the transaction log live in one control
//     blob persisted through a store.ControlStore.
//
//   - Lists: NotUsed, LowUse, HighUse, Reserved and Deleted. The head is the
//     most recently used record. Insert links at the head, Remove unlinks,
//     UpdateRank moves a record to the head of any list.
//
//   - Crash safety: every structural mutation writes its log entry before
//     the first link write and clears it with the last control write. Init
//     finishes an interrupted insert by replaying it (the replay is
//     idempotent), finishes a remove whose neighbors are in a recognizable
//     state, and otherwise parks the record at the head of Deleted so that
//     it is reclaimed instead of corrupting a list.
//
//   - Iterators: NewIterator walks up to three lists merged by last use.
//     Iterators are registered with the engine, so a record they are
//     positioned on can be removed, re-ranked or freed from inside the loop.
//     Each record linked when the iteration starts is visited at most once.
//
//   - Checks: SelfCheck walks every list both ways and returns the number
//     of linked records or a negative ErrCode with a *CheckError.
//
//   - Metrics: Options.Metrics receives operation, recovery, list size and
//     check failure signals; see metrics/prom for a Prometheus adapter.
//
// Basic usage
//
//	st := mem.New(rankings.RecordSize)
//	r := rankings.New(st, st, rankings.Options{Logger: log})
//	if err := r.Init(true); err != nil {
//	    // control data is unusable: rebuild the cache from empty
//	}
//	rec, _ := r.Allocate()
//	_ = r.Insert(rec, true, rankings.NotUsed)
//	_ = r.UpdateRank(rec, false, rankings.HighUse)
//
// Evicting from the cold end
//
//	_ = r.Walk(rankings.NotUsed, rankings.Backward, func(rec *rankings.Record) (bool, error) {
//	    if err := r.Remove(rec, rankings.NotUsed, false); err != nil {
//	        return false, err
//	    }
//	    return needMore(), r.Free(rec)
//	})
//
// Thread-safety
//
// A Rankings value is not safe for concurrent use; callers serialize access
// (a disk cache does so on its I/O thread). The stores may be shared.
package rankings
