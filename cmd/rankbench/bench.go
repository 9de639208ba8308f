package main

import (
	"context"
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	pmet "github.com/IvanBrykalov/diskrank/metrics/prom"
	"github.com/IvanBrykalov/diskrank/rankings"
	"github.com/IvanBrykalov/diskrank/store"
	"github.com/IvanBrykalov/diskrank/store/blockfile"
)

// bench owns one cache directory. It is driven by a single goroutine, the
// way a disk cache drives its rankings from one I/O thread.
type bench struct {
	id      int
	cfg     config
	dir     string
	rng     *rand.Rand
	log     *zap.Logger
	metrics *pmet.Adapter
	tot     *totals

	st  *blockfile.Store
	r   *rankings.Rankings
	pop population
}

// run loops until ctx is done and returns the number of linked records
// reported by the final SelfCheck.
func (b *bench) run(ctx context.Context) (int, error) {
	if err := b.open(); err != nil {
		return 0, err
	}
	defer func() { _ = b.st.Close() }()

	points := rankings.CrashPoints()
	sinceArm := 0
	for ctx.Err() == nil {
		if b.cfg.crashEvery > 0 && sinceArm >= b.cfg.crashEvery {
			sinceArm = 0
			if err := b.arm(points[b.rng.Intn(len(points))]); err != nil {
				return 0, err
			}
		}

		crash, err := b.step()
		if err != nil {
			return 0, fmt.Errorf("instance %d: %w", b.id, err)
		}
		sinceArm++
		b.tot.ops.Add(1)
		if crash != nil {
			b.tot.crashes.Add(1)
			b.log.Debug("simulated crash", zap.Stringer("point", crash.Point))
			if err := b.reopen(); err != nil {
				return 0, err
			}
		}
	}

	n, err := b.r.SelfCheck()
	if err != nil {
		return 0, fmt.Errorf("instance %d: final check: %w", b.id, err)
	}
	return n, nil
}

func (b *bench) options(p rankings.CrashPoint) rankings.Options {
	return rankings.Options{
		Logger:  b.log,
		Metrics: recoveryWatch{Metrics: b.metrics, tot: b.tot},
		CrashAt: p,
	}
}

// open opens the directory as a restarted process would: recovery, a full
// check, reclaiming of parked records, then a fresh view of the lists.
func (b *bench) open() error {
	st, err := blockfile.Open(blockfile.Options{
		Dir:        b.dir,
		BlockSize:  rankings.RecordSize,
		SyncWrites: b.cfg.syncWrites,
		CacheSlots: b.cfg.cacheSlots,
	})
	if err != nil {
		return fmt.Errorf("instance %d: %w", b.id, err)
	}
	r := rankings.New(st, st, b.options(rankings.NoCrash))
	if err := r.Init(true); err != nil {
		_ = st.Close()
		return fmt.Errorf("instance %d: init: %w", b.id, err)
	}
	if _, err := r.SelfCheck(); err != nil {
		_ = st.Close()
		return fmt.Errorf("instance %d: check after recovery: %w", b.id, err)
	}
	b.st, b.r = st, r
	return b.load()
}

func (b *bench) reopen() error {
	if err := b.st.Close(); err != nil {
		return fmt.Errorf("instance %d: close: %w", b.id, err)
	}
	return b.open()
}

// arm swaps in an engine that dies at p. The lists on disk are unchanged.
func (b *bench) arm(p rankings.CrashPoint) error {
	r := rankings.New(b.st, b.st, b.options(p))
	if err := r.Init(true); err != nil {
		return fmt.Errorf("instance %d: init: %w", b.id, err)
	}
	b.r = r
	return nil
}

// load frees whatever recovery parked on Deleted and rebuilds pop.
func (b *bench) load() error {
	b.pop.reset()
	err := b.r.Walk(rankings.Deleted, rankings.Backward, func(rec *rankings.Record) (bool, error) {
		if err := b.r.Remove(rec, rankings.Deleted, false); err != nil {
			return false, err
		}
		return true, b.r.Free(rec)
	})
	if err != nil {
		return fmt.Errorf("instance %d: reclaim: %w", b.id, err)
	}
	for _, l := range []rankings.List{rankings.NotUsed, rankings.LowUse, rankings.HighUse} {
		err := b.r.Walk(l, rankings.Forward, func(rec *rankings.Record) (bool, error) {
			b.pop.add(rec.Addr(), l)
			return true, nil
		})
		if err != nil {
			return fmt.Errorf("instance %d: load %s: %w", b.id, l, err)
		}
	}
	return nil
}

// step runs one operation and turns a simulated crash into a return value.
func (b *bench) step() (crash *rankings.Crash, err error) {
	defer func() {
		if v := recover(); v != nil {
			c, ok := v.(rankings.Crash)
			if !ok {
				panic(v)
			}
			crash = &c
		}
	}()
	return nil, b.op()
}

func (b *bench) op() error {
	x := b.rng.Intn(100)
	switch {
	case b.pop.len() == 0:
		return b.insert()
	case x < 60:
		return b.touch()
	case b.pop.len() >= b.cfg.records:
		return b.evict(1 + b.rng.Intn(8))
	default:
		return b.insert()
	}
}

func (b *bench) insert() error {
	rec, err := b.r.Allocate()
	if err != nil {
		return err
	}
	if err := b.r.Insert(rec, true, rankings.NotUsed); err != nil {
		return err
	}
	b.pop.add(rec.Addr(), rankings.NotUsed)
	// Point at a fake entry block so the contents checks have data to look at.
	return b.r.SetContents(rec, store.NewAddr(store.KindExternal, rec.Addr().Slot()))
}

// touch re-ranks a random record one class up, as a cache hit would.
func (b *bench) touch() error {
	a, l := b.pop.pick(b.rng)
	rec, err := b.r.Load(a)
	if err != nil {
		return err
	}
	to := rankings.HighUse
	if l == rankings.NotUsed {
		to = rankings.LowUse
	}
	if err := b.r.UpdateRank(rec, false, to); err != nil {
		return err
	}
	b.pop.add(a, to)
	return nil
}

// evict removes and frees up to n records from the cold end, lowest class
// first.
func (b *bench) evict(n int) error {
	for _, l := range []rankings.List{rankings.NotUsed, rankings.LowUse, rankings.HighUse} {
		err := b.r.Walk(l, rankings.Backward, func(rec *rankings.Record) (bool, error) {
			if err := b.r.Remove(rec, l, false); err != nil {
				return false, err
			}
			b.pop.remove(rec.Addr())
			if err := b.r.Free(rec); err != nil {
				return false, err
			}
			b.tot.evicted.Add(1)
			n--
			return n > 0, nil
		})
		if err != nil || n == 0 {
			return err
		}
	}
	return nil
}

// population tracks live records for random picks.
type population struct {
	addrs []store.Addr
	lists []rankings.List
	index map[store.Addr]int
}

func (p *population) reset() {
	p.addrs, p.lists = p.addrs[:0], p.lists[:0]
	p.index = make(map[store.Addr]int)
}

func (p *population) len() int { return len(p.addrs) }

// add records a on l, or moves it there if already tracked.
func (p *population) add(a store.Addr, l rankings.List) {
	if i, ok := p.index[a]; ok {
		p.lists[i] = l
		return
	}
	p.index[a] = len(p.addrs)
	p.addrs = append(p.addrs, a)
	p.lists = append(p.lists, l)
}

func (p *population) remove(a store.Addr) {
	i, ok := p.index[a]
	if !ok {
		return
	}
	last := len(p.addrs) - 1
	p.addrs[i], p.lists[i] = p.addrs[last], p.lists[last]
	p.index[p.addrs[i]] = i
	p.addrs, p.lists = p.addrs[:last], p.lists[:last]
	delete(p.index, a)
}

func (p *population) pick(rng *rand.Rand) (store.Addr, rankings.List) {
	i := rng.Intn(len(p.addrs))
	return p.addrs[i], p.lists[i]
}
