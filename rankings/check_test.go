package rankings

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/diskrank/store"
	"github.com/IvanBrykalov/diskrank/store/mem"
)

// rewrite stores a modified copy of the record at a with a valid self hash.
func rewrite(t *testing.T, r *Rankings, a store.Addr, fn func(d *recordData)) {
	t.Helper()
	rec, err := r.read(a)
	require.NoError(t, err)
	fn(&rec.data)
	require.NoError(t, r.save(rec))
}

func TestSelfCheck_DetectsCorruption(t *testing.T) {
	t.Parallel()

	type abcRecs struct{ a, b, c store.Addr }
	for _, tc := range []struct {
		name  string
		spoil func(t *testing.T, r *Rankings, st *mem.Store, x abcRecs)
		code  ErrCode
		at    func(x abcRecs) store.Addr
	}{
		{
			name: "wrong back link",
			spoil: func(t *testing.T, r *Rankings, _ *mem.Store, x abcRecs) {
				rewrite(t, r, x.b, func(d *recordData) { d.prev = x.a })
			},
			code: ErrCodeInvalidPrev,
			at:   func(x abcRecs) store.Addr { return x.b },
		},
		{
			name: "loop",
			spoil: func(t *testing.T, r *Rankings, _ *mem.Store, x abcRecs) {
				rewrite(t, r, x.a, func(d *recordData) { d.next = x.c })
			},
			code: ErrCodeLoop,
			at:   func(x abcRecs) store.Addr { return x.c },
		},
		{
			name: "wrong list",
			spoil: func(t *testing.T, r *Rankings, _ *mem.Store, x abcRecs) {
				rewrite(t, r, x.b, func(d *recordData) { d.list = LowUse })
			},
			code: ErrCodeWrongList,
			at:   func(x abcRecs) store.Addr { return x.b },
		},
		{
			name: "torn record",
			spoil: func(t *testing.T, _ *Rankings, st *mem.Store, x abcRecs) {
				require.NoError(t, st.Poke(x.b, 30, []byte{0x7f}))
			},
			code: ErrCodeBadRecord,
			at:   func(x abcRecs) store.Addr { return x.b },
		},
		{
			name: "foreign address",
			spoil: func(t *testing.T, r *Rankings, _ *mem.Store, x abcRecs) {
				rewrite(t, r, x.b, func(d *recordData) { d.next = store.NewAddr(store.KindExternal, 3) })
			},
			code: ErrCodeInvalidAddress,
			at:   func(abcRecs) store.Addr { return store.NewAddr(store.KindExternal, 3) },
		},
		{
			name: "bad head",
			spoil: func(t *testing.T, r *Rankings, _ *mem.Store, x abcRecs) {
				r.ctl.heads[NotUsed] = x.b
			},
			code: ErrCodeInvalidHead,
			at:   func(x abcRecs) store.Addr { return x.b },
		},
		{
			name: "bad tail",
			spoil: func(t *testing.T, r *Rankings, _ *mem.Store, x abcRecs) {
				r.ctl.tails[NotUsed] = x.b
			},
			code: ErrCodeInvalidTail,
			at:   func(x abcRecs) store.Addr { return x.a },
		},
		{
			name: "count mismatch",
			spoil: func(t *testing.T, r *Rankings, _ *mem.Store, _ abcRecs) {
				r.ctl.sizes[NotUsed] = 7
			},
			code: ErrCodeCountMismatch,
			at:   func(abcRecs) store.Addr { return store.Nil },
		},
		{
			name: "cross list",
			spoil: func(t *testing.T, r *Rankings, _ *mem.Store, x abcRecs) {
				// LowUse claims the tail of NotUsed as its only record.
				require.NoError(t, r.Remove(&Record{addr: x.c}, NotUsed, true))
				require.NoError(t, r.Remove(&Record{addr: x.b}, NotUsed, true))
				r.ctl.heads[LowUse], r.ctl.tails[LowUse] = x.a, x.a
			},
			code: ErrCodeCrossList,
			at:   func(x abcRecs) store.Addr { return x.a },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			st := mem.New(RecordSize)
			m := newRecMetrics()
			r := open(t, st, Options{Metrics: m})
			a, b, c := abc(t, r)
			x := abcRecs{a.Addr(), b.Addr(), c.Addr()}
			tc.spoil(t, r, st, x)

			n, err := r.SelfCheck()
			require.Equal(t, int(tc.code), n)
			require.ErrorIs(t, err, &CheckError{Code: tc.code})

			var ce *CheckError
			require.ErrorAs(t, err, &ce)
			require.Equal(t, tc.at(x), ce.Addr)
			require.Equal(t, []ErrCode{tc.code}, m.failures)
		})
	}
}

func TestSelfCheck_Empty(t *testing.T) {
	t.Parallel()

	r := open(t, mem.New(RecordSize), Options{})
	n, err := r.SelfCheck()
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = r.CheckList(Reserved)
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = r.CheckList(NoList)
	require.ErrorIs(t, err, ErrInvalidList)
}

func TestSanityCheck(t *testing.T) {
	t.Parallel()

	r := open(t, mem.New(RecordSize), Options{})
	a, b, c := abc(t, r)

	for _, rec := range []*Record{a, b, c} {
		got, err := r.Load(rec.Addr())
		require.NoError(t, err)
		require.True(t, r.SanityCheck(got, true))
	}

	// A middle record posing as an endpoint.
	got, err := r.Load(b.Addr())
	require.NoError(t, err)
	got.data.prev = store.Nil
	require.False(t, r.SanityCheck(got, true))
	require.True(t, r.SanityCheck(got, false))

	// Self links and malformed addresses.
	got.data.prev = got.addr
	require.False(t, r.SanityCheck(got, false))
	got.data.prev = store.Addr(0x8f000001) // reserved bits set
	require.False(t, r.SanityCheck(got, false))

	// An allocated, never linked record is sane only off-list.
	x, err := r.Allocate()
	require.NoError(t, err)
	require.True(t, r.SanityCheck(x, false))
	require.False(t, r.DataSanityCheck(x, true))

	l, ok := r.IsHead(c.Addr())
	require.True(t, ok)
	require.Equal(t, NotUsed, l)
	l, ok = r.IsTail(a.Addr())
	require.True(t, ok)
	require.Equal(t, NotUsed, l)
	_, ok = r.IsHead(b.Addr())
	require.False(t, ok)
}

func TestRecordCodec(t *testing.T) {
	t.Parallel()

	in := recordData{
		lastUsed: 11, lastModified: 7,
		next:     store.NewAddr(store.KindRecord, 2),
		prev:     store.NewAddr(store.KindRecord, 3),
		contents: store.NewAddr(store.KindExternal, 9),
		list:     Deleted,
		dirty:    5,
	}
	buf := make([]byte, RecordSize)
	in.marshal(buf)

	var out recordData
	require.True(t, out.unmarshal(buf))
	require.Equal(t, in, out)

	buf[17] ^= 1
	require.False(t, out.unmarshal(buf))

	// Allocated, never stored.
	require.True(t, out.unmarshal(make([]byte, RecordSize)))
	require.Equal(t, recordData{}, out)
}

func TestControlCodec_RejectsGarbage(t *testing.T) {
	t.Parallel()

	c := newControlData()
	c.counted = true
	c.heads[HighUse] = store.NewAddr(store.KindRecord, 1)
	c.tails[HighUse] = store.NewAddr(store.KindRecord, 4)
	c.sizes[HighUse] = 2
	c.tx = txLog{op: opRemove, addr: store.NewAddr(store.KindRecord, 4), list: HighUse, target: LowUse}
	b := c.marshal()

	var got controlData
	require.NoError(t, got.unmarshal(b))
	require.Equal(t, c, got)

	require.Error(t, got.unmarshal(b[:len(b)-1]))

	bad := append([]byte(nil), b...)
	bad[0] = 0
	require.Error(t, got.unmarshal(bad))

	// A target on an insert is not something the engine ever writes.
	c.tx.op = opInsert
	require.Error(t, got.unmarshal(c.marshal()))

	// Half an endpoint pair.
	c = newControlData()
	c.heads[LowUse] = store.NewAddr(store.KindRecord, 1)
	require.Error(t, got.unmarshal(c.marshal()))
}
