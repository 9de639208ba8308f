package mem

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/diskrank/store"
)

func TestStore_BlockLifecycle(t *testing.T) {
	t.Parallel()

	s := New(8)
	a, err := s.Allocate()
	require.NoError(t, err)
	require.Equal(t, store.KindRecord, a.Kind())
	require.Equal(t, uint32(1), a.Slot())

	buf := make([]byte, 8)
	require.NoError(t, s.Load(a, buf))
	require.Equal(t, make([]byte, 8), buf, "fresh block is zeroed")

	require.NoError(t, s.Save(a, []byte("abcdefgh")))
	require.NoError(t, s.Load(a, buf))
	require.Equal(t, "abcdefgh", string(buf))

	require.NoError(t, s.Poke(a, 6, []byte("XY")))
	require.NoError(t, s.Load(a, buf))
	require.Equal(t, "abcdefXY", string(buf))
	require.ErrorIs(t, s.Poke(a, 7, []byte("XY")), store.ErrInvalidAddr)

	require.ErrorIs(t, s.Save(a, []byte("short")), store.ErrBlockSize)
	require.NoError(t, s.Free(a))
	require.ErrorIs(t, s.Load(a, buf), store.ErrInvalidAddr)
	require.ErrorIs(t, s.Free(a), store.ErrInvalidAddr)
	require.Zero(t, s.Len())

	// Freed slots are reused and come back blank.
	b, err := s.Allocate()
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.NoError(t, s.Load(b, buf))
	require.True(t, bytes.Equal(make([]byte, 8), buf))

	require.ErrorIs(t, s.Load(store.NewAddr(store.KindExternal, 1), buf), store.ErrInvalidAddr)
	require.ErrorIs(t, s.Load(store.Nil, buf), store.ErrInvalidAddr)
}

func TestStore_Control(t *testing.T) {
	t.Parallel()

	s := New(8)
	_, err := s.LoadControl()
	require.ErrorIs(t, err, store.ErrNotFound)

	in := []byte{1, 2, 3}
	require.NoError(t, s.PersistControl(in))
	in[0] = 9 // the store keeps its own copy

	got, err := s.LoadControl()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)
}
