package blockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/diskrank/store"
)

func openStore(t *testing.T, dir string, cacheSlots int) *Store {
	t.Helper()
	s, err := Open(Options{Dir: dir, BlockSize: 16, CacheSlots: cacheSlots})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func block(v string) []byte {
	b := make([]byte, 16)
	copy(b, v)
	return b
}

func TestStore_BlocksSurviveReopen(t *testing.T) {
	t.Parallel()

	for _, cache := range []int{0, -1} {
		t.Run(fmt.Sprintf("cache=%d", cache), func(t *testing.T) {
			dir := t.TempDir()
			s := openStore(t, dir, cache)

			var addrs []store.Addr
			for i := 0; i < 5; i++ {
				a, err := s.Allocate()
				require.NoError(t, err)
				addrs = append(addrs, a)
			}
			buf := make([]byte, 16)
			require.NoError(t, s.Load(addrs[0], buf))
			require.Equal(t, make([]byte, 16), buf, "reserved slot reads as zeroes")

			for i, a := range addrs[:4] {
				require.NoError(t, s.Save(a, block(fmt.Sprintf("rec-%d", i))))
			}
			require.NoError(t, s.Free(addrs[1]))
			require.Equal(t, 4, s.Len())
			id := s.ID()
			require.NoError(t, s.Close())
			require.ErrorIs(t, s.Load(addrs[0], buf), store.ErrClosed)

			s2 := openStore(t, dir, cache)
			require.Equal(t, id, s2.ID())
			require.Equal(t, 3, s2.Len(), "never-saved reservation is dropped")
			for _, i := range []int{0, 2, 3} {
				require.NoError(t, s2.Load(addrs[i], buf))
				require.Equal(t, block(fmt.Sprintf("rec-%d", i)), buf)
			}
			require.ErrorIs(t, s2.Load(addrs[1], buf), store.ErrInvalidAddr)
			require.ErrorIs(t, s2.Load(addrs[4], buf), store.ErrInvalidAddr)

			// Free slots are handed out again.
			a, err := s2.Allocate()
			require.NoError(t, err)
			require.Contains(t, []store.Addr{addrs[1], addrs[4]}, a)
		})
	}
}

func TestStore_Misuse(t *testing.T) {
	t.Parallel()

	s := openStore(t, t.TempDir(), 0)
	a, err := s.Allocate()
	require.NoError(t, err)

	require.ErrorIs(t, s.Save(a, make([]byte, 3)), store.ErrBlockSize)
	require.ErrorIs(t, s.Load(store.NewAddr(store.KindRecord, 99), make([]byte, 16)), store.ErrInvalidAddr)
	require.ErrorIs(t, s.Load(store.NewAddr(store.KindControl, 1), make([]byte, 16)), store.ErrInvalidAddr)
	require.Error(t, s.PersistControl(make([]byte, MaxControlSize+1)))

	_, err = Open(Options{Dir: t.TempDir()})
	require.Error(t, err)
}

func TestStore_ControlFallsBackToPreviousCopy(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := openStore(t, dir, 0)
	_, err := s.LoadControl()
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.PersistControl([]byte("first")))  // seq 1, slot 1
	require.NoError(t, s.PersistControl([]byte("second"))) // seq 2, slot 0
	got, err := s.LoadControl()
	require.NoError(t, err)
	require.Equal(t, "second", string(got))
	require.NoError(t, s.Close())

	// Tear the newest copy.
	path := filepath.Join(dir, ControlFile)
	tear(t, path, headerSize+12)

	s2 := openStore(t, dir, 0)
	got, err = s2.LoadControl()
	require.NoError(t, err)
	require.Equal(t, "first", string(got))

	// The next write replaces the torn copy, not the good one.
	require.NoError(t, s2.PersistControl([]byte("third")))
	got, err = s2.LoadControl()
	require.NoError(t, err)
	require.Equal(t, "third", string(got))
	require.NoError(t, s2.Close())

	tear(t, path, headerSize+12)
	tear(t, path, headerSize+controlSlotSize+12)
	s3 := openStore(t, dir, 0)
	_, err = s3.LoadControl()
	require.ErrorIs(t, err, ErrCorrupt)
}

func tear(t *testing.T, path string, off int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	b := make([]byte, 1)
	_, err = f.ReadAt(b, off)
	require.NoError(t, err)
	b[0] ^= 0xff
	_, err = f.WriteAt(b, off)
	require.NoError(t, err)
}

func TestStore_OpenRejectsForeignFiles(t *testing.T) {
	t.Parallel()

	one, two := t.TempDir(), t.TempDir()
	require.NoError(t, openStore(t, one, 0).Close())
	require.NoError(t, openStore(t, two, 0).Close())

	data, err := os.ReadFile(filepath.Join(two, ControlFile))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(one, ControlFile), data, 0o644))
	_, err = Open(Options{Dir: one, BlockSize: 16})
	require.ErrorIs(t, err, ErrMismatch)

	require.NoError(t, os.Remove(filepath.Join(two, ControlFile)))
	_, err = Open(Options{Dir: two, BlockSize: 16})
	require.ErrorIs(t, err, ErrMismatch)

	// Rebuilding from empty starts a new instance.
	require.NoError(t, Remove(two))
	s := openStore(t, two, 0)
	require.NoError(t, s.Close())
	_, err = Open(Options{Dir: two, BlockSize: 32})
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := openStore(t, t.TempDir(), 64)
	const workers, perWorker = 8, 50

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			buf := make([]byte, 16)
			for i := 0; i < perWorker; i++ {
				a, err := s.Allocate()
				if err != nil {
					return err
				}
				want := block(fmt.Sprintf("w%d-%d", w, i))
				if err := s.Save(a, want); err != nil {
					return err
				}
				if err := s.Load(a, buf); err != nil {
					return err
				}
				if string(buf) != string(want) {
					return fmt.Errorf("slot %s: got %q want %q", a, buf, want)
				}
				if i%3 == 0 {
					if err := s.Free(a); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, workers*(perWorker-17), s.Len())
}
