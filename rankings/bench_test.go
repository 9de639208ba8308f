package rankings

import (
	"testing"

	"github.com/IvanBrykalov/diskrank/store/mem"
)

// benchmarkEngine returns an engine holding n records spread over the three
// live lists.
func benchmarkEngine(b *testing.B, n int) (*Rankings, []*Record) {
	st := mem.New(RecordSize)
	r := open(b, st, Options{})
	recs := make([]*Record, n)
	for i := range recs {
		recs[i] = insertNew(b, r, List(i%3))
	}
	return r, recs
}

func BenchmarkRankings_InsertRemove(b *testing.B) {
	r, _ := benchmarkEngine(b, 1024)
	rec, err := r.Allocate()
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := r.Insert(rec, false, NotUsed); err != nil {
			b.Fatal(err)
		}
		if err := r.Remove(rec, NotUsed, true); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRankings_UpdateRank(b *testing.B) {
	r, recs := benchmarkEngine(b, 1024)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rec := recs[(i*7)%len(recs)]
		if err := r.UpdateRank(rec, false, List(i%3)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRankings_IterateAll(b *testing.B) {
	r, _ := benchmarkEngine(b, 1024)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		it, err := r.NewIterator(Backward)
		if err != nil {
			b.Fatal(err)
		}
		for {
			rec, _, err := it.Next()
			if err != nil {
				b.Fatal(err)
			}
			if rec == nil {
				break
			}
		}
		it.Release()
	}
}
