// Package benchmark measures end-to-end build and search throughput.
//
// Run with:
//
//	go test -bench=. -benchmem ./benchmark_test
package benchmark

import (
	"context"
	"fmt"
	"testing"

	"github.com/quiverdb/quiver"
	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/dataset"
	"github.com/quiverdb/quiver/dataset/memds"
	"github.com/quiverdb/quiver/index"
	"github.com/quiverdb/quiver/testutil"
)

const (
	benchDim  = 128
	benchRows = 20_000
)

func benchEngine(b *testing.B, typ index.Type, sub index.SubIndexParams) (*quiver.Engine, [][]float32) {
	b.Helper()
	rng := testutil.NewRNG(42)
	vectors := rng.ClusteredVectors(benchRows, benchDim, 64, 1.0)

	store := memds.New(dataset.Column{Name: "vec", Dim: benchDim, ElementType: dataset.Float32})
	store.Append(vectors)

	eng, err := quiver.New(store, blobstore.NewMemoryStore(), quiver.WithCacheBudget(512<<20))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { eng.Close() })

	_, err = eng.CreateIndex(context.Background(), "vec_idx", "vec", typ,
		func(o *quiver.CreateIndexOptions) {
			o.NumPartitions = 64
			o.SubIndex = sub
			o.Seed = 7
			o.SkipSanityCheck = true
		})
	if err != nil {
		b.Fatal(err)
	}
	return eng, rng.UniformVectors(256, benchDim)
}

func benchmarkSearch(b *testing.B, typ index.Type, sub index.SubIndexParams, nprobes int) {
	eng, queries := benchEngine(b, typ, sub)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := eng.Search("vec", queries[i%len(queries)]).
			KNN(10).Nprobes(nprobes).Execute(ctx)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSearchIVFFlat(b *testing.B) {
	benchmarkSearch(b, index.IVFFlat, index.SubIndexParams{}, 8)
}

func BenchmarkSearchIVFSQ(b *testing.B) {
	benchmarkSearch(b, index.IVFSQ, index.SubIndexParams{}, 8)
}

func BenchmarkSearchIVFPQ(b *testing.B) {
	benchmarkSearch(b, index.IVFPQ, index.SubIndexParams{NumSubVectors: 16}, 8)
}

func BenchmarkSearchIVFHNSWSQ(b *testing.B) {
	benchmarkSearch(b, index.IVFHNSWSQ, index.SubIndexParams{M: 16, EFConstruction: 200}, 8)
}

func BenchmarkSearchNprobes(b *testing.B) {
	for _, nprobes := range []int{1, 4, 16, 64} {
		b.Run(fmt.Sprintf("nprobes=%d", nprobes), func(b *testing.B) {
			benchmarkSearch(b, index.IVFSQ, index.SubIndexParams{}, nprobes)
		})
	}
}

func BenchmarkBuildIVFSQ(b *testing.B) {
	rng := testutil.NewRNG(42)
	vectors := rng.ClusteredVectors(benchRows, benchDim, 64, 1.0)
	store := memds.New(dataset.Column{Name: "vec", Dim: benchDim, ElementType: dataset.Float32})
	store.Append(vectors)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		eng, err := quiver.New(store, blobstore.NewMemoryStore())
		if err != nil {
			b.Fatal(err)
		}
		_, err = eng.CreateIndex(ctx, "vec_idx", "vec", index.IVFSQ,
			func(o *quiver.CreateIndexOptions) {
				o.NumPartitions = 64
				o.Seed = 7
				o.SkipSanityCheck = true
			})
		if err != nil {
			b.Fatal(err)
		}
		eng.Close()
	}
}
