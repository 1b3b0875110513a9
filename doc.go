// Package quiver is an approximate nearest-neighbor index engine for vector
// columns of a columnar dataset.
//
// Indices partition vectors with IVF coarse clustering and store each
// partition as either a quantized code array (flat, product, scalar or
// binary quantization) or an HNSW graph. Every build produces an immutable,
// UUID-named artifact; retrains, delta builds and merges publish new
// generations instead of mutating published ones, so searches and
// maintenance run concurrently without locks on the read path.
//
// Basic usage:
//
//	eng, err := quiver.New(ds, blobstore.NewLocalStore(dir))
//	if err != nil { ... }
//	defer eng.Close()
//
//	_, err = eng.CreateIndex(ctx, "embedding_idx", "embedding", index.IVFPQ,
//	    func(o *quiver.CreateIndexOptions) {
//	        o.NumPartitions = 256
//	        o.SubIndex.NumSubVectors = 16
//	    })
//
//	results, err := eng.Search("embedding", query).
//	    KNN(10).
//	    RefineFactor(4).
//	    Execute(ctx)
//
// As the dataset grows, OptimizeIndices builds delta generations for the
// new fragments and folds them back into the primary.
package quiver
