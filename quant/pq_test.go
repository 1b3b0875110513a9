package quant

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/distance"
)

func randomVectors(t *testing.T, n, dim int, seed int64) [][]float32 {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		out[i] = v
	}
	return out
}

func TestNewProductQuantizerDivisibility(t *testing.T) {
	_, err := NewProductQuantizer(128, 15, 8)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "divisible by num_sub_vectors")

	pq, err := NewProductQuantizer(128, 16, 8)
	require.NoError(t, err)
	assert.Equal(t, 16, pq.CodeSize())
}

func TestNewProductQuantizerBits(t *testing.T) {
	_, err := NewProductQuantizer(128, 16, 6)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "num_bits")

	pq4, err := NewProductQuantizer(128, 16, 4)
	require.NoError(t, err)
	assert.Equal(t, 8, pq4.CodeSize())
}

func TestPQRoundTrip(t *testing.T) {
	for _, bits := range []int{4, 8} {
		pq, err := NewProductQuantizer(32, 8, bits)
		require.NoError(t, err)
		pq.SetSeed(11)

		vectors := randomVectors(t, 600, 32, 3)
		require.NoError(t, pq.Train(vectors))
		require.True(t, pq.Trained())

		// Reconstruction must be meaningfully closer to the source than an
		// unrelated vector.
		v := vectors[0]
		code, err := pq.Encode(v)
		require.NoError(t, err)
		require.Len(t, code, pq.CodeSize())

		dec, err := pq.Decode(code)
		require.NoError(t, err)
		require.Len(t, dec, 32)

		reconErr := distance.SquaredL2(v, dec)
		unrelated := distance.SquaredL2(v, vectors[1])
		assert.Less(t, reconErr, unrelated, "bits=%d", bits)
	}
}

func TestPQSearcherMatchesDecodedDistance(t *testing.T) {
	pq, err := NewProductQuantizer(16, 4, 8)
	require.NoError(t, err)
	pq.SetSeed(5)

	vectors := randomVectors(t, 500, 16, 9)
	require.NoError(t, pq.Train(vectors))

	query := vectors[7]
	s, err := pq.Searcher(query, distance.MetricL2)
	require.NoError(t, err)

	for _, v := range vectors[:20] {
		code, err := pq.Encode(v)
		require.NoError(t, err)
		dec, err := pq.Decode(code)
		require.NoError(t, err)

		want := distance.SquaredL2(query, dec)
		assert.InDelta(t, want, s.Distance(code), 1e-3)
	}
}

func TestPQSearcherDotAndCosine(t *testing.T) {
	pq, err := NewProductQuantizer(8, 2, 8)
	require.NoError(t, err)
	pq.SetSeed(2)

	vectors := randomVectors(t, 400, 8, 21)
	for _, v := range vectors {
		distance.NormalizeL2InPlace(v)
	}
	require.NoError(t, pq.Train(vectors))

	query := vectors[3]

	dotSearch, err := pq.Searcher(query, distance.MetricDot)
	require.NoError(t, err)
	cosSearch, err := pq.Searcher(query, distance.MetricCosine)
	require.NoError(t, err)

	code, err := pq.Encode(vectors[10])
	require.NoError(t, err)
	dec, err := pq.Decode(code)
	require.NoError(t, err)

	assert.InDelta(t, -distance.Dot(query, dec), dotSearch.Distance(code), 1e-3)
	assert.InDelta(t, 1-distance.Dot(query, dec), cosSearch.Distance(code), 1e-3)
}

func TestPQExternalCodebook(t *testing.T) {
	pq, err := NewProductQuantizer(8, 4, 8)
	require.NoError(t, err)

	err = pq.SetCodebook(make([]float32, 13))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "codebook shape mismatch")

	require.NoError(t, pq.SetCodebook(make([]float32, 4*256*2)))
	assert.True(t, pq.Trained())
}

func TestPQUntrainedErrors(t *testing.T) {
	pq, err := NewProductQuantizer(8, 4, 8)
	require.NoError(t, err)

	_, err = pq.Encode(make([]float32, 8))
	assert.Error(t, err)
	_, err = pq.Decode(make([]byte, 4))
	assert.Error(t, err)
	_, err = pq.Searcher(make([]float32, 8), distance.MetricL2)
	assert.Error(t, err)
}
