package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverdb/quiver/distance"
)

func TestClusteredVectorsStructure(t *testing.T) {
	rng := NewRNG(1)
	vecs := rng.ClusteredVectors(40, 8, 4, 0.5)
	require.Len(t, vecs, 40)

	// Same-cluster rows are far closer than cross-cluster rows.
	same := distance.SquaredL2(vecs[0], vecs[4])
	cross := distance.SquaredL2(vecs[0], vecs[1])
	assert.Less(t, same, cross)
}

func TestRNGDeterminism(t *testing.T) {
	a := NewRNG(42).UniformVectors(4, 8)
	b := NewRNG(42).UniformVectors(4, 8)
	assert.Equal(t, a, b)

	rng := NewRNG(42)
	first := rng.UniformVectors(4, 8)
	rng.Reset()
	assert.Equal(t, first, rng.UniformVectors(4, 8))
}

func TestBruteForceAndRecall(t *testing.T) {
	rng := NewRNG(7)
	vecs := rng.ClusteredVectors(30, 6, 3, 0.25)

	want, err := BruteForce(vecs[0], vecs, 5, distance.MetricL2)
	require.NoError(t, err)
	require.Len(t, want, 5)
	assert.Equal(t, 0, want[0].Index, "a vector is its own nearest neighbor")
	for i := 1; i < len(want); i++ {
		assert.LessOrEqual(t, want[i-1].Distance, want[i].Distance)
	}

	got := []int{want[0].Index, want[1].Index, 29}
	assert.InDelta(t, 0.4, Recall(got, want), 1e-9)
}
