package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopKOrdersAndCaps(t *testing.T) {
	topk := NewTopK(3)
	topk.Push("d1", 0.2)
	topk.Push("d2", 0.9)
	topk.Push("d3", 0.5)
	topk.Push("d4", 0.7)
	topk.Push("d5", 0.1)

	hits := topk.Hits()
	require.Len(t, hits, 3)
	assert.Equal(t, []Hit{{"d2", 0.9}, {"d4", 0.7}, {"d3", 0.5}}, hits)
}

func TestTopKTiesOrderByDocID(t *testing.T) {
	topk := NewTopK(4)
	topk.Push("z", 1.0)
	topk.Push("a", 1.0)
	topk.Push("m", 1.0)

	hits := topk.Hits()
	assert.Equal(t, []Hit{{"a", 1.0}, {"m", 1.0}, {"z", 1.0}}, hits)
}

func TestDenseDotSearch(t *testing.T) {
	d, err := NewDense(3, MetricDot)
	require.NoError(t, err)
	require.NoError(t, d.Add("d1", []float64{1, 0, 0}))
	require.NoError(t, d.Add("d2", []float64{0, 2, 0}))
	require.NoError(t, d.Add("d3", []float64{1, 1, 0}))

	hits, err := d.Search([]float64{1, 1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "d2", hits[0].DocID)
	assert.InDelta(t, 2.0, hits[0].Score, 1e-12)
	assert.Equal(t, "d3", hits[1].DocID)
	assert.InDelta(t, 2.0, hits[1].Score, 1e-12)
}

func TestDenseCosineSearch(t *testing.T) {
	d, err := NewDense(2, MetricCosine)
	require.NoError(t, err)
	require.NoError(t, d.Add("aligned", []float64{2, 0}))
	require.NoError(t, d.Add("diagonal", []float64{1, 1}))
	require.NoError(t, d.Add("orthogonal", []float64{0, 3}))

	hits, err := d.Search([]float64{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "aligned", hits[0].DocID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-12)
	assert.Equal(t, "diagonal", hits[1].DocID)
	assert.InDelta(t, 0.7071067811865475, hits[1].Score, 1e-9)
	assert.Equal(t, "orthogonal", hits[2].DocID)
	assert.InDelta(t, 0.0, hits[2].Score, 1e-12)
}

func TestDenseRejectsBadInput(t *testing.T) {
	_, err := NewDense(0, MetricDot)
	require.Error(t, err)

	_, err = NewDense(4, Metric("euclidean"))
	require.Error(t, err)

	d, err := NewDense(2, MetricDot)
	require.NoError(t, err)
	require.Error(t, d.Add("d1", []float64{1, 2, 3}))
	require.NoError(t, d.Add("d1", []float64{1, 2}))
	assert.ErrorContains(t, d.Add("d1", []float64{3, 4}), "duplicate")

	_, err = d.Search([]float64{1}, 5)
	require.Error(t, err)
	_, err = d.Search([]float64{1, 2}, 0)
	require.Error(t, err)
}

func TestDenseSaveLoadRoundTrip(t *testing.T) {
	d, err := NewDense(2, MetricCosine)
	require.NoError(t, err)
	require.NoError(t, d.Add("d1", []float64{0.5, 0.5}))
	require.NoError(t, d.Add("d2", []float64{-1, 2}))

	path := filepath.Join(t.TempDir(), "dense.vec")
	require.NoError(t, d.Save(path))

	loaded, err := LoadDense(path)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Len())
	assert.Equal(t, 2, loaded.Dim())

	want, err := d.Search([]float64{1, 1}, 2)
	require.NoError(t, err)
	got, err := loaded.Search([]float64{1, 1}, 2)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	assert.ErrorContains(t, loaded.Add("d1", []float64{0, 0}), "duplicate")
}

func TestSparseSearchAccumulatesImpacts(t *testing.T) {
	s := NewSparse()
	require.NoError(t, s.Add("d1", map[string]float64{"cancer": 2.0, "throat": 1.5}))
	require.NoError(t, s.Add("d2", map[string]float64{"cancer": 1.0}))
	require.NoError(t, s.Add("d3", map[string]float64{"music": 3.0}))

	hits, err := s.Search(map[string]float64{"cancer": 1.0, "throat": 2.0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "d1", hits[0].DocID)
	assert.InDelta(t, 5.0, hits[0].Score, 1e-12)
	assert.Equal(t, "d2", hits[1].DocID)
	assert.InDelta(t, 1.0, hits[1].Score, 1e-12)
}

func TestSparseRejectsBadInput(t *testing.T) {
	s := NewSparse()
	require.Error(t, s.Add("", map[string]float64{"a": 1}))
	require.NoError(t, s.Add("d1", map[string]float64{"a": 1}))
	assert.ErrorContains(t, s.Add("d1", map[string]float64{"b": 1}), "duplicate")

	_, err := s.Search(map[string]float64{"a": 1}, 0)
	require.Error(t, err)
}

func TestSparseZeroWeightsDropped(t *testing.T) {
	s := NewSparse()
	require.NoError(t, s.Add("d1", map[string]float64{"kept": 1.0, "dropped": 0.0}))
	assert.Equal(t, 1, s.Terms())
}

func TestSparseSaveLoadRoundTrip(t *testing.T) {
	s := NewSparse()
	require.NoError(t, s.Add("d1", map[string]float64{"alpha": 1.25, "beta": 0.5}))
	require.NoError(t, s.Add("d2", map[string]float64{"beta": 2.0}))

	for _, name := range []string{"sparse.json", "sparse.json.gz"} {
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, s.Save(path))

		loaded, err := LoadSparse(path)
		require.NoError(t, err)
		assert.Equal(t, 2, loaded.Len())
		assert.Equal(t, 2, loaded.Terms())

		want, err := s.Search(map[string]float64{"beta": 1.0}, 5)
		require.NoError(t, err)
		got, err := loaded.Search(map[string]float64{"beta": 1.0}, 5)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
