// Package fuse merges ranked lists from different retrieval systems
// into a single ranking.
package fuse

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/alemarco96/DECAF-sub000/internal/index"
)

// Method selects the fusion algorithm.
type Method string

const (
	// MethodRRF is reciprocal rank fusion: 1/(k + rank) summed per run.
	MethodRRF Method = "rrf"
	// MethodCombSUM sums normalized scores across runs.
	MethodCombSUM Method = "combsum"
)

// Normalization rescales run scores before CombSUM.
type Normalization string

const (
	// NormMinMax rescales each run to [0, 1].
	NormMinMax Normalization = "minmax"
	// NormZScore centers each run to zero mean, unit deviation.
	NormZScore Normalization = "zscore"
	// NormNone sums raw scores.
	NormNone Normalization = "none"
)

// DefaultRRFK is the conventional rank-smoothing constant.
const DefaultRRFK = 60

// Options configures a fusion.
type Options struct {
	Method Method
	Norm   Normalization // CombSUM only
	RRFK   int           // rank constant, DefaultRRFK when zero
}

// Fuse merges runs into the k best fused hits. Documents appearing in
// several runs accumulate; ranks start at one.
func Fuse(runs [][]index.Hit, opts Options, k int) ([]index.Hit, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	var fused map[string]float64
	switch opts.Method {
	case MethodRRF, "":
		rrfK := opts.RRFK
		if rrfK <= 0 {
			rrfK = DefaultRRFK
		}
		fused = fuseRRF(runs, rrfK)
	case MethodCombSUM:
		var err error
		fused, err = fuseCombSUM(runs, opts.Norm)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown fusion method %q", opts.Method)
	}

	topk := index.NewTopK(k)
	for docID, score := range fused {
		topk.Push(docID, score)
	}
	return topk.Hits(), nil
}

func fuseRRF(runs [][]index.Hit, rrfK int) map[string]float64 {
	fused := make(map[string]float64)
	for _, run := range runs {
		for rank, hit := range run {
			fused[hit.DocID] += 1.0 / float64(rrfK+rank+1)
		}
	}
	return fused
}

func fuseCombSUM(runs [][]index.Hit, norm Normalization) (map[string]float64, error) {
	if norm == "" {
		norm = NormMinMax
	}
	fused := make(map[string]float64)
	for _, run := range runs {
		scores := make([]float64, len(run))
		for i, hit := range run {
			scores[i] = hit.Score
		}
		normalized, err := normalize(scores, norm)
		if err != nil {
			return nil, err
		}
		for i, hit := range run {
			fused[hit.DocID] += normalized[i]
		}
	}
	return fused, nil
}

// normalize rescales one run's scores in place. Degenerate runs (all
// scores equal) map to 1.0 for min-max and 0.0 for z-score.
func normalize(scores []float64, norm Normalization) ([]float64, error) {
	if len(scores) == 0 {
		return scores, nil
	}
	switch norm {
	case NormNone:
		return scores, nil
	case NormMinMax:
		lo, hi := floats.Min(scores), floats.Max(scores)
		span := hi - lo
		for i, s := range scores {
			if span == 0 {
				scores[i] = 1.0
			} else {
				scores[i] = (s - lo) / span
			}
		}
		return scores, nil
	case NormZScore:
		if len(scores) < 2 {
			scores[0] = 0
			return scores, nil
		}
		mean, std := stat.MeanStdDev(scores, nil)
		for i, s := range scores {
			if std == 0 {
				scores[i] = 0
			} else {
				scores[i] = (s - mean) / std
			}
		}
		return scores, nil
	}
	return nil, fmt.Errorf("unknown normalization %q", norm)
}
