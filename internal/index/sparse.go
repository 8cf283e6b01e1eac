package index

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/gzip"
)

// Sparse is an impact index: term to postings of precomputed weights,
// scored by accumulating query-weight times document-weight over the
// matching terms. Not safe for concurrent mutation; Search alone is.
type Sparse struct {
	ids      []string
	ords     map[string]int32
	postings map[string][]posting
}

type posting struct {
	doc    int32
	weight float64
}

// NewSparse creates an empty impact index.
func NewSparse() *Sparse {
	return &Sparse{
		ords:     make(map[string]int32),
		postings: make(map[string][]posting),
	}
}

// Len returns the number of indexed documents.
func (s *Sparse) Len() int { return len(s.ids) }

// Terms returns the vocabulary size.
func (s *Sparse) Terms() int { return len(s.postings) }

// Add indexes one document's term weights. Zero weights are dropped.
func (s *Sparse) Add(id string, weights map[string]float64) error {
	if id == "" {
		return fmt.Errorf("empty document id")
	}
	if _, ok := s.ords[id]; ok {
		return fmt.Errorf("duplicate document %s", id)
	}
	ord := int32(len(s.ids))
	s.ords[id] = ord
	s.ids = append(s.ids, id)
	for term, w := range weights {
		if w == 0 || term == "" {
			continue
		}
		s.postings[term] = append(s.postings[term], posting{doc: ord, weight: w})
	}
	return nil
}

// Search returns the k best documents for the query term weights.
// Documents sharing no terms with the query are not returned.
func (s *Sparse) Search(weights map[string]float64, k int) ([]Hit, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	acc := make(map[int32]float64)
	for term, qw := range weights {
		if qw == 0 {
			continue
		}
		for _, p := range s.postings[term] {
			acc[p.doc] += qw * p.weight
		}
	}

	topk := NewTopK(k)
	for ord, score := range acc {
		topk.Push(s.ids[ord], score)
	}
	return topk.Hits(), nil
}

type sparsePosting struct {
	Doc    int32   `json:"d"`
	Weight float64 `json:"w"`
}

type sparseFile struct {
	IDs      []string                   `json:"ids"`
	Postings map[string][]sparsePosting `json:"postings"`
}

// Save writes the index as JSON, gzipped when the path ends in .gz.
func (s *Sparse) Save(path string) error {
	out := sparseFile{IDs: s.ids, Postings: make(map[string][]sparsePosting, len(s.postings))}
	for term, ps := range s.postings {
		encoded := make([]sparsePosting, len(ps))
		for i, p := range ps {
			encoded[i] = sparsePosting{Doc: p.doc, Weight: p.weight}
		}
		out.Postings[term] = encoded
	}

	data, err := sonic.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode sparse index: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create sparse index: %w", err)
	}
	if strings.HasSuffix(path, ".gz") {
		gz := gzip.NewWriter(f)
		if _, err := gz.Write(data); err != nil {
			f.Close()
			return fmt.Errorf("failed to write sparse index: %w", err)
		}
		if err := gz.Close(); err != nil {
			f.Close()
			return fmt.Errorf("failed to write sparse index: %w", err)
		}
	} else if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write sparse index: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write sparse index: %w", err)
	}
	return nil
}

// LoadSparse reads an index saved by Save.
func LoadSparse(path string) (*Sparse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sparse index: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open sparse index %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read sparse index: %w", err)
	}

	var in sparseFile
	if err := sonic.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("failed to parse sparse index: %w", err)
	}

	s := NewSparse()
	s.ids = in.IDs
	for i, id := range in.IDs {
		if id == "" {
			return nil, fmt.Errorf("sparse index has empty id at position %d", i)
		}
		s.ords[id] = int32(i)
	}
	n := int32(len(in.IDs))
	for term, ps := range in.Postings {
		decoded := make([]posting, len(ps))
		for i, p := range ps {
			if p.Doc < 0 || p.Doc >= n {
				return nil, fmt.Errorf("sparse index posting for %q names document %d of %d", term, p.Doc, n)
			}
			decoded[i] = posting{doc: p.Doc, weight: p.Weight}
		}
		s.postings[term] = decoded
	}
	return s, nil
}
