package index

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/bytedance/sonic"
	"gonum.org/v1/gonum/floats"
)

// Metric selects how dense scores are computed.
type Metric string

const (
	// MetricDot scores by inner product.
	MetricDot Metric = "dot"
	// MetricCosine scores by cosine similarity.
	MetricCosine Metric = "cosine"
)

// Dense is a flat exact-search vector index. Vectors are stored
// row-major; documents are scored against every row, so recall is
// exact. Not safe for concurrent mutation; Search alone is.
type Dense struct {
	metric Metric
	dim    int
	ids    []string
	seen   map[string]bool
	data   []float64
	norms  []float64
}

// NewDense creates an empty index for dim-sized vectors.
func NewDense(dim int, metric Metric) (*Dense, error) {
	if dim < 1 {
		return nil, fmt.Errorf("vector dimension must be positive, got %d", dim)
	}
	if metric == "" {
		metric = MetricDot
	}
	if metric != MetricDot && metric != MetricCosine {
		return nil, fmt.Errorf("unknown metric %q", metric)
	}
	return &Dense{metric: metric, dim: dim, seen: make(map[string]bool)}, nil
}

// Len returns the number of indexed documents.
func (d *Dense) Len() int { return len(d.ids) }

// Dim returns the vector dimension.
func (d *Dense) Dim() int { return d.dim }

// Add indexes one document vector.
func (d *Dense) Add(id string, vec []float64) error {
	if id == "" {
		return fmt.Errorf("empty document id")
	}
	if len(vec) != d.dim {
		return fmt.Errorf("vector for %s has dimension %d, want %d", id, len(vec), d.dim)
	}
	if d.seen[id] {
		return fmt.Errorf("duplicate document %s", id)
	}
	d.seen[id] = true
	d.ids = append(d.ids, id)
	d.data = append(d.data, vec...)
	d.norms = append(d.norms, floats.Norm(vec, 2))
	return nil
}

// Search returns the k best documents for the query vector.
func (d *Dense) Search(query []float64, k int) ([]Hit, error) {
	if len(query) != d.dim {
		return nil, fmt.Errorf("query has dimension %d, want %d", len(query), d.dim)
	}
	if k < 1 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	var qnorm float64
	if d.metric == MetricCosine {
		qnorm = floats.Norm(query, 2)
	}

	topk := NewTopK(k)
	for i, id := range d.ids {
		row := d.data[i*d.dim : (i+1)*d.dim]
		score := floats.Dot(query, row)
		if d.metric == MetricCosine {
			denom := qnorm * d.norms[i]
			if denom == 0 {
				score = 0
			} else {
				score /= denom
			}
		}
		topk.Push(id, score)
	}
	return topk.Hits(), nil
}

// denseMeta is the JSON sidecar describing the binary vector file.
type denseMeta struct {
	Metric Metric   `json:"metric"`
	Dim    int      `json:"dim"`
	Count  int      `json:"count"`
	IDs    []string `json:"ids"`
}

// Save writes the vectors as little-endian float64 rows at path and the
// metadata sidecar at path + ".meta.json".
func (d *Dense) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	w := bufio.NewWriterSize(f, 1<<20)
	if err := binary.Write(w, binary.LittleEndian, d.data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write vectors: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write vectors: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write vectors: %w", err)
	}

	meta, err := sonic.Marshal(denseMeta{Metric: d.metric, Dim: d.dim, Count: len(d.ids), IDs: d.ids})
	if err != nil {
		return fmt.Errorf("failed to encode index metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta.json", meta, 0644); err != nil {
		return fmt.Errorf("failed to write index metadata: %w", err)
	}
	return nil
}

// LoadDense reads an index saved by Save.
func LoadDense(path string) (*Dense, error) {
	raw, err := os.ReadFile(path + ".meta.json")
	if err != nil {
		return nil, fmt.Errorf("failed to read index metadata: %w", err)
	}
	var meta denseMeta
	if err := sonic.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse index metadata: %w", err)
	}
	if meta.Count != len(meta.IDs) {
		return nil, fmt.Errorf("index metadata lists %d ids for %d documents", len(meta.IDs), meta.Count)
	}

	d, err := NewDense(meta.Dim, meta.Metric)
	if err != nil {
		return nil, fmt.Errorf("bad index metadata: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat index file: %w", err)
	}
	want := int64(meta.Count) * int64(meta.Dim) * 8
	if st.Size() != want {
		return nil, fmt.Errorf("index file is %d bytes, metadata expects %d", st.Size(), want)
	}

	d.data = make([]float64, meta.Count*meta.Dim)
	if err := binary.Read(bufio.NewReaderSize(f, 1<<20), binary.LittleEndian, d.data); err != nil {
		return nil, fmt.Errorf("failed to read vectors: %w", err)
	}

	d.ids = meta.IDs
	d.norms = make([]float64, meta.Count)
	for i := range meta.IDs {
		d.seen[meta.IDs[i]] = true
		d.norms[i] = floats.Norm(d.data[i*meta.Dim:(i+1)*meta.Dim], 2)
	}
	return d, nil
}
