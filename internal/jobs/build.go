package jobs

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/gzip"

	"github.com/alemarco96/DECAF-sub000/internal/corpus"
	"github.com/alemarco96/DECAF-sub000/internal/index"
	"github.com/alemarco96/DECAF-sub000/internal/stage"
)

// File names inside a build's output directory.
const (
	DenseFile  = "dense.idx"
	SparseFile = "sparse.json.gz"
	DocsFile   = "docs.jsonl.gz"
)

const defaultProgressEvery = 1000

// BuildSpec describes one corpus-to-index build.
type BuildSpec struct {
	CorpusGlob    string
	Format        corpus.Format
	Metric        index.Metric
	Dense         bool
	Sparse        bool
	Texts         bool // also persist document texts for reranking
	OutDir        string
	ProgressEvery int
}

// Stages carries the worker-backed stages a build may use.
type Stages struct {
	Encoder  *stage.Encoder
	Expander *stage.Expander
}

// BuildResult summarizes a finished build.
type BuildResult struct {
	Docs       int
	DensePath  string
	SparsePath string
	DocsPath   string
}

// docWriter streams indexed documents to a gzipped JSONL store, shard
// shaped, so the corpus reader loads it back.
type docWriter struct {
	f  *os.File
	gz *gzip.Writer
	w  *bufio.Writer
}

func newDocWriter(path string) (*docWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create document store: %w", err)
	}
	gz := gzip.NewWriter(f)
	return &docWriter{f: f, gz: gz, w: bufio.NewWriterSize(gz, 256*1024)}, nil
}

func (dw *docWriter) write(doc corpus.Document) error {
	line, err := sonic.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
	}
	if _, err := dw.w.Write(line); err != nil {
		return fmt.Errorf("failed to write document store: %w", err)
	}
	return dw.w.WriteByte('\n')
}

func (dw *docWriter) close() error {
	if err := dw.w.Flush(); err != nil {
		dw.gz.Close()
		dw.f.Close()
		return fmt.Errorf("failed to flush document store: %w", err)
	}
	if err := dw.gz.Close(); err != nil {
		dw.f.Close()
		return fmt.Errorf("failed to close document store: %w", err)
	}
	if err := dw.f.Close(); err != nil {
		return fmt.Errorf("failed to close document store: %w", err)
	}
	return nil
}

// denseAccum pairs submitted document IDs with the vectors the encoder
// returns batch by batch. The index is created lazily because the
// vector dimension is only known once the first batch lands.
type denseAccum struct {
	metric  index.Metric
	idx     *index.Dense
	pending []string
}

func (a *denseAccum) absorb(vecs [][]float64) error {
	for _, vec := range vecs {
		if len(a.pending) == 0 {
			return fmt.Errorf("encoder produced more vectors than submitted documents")
		}
		id := a.pending[0]
		a.pending = a.pending[1:]

		if a.idx == nil {
			idx, err := index.NewDense(len(vec), a.metric)
			if err != nil {
				return err
			}
			a.idx = idx
		}
		if err := a.idx.Add(id, vec); err != nil {
			return err
		}
	}
	return nil
}

func (a *denseAccum) settle() error {
	if len(a.pending) != 0 {
		return fmt.Errorf("encoder left %d documents without vectors", len(a.pending))
	}
	if a.idx == nil {
		return fmt.Errorf("corpus produced no documents to encode")
	}
	return nil
}

// sparseAccum is the expander-side counterpart of denseAccum.
type sparseAccum struct {
	idx     *index.Sparse
	pending []string
}

func (a *sparseAccum) absorb(maps []map[string]float64) error {
	for _, weights := range maps {
		if len(a.pending) == 0 {
			return fmt.Errorf("expander produced more term maps than submitted documents")
		}
		id := a.pending[0]
		a.pending = a.pending[1:]
		if err := a.idx.Add(id, weights); err != nil {
			return err
		}
	}
	return nil
}

func (a *sparseAccum) settle() error {
	if len(a.pending) != 0 {
		return fmt.Errorf("expander left %d documents without term maps", len(a.pending))
	}
	return nil
}

// RunBuild streams the corpus through the encoding stages and writes
// the resulting indexes under spec.OutDir. Progress is reported every
// ProgressEvery documents (default 1000).
func RunBuild(ctx context.Context, spec BuildSpec, st Stages, report func(Progress)) (*BuildResult, error) {
	if !spec.Dense && !spec.Sparse {
		return nil, fmt.Errorf("build enables no index")
	}
	if spec.Dense && st.Encoder == nil {
		return nil, fmt.Errorf("dense build requires an encoder stage")
	}
	if spec.Sparse && st.Expander == nil {
		return nil, fmt.Errorf("sparse build requires an expander stage")
	}
	if spec.OutDir == "" {
		return nil, fmt.Errorf("build has no output directory")
	}
	every := spec.ProgressEvery
	if every <= 0 {
		every = defaultProgressEvery
	}

	shards, err := corpus.Discover(spec.CorpusGlob)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(spec.OutDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	b := &builder{
		spec:   spec,
		stages: st,
		dense:  &denseAccum{metric: spec.Metric},
		sparse: &sparseAccum{idx: index.NewSparse()},
		every:  every,
		report: report,
	}
	if spec.Texts {
		dw, err := newDocWriter(filepath.Join(spec.OutDir, DocsFile))
		if err != nil {
			return nil, err
		}
		b.texts = dw
	}

	for _, shard := range shards {
		if err := b.indexShard(ctx, shard); err != nil {
			if b.texts != nil {
				b.texts.close()
			}
			return nil, err
		}
	}

	// Flush the partial tail batches.
	if err := b.finish(ctx); err != nil {
		if b.texts != nil {
			b.texts.close()
		}
		return nil, err
	}
	if b.texts != nil {
		if err := b.texts.close(); err != nil {
			return nil, err
		}
	}

	if b.docs == 0 {
		return nil, fmt.Errorf("corpus %q produced no documents", spec.CorpusGlob)
	}

	result := &BuildResult{Docs: b.docs}
	if spec.Dense {
		result.DensePath = filepath.Join(spec.OutDir, DenseFile)
		if err := b.dense.idx.Save(result.DensePath); err != nil {
			return nil, err
		}
	}
	if spec.Sparse {
		result.SparsePath = filepath.Join(spec.OutDir, SparseFile)
		if err := b.sparse.idx.Save(result.SparsePath); err != nil {
			return nil, err
		}
	}
	if spec.Texts {
		result.DocsPath = filepath.Join(spec.OutDir, DocsFile)
	}

	if report != nil {
		report(Progress{Docs: b.docs, Message: "build complete"})
	}
	return result, nil
}

// builder carries the per-build state threaded through shards.
type builder struct {
	spec   BuildSpec
	stages Stages
	dense  *denseAccum
	sparse *sparseAccum
	texts  *docWriter
	docs   int
	every  int
	report func(Progress)
}

func (b *builder) indexShard(ctx context.Context, shard string) error {
	it, err := corpus.Open(shard, b.spec.Format)
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		doc, err := it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		text := doc.FullText()
		if b.spec.Dense {
			b.dense.pending = append(b.dense.pending, doc.ID)
			vecs, err := b.stages.Encoder.Submit(ctx, text)
			if err != nil {
				return err
			}
			if err := b.dense.absorb(vecs); err != nil {
				return err
			}
		}
		if b.spec.Sparse {
			b.sparse.pending = append(b.sparse.pending, doc.ID)
			maps, err := b.stages.Expander.Submit(ctx, text)
			if err != nil {
				return err
			}
			if err := b.sparse.absorb(maps); err != nil {
				return err
			}
		}
		if b.texts != nil {
			if err := b.texts.write(doc); err != nil {
				return err
			}
		}

		b.docs++
		if b.report != nil && b.docs%b.every == 0 {
			b.report(Progress{Docs: b.docs, Message: fmt.Sprintf("indexed %d documents", b.docs)})
		}
	}
}

func (b *builder) finish(ctx context.Context) error {
	if b.spec.Dense {
		vecs, err := b.stages.Encoder.Finish(ctx)
		if err != nil {
			return err
		}
		if err := b.dense.absorb(vecs); err != nil {
			return err
		}
		if err := b.dense.settle(); err != nil {
			return err
		}
	}
	if b.spec.Sparse {
		maps, err := b.stages.Expander.Finish(ctx)
		if err != nil {
			return err
		}
		if err := b.sparse.absorb(maps); err != nil {
			return err
		}
		if err := b.sparse.settle(); err != nil {
			return err
		}
	}
	return nil
}
