package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/alemarco96/DECAF-sub000/internal/assets"
	"github.com/alemarco96/DECAF-sub000/internal/config"
	"github.com/alemarco96/DECAF-sub000/internal/corpus"
	"github.com/alemarco96/DECAF-sub000/internal/fuse"
	"github.com/alemarco96/DECAF-sub000/internal/index"
	"github.com/alemarco96/DECAF-sub000/internal/jobs"
	"github.com/alemarco96/DECAF-sub000/internal/logging"
	"github.com/alemarco96/DECAF-sub000/internal/pipeline"
	"github.com/alemarco96/DECAF-sub000/internal/runio"
	"github.com/alemarco96/DECAF-sub000/internal/search"
	"github.com/alemarco96/DECAF-sub000/internal/topics"
)

const usage = `decaf runs retrieval experiments over worker-backed pipelines.

Usage:
  decaf index  -pipeline FILE [flags]
  decaf search -pipeline FILE [flags]

Modes:
  index   read the corpus and build the configured indexes
  search  run the topic set through retrieval and write a run file

Run "decaf <mode> -h" for mode flags.
`

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	// Ctrl-C cancels the in-flight mode; workers are torn down on the
	// way out.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "index":
		err = runIndex(ctx, os.Args[2:])
	case "search":
		err = runSearch(ctx, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("decaf %s: %v", os.Args[1], err)
	}
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	return logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stderr"},
	})
}

func newAssetStore(cfg *config.Config, logger *logging.Logger) (*assets.Store, error) {
	dir := cfg.Assets.CacheDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "decaf-assets")
	}
	return assets.NewStore(dir, cfg.Assets.Retries, logger)
}

func runIndex(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	pipelinePath := fs.String("pipeline", "", "pipeline file (yaml or toml)")
	outDir := fs.String("out", "", "index output directory (defaults to the pipeline's index.dir)")
	metric := fs.String("metric", "dot", "dense similarity: dot or cosine")
	texts := fs.Bool("texts", true, "store document texts alongside the indexes")
	every := fs.Int("progress-every", 100000, "log progress every N documents")
	fs.Parse(args)

	if *pipelinePath == "" {
		return fmt.Errorf("-pipeline is required")
	}

	cfg := config.LoadOrDefault()
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	p, err := config.LoadPipeline(*pipelinePath)
	if err != nil {
		return err
	}

	dir := *outDir
	if dir == "" {
		dir = p.Index.Dir
	}
	if dir == "" {
		return fmt.Errorf("no index directory: set -out or the pipeline's index.dir")
	}

	var m index.Metric
	switch *metric {
	case "dot":
		m = index.MetricDot
	case "cosine":
		m = index.MetricCosine
	default:
		return fmt.Errorf("unknown similarity metric %q", *metric)
	}

	store, err := newAssetStore(cfg, logger)
	if err != nil {
		return err
	}

	opts := pipeline.Options{Worker: cfg.Worker, Assets: store, Log: logger}
	st, err := pipeline.Spawn(ctx, p, pipeline.BuildSet(p), opts)
	if err != nil {
		return err
	}

	spec := jobs.BuildSpec{
		CorpusGlob:    p.Corpus.Glob,
		Format:        corpus.Format(p.Corpus.Format),
		Metric:        m,
		Dense:         p.Index.Dense,
		Sparse:        p.Index.Sparse,
		Texts:         *texts,
		OutDir:        dir,
		ProgressEvery: *every,
	}

	start := time.Now()
	res, err := jobs.RunBuild(ctx, spec, st.Build(), func(pr jobs.Progress) {
		logger.Info("build progress", zap.Int("docs", pr.Docs), zap.String("status", pr.Message))
	})
	// The workers are closed on a fresh context so teardown still runs
	// after a cancelled build.
	cerr := st.Close(context.Background())
	if err != nil {
		return err
	}
	if cerr != nil {
		return cerr
	}

	logger.Info("index build complete",
		zap.Int("docs", res.Docs),
		zap.String("dense", res.DensePath),
		zap.String("sparse", res.SparsePath),
		zap.String("texts", res.DocsPath),
		zap.Duration("took", time.Since(start).Round(time.Millisecond)))
	return nil
}

func runSearch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	pipelinePath := fs.String("pipeline", "", "pipeline file (yaml or toml)")
	runPath := fs.String("run", "", "run file path (defaults to the pipeline's run.path)")
	source := fs.String("source", "raw", "utterance source for conversational topics: raw or manual")
	fs.Parse(args)

	if *pipelinePath == "" {
		return fmt.Errorf("-pipeline is required")
	}

	cfg := config.LoadOrDefault()
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	p, err := config.LoadPipeline(*pipelinePath)
	if err != nil {
		return err
	}

	out := *runPath
	if out == "" {
		out = p.Run.Path
	}
	if out == "" {
		return fmt.Errorf("no run file: set -run or the pipeline's run.path")
	}

	var src topics.Source
	switch *source {
	case "raw":
		src = topics.SourceRaw
	case "manual":
		src = topics.SourceManual
	default:
		return fmt.Errorf("unknown source %q", *source)
	}

	if p.Index.Dir == "" {
		return fmt.Errorf("pipeline has no index.dir")
	}

	var dense *index.Dense
	if p.Index.Dense {
		dense, err = index.LoadDense(filepath.Join(p.Index.Dir, jobs.DenseFile))
		if err != nil {
			return err
		}
	}
	var sparse *index.Sparse
	if p.Index.Sparse {
		sparse, err = index.LoadSparse(filepath.Join(p.Index.Dir, jobs.SparseFile))
		if err != nil {
			return err
		}
	}

	var docs *search.Docs
	rerankK := 0
	if p.Reranker != nil && p.Retrieval.RerankK > 0 {
		rerankK = p.Retrieval.RerankK
		docs, err = search.LoadDocs(filepath.Join(p.Index.Dir, jobs.DocsFile))
		if err != nil {
			return err
		}
	}

	queries, convs, err := topics.Load(p.Topics.Path, topics.Format(p.Topics.Format))
	if err != nil {
		return err
	}

	store, err := newAssetStore(cfg, logger)
	if err != nil {
		return err
	}

	set := pipeline.SearchSet(p)
	// Plain query sets carry no conversation, and manually resolved
	// utterances already are the rewrites.
	set.Rewriter = set.Rewriter && convs != nil && src == topics.SourceRaw

	st, err := pipeline.Spawn(ctx, p, set, pipeline.Options{Worker: cfg.Worker, Assets: store, Log: logger})
	if err != nil {
		return err
	}

	searcher, err := search.New(search.Config{
		Dense:  dense,
		Sparse: sparse,
		Fusion: fuse.Options{
			Method: fuse.Method(p.Retrieval.Fusion),
			Norm:   fuse.Normalization(p.Retrieval.Normalize),
			RRFK:   p.Retrieval.RRFK,
		},
		K:       p.Retrieval.K,
		RerankK: rerankK,
	}, st.Search(), docs, logger, nil)
	if err != nil {
		st.Close(context.Background())
		return err
	}
	defer searcher.Close(context.Background())

	w, err := runio.NewWriter(out)
	if err != nil {
		return err
	}

	start := time.Now()
	served, err := writeRun(ctx, searcher, w, p.Run.Tag, queries, convs, src)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	logger.Info("run written",
		zap.String("path", out),
		zap.Int("queries", served),
		zap.Duration("took", time.Since(start).Round(time.Millisecond)))
	return nil
}

// writeRun serves every topic turn in order, one conversation per
// topic, and streams the rankings to the run writer.
func writeRun(ctx context.Context, s *search.Searcher, w *runio.Writer, tag string, queries []topics.Query, convs []topics.Topic, src topics.Source) (int, error) {
	served := 0

	if convs == nil {
		for _, q := range queries {
			res, err := s.Search(ctx, search.Request{Query: q.Text})
			if err != nil {
				return served, fmt.Errorf("query %s: %w", q.ID, err)
			}
			if err := w.WriteRanking(q.ID, runHits(res.Hits), tag); err != nil {
				return served, err
			}
			s.Reset(res.ConversationID)
			served++
		}
		return served, nil
	}

	for _, topic := range convs {
		convID := ""
		for _, turn := range topic.Turns {
			qid := topics.QueryID(topic.Number, turn.Number)
			text := turn.Utterance
			if src == topics.SourceManual && turn.Rewritten != "" {
				text = turn.Rewritten
			}
			res, err := s.Search(ctx, search.Request{ConversationID: convID, Query: text})
			if err != nil {
				return served, fmt.Errorf("turn %s: %w", qid, err)
			}
			convID = res.ConversationID
			if err := w.WriteRanking(qid, runHits(res.Hits), tag); err != nil {
				return served, err
			}
			served++
		}
		if convID != "" {
			s.Reset(convID)
		}
	}
	return served, nil
}

func runHits(hits []search.Hit) []index.Hit {
	out := make([]index.Hit, len(hits))
	for i, h := range hits {
		out[i] = index.Hit{DocID: h.DocID, Score: h.Score}
	}
	return out
}
