package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/alemarco96/DECAF-sub000/internal/assets"
	"github.com/alemarco96/DECAF-sub000/internal/config"
	"github.com/alemarco96/DECAF-sub000/internal/fuse"
	"github.com/alemarco96/DECAF-sub000/internal/index"
	"github.com/alemarco96/DECAF-sub000/internal/jobs"
	"github.com/alemarco96/DECAF-sub000/internal/logging"
	"github.com/alemarco96/DECAF-sub000/internal/metrics"
	"github.com/alemarco96/DECAF-sub000/internal/pipeline"
	"github.com/alemarco96/DECAF-sub000/internal/search"
	"github.com/alemarco96/DECAF-sub000/internal/server"
)

func main() {
	pipelinePath := flag.String("pipeline", "", "pipeline file (yaml or toml)")
	port := flag.String("port", "", "listen port (overrides DECAF_PORT)")
	host := flag.String("host", "", "listen address (overrides DECAF_HOST)")
	dev := flag.Bool("dev", false, "development logging (colored console, debug level)")
	flag.Parse()

	cfg := config.LoadOrDefault()
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if *pipelinePath == "" {
		logger.Fatal("missing -pipeline flag")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := newDaemon(ctx, cfg, *pipelinePath, logger)
	if err != nil {
		logger.Fatal("failed to start daemon", zap.Error(err))
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := d.srv.Run(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		logger.Info("shutting down")
		d.close()
	case err := <-errChan:
		d.close()
		logger.Fatal("server error", zap.Error(err))
	}
}

// daemon wires the searcher, job manager and HTTP server together.
type daemon struct {
	cfg      *config.Config
	p        *config.Pipeline
	log      *logging.Logger
	m        *metrics.Metrics
	searcher *search.Searcher
	jobs     *jobs.Manager
	srv      *server.Server
}

func newDaemon(ctx context.Context, cfg *config.Config, pipelinePath string, logger *logging.Logger) (*daemon, error) {
	p, err := config.LoadPipeline(pipelinePath)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store, err := newAssetStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	d := &daemon{cfg: cfg, p: p, log: logger, m: m}

	// A missing index is not fatal: the daemon still serves builds, so
	// the first index can be created through POST /jobs.
	if err := d.initSearcher(ctx, store); err != nil {
		return nil, err
	}

	d.jobs = jobs.NewManager(logger, m)

	// Every build spawns its own workers; the searcher's stage sessions
	// are never shared with builds.
	build := func(ctx context.Context, spec jobs.BuildSpec, report func(jobs.Progress)) error {
		set := pipeline.Set{Encoder: spec.Dense, Expander: spec.Sparse}
		st, err := pipeline.Spawn(ctx, p, set, pipeline.Options{
			Worker:  cfg.Worker,
			Assets:  store,
			Log:     logger,
			Metrics: m,
		})
		if err != nil {
			return err
		}
		_, berr := jobs.RunBuild(ctx, spec, st.Build(), report)
		cerr := st.Close(context.Background())
		if berr != nil {
			return berr
		}
		return cerr
	}

	d.srv = server.New(server.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		RateLimitEnabled:  cfg.RateLimit.Enabled,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}, server.Deps{
		Searcher: d.searcher,
		Jobs:     d.jobs,
		Build:    build,
		Metrics:  m,
		Gatherer: reg,
		Log:      logger,
	})

	return d, nil
}

// initSearcher loads the indexes the pipeline enables and spawns the
// search stages. Indexes not built yet disable search instead of
// failing startup.
func (d *daemon) initSearcher(ctx context.Context, store *assets.Store) error {
	p := d.p
	if !p.Index.Dense && !p.Index.Sparse {
		d.log.Warn("pipeline enables no index, search disabled")
		return nil
	}
	if p.Index.Dir == "" {
		d.log.Warn("pipeline has no index.dir, search disabled")
		return nil
	}

	var dense *index.Dense
	if p.Index.Dense {
		idx, err := index.LoadDense(filepath.Join(p.Index.Dir, jobs.DenseFile))
		if errors.Is(err, fs.ErrNotExist) {
			d.log.Warn("dense index not built yet, search disabled", zap.String("dir", p.Index.Dir))
			return nil
		}
		if err != nil {
			return err
		}
		dense = idx
	}

	var sparse *index.Sparse
	if p.Index.Sparse {
		idx, err := index.LoadSparse(filepath.Join(p.Index.Dir, jobs.SparseFile))
		if errors.Is(err, fs.ErrNotExist) {
			d.log.Warn("sparse index not built yet, search disabled", zap.String("dir", p.Index.Dir))
			return nil
		}
		if err != nil {
			return err
		}
		sparse = idx
	}

	var docs *search.Docs
	rerankK := 0
	if p.Reranker != nil && p.Retrieval.RerankK > 0 {
		loaded, err := search.LoadDocs(filepath.Join(p.Index.Dir, jobs.DocsFile))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			d.log.Warn("document store not built, reranking disabled", zap.String("dir", p.Index.Dir))
		case err != nil:
			return err
		default:
			docs = loaded
			rerankK = p.Retrieval.RerankK
		}
	}

	set := pipeline.SearchSet(p)
	set.Reranker = set.Reranker && rerankK > 0

	st, err := pipeline.Spawn(ctx, p, set, pipeline.Options{
		Worker:  d.cfg.Worker,
		Assets:  store,
		Log:     d.log,
		Metrics: d.m,
	})
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
	}, st.Search(), docs, d.log, d.m)
	if err != nil {
		st.Close(ctx)
		return err
	}

	d.searcher = searcher
	d.log.Info("searcher ready",
		zap.Bool("dense", dense != nil),
		zap.Bool("sparse", sparse != nil),
		zap.Int("rerank_k", rerankK))
	return nil
}

// close drains the server, the job manager, then the worker stages.
func (d *daemon) close() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Worker.GraceTimeout+5*time.Second)
	defer cancel()

	if err := d.srv.Shutdown(ctx); err != nil {
		d.log.Warn("http shutdown failed", zap.Error(err))
	}
	d.jobs.Close()
	if d.searcher != nil {
		if err := d.searcher.Close(ctx); err != nil {
			d.log.Warn("failed to close worker stages", zap.Error(err))
		}
	}
}

func newAssetStore(cfg *config.Config, logger *logging.Logger) (*assets.Store, error) {
	dir := cfg.Assets.CacheDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "decaf-assets")
	}
	return assets.NewStore(dir, cfg.Assets.Retries, logger)
}
