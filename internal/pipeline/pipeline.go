// Package pipeline turns a pipeline file into running worker stages.
// It is the glue between config.Pipeline and the stage constructors,
// shared by the experiment CLI and the daemon.
package pipeline

import (
	"context"
	"fmt"

	"github.com/alemarco96/DECAF-sub000/internal/assets"
	"github.com/alemarco96/DECAF-sub000/internal/config"
	"github.com/alemarco96/DECAF-sub000/internal/jobs"
	"github.com/alemarco96/DECAF-sub000/internal/logging"
	"github.com/alemarco96/DECAF-sub000/internal/metrics"
	"github.com/alemarco96/DECAF-sub000/internal/search"
	"github.com/alemarco96/DECAF-sub000/internal/stage"
)

// Options is the shared environment stages spawn with.
type Options struct {
	Worker  config.WorkerConfig
	Assets  *assets.Store // required by stages that declare an artifact
	Log     *logging.Logger
	Metrics *metrics.Metrics
}

// Set selects which configured stages Spawn starts.
type Set struct {
	Rewriter bool
	Encoder  bool
	Expander bool
	Reranker bool
}

// SearchSet selects the stages a search topology runs: the rewriter when
// configured, first-stage encoders per enabled index, and the reranker
// when a rerank depth is set.
func SearchSet(p *config.Pipeline) Set {
	return Set{
		Rewriter: p.Rewriter != nil,
		Encoder:  p.Index.Dense,
		Expander: p.Index.Sparse,
		Reranker: p.Reranker != nil && p.Retrieval.RerankK > 0,
	}
}

// BuildSet selects the stages an index build runs.
func BuildSet(p *config.Pipeline) Set {
	return Set{
		Encoder:  p.Index.Dense,
		Expander: p.Index.Sparse,
	}
}

// Stages holds the spawned workers of one topology.
type Stages struct {
	Rewriter *stage.Rewriter
	Encoder  *stage.Encoder
	Expander *stage.Expander
	Reranker *stage.Reranker
}

// Search adapts to the searcher's stage set.
func (s *Stages) Search() search.Stages {
	return search.Stages{
		Rewriter: s.Rewriter,
		Encoder:  s.Encoder,
		Expander: s.Expander,
		Reranker: s.Reranker,
	}
}

// Build adapts to the build runner's stage set.
func (s *Stages) Build() jobs.Stages {
	return jobs.Stages{
		Encoder:  s.Encoder,
		Expander: s.Expander,
	}
}

// Close shuts every spawned stage down. The first error wins; the rest
// are still closed.
func (s *Stages) Close(ctx context.Context) error {
	var first error
	if s.Rewriter != nil {
		if err := s.Rewriter.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	if s.Encoder != nil {
		if err := s.Encoder.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	if s.Expander != nil {
		if err := s.Expander.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	if s.Reranker != nil {
		if err := s.Reranker.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WorkerSpec resolves one configured stage into a spawnable spec.
// Worker-level defaults fill unset fields; a declared artifact is
// fetched through the asset store and handed to the worker as a
// model_dir argument. A configured diagnostic log gets a per-stage
// suffix so one stage's fault never reads another stage's log.
func WorkerSpec(ctx context.Context, name string, sc *config.StageSpec, opts Options) (stage.Spec, error) {
	spec := stage.Spec{
		Name:         name,
		Interpreter:  sc.Interpreter,
		Script:       sc.Script,
		BatchSize:    sc.BatchSize,
		WorkDir:      sc.WorkDir,
		GraceTimeout: opts.Worker.GraceTimeout,
		Logger:       opts.Log,
		Metrics:      opts.Metrics,
	}
	if spec.Interpreter == "" {
		spec.Interpreter = opts.Worker.Interpreter
	}
	if spec.BatchSize <= 0 {
		spec.BatchSize = opts.Worker.BatchSize
	}
	if len(sc.Args) > 0 {
		spec.Args = make(map[string]string, len(sc.Args)+2)
		for k, v := range sc.Args {
			spec.Args[k] = v
		}
	}

	setArg := func(k, v string) {
		if spec.Args == nil {
			spec.Args = make(map[string]string, 2)
		}
		spec.Args[k] = v
	}

	if opts.Worker.DiagnosticLog != "" {
		spec.DiagnosticLog = opts.Worker.DiagnosticLog + "." + name
		setArg("diagnostic_log", spec.DiagnosticLog)
	}

	if sc.Artifact != nil {
		if opts.Assets == nil {
			return stage.Spec{}, fmt.Errorf("stage %s declares an artifact but no asset store is configured", name)
		}
		dir, err := opts.Assets.Resolve(ctx, assets.Artifact{URL: sc.Artifact.URL, SHA256: sc.Artifact.SHA256})
		if err != nil {
			return stage.Spec{}, fmt.Errorf("failed to resolve %s artifact: %w", name, err)
		}
		setArg("model_dir", dir)
	}

	return spec, nil
}

// Spawn starts the selected stages. On any failure the stages already
// running are closed before the error returns.
func Spawn(ctx context.Context, p *config.Pipeline, set Set, opts Options) (*Stages, error) {
	st := &Stages{}
	fail := func(err error) (*Stages, error) {
		st.Close(ctx)
		return nil, err
	}

	if set.Rewriter {
		if p.Rewriter == nil {
			return fail(fmt.Errorf("pipeline has no rewriter stage"))
		}
		spec, err := WorkerSpec(ctx, "rewriter", p.Rewriter, opts)
		if err != nil {
			return fail(err)
		}
		rw, err := stage.NewRewriter(ctx, spec)
		if err != nil {
			return fail(err)
		}
		st.Rewriter = rw
	}

	if set.Encoder {
		if p.Encoder == nil {
			return fail(fmt.Errorf("pipeline enables a dense index but has no encoder stage"))
		}
		spec, err := WorkerSpec(ctx, "encoder", p.Encoder, opts)
		if err != nil {
			return fail(err)
		}
		enc, err := stage.NewEncoder(ctx, spec)
		if err != nil {
			return fail(err)
		}
		st.Encoder = enc
	}

	if set.Expander {
		if p.Expander == nil {
			return fail(fmt.Errorf("pipeline enables a sparse index but has no expander stage"))
		}
		spec, err := WorkerSpec(ctx, "expander", p.Expander, opts)
		if err != nil {
			return fail(err)
		}
		exp, err := stage.NewExpander(ctx, spec)
		if err != nil {
			return fail(err)
		}
		st.Expander = exp
	}

	if set.Reranker {
		if p.Reranker == nil {
			return fail(fmt.Errorf("reranking is enabled but the pipeline has no reranker stage"))
		}
		spec, err := WorkerSpec(ctx, "reranker", p.Reranker, opts)
		if err != nil {
			return fail(err)
		}
		rr, err := stage.NewReranker(ctx, spec)
		if err != nil {
			return fail(err)
		}
		st.Reranker = rr
	}

	return st, nil
}
