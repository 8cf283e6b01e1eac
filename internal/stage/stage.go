package stage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alemarco96/DECAF-sub000/internal/logging"
	"github.com/alemarco96/DECAF-sub000/internal/metrics"
	"github.com/alemarco96/DECAF-sub000/internal/worker"
)

const (
	defaultInterpreter = "python3"
	defaultBatchSize   = 32
)

// Spec describes how to run one stage worker. Each stage instance owns
// exactly one worker process for its whole lifetime.
type Spec struct {
	Name          string            // label for logs and metrics
	Interpreter   string            // defaults to python3
	Script        string            // worker entry point, required
	Args          map[string]string // passed as key=value, sorted by key
	BatchSize     int               // batched stages only
	WorkDir       string
	Env           map[string]string
	DiagnosticLog string
	GraceTimeout  time.Duration
	Logger        *logging.Logger
	Metrics       *metrics.Metrics
}

// Argv assembles the worker command line: interpreter, script, then
// key=value arguments in sorted key order so spawns are reproducible.
func (s *Spec) Argv() []string {
	interp := s.Interpreter
	if interp == "" {
		interp = defaultInterpreter
	}
	argv := []string{interp, s.Script}
	keys := make([]string, 0, len(s.Args))
	for k := range s.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		argv = append(argv, k+"="+s.Args[k])
	}
	return argv
}

func (s *Spec) logger() *logging.Logger {
	if s.Logger == nil {
		return logging.NewNop()
	}
	return s.Logger
}

func (s *Spec) batchSize() int {
	if s.BatchSize < 1 {
		return defaultBatchSize
	}
	return s.BatchSize
}

// open spawns the worker and waits out its handshake.
func (s *Spec) open(ctx context.Context) (*worker.Session, error) {
	if s.Script == "" {
		return nil, fmt.Errorf("stage %s has no worker script", s.Name)
	}
	sess, err := worker.Open(ctx, worker.Options{
		Command:       s.Argv(),
		Dir:           s.WorkDir,
		Env:           s.Env,
		DiagnosticLog: s.DiagnosticLog,
		GraceTimeout:  s.GraceTimeout,
		Logger:        s.logger().Named(s.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s worker: %w", s.Name, err)
	}
	if s.Metrics != nil {
		s.Metrics.RecordWorkerSpawn(s.Name)
	}
	return sess, nil
}

// recordFault counts worker faults before passing the error through.
func recordFault(m *metrics.Metrics, stage string, err error) error {
	if err == nil {
		return nil
	}
	var f *worker.Fault
	if errors.As(err, &f) && m != nil {
		m.RecordWorkerFault(stage, f.Phase)
	}
	return err
}

// batched couples one worker session with a fixed-size accumulator.
// All batched stages share its submit/flush/close plumbing.
type batched struct {
	name  string
	sess  *worker.Session
	batch *worker.Batcher
	m     *metrics.Metrics
	log   *logging.Logger
}

func openBatched(ctx context.Context, spec *Spec) (*batched, error) {
	sess, err := spec.open(ctx)
	if err != nil {
		return nil, err
	}
	return &batched{
		name:  spec.Name,
		sess:  sess,
		batch: worker.NewBatcher(sess, spec.batchSize()),
		m:     spec.Metrics,
		log:   spec.logger().Named(spec.Name),
	}, nil
}

// submit queues one payload, returning the completed batch's raw
// result lines when this payload filled it, nil otherwise.
func (b *batched) submit(ctx context.Context, payload string) ([]string, error) {
	start := time.Now()
	results, err := b.batch.Add(ctx, payload)
	if err != nil {
		return nil, recordFault(b.m, b.name, err)
	}
	if results != nil && b.m != nil {
		b.m.RecordRoundTrip(b.name, time.Since(start))
		b.m.RecordBatchFlush(b.name, "full")
	}
	return results, nil
}

// flush forces out a partial batch. Returns nil when nothing pends.
func (b *batched) flush(ctx context.Context) ([]string, error) {
	if b.batch.Pending() == 0 {
		return nil, nil
	}
	start := time.Now()
	results, err := b.batch.Flush(ctx)
	if err != nil {
		return nil, recordFault(b.m, b.name, err)
	}
	if b.m != nil {
		b.m.RecordRoundTrip(b.name, time.Since(start))
		b.m.RecordBatchFlush(b.name, "partial")
	}
	return results, nil
}

// close ends the session. Counted close performs the end-of-work
// response phase for workers that flush residual results at
// end-of-input, and returns the drained lines.
func (b *batched) close(ctx context.Context, counted bool) ([]string, error) {
	if !counted || b.sess.State() != worker.StateReady {
		return nil, b.sess.Shutdown(ctx)
	}
	drained, err := b.sess.ShutdownCounted(ctx)
	if err != nil {
		return nil, recordFault(b.m, b.name, err)
	}
	return drained, nil
}

// abort tears the session down after a malformed response. The sync
// layer cannot trust result pairing once a line fails to decode.
func (b *batched) abort(err error) error {
	b.sess.Close()
	return err
}
