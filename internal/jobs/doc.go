// Package jobs runs background index builds and tracks their lifecycle.
//
// A Manager owns uuid-identified jobs, each driven by a Runner in its
// own goroutine. State changes and progress reports are fanned out to
// subscribers as Events; slow subscribers drop events instead of
// stalling a build.
//
// Key Components:
//   - Manager: job registry, execution, and event fan-out
//   - RunBuild: the corpus-to-index build runner (dense and/or sparse)
//   - Event: one state change or progress report
//
// Example Usage:
//
//	mgr := jobs.NewManager(log, m)
//	job := mgr.Submit("index", func(ctx context.Context, report func(jobs.Progress)) error {
//	    _, err := jobs.RunBuild(ctx, spec, stages, report)
//	    return err
//	})
//	events, cancel := mgr.Subscribe()
//	defer cancel()
package jobs
