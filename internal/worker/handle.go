package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/alemarco96/DECAF-sub000/internal/logging"
)

// DefaultGraceTimeout bounds how long Close waits for a worker to exit
// voluntarily after its input stream is closed.
const DefaultGraceTimeout = 30 * time.Second

// Options configures a worker process.
type Options struct {
	// Command is the full argv: executable, script, flag arguments.
	Command []string

	// Dir is the working directory. Empty means the host's.
	Dir string

	// Env holds extra environment variables appended to the host's.
	Env map[string]string

	// DiagnosticLog optionally names a side-channel log file written by
	// the worker, used to recover full fault text when the in-memory
	// stderr capture is truncated.
	DiagnosticLog string

	// GraceTimeout overrides DefaultGraceTimeout during Close.
	GraceTimeout time.Duration

	// Logger defaults to a no-op logger.
	Logger *logging.Logger
}

// Handle owns one worker process and the pumps on its output and error
// streams. The streams are not safe for concurrent use by multiple
// callers; a handle assumes a single logical caller.
type Handle struct {
	opts Options
	log  *logging.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   *Pump
	ctrl  *Pump

	mu        sync.Mutex
	stdinOpen bool

	exited  atomic.Bool
	reaped  chan struct{} // closed once cmd.Wait has returned
	waitErr error         // cmd.Wait result, valid after reaped

	closeOnce sync.Once
	closeErr  error
}

// Spawn starts the worker process and attaches a pump to each of its
// output and error streams. It fails with a *SpawnError when the
// process cannot be launched.
func Spawn(opts Options) (*Handle, error) {
	if len(opts.Command) == 0 {
		return nil, &SpawnError{Err: errors.New("empty command")}
	}
	if opts.GraceTimeout <= 0 {
		opts.GraceTimeout = DefaultGraceTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewNop()
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = os.Environ()
	for key, value := range opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: opts.Command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, &SpawnError{Command: opts.Command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, &SpawnError{Command: opts.Command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, &SpawnError{Command: opts.Command, Err: err}
	}

	h := &Handle{
		opts:      opts,
		log:       log.With(zap.Int("pid", cmd.Process.Pid)),
		cmd:       cmd,
		stdin:     stdin,
		out:       NewPump("stdout", stdout),
		ctrl:      NewPump("stderr", stderr),
		stdinOpen: true,
		reaped:    make(chan struct{}),
	}
	go h.reap()

	h.log.Debug("worker spawned",
		zap.Strings("command", opts.Command),
		zap.String("dir", opts.Dir),
	)
	return h, nil
}

// reap joins both pumps, then waits on the process. Pipe reads must
// complete before Wait releases the pipes.
func (h *Handle) reap() {
	h.out.Join()
	h.ctrl.Join()
	h.waitErr = h.cmd.Wait()
	h.exited.Store(true)
	close(h.reaped)
}

// Alive reports whether the worker process is still running.
func (h *Handle) Alive() bool {
	return !h.exited.Load()
}

// Pid returns the worker's process ID.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// InputWriter exposes the worker's input stream for direct writing. It
// fails once the process has exited.
func (h *Handle) InputWriter() (io.Writer, error) {
	if h.exited.Load() {
		return nil, ErrProcessNotAlive
	}
	return h.stdin, nil
}

// CloseInput closes the worker's input stream, the cooperative
// end-of-work signal. Safe to call more than once. Wait closes the
// parent side of the pipe when the worker exits on its own, so a close
// that finds the file already closed is a success, not an error.
func (h *Handle) CloseInput() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.stdinOpen {
		return nil
	}
	h.stdinOpen = false
	if err := h.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return &StreamError{Stream: "stdin", Op: "close", Err: err}
	}
	return nil
}

// NextOutputLine pops one queued output line, without blocking.
func (h *Handle) NextOutputLine() (string, bool) {
	return h.out.Next()
}

// NextOutputText drains all queued output lines, without blocking.
func (h *Handle) NextOutputText() (string, bool) {
	return h.out.NextAll()
}

// WaitNextOutputLine pops one output line, blocking until available.
func (h *Handle) WaitNextOutputLine(ctx context.Context) (string, error) {
	return h.out.WaitNext(ctx)
}

// WaitNextOutputText blocks for at least one output line, then drains.
func (h *Handle) WaitNextOutputText(ctx context.Context) (string, error) {
	return h.out.WaitNextAll(ctx)
}

// NextErrorLine pops one queued control line, without blocking.
func (h *Handle) NextErrorLine() (string, bool) {
	return h.ctrl.Next()
}

// NextErrorText drains all queued control lines, without blocking.
func (h *Handle) NextErrorText() (string, bool) {
	return h.ctrl.NextAll()
}

// WaitNextErrorLine pops one control line, blocking until available.
func (h *Handle) WaitNextErrorLine(ctx context.Context) (string, error) {
	return h.ctrl.WaitNext(ctx)
}

// WaitNextErrorText blocks for at least one control line, then drains.
// This is the synchronization-signal read of the protocol.
func (h *Handle) WaitNextErrorText(ctx context.Context) (string, error) {
	return h.ctrl.WaitNextAll(ctx)
}

// WaitExit blocks until the worker process terminates and returns its
// exit code. Cancellation is fatal: the wait cannot be resumed, so the
// caller must treat ErrWaitInterrupted as terminal.
func (h *Handle) WaitExit(ctx context.Context) (int, error) {
	select {
	case <-h.reaped:
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %w", ErrWaitInterrupted, ctx.Err())
	}
	return h.cmd.ProcessState.ExitCode(), nil
}

// Close tears the handle down: close the input stream, wait for the
// worker to exit within the grace window, kill it on overrun, then join
// both pumps. Idempotent, and every step is isolated so a failure in
// one never skips the rest.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.teardown()
	})
	return h.closeErr
}

func (h *Handle) teardown() error {
	var errs []error

	if err := h.CloseInput(); err != nil {
		errs = append(errs, err)
	}

	select {
	case <-h.reaped:
	case <-time.After(h.opts.GraceTimeout):
		h.log.Warn("worker did not exit in time, killing",
			zap.Duration("grace", h.opts.GraceTimeout),
		)
		if h.cmd.Process != nil {
			// Best effort: the process may have exited under us.
			h.cmd.Process.Kill()
		}
		<-h.reaped
	}

	h.out.Join()
	h.ctrl.Join()

	// Nonzero exits and kills are reported through the exit code; only
	// a wait failure of another kind is an error of the teardown itself.
	var exitErr *exec.ExitError
	if h.waitErr != nil && !errors.As(h.waitErr, &exitErr) {
		errs = append(errs, fmt.Errorf("worker wait failed: %w", h.waitErr))
	}

	h.log.Debug("worker closed", zap.Int("exit_code", h.cmd.ProcessState.ExitCode()))

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
