package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/alemarco96/DECAF-sub000/internal/logging"
)

// State identifies where a session is in the protocol.
type State int32

const (
	StateInitializing State = iota
	StateReady
	StateProcessing
	StateAwaitingResults
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateProcessing:
		return "processing"
	case StateAwaitingResults:
		return "awaiting_results"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session layers the synchronization protocol on a worker handle:
// one-time handshake, strictly alternating request/response round
// trips, and a cooperative shutdown. Any fault tears the handle down
// before it propagates; a faulted session cannot be reused.
type Session struct {
	h   *Handle
	log *logging.Logger

	mu    sync.Mutex
	bw    *bufio.Writer
	state State
}

// Open spawns the worker and performs the startup handshake: the worker
// is expected to finish its own setup (loading a model) and then write
// exactly one empty line to its error stream. Any other content is a
// fatal initialization failure surfaced as a *Fault, with the handle
// torn down first.
func Open(ctx context.Context, opts Options) (*Session, error) {
	h, err := Spawn(opts)
	if err != nil {
		return nil, err
	}
	s := &Session{
		h:     h,
		log:   h.log,
		bw:    bufio.NewWriter(h.stdin),
		state: StateInitializing,
	}

	text, err := h.WaitNextErrorText(ctx)
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("handshake failed: %w", err)
	}
	if text != "" {
		return nil, s.fault(PhaseHandshake, text)
	}

	s.setState(StateReady)
	s.log.Debug("worker ready")
	return s, nil
}

// Push streams payload lines to the worker's input. Lines accumulate in
// the OS pipe until Sync flushes; the worker consumes them per its own
// batching convention. Rejected with ErrBusy while a round trip is in
// flight.
func (s *Session) Push(lines ...string) error {
	s.mu.Lock()
	if err := s.requireLocked(StateReady); err != nil {
		s.mu.Unlock()
		return err
	}
	err := s.writeLocked(lines)
	if err != nil {
		s.state = StateTerminated
	}
	s.mu.Unlock()

	if err != nil {
		s.release()
		return err
	}
	return nil
}

// Sync flushes the input stream and blocks for the synchronization
// signal on the control channel. An empty signal advances the session
// to awaiting-results; anything else is a *Fault carrying the worker's
// diagnostic text, with the handle torn down before the fault returns.
func (s *Session) Sync(ctx context.Context) error {
	s.mu.Lock()
	if err := s.requireLocked(StateReady); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = StateProcessing
	flushErr := s.bw.Flush()
	s.mu.Unlock()

	if flushErr != nil {
		s.abort()
		return &StreamError{Stream: "stdin", Op: "flush", Err: flushErr}
	}

	text, err := s.h.WaitNextErrorText(ctx)
	if err != nil {
		s.abort()
		return fmt.Errorf("failed to read synchronization signal: %w", err)
	}
	if text != "" {
		return s.fault(PhaseResponse, text)
	}

	s.setState(StateAwaitingResults)
	return nil
}

// Collect reads exactly n result lines off the output stream, restoring
// the session to ready. Only valid after a successful Sync.
func (s *Session) Collect(ctx context.Context, n int) ([]string, error) {
	s.mu.Lock()
	if err := s.requireLocked(StateAwaitingResults); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.state = StateProcessing
	s.mu.Unlock()

	results, err := s.readLines(ctx, n)
	if err != nil {
		s.abort()
		return nil, err
	}

	s.setState(StateReady)
	return results, nil
}

// CollectCounted reads a leading count line, then that many result
// lines. Used with workers that decide the result cardinality
// themselves.
func (s *Session) CollectCounted(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	if err := s.requireLocked(StateAwaitingResults); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.state = StateProcessing
	s.mu.Unlock()

	results, err := s.readCounted(ctx)
	if err != nil {
		s.abort()
		return nil, err
	}

	s.setState(StateReady)
	return results, nil
}

// Request performs one full round trip: write the payload lines, flush,
// await the synchronization signal, then read expect result lines. The
// i-th result line corresponds to the i-th payload line.
func (s *Session) Request(ctx context.Context, payload []string, expect int) ([]string, error) {
	if err := s.Push(payload...); err != nil {
		return nil, err
	}
	if err := s.Sync(ctx); err != nil {
		return nil, err
	}
	return s.Collect(ctx, expect)
}

// Shutdown closes the worker's input stream to signal end-of-work, then
// releases the handle. Safe on an already terminated session.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return s.h.Close()
	}
	s.state = StateTerminated
	flushErr := s.bw.Flush()
	s.mu.Unlock()

	// Every step runs; the first failure does not skip the rest.
	var errs []error
	if flushErr != nil {
		errs = append(errs, &StreamError{Stream: "stdin", Op: "flush", Err: flushErr})
	}
	if err := s.h.CloseInput(); err != nil {
		errs = append(errs, err)
	}
	if err := s.h.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ShutdownCounted closes the input stream, then performs one final
// response phase for workers that flush trailing results on
// end-of-work: synchronization signal, count line, counted result
// lines. The handle is released afterwards regardless of outcome.
func (s *Session) ShutdownCounted(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	if err := s.requireLocked(StateReady); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.state = StateProcessing
	flushErr := s.bw.Flush()
	s.mu.Unlock()

	if flushErr != nil {
		s.abort()
		return nil, &StreamError{Stream: "stdin", Op: "flush", Err: flushErr}
	}
	if err := s.h.CloseInput(); err != nil {
		s.abort()
		return nil, err
	}

	text, err := s.h.WaitNextErrorText(ctx)
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("failed to read synchronization signal: %w", err)
	}
	if text != "" {
		return nil, s.fault(PhaseResponse, text)
	}

	results, err := s.readCounted(ctx)
	if err != nil {
		s.abort()
		return nil, err
	}

	s.setState(StateTerminated)
	return results, s.h.Close()
}

// Close terminates the session unconditionally. Idempotent. Prefer
// Shutdown for the cooperative end-of-work signal.
func (s *Session) Close() error {
	s.setState(StateTerminated)
	return s.h.Close()
}

// State returns the session's current protocol phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pid returns the underlying worker's process ID.
func (s *Session) Pid() int {
	return s.h.Pid()
}

// writeLocked writes each line followed by a newline. Callers hold mu.
func (s *Session) writeLocked(lines []string) error {
	for _, line := range lines {
		if _, err := s.bw.WriteString(line); err != nil {
			return &StreamError{Stream: "stdin", Op: "write", Err: err}
		}
		if err := s.bw.WriteByte('\n'); err != nil {
			return &StreamError{Stream: "stdin", Op: "write", Err: err}
		}
	}
	return nil
}

// readLines reads exactly n lines off the output stream.
func (s *Session) readLines(ctx context.Context, n int) ([]string, error) {
	results := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, err := s.h.WaitNextOutputLine(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read result %d of %d: %w", i+1, n, err)
		}
		results = append(results, line)
	}
	return results, nil
}

// readCounted reads a count line, then that many lines.
func (s *Session) readCounted(ctx context.Context) ([]string, error) {
	header, err := s.h.WaitNextOutputLine(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read count line: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("malformed count line %q", header)
	}
	return s.readLines(ctx, n)
}

func (s *Session) requireLocked(want State) error {
	switch {
	case s.state == StateTerminated:
		return ErrSessionClosed
	case s.state != want:
		return ErrBusy
	}
	return nil
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// abort tears the session down after a transport failure. Secondary
// teardown errors are swallowed so the original failure propagates.
func (s *Session) abort() {
	s.setState(StateTerminated)
	s.release()
}

// release closes the handle, logging rather than returning errors.
func (s *Session) release() {
	if err := s.h.Close(); err != nil {
		s.log.Warn("worker teardown failed", zap.Error(err))
	}
}

// fault builds the worker-reported failure for a non-empty control
// line. The handle is torn down first; once the worker has exited, any
// remaining control-channel text is appended, and the side-channel
// diagnostic log replaces the capture when it holds more.
func (s *Session) fault(phase, diagnostic string) *Fault {
	s.abort()

	if rest, ok := s.h.NextErrorText(); ok {
		diagnostic = diagnostic + "\n" + rest
	}
	if tail := readLogTail(s.h.opts.DiagnosticLog); len(tail) > len(diagnostic) {
		diagnostic = tail
	}

	s.log.Error("worker fault",
		zap.String("phase", phase),
		zap.String("diagnostic", diagnostic),
	)
	return &Fault{Phase: phase, Diagnostic: diagnostic}
}

// readLogTail fetches the side-channel diagnostic log contents.
func readLogTail(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(data), "\n")
}
