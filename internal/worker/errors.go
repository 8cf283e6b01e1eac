package worker

import (
	"errors"
	"fmt"
)

// Sentinel errors for lifecycle and wait failures.
var (
	// ErrProcessNotAlive reports a stream accessor invoked after the
	// worker process exited. Indicates a caller lifecycle bug.
	ErrProcessNotAlive = errors.New("worker process is not alive")

	// ErrStreamClosed reports a blocking wait that observed end-of-data
	// with no line left in the queue.
	ErrStreamClosed = errors.New("worker stream closed")

	// ErrWaitInterrupted reports a blocking wait cancelled through its
	// context. The wait cannot be resumed; the session is unusable.
	ErrWaitInterrupted = errors.New("wait interrupted")

	// ErrBusy reports a protocol call issued while a round trip is
	// already in flight. Requests are never interleaved.
	ErrBusy = errors.New("request already in flight")

	// ErrSessionClosed reports a protocol call on a terminated session.
	ErrSessionClosed = errors.New("session is closed")
)

// Protocol phases a worker fault can originate from.
const (
	PhaseHandshake = "handshake"
	PhaseResponse  = "response"
)

// SpawnError reports that the worker process could not be started.
type SpawnError struct {
	Command []string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn worker %v: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Fault is a failure the worker itself reported over the control
// channel, carrying the worker's diagnostic text verbatim. A fault is
// always fatal to its handle; retrying means spawning a fresh worker.
type Fault struct {
	Phase      string
	Diagnostic string
}

func (e *Fault) Error() string {
	return fmt.Sprintf("worker fault during %s: %s", e.Phase, e.Diagnostic)
}

// StreamError is an unexpected stream failure outside of normal
// closure.
type StreamError struct {
	Stream string // "stdin", "stdout", "stderr"
	Op     string // "read", "write", "flush", "close"
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("worker %s %s failed: %v", e.Stream, e.Op, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
