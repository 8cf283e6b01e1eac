// Package worker bridges pipeline stages to long-lived external
// inference processes over their three standard streams.
//
// Expensive model computation (query rewriting, dense embedding, sparse
// term expansion, rerank scoring) runs inside worker processes, usually
// Python scripts wrapping transformer models. This package owns the
// process lifecycle and the text protocol that keeps the host and the
// worker synchronized.
//
// Features:
//   - One background pump goroutine per stream, draining lines into a
//     FIFO queue with non-blocking and blocking accessors
//   - Startup handshake gating requests until the worker is ready
//   - Strictly alternating request/response round trips with an
//     empty-line acknowledgment on the error stream
//   - Batch accumulation with an explicit terminator for partial batches
//   - Fail-fast teardown: any fault closes the handle before it
//     propagates
//
// Architecture:
//   - Pump drains one stream; it exits on end-of-data and is joined,
//     never stopped
//   - Handle spawns the process, owns stdin and both pumps, and reaps
//     the process after the pumps finish
//   - Session is the protocol state machine: Initializing, Ready,
//     Processing, AwaitingResults, Terminated
//   - Batcher is the caller-side accumulate-and-flush discipline
//
// Protocol, from the worker's point of view:
//   - Write one empty line to stderr once ready to accept input
//   - After each unit of work, write one empty line to stderr on
//     success, or a diagnostic blob on failure; on success, write the
//     result lines to stdout
//   - A batch arrives as one payload line per item; a line count equal
//     to the configured batch size, or a single empty line, marks the
//     batch complete
//   - Exit when stdin closes
//
// A handle assumes a single logical caller. Stages shared by several
// goroutines must serialize whole round trips themselves.
package worker
