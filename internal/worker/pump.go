package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Model payloads (vectors, term-weight maps) travel as single JSON
// lines, so individual lines can be large.
const maxLineBytes = 16 << 20

// Pump continuously drains one process stream into a FIFO line queue.
//
// One goroutine reads the stream for the pump's whole lifetime. It
// exits when the stream reaches end-of-data and is then joined, never
// stopped. Lines preserve producer order and each line is handed to
// exactly one caller.
type Pump struct {
	name string

	mu     sync.Mutex
	lines  []string
	wake   chan struct{} // closed and replaced on every state change
	closed bool
	err    error // terminal read failure, nil on normal end-of-data

	done chan struct{}
}

// NewPump starts draining r line by line. name identifies the stream in
// errors ("stdout", "stderr"). The caller must Join the pump after the
// producer exits.
func NewPump(name string, r io.Reader) *Pump {
	p := &Pump{
		name: name,
		wake: make(chan struct{}),
		done: make(chan struct{}),
	}
	go p.run(r)
	return p
}

func (p *Pump) run(r io.Reader) {
	defer close(p.done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		p.publish(scanner.Text())
	}
	p.finish(scanner.Err())
}

// publish appends one line and wakes every waiter.
func (p *Pump) publish(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, line)
	p.broadcast()
}

// finish marks the stream ended. err is nil on normal closure.
func (p *Pump) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if err != nil {
		p.err = &StreamError{Stream: p.name, Op: "read", Err: err}
	}
	p.broadcast()
}

// broadcast wakes all waiters at once. WaitNext and WaitNextAll callers
// may be racing the same append, so a single-wake would strand one of
// them.
func (p *Pump) broadcast() {
	close(p.wake)
	p.wake = make(chan struct{})
}

// HasNext reports whether a line is queued, without blocking.
func (p *Pump) HasNext() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lines) > 0
}

// Next pops the oldest queued line, without blocking.
func (p *Pump) Next() (line string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pop()
}

// NextAll drains the queue and joins the lines with newlines, without
// blocking. Used to fetch a possibly multi-line diagnostic as one unit.
func (p *Pump) NextAll() (text string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drain()
}

// WaitNext pops the oldest queued line, blocking until one arrives. It
// returns ErrStreamClosed once the stream has ended and the queue is
// empty, and ErrWaitInterrupted when ctx is cancelled first.
func (p *Pump) WaitNext(ctx context.Context) (string, error) {
	for {
		p.mu.Lock()
		if line, ok := p.pop(); ok {
			p.mu.Unlock()
			return line, nil
		}
		if p.closed {
			err := p.err
			p.mu.Unlock()
			if err != nil {
				return "", err
			}
			return "", ErrStreamClosed
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", ErrWaitInterrupted, ctx.Err())
		}
	}
}

// WaitNextAll blocks until at least one line is queued, then drains the
// queue like NextAll. Closure and cancellation behave as in WaitNext.
func (p *Pump) WaitNextAll(ctx context.Context) (string, error) {
	for {
		p.mu.Lock()
		if text, ok := p.drain(); ok {
			p.mu.Unlock()
			return text, nil
		}
		if p.closed {
			err := p.err
			p.mu.Unlock()
			if err != nil {
				return "", err
			}
			return "", ErrStreamClosed
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", ErrWaitInterrupted, ctx.Err())
		}
	}
}

// Closed reports whether the stream has reached end-of-data.
func (p *Pump) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Err returns the terminal read failure, if any.
func (p *Pump) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Join blocks until the pump goroutine has exited. The goroutine exits
// only when its stream ends, so Join must follow whatever closes the
// stream (worker exit, kill).
func (p *Pump) Join() {
	<-p.done
}

// pop removes the head line. Callers hold mu.
func (p *Pump) pop() (string, bool) {
	if len(p.lines) == 0 {
		return "", false
	}
	line := p.lines[0]
	p.lines = p.lines[1:]
	return line, true
}

// drain removes and joins all queued lines. Callers hold mu.
func (p *Pump) drain() (string, bool) {
	if len(p.lines) == 0 {
		return "", false
	}
	text := strings.Join(p.lines, "\n")
	p.lines = nil
	return text, true
}
