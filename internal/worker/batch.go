package worker

import "context"

// Batcher implements the accumulate-and-flush discipline used by every
// stage that streams many items through one worker: up to Size items
// are written as they arrive, then a single synchronization round trip
// covers the whole batch. The k-th result always pairs with the k-th
// item; the protocol has no item identifiers, so write order is the
// only correctness guarantee.
type Batcher struct {
	s       *Session
	size    int
	pending int
}

// NewBatcher wraps a session with batch bookkeeping. size is clamped to
// at least 1.
func NewBatcher(s *Session, size int) *Batcher {
	if size < 1 {
		size = 1
	}
	return &Batcher{s: s, size: size}
}

// Add streams one item's payload line to the worker. When the batch
// reaches capacity it is flushed with one round trip and the batch's
// results are returned in write order; otherwise results is nil and the
// item stays pending.
func (b *Batcher) Add(ctx context.Context, payload string) ([]string, error) {
	if err := b.s.Push(payload); err != nil {
		return nil, err
	}
	b.pending++
	if b.pending < b.size {
		return nil, nil
	}
	return b.roundTrip(ctx, false)
}

// Flush completes a partial batch at end-of-data. It returns nil when
// nothing is pending; a batch of size zero is never sent.
func (b *Batcher) Flush(ctx context.Context) ([]string, error) {
	if b.pending == 0 {
		return nil, nil
	}
	return b.roundTrip(ctx, true)
}

// Pending reports how many items await the next round trip.
func (b *Batcher) Pending() int {
	return b.pending
}

// Size returns the configured batch capacity.
func (b *Batcher) Size() int {
	return b.size
}

// roundTrip runs one Sync/Collect pair covering the pending items. A
// partial batch is terminated with one explicit empty line first, so
// the worker can tell a short batch from an empty one; a full batch
// needs no terminator because the worker counts to capacity.
func (b *Batcher) roundTrip(ctx context.Context, partial bool) ([]string, error) {
	if partial {
		if err := b.s.Push(""); err != nil {
			return nil, err
		}
	}
	n := b.pending
	b.pending = 0

	if err := b.s.Sync(ctx); err != nil {
		return nil, err
	}
	return b.s.Collect(ctx, n)
}
