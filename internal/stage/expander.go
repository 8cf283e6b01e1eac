package stage

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
)

// Expander maps texts to sparse term weights through a batched worker.
// Request lines carry {"text": ...}; each response line is a bare JSON
// object of term to weight.
type Expander struct {
	*batched
}

// NewExpander starts the expander worker and waits for its handshake.
func NewExpander(ctx context.Context, spec Spec) (*Expander, error) {
	if spec.Name == "" {
		spec.Name = "expander"
	}
	b, err := openBatched(ctx, &spec)
	if err != nil {
		return nil, err
	}
	return &Expander{batched: b}, nil
}

// Submit queues one text, returning the completed batch's term weights
// in submission order when this text filled it.
func (x *Expander) Submit(ctx context.Context, text string) ([]map[string]float64, error) {
	payload, err := sonic.Marshal(textRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to encode expand request: %w", err)
	}
	lines, err := x.submit(ctx, string(payload))
	if err != nil {
		return nil, err
	}
	return x.decode(lines)
}

// Finish flushes any partially filled batch.
func (x *Expander) Finish(ctx context.Context) ([]map[string]float64, error) {
	lines, err := x.flush(ctx)
	if err != nil {
		return nil, err
	}
	return x.decode(lines)
}

// ExpandAll expands texts in one call, in input order.
func (x *Expander) ExpandAll(ctx context.Context, texts []string) ([]map[string]float64, error) {
	weights := make([]map[string]float64, 0, len(texts))
	for _, text := range texts {
		batch, err := x.Submit(ctx, text)
		if err != nil {
			return nil, err
		}
		weights = append(weights, batch...)
	}
	tail, err := x.Finish(ctx)
	if err != nil {
		return nil, err
	}
	return append(weights, tail...), nil
}

// Expand expands a single text immediately. Do not interleave with a
// pending Submit stream.
func (x *Expander) Expand(ctx context.Context, text string) (map[string]float64, error) {
	if n := x.batch.Pending(); n != 0 {
		return nil, fmt.Errorf("expander has %d texts pending submission", n)
	}
	weights, err := x.ExpandAll(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return weights[0], nil
}

// Close shuts the worker down cooperatively.
func (x *Expander) Close(ctx context.Context) error {
	_, err := x.close(ctx, false)
	return err
}

func (x *Expander) decode(lines []string) ([]map[string]float64, error) {
	if lines == nil {
		return nil, nil
	}
	weights := make([]map[string]float64, len(lines))
	for i, line := range lines {
		var w map[string]float64
		if err := sonic.Unmarshal([]byte(line), &w); err != nil {
			return nil, x.abort(fmt.Errorf("%s worker sent malformed term weights %q: %w", x.name, line, err))
		}
		weights[i] = w
	}
	return weights, nil
}
