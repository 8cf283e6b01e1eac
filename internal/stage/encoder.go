package stage

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// Encoder embeds texts into dense vectors through a batched worker.
// Request lines carry {"text": ...}; each response line is a bare JSON
// number array. Vectors come back in submission order.
type Encoder struct {
	*batched
	dim int
}

type textRequest struct {
	Text string `json:"text"`
}

// NewEncoder starts the encoder worker and waits for its handshake.
func NewEncoder(ctx context.Context, spec Spec) (*Encoder, error) {
	if spec.Name == "" {
		spec.Name = "encoder"
	}
	b, err := openBatched(ctx, &spec)
	if err != nil {
		return nil, err
	}
	return &Encoder{batched: b}, nil
}

// Submit queues one text. When this text fills the batch, the batch's
// vectors are returned in submission order; otherwise nil.
func (e *Encoder) Submit(ctx context.Context, text string) ([][]float64, error) {
	payload, err := sonic.Marshal(textRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embed request: %w", err)
	}
	lines, err := e.submit(ctx, string(payload))
	if err != nil {
		return nil, err
	}
	return e.decode(lines)
}

// Finish flushes any partially filled batch.
func (e *Encoder) Finish(ctx context.Context) ([][]float64, error) {
	lines, err := e.flush(ctx)
	if err != nil {
		return nil, err
	}
	return e.decode(lines)
}

// EncodeAll embeds texts in one call, in input order.
func (e *Encoder) EncodeAll(ctx context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, 0, len(texts))
	for _, text := range texts {
		batch, err := e.Submit(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	tail, err := e.Finish(ctx)
	if err != nil {
		return nil, err
	}
	return append(vectors, tail...), nil
}

// Encode embeds a single text immediately. Do not interleave with a
// pending Submit stream.
func (e *Encoder) Encode(ctx context.Context, text string) ([]float64, error) {
	if n := e.batch.Pending(); n != 0 {
		return nil, fmt.Errorf("encoder has %d texts pending submission", n)
	}
	vectors, err := e.EncodeAll(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Dim returns the vector dimension, 0 before the first response.
func (e *Encoder) Dim() int { return e.dim }

// Close performs the counted end-of-work phase: encoder workers emit a
// final synchronization signal and a count of residual vectors when
// their input closes. Residuals only exist when a Submit stream was
// abandoned without Finish; they are drained and dropped.
func (e *Encoder) Close(ctx context.Context) error {
	drained, err := e.close(ctx, true)
	if err != nil {
		return err
	}
	if len(drained) > 0 {
		e.log.Debug("encoder dropped residual vectors", zap.Int("count", len(drained)))
	}
	return nil
}

func (e *Encoder) decode(lines []string) ([][]float64, error) {
	if lines == nil {
		return nil, nil
	}
	vectors := make([][]float64, len(lines))
	for i, line := range lines {
		var vec []float64
		if err := sonic.Unmarshal([]byte(line), &vec); err != nil {
			return nil, e.abort(fmt.Errorf("%s worker sent malformed vector %q: %w", e.name, line, err))
		}
		if len(vec) == 0 {
			return nil, e.abort(fmt.Errorf("%s worker sent an empty vector", e.name))
		}
		if e.dim == 0 {
			e.dim = len(vec)
		} else if len(vec) != e.dim {
			return nil, e.abort(fmt.Errorf("%s worker switched vector dimension from %d to %d", e.name, e.dim, len(vec)))
		}
		vectors[i] = vec
	}
	return vectors, nil
}
