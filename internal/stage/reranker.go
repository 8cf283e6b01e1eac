package stage

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// Reranker scores query-passage pairs through a batched worker.
// Request lines carry {"query": ..., "text": ...}; each response line
// is a bare numeric score.
type Reranker struct {
	*batched
}

type pairRequest struct {
	Query string `json:"query"`
	Text  string `json:"text"`
}

// NewReranker starts the reranker worker and waits for its handshake.
func NewReranker(ctx context.Context, spec Spec) (*Reranker, error) {
	if spec.Name == "" {
		spec.Name = "reranker"
	}
	b, err := openBatched(ctx, &spec)
	if err != nil {
		return nil, err
	}
	return &Reranker{batched: b}, nil
}

// Score returns one score per text for the query, in input order. The
// whole call is one logical unit: all pairs are submitted and the tail
// batch flushed before returning.
func (r *Reranker) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	scores := make([]float64, 0, len(texts))
	for _, text := range texts {
		payload, err := sonic.Marshal(pairRequest{Query: query, Text: text})
		if err != nil {
			return nil, fmt.Errorf("failed to encode rerank request: %w", err)
		}
		lines, err := r.submit(ctx, string(payload))
		if err != nil {
			return nil, err
		}
		batch, err := r.decode(lines)
		if err != nil {
			return nil, err
		}
		scores = append(scores, batch...)
	}

	lines, err := r.flush(ctx)
	if err != nil {
		return nil, err
	}
	tail, err := r.decode(lines)
	if err != nil {
		return nil, err
	}
	return append(scores, tail...), nil
}

// Close shuts the worker down cooperatively.
func (r *Reranker) Close(ctx context.Context) error {
	_, err := r.close(ctx, false)
	return err
}

func (r *Reranker) decode(lines []string) ([]float64, error) {
	if lines == nil {
		return nil, nil
	}
	scores := make([]float64, len(lines))
	for i, line := range lines {
		score, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
		if err != nil {
			return nil, r.abort(fmt.Errorf("%s worker sent malformed score %q: %w", r.name, line, err))
		}
		scores[i] = score
	}
	return scores, nil
}
