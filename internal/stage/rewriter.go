package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/alemarco96/DECAF-sub000/internal/metrics"
	"github.com/alemarco96/DECAF-sub000/internal/worker"
)

// Rewriter resolves a conversational utterance into a self-contained
// query using the preceding turns. One round trip per turn.
type Rewriter struct {
	sess *worker.Session
	name string
	m    *metrics.Metrics
}

type rewriteRequest struct {
	History   []string `json:"history"`
	Utterance string   `json:"utterance"`
}

type rewriteResponse struct {
	Text string `json:"text"`
}

// NewRewriter starts the rewriter worker and waits for its handshake.
func NewRewriter(ctx context.Context, spec Spec) (*Rewriter, error) {
	if spec.Name == "" {
		spec.Name = "rewriter"
	}
	sess, err := spec.open(ctx)
	if err != nil {
		return nil, err
	}
	return &Rewriter{sess: sess, name: spec.Name, m: spec.Metrics}, nil
}

// Rewrite sends the history and the raw utterance, returning the
// worker's rewritten query.
func (r *Rewriter) Rewrite(ctx context.Context, history []string, utterance string) (string, error) {
	if history == nil {
		history = []string{}
	}
	payload, err := sonic.Marshal(rewriteRequest{History: history, Utterance: utterance})
	if err != nil {
		return "", fmt.Errorf("failed to encode rewrite request: %w", err)
	}

	start := time.Now()
	lines, err := r.sess.Request(ctx, []string{string(payload)}, 1)
	if err != nil {
		return "", recordFault(r.m, r.name, err)
	}
	if r.m != nil {
		r.m.RecordRoundTrip(r.name, time.Since(start))
	}

	var resp rewriteResponse
	if err := sonic.Unmarshal([]byte(lines[0]), &resp); err != nil {
		r.sess.Close()
		return "", fmt.Errorf("%s worker sent malformed response %q: %w", r.name, lines[0], err)
	}
	return resp.Text, nil
}

// Close shuts the worker down cooperatively.
func (r *Rewriter) Close(ctx context.Context) error {
	return r.sess.Shutdown(ctx)
}
