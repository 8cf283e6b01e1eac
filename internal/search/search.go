package search

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alemarco96/DECAF-sub000/internal/fuse"
	"github.com/alemarco96/DECAF-sub000/internal/index"
	"github.com/alemarco96/DECAF-sub000/internal/logging"
	"github.com/alemarco96/DECAF-sub000/internal/metrics"
	"github.com/alemarco96/DECAF-sub000/internal/shared/id"
	"github.com/alemarco96/DECAF-sub000/internal/stage"
)

const defaultK = 100

// Config assembles a searcher over loaded indexes.
type Config struct {
	Dense   *index.Dense
	Sparse  *index.Sparse
	Fusion  fuse.Options
	K       int // result depth, default 100
	RerankK int // candidates reranked per query, 0 disables
}

// Stages carries the worker-backed stages the searcher drives. Any of
// them may be nil; Config decides which are required.
type Stages struct {
	Rewriter *stage.Rewriter
	Encoder  *stage.Encoder
	Expander *stage.Expander
	Reranker *stage.Reranker
}

// Request is one conversational search turn. An empty ConversationID
// starts a new conversation.
type Request struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Query          string `json:"query"`
	K              int    `json:"k,omitempty"`
}

// Hit is one ranked result, enriched with stored text when available.
type Hit struct {
	DocID string  `json:"doc_id"`
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`
	Title string  `json:"title,omitempty"`
	Text  string  `json:"text,omitempty"`
}

// Result is one answered search turn.
type Result struct {
	ConversationID string `json:"conversation_id"`
	Turn           int    `json:"turn"`
	Query          string `json:"query"`
	Rewritten      string `json:"rewritten,omitempty"`
	Hits           []Hit  `json:"hits"`
	TookMS         int64  `json:"took_ms"`
}

// conversation holds rewriter context for one session. Its mutex spans
// a whole turn, so turns within a conversation never interleave.
type conversation struct {
	mu      sync.Mutex
	history []string
	turns   int
}

// Searcher drives the retrieval pipeline: rewrite, first-stage dense
// and sparse retrieval, fusion, optional reranking. One searcher serves
// many conversations. Each worker session takes one request at a time,
// so every stage has its own mutex spanning the full round trip.
type Searcher struct {
	cfg  Config
	st   Stages
	docs *Docs

	mu    sync.RWMutex
	convs map[string]*conversation

	rewMu sync.Mutex
	encMu sync.Mutex
	expMu sync.Mutex
	rrkMu sync.Mutex

	log *logging.Logger
	m   *metrics.Metrics
}

// New validates the topology and builds a searcher.
func New(cfg Config, st Stages, docs *Docs, log *logging.Logger, m *metrics.Metrics) (*Searcher, error) {
	if log == nil {
		log = logging.NewNop()
	}
	if cfg.K <= 0 {
		cfg.K = defaultK
	}
	if cfg.Dense != nil && st.Encoder == nil {
		return nil, fmt.Errorf("dense retrieval requires an encoder stage")
	}
	if cfg.Sparse != nil && st.Expander == nil {
		return nil, fmt.Errorf("sparse retrieval requires an expander stage")
	}
	if cfg.Dense == nil && cfg.Sparse == nil {
		return nil, fmt.Errorf("no retrieval path: a dense or sparse index is required")
	}
	if cfg.RerankK > 0 && st.Reranker == nil {
		return nil, fmt.Errorf("rerank depth set without a reranker stage")
	}
	if cfg.RerankK > 0 && docs == nil {
		return nil, fmt.Errorf("reranking requires stored document texts")
	}
	return &Searcher{
		cfg:   cfg,
		st:    st,
		docs:  docs,
		convs: make(map[string]*conversation),
		log:   log,
		m:     m,
	}, nil
}

// Search answers one turn.
func (s *Searcher) Search(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := s.run(ctx, req)

	status := "ok"
	if err != nil {
		status = "error"
	}
	if s.m != nil {
		s.m.RecordSearch(status, time.Since(start))
	}
	if err != nil {
		s.log.Error("search failed",
			zap.String("conversation", req.ConversationID),
			zap.Error(err))
		return nil, err
	}

	res.TookMS = time.Since(start).Milliseconds()
	s.log.Info("search answered",
		zap.String("conversation", res.ConversationID),
		zap.Int("turn", res.Turn),
		zap.Int("hits", len(res.Hits)),
		zap.Int64("took_ms", res.TookMS))
	return res, nil
}

func (s *Searcher) run(ctx context.Context, req Request) (*Result, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}

	convID, conv := s.conversation(req.ConversationID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	resolved := query
	var rewritten string
	if s.st.Rewriter != nil {
		start := time.Now()
		s.rewMu.Lock()
		out, err := s.st.Rewriter.Rewrite(ctx, conv.history, query)
		s.rewMu.Unlock()
		s.observe("rewriter", "rewrite", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to rewrite query: %w", err)
		}
		if strings.TrimSpace(out) != "" {
			rewritten = out
			resolved = out
		}
	}

	k := req.K
	if k <= 0 {
		k = s.cfg.K
	}
	depth := k
	if s.cfg.RerankK > depth {
		depth = s.cfg.RerankK
	}

	var runs [][]index.Hit
	if s.cfg.Dense != nil {
		start := time.Now()
		s.encMu.Lock()
		vec, err := s.st.Encoder.Encode(ctx, resolved)
		s.encMu.Unlock()
		s.observe("encoder", "encode", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to encode query: %w", err)
		}
		hits, err := s.cfg.Dense.Search(vec, depth)
		if err != nil {
			return nil, err
		}
		runs = append(runs, hits)
	}
	if s.cfg.Sparse != nil {
		start := time.Now()
		s.expMu.Lock()
		weights, err := s.st.Expander.Expand(ctx, resolved)
		s.expMu.Unlock()
		s.observe("expander", "expand", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to expand query: %w", err)
		}
		hits, err := s.cfg.Sparse.Search(weights, depth)
		if err != nil {
			return nil, err
		}
		runs = append(runs, hits)
	}

	fused := runs[0]
	if len(runs) > 1 {
		var err error
		fused, err = fuse.Fuse(runs, s.cfg.Fusion, depth)
		if err != nil {
			return nil, err
		}
	}

	if s.cfg.RerankK > 0 && len(fused) > 0 {
		var err error
		fused, err = s.rerank(ctx, resolved, fused)
		if err != nil {
			return nil, err
		}
	}
	if len(fused) > k {
		fused = fused[:k]
	}

	conv.turns++
	conv.history = append(conv.history, resolved)

	res := &Result{
		ConversationID: convID,
		Turn:           conv.turns,
		Query:          query,
		Rewritten:      rewritten,
		Hits:           make([]Hit, len(fused)),
	}
	for i, h := range fused {
		hit := Hit{DocID: h.DocID, Score: h.Score, Rank: i + 1}
		if s.docs != nil {
			if doc, ok := s.docs.Lookup(h.DocID); ok {
				hit.Title = doc.Title
				hit.Text = doc.Text
			}
		}
		res.Hits[i] = hit
	}
	return res, nil
}

// rerank rescores the head of the candidate list and returns it
// reordered. The unreranked tail is dropped: its first-stage scores
// live on a different scale and cannot be ranked against model scores.
func (s *Searcher) rerank(ctx context.Context, query string, hits []index.Hit) ([]index.Hit, error) {
	n := s.cfg.RerankK
	if n > len(hits) {
		n = len(hits)
	}
	head := hits[:n]

	texts := make([]string, len(head))
	for i, h := range head {
		doc, ok := s.docs.Lookup(h.DocID)
		if !ok {
			return nil, fmt.Errorf("document %s missing from the text store", h.DocID)
		}
		texts[i] = doc.FullText()
	}

	start := time.Now()
	s.rrkMu.Lock()
	scores, err := s.st.Reranker.Score(ctx, query, texts)
	s.rrkMu.Unlock()
	s.observe("reranker", "score", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to rerank: %w", err)
	}

	top := index.NewTopK(len(head))
	for i, h := range head {
		top.Push(h.DocID, scores[i])
	}
	return top.Hits(), nil
}

func (s *Searcher) observe(stageName, op string, start time.Time, err error) {
	if s.m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.m.RecordStageCall(stageName, op, status, time.Since(start))
}

// conversation returns the live state for an ID, creating it when
// unseen. Caller-supplied IDs are accepted as-is so sessions survive
// server restarts.
func (s *Searcher) conversation(requested string) (string, *conversation) {
	if requested == "" {
		requested = id.NewConversationID().String()
	}

	s.mu.Lock()
	conv, ok := s.convs[requested]
	if !ok {
		conv = &conversation{}
		s.convs[requested] = conv
		if s.m != nil {
			s.m.SetConversationsActive(len(s.convs))
		}
		s.log.Debug("conversation started", zap.String("conversation", requested))
	}
	s.mu.Unlock()
	return requested, conv
}

// Reset forgets a conversation. Returns false when the ID is unknown.
func (s *Searcher) Reset(convID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[convID]; !ok {
		return false
	}
	delete(s.convs, convID)
	if s.m != nil {
		s.m.SetConversationsActive(len(s.convs))
	}
	return true
}

// ActiveConversations returns the live conversation count.
func (s *Searcher) ActiveConversations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}

// Close shuts down every stage the searcher drives. All stages are
// attempted; the first error wins.
func (s *Searcher) Close(ctx context.Context) error {
	var first error
	if s.st.Rewriter != nil {
		if err := s.st.Rewriter.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	if s.st.Encoder != nil {
		if err := s.st.Encoder.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	if s.st.Expander != nil {
		if err := s.st.Expander.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	if s.st.Reranker != nil {
		if err := s.st.Reranker.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
