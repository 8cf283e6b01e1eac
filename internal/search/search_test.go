package search

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alemarco96/DECAF-sub000/internal/corpus"
	"github.com/alemarco96/DECAF-sub000/internal/index"
	"github.com/alemarco96/DECAF-sub000/internal/logging"
	"github.com/alemarco96/DECAF-sub000/internal/metrics"
	"github.com/alemarco96/DECAF-sub000/internal/stage"
)

// Worker stubs speak the real protocol: handshake and acks on stderr,
// batch-of-two flushes, the encoder's counted end-of-work phase.

// rewriterStub answers "rewritten 1" until the request line carries
// that text in its history, then answers "ctx".
const rewriterStub = `echo >&2
while IFS= read -r line; do
  echo >&2
  case "$line" in
    *"rewritten 1"*) printf '{"text":"ctx"}\n' ;;
    *) printf '{"text":"rewritten 1"}\n' ;;
  esac
done
`

const encoderStub = `echo >&2
count=0
total=0
flush() {
  if [ "$count" -gt 0 ]; then
    echo >&2
    i=0
    while [ "$i" -lt "$count" ]; do
      total=$((total+1))
      printf '[%d,0.5]\n' "$total"
      i=$((i+1))
    done
    count=0
  fi
}
while IFS= read -r line; do
  if [ -z "$line" ]; then
    flush
  else
    count=$((count+1))
    if [ "$count" -eq 2 ]; then
      flush
    fi
  fi
done
echo >&2
echo "$count"
i=0
while [ "$i" -lt "$count" ]; do
  total=$((total+1))
  printf '[%d,0.5]\n' "$total"
  i=$((i+1))
done
`

const expanderStub = `echo >&2
count=0
flush() {
  if [ "$count" -gt 0 ]; then
    echo >&2
    i=0
    while [ "$i" -lt "$count" ]; do
      printf '{"t1":1}\n'
      i=$((i+1))
    done
    count=0
  fi
}
while IFS= read -r line; do
  if [ -z "$line" ]; then
    flush
  else
    count=$((count+1))
    if [ "$count" -eq 2 ]; then
      flush
    fi
  fi
done
`

const rerankerStub = `echo >&2
count=0
total=0
flush() {
  if [ "$count" -gt 0 ]; then
    echo >&2
    i=0
    while [ "$i" -lt "$count" ]; do
      total=$((total+1))
      printf '%d.25\n' "$total"
      i=$((i+1))
    done
    count=0
  fi
}
while IFS= read -r line; do
  if [ -z "$line" ]; then
    flush
  else
    count=$((count+1))
    if [ "$count" -eq 2 ]; then
      flush
    fi
  fi
done
`

func stubSpec(t *testing.T, name, stub string) stage.Spec {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".sh")
	require.NoError(t, os.WriteFile(path, []byte(stub), 0755))
	return stage.Spec{
		Name:         name,
		Interpreter:  "/bin/sh",
		Script:       path,
		BatchSize:    2,
		GraceTimeout: 2 * time.Second,
	}
}

func newEncoder(t *testing.T) *stage.Encoder {
	t.Helper()
	enc, err := stage.NewEncoder(context.Background(), stubSpec(t, "encoder", encoderStub))
	require.NoError(t, err)
	return enc
}

func denseIndex(t *testing.T, vectors map[string][]float64) *index.Dense {
	t.Helper()
	idx, err := index.NewDense(2, index.MetricDot)
	require.NoError(t, err)
	for docID, vec := range vectors {
		require.NoError(t, idx.Add(docID, vec))
	}
	return idx
}

func TestSearcherValidation(t *testing.T) {
	ctx := context.Background()

	_, err := New(Config{}, Stages{}, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no retrieval path")

	dense := denseIndex(t, map[string][]float64{"d1": {1, 0}})
	_, err = New(Config{Dense: dense}, Stages{}, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encoder")

	_, err = New(Config{Sparse: index.NewSparse()}, Stages{}, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expander")

	enc := newEncoder(t)
	defer enc.Close(ctx)

	_, err = New(Config{Dense: dense, RerankK: 10}, Stages{Encoder: enc}, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reranker")

	rr, err := stage.NewReranker(ctx, stubSpec(t, "reranker", rerankerStub))
	require.NoError(t, err)
	defer rr.Close(ctx)

	_, err = New(Config{Dense: dense, RerankK: 10}, Stages{Encoder: enc, Reranker: rr}, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document texts")
}

func TestSearchDenseOnly(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())

	dense := denseIndex(t, map[string][]float64{
		"da": {1, 0},
		"db": {0.5, 0},
		"dc": {2, 1},
	})
	s, err := New(Config{Dense: dense, K: 10}, Stages{Encoder: newEncoder(t)}, nil, logging.NewNop(), m)
	require.NoError(t, err)
	defer s.Close(ctx)

	res, err := s.Search(ctx, Request{Query: "what is caffeine"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(res.ConversationID, "conv_"))
	assert.Equal(t, 1, res.Turn)
	assert.Empty(t, res.Rewritten)

	require.Len(t, res.Hits, 3)
	assert.Equal(t, "dc", res.Hits[0].DocID)
	assert.Equal(t, 2.5, res.Hits[0].Score)
	assert.Equal(t, 1, res.Hits[0].Rank)
	assert.Equal(t, "da", res.Hits[1].DocID)
	assert.Equal(t, "db", res.Hits[2].DocID)
	assert.Equal(t, 3, res.Hits[2].Rank)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SearchesTotal.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StageCalls.WithLabelValues("encoder", "encode", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConversationsActive))
}

func TestSearchRespectsRequestK(t *testing.T) {
	ctx := context.Background()

	dense := denseIndex(t, map[string][]float64{
		"da": {1, 0},
		"db": {0.5, 0},
		"dc": {2, 1},
	})
	s, err := New(Config{Dense: dense, K: 10}, Stages{Encoder: newEncoder(t)}, nil, logging.NewNop(), nil)
	require.NoError(t, err)
	defer s.Close(ctx)

	res, err := s.Search(ctx, Request{Query: "what is caffeine", K: 1})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "dc", res.Hits[0].DocID)
}

func TestSearchFusesDenseAndSparse(t *testing.T) {
	ctx := context.Background()

	dense := denseIndex(t, map[string][]float64{
		"d1": {1, 0},
		"d2": {0.8, 0},
		"d3": {0.1, 0},
	})
	sparse := index.NewSparse()
	require.NoError(t, sparse.Add("d2", map[string]float64{"t1": 5}))
	require.NoError(t, sparse.Add("d3", map[string]float64{"t1": 1}))

	exp, err := stage.NewExpander(ctx, stubSpec(t, "expander", expanderStub))
	require.NoError(t, err)

	s, err := New(
		Config{Dense: dense, Sparse: sparse, K: 10},
		Stages{Encoder: newEncoder(t), Expander: exp},
		nil, logging.NewNop(), nil,
	)
	require.NoError(t, err)
	defer s.Close(ctx)

	// Dense ranks d1,d2,d3; sparse ranks d2,d3. Reciprocal rank fusion
	// rewards d2's agreement.
	res, err := s.Search(ctx, Request{Query: "what is caffeine"})
	require.NoError(t, err)
	require.Len(t, res.Hits, 3)
	assert.Equal(t, "d2", res.Hits[0].DocID)
	assert.Equal(t, "d1", res.Hits[2].DocID)
}

func TestRewriterCarriesConversationContext(t *testing.T) {
	ctx := context.Background()

	rw, err := stage.NewRewriter(ctx, stubSpec(t, "rewriter", rewriterStub))
	require.NoError(t, err)
	dense := denseIndex(t, map[string][]float64{"d1": {1, 1}})

	s, err := New(
		Config{Dense: dense, K: 10},
		Stages{Rewriter: rw, Encoder: newEncoder(t)},
		nil, logging.NewNop(), nil,
	)
	require.NoError(t, err)
	defer s.Close(ctx)

	first, err := s.Search(ctx, Request{Query: "what is throat cancer"})
	require.NoError(t, err)
	assert.Equal(t, "rewritten 1", first.Rewritten)
	assert.Equal(t, 1, first.Turn)

	second, err := s.Search(ctx, Request{
		ConversationID: first.ConversationID,
		Query:          "is it treatable",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, 2, second.Turn)
	assert.Equal(t, "ctx", second.Rewritten)
	assert.Equal(t, 1, s.ActiveConversations())

	// Reset drops the history, so the next turn rewrites from scratch.
	assert.True(t, s.Reset(first.ConversationID))
	assert.False(t, s.Reset(first.ConversationID))
	assert.Equal(t, 0, s.ActiveConversations())

	third, err := s.Search(ctx, Request{
		ConversationID: first.ConversationID,
		Query:          "what about treatment",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, third.Turn)
	assert.Equal(t, "rewritten 1", third.Rewritten)
}

func TestRerankReordersHead(t *testing.T) {
	ctx := context.Background()

	dense := denseIndex(t, map[string][]float64{
		"d1": {3, 0},
		"d2": {2, 0},
		"d3": {1, 0},
	})
	docs := NewDocs([]corpus.Document{
		{ID: "d1", Text: "first passage"},
		{ID: "d2", Text: "second passage"},
		{ID: "d3", Text: "third passage"},
	})

	rr, err := stage.NewReranker(ctx, stubSpec(t, "reranker", rerankerStub))
	require.NoError(t, err)

	s, err := New(
		Config{Dense: dense, K: 3, RerankK: 2},
		Stages{Encoder: newEncoder(t), Reranker: rr},
		docs, logging.NewNop(), nil,
	)
	require.NoError(t, err)
	defer s.Close(ctx)

	// First stage ranks d1,d2; the stub scores the pairs 1.25, 2.25 in
	// submission order, so reranking flips them. The unreranked tail is
	// dropped.
	res, err := s.Search(ctx, Request{Query: "what is caffeine"})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, "d2", res.Hits[0].DocID)
	assert.Equal(t, 2.25, res.Hits[0].Score)
	assert.Equal(t, "second passage", res.Hits[0].Text)
	assert.Equal(t, "d1", res.Hits[1].DocID)
	assert.Equal(t, 1.25, res.Hits[1].Score)
}

func TestRerankMissingTextFails(t *testing.T) {
	ctx := context.Background()

	dense := denseIndex(t, map[string][]float64{
		"d1": {3, 0},
		"d2": {2, 0},
	})
	docs := NewDocs([]corpus.Document{{ID: "d1", Text: "first passage"}})

	rr, err := stage.NewReranker(ctx, stubSpec(t, "reranker", rerankerStub))
	require.NoError(t, err)

	s, err := New(
		Config{Dense: dense, K: 2, RerankK: 2},
		Stages{Encoder: newEncoder(t), Reranker: rr},
		docs, logging.NewNop(), nil,
	)
	require.NoError(t, err)
	defer s.Close(ctx)

	_, err = s.Search(ctx, Request{Query: "what is caffeine"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing from the text store")
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	ctx := context.Background()

	dense := denseIndex(t, map[string][]float64{"d1": {1, 0}})
	s, err := New(Config{Dense: dense}, Stages{Encoder: newEncoder(t)}, nil, logging.NewNop(), nil)
	require.NoError(t, err)
	defer s.Close(ctx)

	_, err = s.Search(ctx, Request{Query: "   "})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty query")
}

func TestLoadDocsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.jsonl")
	lines := `{"id": "d1", "title": "Caffeine", "contents": "a stimulant"}
{"id": "d2", "contents": "plain text"}
`
	require.NoError(t, os.WriteFile(path, []byte(lines), 0644))

	docs, err := LoadDocs(path)
	require.NoError(t, err)
	assert.Equal(t, 2, docs.Len())

	d1, ok := docs.Lookup("d1")
	require.True(t, ok)
	assert.Equal(t, "Caffeine", d1.Title)
	assert.Equal(t, "Caffeine a stimulant", d1.FullText())

	_, ok = docs.Lookup("missing")
	assert.False(t, ok)
}
