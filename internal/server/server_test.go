package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alemarco96/DECAF-sub000/internal/corpus"
	"github.com/alemarco96/DECAF-sub000/internal/index"
	"github.com/alemarco96/DECAF-sub000/internal/jobs"
	"github.com/alemarco96/DECAF-sub000/internal/logging"
	"github.com/alemarco96/DECAF-sub000/internal/metrics"
	"github.com/alemarco96/DECAF-sub000/internal/search"
	"github.com/alemarco96/DECAF-sub000/internal/stage"
)

// encoderStub speaks the worker protocol and emits counting vectors, so
// the first encoded query becomes [1,0.5].
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

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeMap(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestRootAndHealth(t *testing.T) {
	s := New(Config{}, Deps{})

	w := doJSON(t, s.Handler(), http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeMap(t, w)
	assert.Equal(t, "decaf", body["service"])
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, Version, body["version"])

	w = doJSON(t, s.Handler(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeMap(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, false, body["search"])
	assert.Equal(t, false, body["builds"])
}

func TestEndpointsUnavailableWithoutDeps(t *testing.T) {
	s := New(Config{}, Deps{})

	cases := []struct {
		method string
		path   string
		body   interface{}
	}{
		{http.MethodPost, "/search", map[string]string{"query": "caffeine"}},
		{http.MethodDelete, "/conversations/conv_x", nil},
		{http.MethodPost, "/jobs", map[string]string{"corpus_glob": "g", "out_dir": "o"}},
		{http.MethodGet, "/jobs", nil},
		{http.MethodGet, "/jobs/abc", nil},
		{http.MethodDelete, "/jobs/abc", nil},
		{http.MethodGet, "/events", nil},
	}
	for _, tc := range cases {
		w := doJSON(t, s.Handler(), tc.method, tc.path, tc.body)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, "%s %s", tc.method, tc.path)
		assert.Contains(t, decodeMap(t, w)["error"], "not configured")
	}
}

func TestSearchEndpoint(t *testing.T) {
	ctx := context.Background()

	enc, err := stage.NewEncoder(ctx, stubSpec(t, "encoder", encoderStub))
	require.NoError(t, err)

	dense, err := index.NewDense(2, index.MetricDot)
	require.NoError(t, err)
	require.NoError(t, dense.Add("da", []float64{1, 0}))
	require.NoError(t, dense.Add("db", []float64{0.5, 0}))
	require.NoError(t, dense.Add("dc", []float64{2, 1}))

	searcher, err := search.New(search.Config{Dense: dense, K: 10}, search.Stages{Encoder: enc}, nil, logging.NewNop(), nil)
	require.NoError(t, err)
	defer searcher.Close(ctx)

	s := New(Config{}, Deps{Searcher: searcher})

	w := doJSON(t, s.Handler(), http.MethodPost, "/search", map[string]interface{}{"query": "what is caffeine"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res search.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, strings.HasPrefix(res.ConversationID, "conv_"))
	assert.Equal(t, 1, res.Turn)
	require.Len(t, res.Hits, 3)
	assert.Equal(t, "dc", res.Hits[0].DocID)
	assert.Equal(t, 1, res.Hits[0].Rank)

	// A blank query never reaches the searcher.
	w = doJSON(t, s.Handler(), http.MethodPost, "/search", map[string]interface{}{"query": "   "})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "query is required", decodeMap(t, w)["error"])

	// Malformed JSON.
	req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	w = doJSON(t, s.Handler(), http.MethodDelete, "/conversations/"+res.ConversationID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeMap(t, w)["success"])

	w = doJSON(t, s.Handler(), http.MethodDelete, "/conversations/"+res.ConversationID, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func waitJobState(t *testing.T, h http.Handler, id string, want jobs.State) jobs.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		w := doJSON(t, h, http.MethodGet, "/jobs/"+id, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var job jobs.Job
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
		if job.State == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in state %s, want %s", id, job.State, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJobEndpoints(t *testing.T) {
	mgr := jobs.NewManager(logging.NewNop(), nil)
	defer mgr.Close()

	specCh := make(chan jobs.BuildSpec, 1)
	build := func(ctx context.Context, spec jobs.BuildSpec, report func(jobs.Progress)) error {
		specCh <- spec
		report(jobs.Progress{Docs: 2, Message: "indexed 2 documents"})
		return nil
	}
	s := New(Config{}, Deps{Jobs: mgr, Build: build})

	// Binding failures.
	w := doJSON(t, s.Handler(), http.MethodPost, "/jobs", map[string]interface{}{"corpus_glob": "g"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s.Handler(), http.MethodPost, "/jobs", map[string]interface{}{
		"corpus_glob": "g", "out_dir": "o", "dense": true, "format": "xml",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeMap(t, w)["error"], "unknown corpus format")

	w = doJSON(t, s.Handler(), http.MethodPost, "/jobs", map[string]interface{}{
		"corpus_glob": "g", "out_dir": "o",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeMap(t, w)["error"], "no index")

	// A valid submission runs to completion.
	w = doJSON(t, s.Handler(), http.MethodPost, "/jobs", map[string]interface{}{
		"corpus_glob": "/data/corpus/*.jsonl",
		"out_dir":     "/data/out",
		"format":      "jsonl",
		"metric":      "cosine",
		"dense":       true,
		"texts":       true,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var submitted jobs.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.ID)
	assert.Equal(t, "index", submitted.Kind)

	done := waitJobState(t, s.Handler(), submitted.ID, jobs.StateDone)
	assert.Equal(t, 2, done.Progress.Docs)

	spec := <-specCh
	assert.Equal(t, "/data/corpus/*.jsonl", spec.CorpusGlob)
	assert.Equal(t, corpus.FormatJSONL, spec.Format)
	assert.Equal(t, index.MetricCosine, spec.Metric)
	assert.True(t, spec.Dense)
	assert.False(t, spec.Sparse)
	assert.True(t, spec.Texts)
	assert.Equal(t, "/data/out", spec.OutDir)

	w = doJSON(t, s.Handler(), http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeMap(t, w)["count"])

	// Terminal jobs cannot be cancelled.
	w = doJSON(t, s.Handler(), http.MethodDelete, "/jobs/"+submitted.ID, nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, s.Handler(), http.MethodGet, "/jobs/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	w = doJSON(t, s.Handler(), http.MethodDelete, "/jobs/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelRunningJob(t *testing.T) {
	mgr := jobs.NewManager(logging.NewNop(), nil)
	defer mgr.Close()

	started := make(chan struct{})
	build := func(ctx context.Context, spec jobs.BuildSpec, report func(jobs.Progress)) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	s := New(Config{}, Deps{Jobs: mgr, Build: build})

	w := doJSON(t, s.Handler(), http.MethodPost, "/jobs", map[string]interface{}{
		"corpus_glob": "g", "out_dir": "o", "sparse": true,
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	var job jobs.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("build never started")
	}

	w = doJSON(t, s.Handler(), http.MethodDelete, "/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeMap(t, w)["success"])

	failed := waitJobState(t, s.Handler(), job.ID, jobs.StateFailed)
	assert.Contains(t, failed.Error, "context canceled")
}

func TestStatsAndMetricsEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := New(Config{}, Deps{Metrics: m, Gatherer: reg})

	w := doJSON(t, s.Handler(), http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s.Handler(), http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeMap(t, w)
	assert.GreaterOrEqual(t, body["requests_total"].(float64), float64(1))
	assert.Contains(t, body, "uptime_seconds")

	w = doJSON(t, s.Handler(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "decaf_http_requests_total")
}

func TestRateLimit(t *testing.T) {
	s := New(Config{RateLimitEnabled: true, RequestsPerSecond: 1, Burst: 2}, Deps{})

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		w := doJSON(t, s.Handler(), http.MethodGet, "/", nil)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[4])
}

func TestEventsStream(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	mgr := jobs.NewManager(logging.NewNop(), m)
	defer mgr.Close()

	build := func(ctx context.Context, spec jobs.BuildSpec, report func(jobs.Progress)) error {
		report(jobs.Progress{Docs: 1, Message: "indexed 1 documents"})
		return nil
	}
	s := New(Config{}, Deps{Jobs: mgr, Build: build, Metrics: m})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	var welcome map[string]interface{}
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, "connected", welcome["type"])
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WSConnections))

	body, err := json.Marshal(map[string]interface{}{
		"corpus_glob": "g", "out_dir": "o", "dense": true,
	})
	require.NoError(t, err)
	httpResp, err := http.Post(ts.URL+"/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, httpResp.StatusCode)
	httpResp.Body.Close()

	seen := make(map[jobs.State]bool)
	for !seen[jobs.StateDone] {
		var msg struct {
			Type  string     `json:"type"`
			Event jobs.Event `json:"event"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		require.Equal(t, "job", msg.Type)
		require.Equal(t, "index", msg.Event.Kind)
		seen[msg.Event.State] = true
	}
	assert.True(t, seen[jobs.StatePending])
	assert.True(t, seen[jobs.StateRunning])
}
