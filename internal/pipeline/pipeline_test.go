package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alemarco96/DECAF-sub000/internal/assets"
	"github.com/alemarco96/DECAF-sub000/internal/config"
	"github.com/alemarco96/DECAF-sub000/internal/logging"
)

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

func writeStub(t *testing.T, name, stub string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".sh")
	require.NoError(t, os.WriteFile(path, []byte(stub), 0755))
	return path
}

func workerDefaults() config.WorkerConfig {
	return config.WorkerConfig{
		Interpreter:  "python3",
		GraceTimeout: 2 * time.Second,
		BatchSize:    32,
	}
}

func TestWorkerSpecDefaults(t *testing.T) {
	sc := &config.StageSpec{Script: "encode.py"}

	spec, err := WorkerSpec(context.Background(), "encoder", sc, Options{Worker: workerDefaults()})
	require.NoError(t, err)

	assert.Equal(t, "encoder", spec.Name)
	assert.Equal(t, "python3", spec.Interpreter)
	assert.Equal(t, "encode.py", spec.Script)
	assert.Equal(t, 32, spec.BatchSize)
	assert.Equal(t, 2*time.Second, spec.GraceTimeout)
	assert.Nil(t, spec.Args)
}

func TestWorkerSpecKeepsStageOverrides(t *testing.T) {
	sc := &config.StageSpec{
		Interpreter: "/opt/venv/bin/python",
		Script:      "encode.py",
		BatchSize:   8,
		WorkDir:     "/srv/models",
		Args:        map[string]string{"device": "cpu"},
	}

	spec, err := WorkerSpec(context.Background(), "encoder", sc, Options{Worker: workerDefaults()})
	require.NoError(t, err)

	assert.Equal(t, "/opt/venv/bin/python", spec.Interpreter)
	assert.Equal(t, 8, spec.BatchSize)
	assert.Equal(t, "/srv/models", spec.WorkDir)
	assert.Equal(t, "cpu", spec.Args["device"])
}

func TestWorkerSpecDiagnosticLogSuffix(t *testing.T) {
	w := workerDefaults()
	w.DiagnosticLog = "/tmp/decaf-worker.log"
	sc := &config.StageSpec{Script: "rank.py", Args: map[string]string{"device": "cpu"}}

	spec, err := WorkerSpec(context.Background(), "reranker", sc, Options{Worker: w})
	require.NoError(t, err)

	assert.Equal(t, "/tmp/decaf-worker.log.reranker", spec.DiagnosticLog)
	assert.Equal(t, "/tmp/decaf-worker.log.reranker", spec.Args["diagnostic_log"])

	// The configured args map stays untouched.
	assert.NotContains(t, sc.Args, "diagnostic_log")
}

func TestWorkerSpecArtifactNeedsStore(t *testing.T) {
	sc := &config.StageSpec{
		Script:   "encode.py",
		Artifact: &config.ArtifactSpec{URL: "http://models.local/m.tar.gz"},
	}

	_, err := WorkerSpec(context.Background(), "encoder", sc, Options{Worker: workerDefaults()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no asset store")
}

func TestWorkerSpecResolvesArtifact(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("weights"))
	}))
	defer ts.Close()

	store, err := assets.NewStore(t.TempDir(), 0, logging.NewNop())
	require.NoError(t, err)

	sc := &config.StageSpec{
		Script:   "encode.py",
		Artifact: &config.ArtifactSpec{URL: ts.URL + "/weights.bin"},
	}
	spec, err := WorkerSpec(context.Background(), "encoder", sc, Options{Worker: workerDefaults(), Assets: store})
	require.NoError(t, err)

	dir := spec.Args["model_dir"]
	require.NotEmpty(t, dir)
	data, err := os.ReadFile(filepath.Join(dir, "weights.bin"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
}

func TestSearchSetAndBuildSet(t *testing.T) {
	p := &config.Pipeline{
		Index:     config.IndexSpec{Dense: true, Sparse: true},
		Rewriter:  &config.StageSpec{Script: "rw.py"},
		Encoder:   &config.StageSpec{Script: "enc.py"},
		Expander:  &config.StageSpec{Script: "exp.py"},
		Reranker:  &config.StageSpec{Script: "rank.py"},
		Retrieval: config.RetrievalSpec{RerankK: 100},
	}

	assert.Equal(t, Set{Rewriter: true, Encoder: true, Expander: true, Reranker: true}, SearchSet(p))
	assert.Equal(t, Set{Encoder: true, Expander: true}, BuildSet(p))

	p.Retrieval.RerankK = 0
	assert.False(t, SearchSet(p).Reranker)

	p.Index.Sparse = false
	assert.False(t, BuildSet(p).Expander)
}

func TestSpawnBuildStages(t *testing.T) {
	ctx := context.Background()
	p := &config.Pipeline{
		Index: config.IndexSpec{Dense: true},
		Encoder: &config.StageSpec{
			Interpreter: "/bin/sh",
			Script:      writeStub(t, "encoder", encoderStub),
			BatchSize:   2,
		},
	}

	st, err := Spawn(ctx, p, BuildSet(p), Options{Worker: workerDefaults(), Log: logging.NewNop()})
	require.NoError(t, err)
	require.NotNil(t, st.Encoder)
	assert.Nil(t, st.Expander)

	vec, err := st.Encoder.Encode(ctx, "caffeine")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0.5}, vec)

	assert.NotNil(t, st.Build().Encoder)
	assert.NotNil(t, st.Search().Encoder)

	require.NoError(t, st.Close(ctx))
}

func TestSpawnMissingStage(t *testing.T) {
	p := &config.Pipeline{Index: config.IndexSpec{Dense: true}}

	_, err := Spawn(context.Background(), p, BuildSet(p), Options{Worker: workerDefaults()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no encoder stage")
}
