package assets

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alemarco96/DECAF-sub000/internal/logging"
)

func tarGzBundle(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		body := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func serveBundle(t *testing.T, body []byte, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveDownloadsAndExtracts(t *testing.T) {
	bundle := tarGzBundle(t, map[string]string{
		"model/config.json": `{"dim": 4}`,
		"model/weights.bin": "not really weights",
	})
	var hits atomic.Int32
	srv := serveBundle(t, bundle, &hits)

	store, err := NewStore(t.TempDir(), 0, logging.NewNop())
	require.NoError(t, err)

	dir, err := store.Resolve(context.Background(), Artifact{URL: srv.URL + "/bundle.tar.gz"})
	require.NoError(t, err)

	cfg, err := os.ReadFile(filepath.Join(dir, "model", "config.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"dim": 4}`, string(cfg))

	weights, err := os.ReadFile(filepath.Join(dir, "model", "weights.bin"))
	require.NoError(t, err)
	assert.Equal(t, "not really weights", string(weights))
}

func TestResolveCachesBundle(t *testing.T) {
	bundle := tarGzBundle(t, map[string]string{"vocab.txt": "a\nb\n"})
	var hits atomic.Int32
	srv := serveBundle(t, bundle, &hits)

	store, err := NewStore(t.TempDir(), 0, logging.NewNop())
	require.NoError(t, err)

	art := Artifact{URL: srv.URL + "/bundle.tar.gz"}
	first, err := store.Resolve(context.Background(), art)
	require.NoError(t, err)

	second, err := store.Resolve(context.Background(), art)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), hits.Load())
}

func TestResolveVerifiesDigest(t *testing.T) {
	bundle := tarGzBundle(t, map[string]string{"f.txt": "payload"})
	sum := sha256.Sum256(bundle)
	var hits atomic.Int32
	srv := serveBundle(t, bundle, &hits)

	store, err := NewStore(t.TempDir(), 0, logging.NewNop())
	require.NoError(t, err)

	_, err = store.Resolve(context.Background(), Artifact{
		URL:    srv.URL + "/bundle.tar.gz",
		SHA256: hex.EncodeToString(sum[:]),
	})
	require.NoError(t, err)
}

func TestResolveRejectsDigestMismatch(t *testing.T) {
	bundle := tarGzBundle(t, map[string]string{"f.txt": "payload"})
	var hits atomic.Int32
	srv := serveBundle(t, bundle, &hits)

	store, err := NewStore(t.TempDir(), 0, logging.NewNop())
	require.NoError(t, err)

	_, err = store.Resolve(context.Background(), Artifact{
		URL:    srv.URL + "/bundle.tar.gz",
		SHA256: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch")
}

func TestResolvePlainFile(t *testing.T) {
	var hits atomic.Int32
	srv := serveBundle(t, []byte("the quick brown fox"), &hits)

	store, err := NewStore(t.TempDir(), 0, logging.NewNop())
	require.NoError(t, err)

	dir, err := store.Resolve(context.Background(), Artifact{URL: srv.URL + "/vocab.txt"})
	require.NoError(t, err)

	body, err := os.ReadFile(filepath.Join(dir, "vocab.txt"))
	require.NoError(t, err)
	assert.Equal(t, "the quick brown fox", string(body))
}

func TestResolveHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	store, err := NewStore(t.TempDir(), 0, logging.NewNop())
	require.NoError(t, err)

	_, err = store.Resolve(context.Background(), Artifact{URL: srv.URL + "/missing.tar.gz"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestResolveRequiresURL(t *testing.T) {
	store, err := NewStore(t.TempDir(), 0, logging.NewNop())
	require.NoError(t, err)

	_, err = store.Resolve(context.Background(), Artifact{})
	require.Error(t, err)
}

func TestExtractSkipsTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "../escape.txt",
		Mode:     0644,
		Size:     int64(len("oops")),
		Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write([]byte("oops"))
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "safe.txt",
		Mode:     0644,
		Size:     int64(len("fine")),
		Typeflag: tar.TypeReg,
	}))
	_, err = tw.Write([]byte("fine"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	root := t.TempDir()
	archive := filepath.Join(root, "bundle.tar.gz")
	require.NoError(t, os.WriteFile(archive, buf.Bytes(), 0644))

	dest := filepath.Join(root, "out")
	require.NoError(t, os.MkdirAll(dest, 0755))
	require.NoError(t, extractTarGz(archive, dest))

	_, err = os.Stat(filepath.Join(dest, "safe.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}
