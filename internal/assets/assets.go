// Package assets resolves model artifacts into a local cache: download
// with retrying transport, digest verification, archive extraction.
package assets

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/alemarco96/DECAF-sub000/internal/logging"
)

// Artifact names a downloadable model bundle.
type Artifact struct {
	URL    string
	SHA256 string // hex digest of the download, empty skips verification
}

// Store caches resolved artifacts under a root directory. Safe for use
// by one resolver at a time per artifact.
type Store struct {
	dir    string
	client *resty.Client
	log    *logging.Logger
}

// NewStore creates the cache root and the retrying download client.
func NewStore(dir string, retries int, log *logging.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("assets cache directory required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create assets cache: %w", err)
	}
	if retries < 0 {
		retries = 0
	}
	if log == nil {
		log = logging.NewNop()
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retries
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 30 * time.Second
	retryClient.Logger = nil

	restyClient := resty.New()
	restyClient.
		SetTimeout(10 * time.Minute).
		SetRetryCount(retries).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(30 * time.Second).
		SetHeader("User-Agent", "decaf-assets/1.0")
	restyClient.SetTransport(retryClient.HTTPClient.Transport)

	return &Store{dir: dir, client: restyClient, log: log}, nil
}

// Resolve returns the local bundle directory for the artifact,
// downloading, verifying and extracting on a cache miss.
func (s *Store) Resolve(ctx context.Context, art Artifact) (string, error) {
	if art.URL == "" {
		return "", fmt.Errorf("artifact has no url")
	}

	key := cacheKey(art)
	bundleDir := filepath.Join(s.dir, "bundles", key)
	marker := filepath.Join(bundleDir, ".complete")
	if _, err := os.Stat(marker); err == nil {
		return bundleDir, nil
	}

	download := filepath.Join(s.dir, "downloads", key+suffix(art.URL))
	if err := os.MkdirAll(filepath.Dir(download), 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	s.log.Info("downloading model artifact", zap.String("url", art.URL))
	resp, err := s.client.R().SetContext(ctx).SetOutput(download).Get(art.URL)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", art.URL, err)
	}
	if resp.IsError() {
		os.Remove(download)
		return "", fmt.Errorf("failed to download %s: status %d", art.URL, resp.StatusCode())
	}

	if art.SHA256 != "" {
		if err := verifyDigest(download, art.SHA256); err != nil {
			os.Remove(download)
			return "", err
		}
	}

	if err := os.MkdirAll(bundleDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create bundle directory: %w", err)
	}
	if isArchive(art.URL) {
		if err := extractTarGz(download, bundleDir); err != nil {
			os.RemoveAll(bundleDir)
			return "", err
		}
	} else {
		name := filepath.Base(strings.TrimSuffix(art.URL, "/"))
		if idx := strings.IndexAny(name, "?#"); idx >= 0 {
			name = name[:idx]
		}
		if name == "" || name == "." {
			name = "artifact"
		}
		if err := os.Rename(download, filepath.Join(bundleDir, name)); err != nil {
			return "", fmt.Errorf("failed to place artifact: %w", err)
		}
	}
	os.Remove(download)

	if err := os.WriteFile(marker, []byte(art.SHA256+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to mark bundle complete: %w", err)
	}
	s.log.Info("model artifact ready", zap.String("bundle", bundleDir))
	return bundleDir, nil
}

// cacheKey keys the cache by the declared digest when present, else by
// the URL itself, so moved mirrors of the same bundle still hit.
func cacheKey(art Artifact) string {
	if art.SHA256 != "" {
		return art.SHA256[:min(16, len(art.SHA256))]
	}
	sum := sha256.Sum256([]byte(art.URL))
	return hex.EncodeToString(sum[:8])
}

func suffix(url string) string {
	switch {
	case strings.Contains(url, ".tar.gz"):
		return ".tar.gz"
	case strings.Contains(url, ".tgz"):
		return ".tgz"
	}
	return ".bin"
}

func isArchive(url string) bool {
	return strings.Contains(url, ".tar.gz") || strings.Contains(url, ".tgz")
}

func verifyDigest(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open download: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash download: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("artifact digest mismatch: got %s, want %s", got, want)
	}
	return nil
}

// extractTarGz unpacks archive into dest, refusing entries that escape
// it.
func extractTarGz(archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read archive %s: %w", archive, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive entry: %w", err)
		}

		destPath := filepath.Join(dest, header.Name)
		if !strings.HasPrefix(destPath, filepath.Clean(dest)+string(os.PathSeparator)) {
			continue
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(destPath, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", destPath, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", filepath.Dir(destPath), err)
			}
			out, err := os.Create(destPath)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", destPath, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("failed to extract %s: %w", header.Name, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("failed to extract %s: %w", header.Name, err)
			}
		}
	}
}
