package corpus

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type shardReader struct {
	io.Reader
	close func() error
}

func (s *shardReader) Close() error { return s.close() }

// openShard opens path with transparent decompression and returns the
// reader plus the path with any compression suffix stripped.
func openShard(path string) (io.ReadCloser, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open shard: %w", err)
	}

	switch {
	case strings.HasSuffix(path, ".gz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, "", fmt.Errorf("failed to open gzip shard %s: %w", path, err)
		}
		rc := &shardReader{Reader: gz, close: func() error {
			err := gz.Close()
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			return err
		}}
		return rc, strings.TrimSuffix(path, ".gz"), nil

	case strings.HasSuffix(path, ".zst"):
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, "", fmt.Errorf("failed to open zstd shard %s: %w", path, err)
		}
		rc := &shardReader{Reader: dec, close: func() error {
			dec.Close()
			return f.Close()
		}}
		return rc, strings.TrimSuffix(path, ".zst"), nil
	}

	return f, path, nil
}

// detectFormat picks a layout from the extension, after compression
// suffixes are stripped. Unknown extensions stay FormatAuto and are
// sniffed from the first record.
func detectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".json", ".ndjson":
		return FormatJSONL
	case ".tsv", ".txt":
		return FormatTSV
	}
	return FormatAuto
}
