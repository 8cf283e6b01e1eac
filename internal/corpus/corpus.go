package corpus

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Shard lines can carry whole web documents.
const maxShardLine = 16 << 20

// Format identifies the on-disk layout of a collection shard.
type Format string

const (
	// FormatAuto sniffs the layout from the first record.
	FormatAuto Format = "auto"
	// FormatJSONL is one JSON object per line (id/contents style).
	FormatJSONL Format = "jsonl"
	// FormatTSV is tab-separated columns (id, [url], [title], text).
	FormatTSV Format = "tsv"
)

// Document is one retrievable unit of a collection.
type Document struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Text  string `json:"contents"`
}

// FullText is the document as the pipeline stages see it: the title
// folded into the body when present.
func (d Document) FullText() string {
	if d.Title == "" {
		return d.Text
	}
	return strings.TrimSpace(d.Title + " " + d.Text)
}

// Iterator streams documents out of a single shard file, decompressing
// transparently. Not safe for concurrent use.
type Iterator struct {
	path   string
	rc     io.ReadCloser
	sc     *bufio.Scanner
	format Format
	line   int
}

// Open opens a shard for reading. Pass FormatAuto to pick the layout
// from the file extension, falling back to sniffing the first record.
func Open(path string, format Format) (*Iterator, error) {
	rc, base, err := openShard(path)
	if err != nil {
		return nil, err
	}
	if format == "" || format == FormatAuto {
		format = detectFormat(base)
	}
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), maxShardLine)
	return &Iterator{path: path, rc: rc, sc: sc, format: format}, nil
}

// Next returns the next document, or io.EOF when the shard is exhausted.
// Blank lines are skipped.
func (it *Iterator) Next() (Document, error) {
	for it.sc.Scan() {
		it.line++
		line := strings.TrimRight(it.sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if it.format == FormatAuto {
			if strings.HasPrefix(strings.TrimSpace(line), "{") {
				it.format = FormatJSONL
			} else {
				it.format = FormatTSV
			}
		}
		switch it.format {
		case FormatJSONL:
			return it.parseJSONL(line)
		default:
			return it.parseTSV(line)
		}
	}
	if err := it.sc.Err(); err != nil {
		return Document{}, fmt.Errorf("failed to read %s: %w", it.path, err)
	}
	return Document{}, io.EOF
}

// Close releases the underlying file and any decompressor.
func (it *Iterator) Close() error {
	return it.rc.Close()
}

// ReadAll loads every document from a single shard.
func ReadAll(path string, format Format) ([]Document, error) {
	it, err := Open(path, format)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var docs []Document
	for {
		doc, err := it.Next()
		if err == io.EOF {
			return docs, nil
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
}
