// Package runio reads and writes retrieval run files in the standard
// six-column layout: qid Q0 docid rank score tag.
package runio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/alemarco96/DECAF-sub000/internal/index"
)

// Entry is one run file line.
type Entry struct {
	QueryID string
	DocID   string
	Rank    int
	Score   float64
	Tag     string
}

// Writer streams run lines to a file, gzipping when the path ends in
// .gz. Close flushes and must be checked.
type Writer struct {
	f   *os.File
	gz  *gzip.Writer
	buf *bufio.Writer
}

// NewWriter creates the run file, truncating any existing one.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create run file: %w", err)
	}
	w := &Writer{f: f}
	if strings.HasSuffix(path, ".gz") {
		w.gz = gzip.NewWriter(f)
		w.buf = bufio.NewWriter(w.gz)
	} else {
		w.buf = bufio.NewWriter(f)
	}
	return w, nil
}

// Write appends one entry.
func (w *Writer) Write(e Entry) error {
	_, err := fmt.Fprintf(w.buf, "%s Q0 %s %d %s %s\n",
		e.QueryID, e.DocID, e.Rank, strconv.FormatFloat(e.Score, 'f', 6, 64), e.Tag)
	if err != nil {
		return fmt.Errorf("failed to write run line: %w", err)
	}
	return nil
}

// WriteRanking appends a whole ranking for one query, ranks starting
// at one.
func (w *Writer) WriteRanking(queryID string, hits []index.Hit, tag string) error {
	for i, hit := range hits {
		if err := w.Write(Entry{QueryID: queryID, DocID: hit.DocID, Rank: i + 1, Score: hit.Score, Tag: tag}); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes buffered lines and closes the file.
func (w *Writer) Close() error {
	err := w.buf.Flush()
	if w.gz != nil {
		if gerr := w.gz.Close(); err == nil {
			err = gerr
		}
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to close run file: %w", err)
	}
	return nil
}

// Write writes a complete run in one call.
func Write(path string, entries []Entry) error {
	w, err := NewWriter(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := w.Write(e); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

// Read loads a run file, decompressing by extension. Blank lines are
// skipped; the second column is ignored as the conventional literal.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip run %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	var entries []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		cols := strings.Fields(text)
		if len(cols) != 6 {
			return nil, fmt.Errorf("%s:%d: run line has %d columns, want 6", path, line, len(cols))
		}
		rank, err := strconv.Atoi(cols[3])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad rank %q: %w", path, line, cols[3], err)
		}
		score, err := strconv.ParseFloat(cols[4], 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad score %q: %w", path, line, cols[4], err)
		}
		entries = append(entries, Entry{
			QueryID: cols[0],
			DocID:   cols[2],
			Rank:    rank,
			Score:   score,
			Tag:     cols[5],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return entries, nil
}

// Rankings groups entries per query, preserving line order.
func Rankings(entries []Entry) (map[string][]index.Hit, []string) {
	byQuery := make(map[string][]index.Hit)
	var order []string
	for _, e := range entries {
		if _, ok := byQuery[e.QueryID]; !ok {
			order = append(order, e.QueryID)
		}
		byQuery[e.QueryID] = append(byQuery[e.QueryID], index.Hit{DocID: e.DocID, Score: e.Score})
	}
	return byQuery, order
}
