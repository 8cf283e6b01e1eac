package topics

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/gzip"
)

// Format identifies the on-disk layout of a topic file.
type Format string

const (
	// FormatAuto picks the layout from the file extension.
	FormatAuto Format = "auto"
	// FormatTSV is a plain query set, one "qid<tab>text" per line.
	FormatTSV Format = "tsv"
	// FormatJSON is a conversational topic file.
	FormatJSON Format = "json"
)

// Source selects which utterance Flatten takes from each turn.
type Source string

const (
	// SourceRaw uses the utterance as spoken.
	SourceRaw Source = "raw"
	// SourceManual prefers the manually resolved rewrite when present.
	SourceManual Source = "manual"
)

// Query is a single standalone query.
type Query struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Turn is one utterance within a conversation.
type Turn struct {
	Number    int    `json:"number"`
	Utterance string `json:"raw_utterance"`
	Rewritten string `json:"manual_rewritten_utterance,omitempty"`
}

// Topic is one conversation with its ordered turns.
type Topic struct {
	Number      int    `json:"number"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Turns       []Turn `json:"turn"`
}

// QueryID formats the canonical topic_turn identifier.
func QueryID(topic, turn int) string {
	return fmt.Sprintf("%d_%d", topic, turn)
}

// Load reads a topic file by format. The topics slice is nil for plain
// TSV query sets; for conversational files the queries are the raw
// utterances flattened under topic_turn identifiers.
func Load(path string, format Format) ([]Query, []Topic, error) {
	if format == "" || format == FormatAuto {
		format = detectFormat(path)
	}
	switch format {
	case FormatJSON:
		ts, err := ReadTopics(path)
		if err != nil {
			return nil, nil, err
		}
		return Flatten(ts, SourceRaw), ts, nil
	default:
		qs, err := ReadQueries(path)
		return qs, nil, err
	}
}

// ReadQueries loads a TSV query set.
func ReadQueries(path string) ([]Query, error) {
	rc, err := openTopicFile(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var queries []Query
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		id, query, ok := strings.Cut(text, "\t")
		id, query = strings.TrimSpace(id), strings.TrimSpace(query)
		if !ok || id == "" || query == "" {
			return nil, fmt.Errorf("%s:%d: malformed query line", path, line)
		}
		queries = append(queries, Query{ID: id, Text: query})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return queries, nil
}

// ReadTopics loads a conversational topic file.
func ReadTopics(path string) ([]Topic, error) {
	rc, err := openTopicFile(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var ts []Topic
	if err := sonic.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("failed to parse topics %s: %w", path, err)
	}
	for _, topic := range ts {
		if len(topic.Turns) == 0 {
			return nil, fmt.Errorf("topic %d in %s has no turns", topic.Number, path)
		}
	}
	return ts, nil
}

// Flatten expands conversations into per-turn queries. SourceManual
// falls back to the raw utterance for turns without a rewrite.
func Flatten(ts []Topic, source Source) []Query {
	var queries []Query
	for _, topic := range ts {
		for _, turn := range topic.Turns {
			text := turn.Utterance
			if source == SourceManual && turn.Rewritten != "" {
				text = turn.Rewritten
			}
			queries = append(queries, Query{
				ID:   QueryID(topic.Number, turn.Number),
				Text: text,
			})
		}
	}
	return queries
}

func detectFormat(path string) Format {
	base := strings.TrimSuffix(path, ".gz")
	if strings.EqualFold(filepath.Ext(base), ".json") {
		return FormatJSON
	}
	return FormatTSV
}

func openTopicFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open topics: %w", err)
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open gzip topics %s: %w", path, err)
	}
	return &gzipFile{gz: gz, f: f}, nil
}

type gzipFile struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzipFile) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipFile) Close() error {
	err := g.gz.Close()
	if cerr := g.f.Close(); err == nil {
		err = cerr
	}
	return err
}
