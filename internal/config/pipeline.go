package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	toml "github.com/pelletier/go-toml/v2"
)

// Pipeline is the experiment topology: where the collection and topics
// live, which worker-backed stages run, and how retrieval is assembled.
// Loaded from a YAML or TOML file, selected by extension.
type Pipeline struct {
	Corpus    CorpusSpec    `yaml:"corpus" toml:"corpus" json:"corpus"`
	Topics    TopicsSpec    `yaml:"topics" toml:"topics" json:"topics"`
	Index     IndexSpec     `yaml:"index" toml:"index" json:"index"`
	Rewriter  *StageSpec    `yaml:"rewriter" toml:"rewriter" json:"rewriter,omitempty"`
	Encoder   *StageSpec    `yaml:"encoder" toml:"encoder" json:"encoder,omitempty"`
	Expander  *StageSpec    `yaml:"expander" toml:"expander" json:"expander,omitempty"`
	Reranker  *StageSpec    `yaml:"reranker" toml:"reranker" json:"reranker,omitempty"`
	Retrieval RetrievalSpec `yaml:"retrieval" toml:"retrieval" json:"retrieval"`
	Run       RunSpec       `yaml:"run" toml:"run" json:"run"`
}

// CorpusSpec locates the document collection.
type CorpusSpec struct {
	Glob   string `yaml:"glob" toml:"glob" json:"glob"`
	Format string `yaml:"format" toml:"format" json:"format"` // jsonl, tsv, auto
}

// TopicsSpec locates the query set.
type TopicsSpec struct {
	Path   string `yaml:"path" toml:"path" json:"path"`
	Format string `yaml:"format" toml:"format" json:"format"` // tsv, json, auto
}

// IndexSpec names the index directory and which indexes to use.
type IndexSpec struct {
	Dir    string `yaml:"dir" toml:"dir" json:"dir"`
	Dense  bool   `yaml:"dense" toml:"dense" json:"dense"`
	Sparse bool   `yaml:"sparse" toml:"sparse" json:"sparse"`
}

// StageSpec describes one worker-backed pipeline stage. Args pass
// through to the worker as key=value flags; no schema is enforced.
type StageSpec struct {
	Interpreter string            `yaml:"interpreter" toml:"interpreter" json:"interpreter"`
	Script      string            `yaml:"script" toml:"script" json:"script"`
	Args        map[string]string `yaml:"args" toml:"args" json:"args,omitempty"`
	BatchSize   int               `yaml:"batch_size" toml:"batch_size" json:"batch_size"`
	WorkDir     string            `yaml:"work_dir" toml:"work_dir" json:"work_dir,omitempty"`
	Artifact    *ArtifactSpec     `yaml:"artifact" toml:"artifact" json:"artifact,omitempty"`
}

// ArtifactSpec names a model bundle fetched before the stage spawns.
type ArtifactSpec struct {
	URL    string `yaml:"url" toml:"url" json:"url"`
	SHA256 string `yaml:"sha256" toml:"sha256" json:"sha256"`
}

// RetrievalSpec controls first-stage depth, fusion and reranking.
type RetrievalSpec struct {
	K         int    `yaml:"k" toml:"k" json:"k"`
	Fusion    string `yaml:"fusion" toml:"fusion" json:"fusion"`          // rrf, combsum
	Normalize string `yaml:"normalize" toml:"normalize" json:"normalize"` // minmax, zscore, none
	RRFK      int    `yaml:"rrf_k" toml:"rrf_k" json:"rrf_k"`
	RerankK   int    `yaml:"rerank_k" toml:"rerank_k" json:"rerank_k"`
}

// RunSpec names the output run file.
type RunSpec struct {
	Path string `yaml:"path" toml:"path" json:"path"`
	Tag  string `yaml:"tag" toml:"tag" json:"tag"`
}

// LoadPipeline reads and validates a pipeline file. The format follows
// the extension: .yaml/.yml or .toml.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}

	var p Pipeline
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse pipeline yaml: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse pipeline toml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported pipeline format %q", ext)
	}

	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Pipeline) applyDefaults() {
	if p.Corpus.Format == "" {
		p.Corpus.Format = "auto"
	}
	if p.Topics.Format == "" {
		p.Topics.Format = "tsv"
	}
	if p.Retrieval.K == 0 {
		p.Retrieval.K = 1000
	}
	if p.Retrieval.Fusion == "" {
		p.Retrieval.Fusion = "rrf"
	}
	if p.Retrieval.Normalize == "" {
		p.Retrieval.Normalize = "minmax"
	}
	if p.Retrieval.RRFK == 0 {
		p.Retrieval.RRFK = 60
	}
	if p.Retrieval.RerankK == 0 {
		p.Retrieval.RerankK = 100
	}
	if p.Run.Tag == "" {
		p.Run.Tag = "decaf"
	}
	for _, s := range []*StageSpec{p.Rewriter, p.Encoder, p.Expander, p.Reranker} {
		if s == nil {
			continue
		}
		if s.Interpreter == "" {
			s.Interpreter = "python3"
		}
		if s.BatchSize <= 0 {
			s.BatchSize = 32
		}
	}
}

// Validate rejects topologies that cannot run.
func (p *Pipeline) Validate() error {
	for name, s := range map[string]*StageSpec{
		"rewriter": p.Rewriter,
		"encoder":  p.Encoder,
		"expander": p.Expander,
		"reranker": p.Reranker,
	} {
		if s == nil {
			continue
		}
		if s.Script == "" {
			return fmt.Errorf("stage %s: script is required", name)
		}
		if s.Artifact != nil && s.Artifact.URL == "" {
			return fmt.Errorf("stage %s: artifact url is required", name)
		}
	}

	switch p.Corpus.Format {
	case "jsonl", "tsv", "auto":
	default:
		return fmt.Errorf("unknown corpus format %q", p.Corpus.Format)
	}
	switch p.Topics.Format {
	case "tsv", "json", "auto":
	default:
		return fmt.Errorf("unknown topics format %q", p.Topics.Format)
	}

	switch p.Retrieval.Fusion {
	case "rrf", "combsum":
	default:
		return fmt.Errorf("unknown fusion method %q", p.Retrieval.Fusion)
	}
	switch p.Retrieval.Normalize {
	case "minmax", "zscore", "none":
	default:
		return fmt.Errorf("unknown normalization %q", p.Retrieval.Normalize)
	}
	return nil
}
