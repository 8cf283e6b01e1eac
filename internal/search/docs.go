package search

import (
	"fmt"

	"github.com/alemarco96/DECAF-sub000/internal/corpus"
)

// Docs is an in-memory document store backing reranking and result
// enrichment.
type Docs struct {
	byID map[string]corpus.Document
}

// NewDocs indexes documents by ID. Later duplicates win.
func NewDocs(docs []corpus.Document) *Docs {
	m := make(map[string]corpus.Document, len(docs))
	for _, d := range docs {
		m[d.ID] = d
	}
	return &Docs{byID: m}
}

// LoadDocs reads a document store written at index build time.
func LoadDocs(path string) (*Docs, error) {
	docs, err := corpus.ReadAll(path, corpus.FormatJSONL)
	if err != nil {
		return nil, fmt.Errorf("failed to load document store: %w", err)
	}
	return NewDocs(docs), nil
}

// Lookup returns the stored document for an ID.
func (d *Docs) Lookup(id string) (corpus.Document, bool) {
	doc, ok := d.byID[id]
	return doc, ok
}

// Len returns the number of stored documents.
func (d *Docs) Len() int { return len(d.byID) }
