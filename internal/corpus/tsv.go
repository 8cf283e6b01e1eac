package corpus

import (
	"fmt"
	"strings"
)

// parseTSV maps the common column layouts: two columns are id and text,
// three are id, title and text, four follow the document dump layout of
// id, url, title and body.
func (it *Iterator) parseTSV(line string) (Document, error) {
	cols := strings.Split(line, "\t")
	for i, c := range cols {
		cols[i] = strings.TrimSpace(c)
	}

	var doc Document
	switch len(cols) {
	case 2:
		doc = Document{ID: cols[0], Text: cols[1]}
	case 3:
		doc = Document{ID: cols[0], Title: cols[1], Text: cols[2]}
	case 4:
		doc = Document{ID: cols[0], Title: cols[2], Text: cols[3]}
	default:
		return Document{}, fmt.Errorf("%s:%d: malformed tsv record (%d columns)", it.path, it.line, len(cols))
	}
	if doc.ID == "" {
		return Document{}, fmt.Errorf("%s:%d: record has no document id", it.path, it.line)
	}
	return doc, nil
}
