package corpus

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// jsonlRecord accepts the field spellings found across collection dumps.
type jsonlRecord struct {
	ID       string `json:"id"`
	DocID    string `json:"docid"`
	DocNo    string `json:"docno"`
	Title    string `json:"title"`
	Contents string `json:"contents"`
	Text     string `json:"text"`
	Body     string `json:"body"`
	Raw      string `json:"raw"`
}

func (it *Iterator) parseJSONL(line string) (Document, error) {
	var rec jsonlRecord
	if err := sonic.Unmarshal([]byte(line), &rec); err != nil {
		return Document{}, fmt.Errorf("%s:%d: failed to parse record: %w", it.path, it.line, err)
	}

	doc := Document{
		ID:    firstNonEmpty(rec.ID, rec.DocID, rec.DocNo),
		Title: rec.Title,
		Text:  firstNonEmpty(rec.Contents, rec.Text, rec.Body),
	}
	if doc.ID == "" {
		return Document{}, fmt.Errorf("%s:%d: record has no document id", it.path, it.line)
	}

	// Washed dumps keep the original page under "raw" when the cleaned
	// text is absent.
	if doc.Text == "" && rec.Raw != "" {
		if looksHTML(rec.Raw) {
			title, text, err := ExtractHTML(rec.Raw)
			if err != nil {
				return Document{}, fmt.Errorf("%s:%d: %w", it.path, it.line, err)
			}
			if doc.Title == "" {
				doc.Title = title
			}
			doc.Text = text
		} else {
			doc.Text = strings.TrimSpace(rec.Raw)
		}
	}

	if looksHTML(doc.Text) {
		doc.Text = StripTags(doc.Text)
	}
	return doc, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
