package corpus

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
)

var (
	fragmentPolicy = bluemonday.StrictPolicy()
	tagPattern     = regexp.MustCompile(`(?i)<(!doctype|html|head|body|p|div|span|a|br|li|table|tr|td|h[1-6])[\s>/]`)
)

// looksHTML reports whether a text field still carries page markup.
func looksHTML(s string) bool {
	return strings.Contains(s, "<") && tagPattern.MatchString(s)
}

// StripTags removes any markup from a text fragment and collapses
// whitespace.
func StripTags(s string) string {
	return normalizeWhitespace(html.UnescapeString(fragmentPolicy.Sanitize(s)))
}

// ExtractHTML reduces a raw page to its title and visible text. The
// charset is detected and the document decoded to UTF-8 before parsing.
func ExtractHTML(raw string) (title, text string, err error) {
	if strings.TrimSpace(raw) == "" {
		return "", "", fmt.Errorf("empty html document")
	}

	data := []byte(raw)
	var r io.Reader = bytes.NewReader(data)
	if utf8r, cerr := charset.NewReader(bytes.NewReader(data), detectCharset(data)); cerr == nil {
		r = utf8r
	}

	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse html: %w", err)
	}

	title = strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = doc.Find("meta[property='og:title']").AttrOr("content", "")
	}

	doc.Find("script, style, noscript, template").Remove()
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	return title, normalizeWhitespace(body.Text()), nil
}

// detectCharset returns the best-guess encoding name, defaulting to
// utf-8 when detection fails.
func detectCharset(data []byte) string {
	detector := chardet.NewTextDetector()
	result, err := detector.DetectBest(data)
	if err != nil || result == nil {
		return "utf-8"
	}
	return strings.ToLower(result.Charset)
}

// normalizeWhitespace collapses runs of whitespace into single spaces.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
