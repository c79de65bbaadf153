// Package richtext inspects the HTML bodies of form templates.
package richtext

import (
	"strings"
	"unicode/utf8"

	"hierarchyflow/internal/model"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Text returns the decoded text content of doc with markup removed. Adjacent
// text nodes are joined without a separator.
func Text(doc string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF, or malformed input: keep what was read so far.
			return strings.TrimSpace(b.String())
		case html.TextToken:
			b.WriteString(strings.ReplaceAll(string(z.Text()), "\u00a0", " "))
		}
	}
}

// Analyze computes the metadata stored alongside a template body.
func Analyze(doc string) model.TemplateMetadata {
	var meta model.TemplateMetadata
	z := html.NewTokenizer(strings.NewReader(doc))
	for done := false; !done; {
		switch z.Next() {
		case html.ErrorToken:
			done = true
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Img:
				meta.HasImages = true
			case atom.Table:
				meta.HasTables = true
			}
		}
	}

	text := Text(doc)
	meta.CharacterCount = utf8.RuneCountInString(text)
	meta.WordCount = len(strings.Fields(text))
	return meta
}
