// Package markup turns HTML fragments into plain post text.
package markup

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	// Formatting tags a language model is known to emit. Anything else in
	// angle brackets is treated as text.
	reFormatTag = regexp.MustCompile(`(?i)</?(?:br|p|b|i|a)(?:\s[^<>]*)?/?>`)
	reBlankRuns = regexp.MustCompile(`\n{3,}`)
)

// StripHTML removes formatting tags (br, p, b, i, a) from s and returns s
// unchanged when it has none. Line breaks and paragraphs become newlines.
// Other angle-bracket text such as "<input>" or "Map<T any>" is kept.
func StripHTML(s string) string {
	locs := reFormatTag.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return s
	}

	// Escape every '<' outside the formatting tags so the parser keeps it as text.
	var b strings.Builder
	prev := 0
	for _, loc := range locs {
		b.WriteString(strings.ReplaceAll(s[prev:loc[0]], "<", "&lt;"))
		b.WriteString(s[loc[0]:loc[1]])
		prev = loc[1]
	}
	b.WriteString(strings.ReplaceAll(s[prev:], "<", "&lt;"))

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(b.String()))
	if err != nil {
		return s
	}
	return SelectionText(doc.Find("body"))
}

// SelectionText extracts readable text from sel, keeping <br> and paragraph
// breaks as newlines.
func SelectionText(sel *goquery.Selection) string {
	sel.Find("br").ReplaceWithHtml("\n")
	sel.Find("p, div, li").AppendHtml("\n")

	lines := strings.Split(sel.Text(), "\n")
	for i, ln := range lines {
		lines[i] = strings.TrimSpace(ln)
	}
	out := strings.Join(lines, "\n")
	out = reBlankRuns.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
