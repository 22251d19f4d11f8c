package adapters

import (
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// DefaultKeyword is used whenever no keyword set can be loaded.
const DefaultKeyword = "장애인"

// BuildSearchQuery joins keywords into a board search expression.
func BuildSearchQuery(keywords []string) string {
	terms := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			terms = append(terms, kw)
		}
	}
	return strings.Join(terms, " OR ")
}

// ContainsKeyword reports whether text mentions any keyword. Substring matching
// covers the recruitment variants (keyword+채용, keyword+우대, keyword+전형).
// Matching is case-insensitive and tolerant of whitespace inside multi-word
// keywords.
func ContainsKeyword(text string, keywords []string) bool {
	if text == "" {
		return false
	}
	lowered := strings.ToLower(text)
	compact := stripSpaces(lowered)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(lowered, kw) || strings.Contains(compact, stripSpaces(kw)) {
			return true
		}
	}
	return false
}

func stripSpaces(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// PageMentionsKeyword scans the visible text of the whole page.
func PageMentionsKeyword(doc *goquery.Document, keywords []string) bool {
	return ContainsKeyword(CleanText(doc.Find("body").Text()), keywords)
}
