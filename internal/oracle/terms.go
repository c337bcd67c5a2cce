package oracle

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxTerms caps how many search terms a title yields.
const MaxTerms = 4

// maxKeywords caps the capitalized keywords taken after the author term.
const maxKeywords = 3

var (
	extensionPattern = regexp.MustCompile(`(?i)\.(pdf|docx?|txt|html?|epub|rtf|md)$`)
	authorPattern    = regexp.MustCompile(`^(\p{Lu}\p{Ll}+(?:\s+et\s+al\.?)?)`)
)

// stopWords are generic document-type words that match too much to be useful.
var stopWords = map[string]bool{
	"Journal":  true,
	"Article":  true,
	"Document": true,
	"Report":   true,
	"History":  true,
	"Review":   true,
	"Magazine": true,
	"Book":     true,
	"Chapter":  true,
	"Paper":    true,
	"Thesis":   true,
}

// ExtractSearchTerms derives up to MaxTerms search terms from a noisy
// attachment title: a leading author-like token, then capitalized keywords.
// Terms are deduplicated and keep their order of appearance.
func ExtractSearchTerms(title string) []string {
	clean := strings.TrimSpace(norm.NFC.String(title))
	clean = strings.TrimSpace(extensionPattern.ReplaceAllString(clean, ""))
	if clean == "" {
		return nil
	}

	var terms []string
	seen := make(map[string]bool)
	add := func(term string) {
		if term == "" || seen[term] || len(terms) >= MaxTerms {
			return
		}
		seen[term] = true
		terms = append(terms, term)
	}

	if m := authorPattern.FindStringSubmatch(clean); m != nil {
		add(m[1])
	}

	words := strings.FieldsFunc(clean, func(r rune) bool { return !unicode.IsLetter(r) })
	keywords := make(map[string]bool)
	for _, w := range words {
		if len(keywords) >= maxKeywords {
			break
		}
		if keywords[w] || !isCapitalized(w) || utf8.RuneCountInString(w) <= 4 || stopWords[w] {
			continue
		}
		keywords[w] = true
		add(w)
	}

	if len(terms) == 0 {
		fields := strings.Fields(clean)
		if len(fields) > 2 {
			fields = fields[:2]
		}
		for _, w := range fields {
			if utf8.RuneCountInString(w) > 3 {
				add(w)
			}
		}
	}

	return terms
}

// isCapitalized reports whether w is one upper-case letter followed only by
// lower-case letters.
func isCapitalized(w string) bool {
	for i, r := range w {
		if i == 0 {
			if !unicode.IsUpper(r) {
				return false
			}
			continue
		}
		if !unicode.IsLower(r) {
			return false
		}
	}
	return w != ""
}
