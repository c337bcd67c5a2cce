package oracle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractSearchTerms(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  []string
	}{
		{"author with stop word", "Smith - Report.pdf", []string{"Smith"}},
		{"et al and keywords", "Smith et al - Climate Dynamics.pdf", []string{"Smith et al", "Smith", "Climate", "Dynamics"}},
		{"keyword cap", "Alpha Bravo Charlie Delta Echo.pdf", []string{"Alpha", "Bravo", "Charlie"}},
		{"extension case-insensitive", "Darwin Origins.PDF", []string{"Darwin", "Origins"}},
		{"docx stripped", "Keynes Economics.docx", []string{"Keynes", "Economics"}},
		{"short words ignored", "Marx Das Kapital.html", []string{"Marx", "Kapital"}},
		{"fallback to first words", "report on things.docx", []string{"report"}},
		{"fallback keeps underscores", "zzz_unmatched_xyz", []string{"zzz_unmatched_xyz"}},
		{"nothing usable", "the big one", nil},
		{"empty", "", nil},
		{"unicode", "Müller Über Geschichte.pdf", []string{"Müller", "Geschichte"}},
		{"decomposed input is normalized", "Mu\u0308ller Geschichte.pdf", []string{"Müller", "Geschichte"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractSearchTerms(tt.title))
		})
	}
}

func TestExtractSearchTerms_AtMostFour(t *testing.T) {
	terms := ExtractSearchTerms("Adams et al. Bridges Canals Dredging Estuaries Fjords")
	assert.LessOrEqual(t, len(terms), MaxTerms)
	assert.Equal(t, "Adams et al.", terms[0])
}

func TestExtractSearchTerms_Deduplicated(t *testing.T) {
	terms := ExtractSearchTerms("Lovelace Engines Lovelace Engines Notes")
	assert.Equal(t, []string{"Lovelace", "Engines", "Notes"}, terms)
}
