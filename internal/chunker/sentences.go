package chunker

import (
	"regexp"
	"strings"
)

// Sentence splitting that survives medical prose: abbreviation and decimal
// dots are masked before the boundary scan and restored afterwards.

const maskedDot = "\x00"

var (
	decimalDotRe = regexp.MustCompile(`(\d)\.(\d)`)
	// Latin and bibliographic abbreviations common in abstracts.
	latinAbbrevRe = regexp.MustCompile(`(?i)\b(i\.e\.|e\.g\.|et al\.)`)
	abbrevDotRe   = regexp.MustCompile(`(?i)\b(dr|vs|fig|tab|no|vol|p|n)\.`)

	sentenceRe = regexp.MustCompile(`(?s)[^.!?]+[.!?]+|[^.!?]+$`)
)

func splitSentences(text string) []string {
	masked := decimalDotRe.ReplaceAllString(text, "$1"+maskedDot+"$2")
	masked = latinAbbrevRe.ReplaceAllStringFunc(masked, func(m string) string {
		return strings.ReplaceAll(m, ".", maskedDot)
	})
	masked = abbrevDotRe.ReplaceAllString(masked, "$1"+maskedDot)

	parts := sentenceRe.FindAllString(masked, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.ReplaceAll(p, maskedDot, "."))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
