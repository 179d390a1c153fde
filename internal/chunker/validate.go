package chunker

import (
	"regexp"
	"strings"
)

// Advisory integrity checks for produced chunks. A warning means the chunk
// boundary probably cut a statement in half; the chunk is still usable.

var (
	statMarkerRe   = regexp.MustCompile(`(?i)p\s*[=<]|\bCI\b`)
	statCompleteRe = regexp.MustCompile(`(?i)p\s*[=<]\s*0?\.\d+|\bCI\b[:,]?\s*-?\d|\d+(\.\d+)?\s*(to|–|-)\s*\d`)
	numberRe       = regexp.MustCompile(`\d+(\.\d+)?`)
)

// CheckIntegrity returns advisory warnings for a chunk's content.
func CheckIntegrity(c Chunk) []string {
	var warnings []string
	if statMarkerRe.MatchString(c.Content) && !statCompleteRe.MatchString(c.Content) {
		warnings = append(warnings, "incomplete statistical statement")
	}
	if strings.Contains(strings.ToLower(c.Content), "respectively") &&
		len(numberRe.FindAllString(c.Content, 3)) < 2 {
		warnings = append(warnings, "respectively without clear antecedents")
	}
	return warnings
}
