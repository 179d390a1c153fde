// Package evidence maps PubMed publication types onto the Oxford CEBM
// evidence hierarchy: level 1 (strongest) through 5 (weakest).
package evidence

import (
	"math"
	"strings"
	"time"
)

// levelTables holds the ordered substring checks. The first level whose table
// matches any publication type wins.
var levelTables = []struct {
	level   int
	matches []string
}{
	{1, []string{
		"meta-analysis",
		"systematic review",
		"practice guideline",
		"guideline",
		"consensus development conference",
	}},
	{2, []string{
		"randomized controlled trial",
		"controlled clinical trial",
		"clinical trial, phase iii",
		"clinical trial, phase iv",
		"clinical trial phase iii",
		"clinical trial phase iv",
		"pragmatic clinical trial",
		"equivalence trial",
	}},
	{3, []string{
		"observational study",
		"cohort study",
		"cohort studies",
		"case-control study",
		"case-control studies",
		"comparative study",
		"clinical trial, phase i",
		"clinical trial, phase ii",
		"clinical trial phase i",
		"clinical trial phase ii",
		"clinical trial",
		"multicenter study",
		"validation study",
		"evaluation study",
		"cross-sectional study",
	}},
	{4, []string{
		"case reports",
		"case report",
		"clinical study",
		"twin study",
		"historical article",
	}},
	{5, []string{
		"review",
		"editorial",
		"letter",
		"comment",
		"personal narrative",
		"news",
		"newspaper article",
		"lecture",
		"address",
		"biography",
		"interview",
	}},
}

// DefaultLevel is returned when no publication type matches any table.
const DefaultLevel = 5

// Classify maps a record's publication types to an evidence level in [1,5].
func Classify(publicationTypes []string) int {
	normalized := make([]string, 0, len(publicationTypes))
	for _, pt := range publicationTypes {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(pt)))
	}
	for _, table := range levelTables {
		for _, want := range table.matches {
			for _, pt := range normalized {
				if strings.Contains(pt, want) {
					return table.level
				}
			}
		}
	}
	return DefaultLevel
}

// scoreBands gives each level its base score range on the 0–100 scale.
var scoreBands = map[int][2]float64{
	1: {80, 100},
	2: {60, 80},
	3: {40, 60},
	4: {20, 40},
	5: {0, 20},
}

// ScoreInput carries the signals the auxiliary quality score considers beyond
// the raw level.
type ScoreInput struct {
	Level        int
	SampleSize   int
	PubYear      int
	ImpactFactor float64
}

// Score computes a 0–100 quality score: the level's band floor plus bonuses
// for log-scaled sample size (≤10), recency within two years (≤5), and
// journal impact factor / 10 (≤5), clamped to the level's band.
func Score(in ScoreInput) float64 {
	level := in.Level
	if level < 1 || level > 5 {
		level = DefaultLevel
	}
	band := scoreBands[level]
	score := band[0]

	if in.SampleSize > 1 {
		bonus := math.Log10(float64(in.SampleSize)) * 2.5
		score += math.Min(bonus, 10)
	}
	if in.PubYear > 0 && time.Now().Year()-in.PubYear <= 2 {
		score += 5
	}
	if in.ImpactFactor > 0 {
		score += math.Min(in.ImpactFactor/10, 5)
	}

	if score > band[1] {
		score = band[1]
	}
	if score < band[0] {
		score = band[0]
	}
	return score
}
