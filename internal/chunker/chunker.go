// Package chunker produces medical-context-preserving chunks from parsed
// articles. Every chunk carries a study-level context prefix so that a chunk
// retrieved in isolation still identifies its study.
package chunker

import (
	"fmt"
	"strings"

	"caduceus/internal/config"
	"caduceus/internal/pubmed"
)

// SectionType labels what part of the article a chunk came from.
type SectionType string

const (
	SectionTitle        SectionType = "title"
	SectionAbstract     SectionType = "abstract"
	SectionBackground   SectionType = "background"
	SectionObjective    SectionType = "objective"
	SectionMethods      SectionType = "methods"
	SectionResults      SectionType = "results"
	SectionConclusions  SectionType = "conclusions"
	SectionDiscussion   SectionType = "discussion"
	SectionFullAbstract SectionType = "full_abstract"
)

// Chunk is one embeddable unit of an article. The bibliographic fields are
// denormalized copies so retrieval never needs a join.
type Chunk struct {
	PMID               string      `json:"pmid"`
	ChunkIndex         int         `json:"chunkIndex"`
	Content            string      `json:"content"`
	ContentWithContext string      `json:"contentWithContext"`
	SectionType        SectionType `json:"sectionType"`

	Title         string   `json:"title"`
	Journal       string   `json:"journal,omitempty"`
	PubYear       int      `json:"pubYear"`
	DOI           string   `json:"doi,omitempty"`
	Authors       []string `json:"authors,omitempty"`
	EvidenceLevel int      `json:"evidenceLevel"`
	StudyDesign   string   `json:"studyDesign,omitempty"`
	SampleSize    int      `json:"sampleSize,omitempty"`
	MeshTerms     []string `json:"meshTerms,omitempty"`
	MeshMajor     []string `json:"meshMajor,omitempty"`
	Chemicals     []string `json:"chemicals,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`

	TokenEstimate int `json:"tokenEstimate"`
}

// EstimateTokens is the rough 4-characters-per-token heuristic used
// everywhere chunk budgets are measured.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// ChunkArticle splits one article according to the configured strategy.
// Chunk indexes are 0-based and contiguous in emission order.
func ChunkArticle(a *pubmed.Article, cfg config.ChunkingConfig) ([]Chunk, error) {
	if a == nil {
		return nil, fmt.Errorf("nil article")
	}
	if strings.TrimSpace(a.Abstract) == "" {
		return nil, fmt.Errorf("article %s has no abstract to chunk", a.PMID)
	}
	applyChunkDefaults(&cfg)

	strategy := cfg.Strategy
	if strategy == config.StrategyHybrid || strategy == "" {
		if len(a.AbstractSections) >= 2 {
			strategy = config.StrategySection
		} else {
			strategy = config.StrategySentence
		}
	}

	var pieces []piece
	switch strategy {
	case config.StrategySection:
		if len(a.AbstractSections) >= 2 {
			pieces = sectionPieces(a, cfg)
		} else {
			pieces = sentencePieces(a.Abstract, cfg)
		}
	case config.StrategySliding:
		pieces = slidingPieces(a.Abstract, cfg)
	default:
		pieces = sentencePieces(a.Abstract, cfg)
	}
	if len(pieces) == 0 {
		return nil, fmt.Errorf("article %s produced no chunks", a.PMID)
	}

	prefix := ContextPrefix(a, cfg)
	chunks := make([]Chunk, 0, len(pieces))
	for i, p := range pieces {
		c := Chunk{
			PMID:               a.PMID,
			ChunkIndex:         i,
			Content:            p.text,
			ContentWithContext: prefix + p.text,
			SectionType:        p.section,
			Title:              a.Title,
			Journal:            a.Journal.Title,
			PubYear:            a.PubDate.Year,
			DOI:                a.DOI,
			Authors:            a.FormatAuthors(),
			EvidenceLevel:      a.EvidenceLevel,
			StudyDesign:        a.StudyDesign,
			SampleSize:         a.SampleSize,
			MeshTerms:          a.MeshTerms(),
			MeshMajor:          a.MajorMeshTerms(),
			Chemicals:          chemicalNames(a.Chemicals),
			Keywords:           a.Keywords,
		}
		c.TokenEstimate = EstimateTokens(c.ContentWithContext)
		chunks = append(chunks, c)
	}
	return chunks, nil
}

func applyChunkDefaults(cfg *config.ChunkingConfig) {
	if cfg.MaxChunkTokens <= 0 {
		cfg.MaxChunkTokens = 512
	}
	if cfg.MinChunkTokens <= 0 {
		cfg.MinChunkTokens = 100
	}
	if cfg.OverlapTokens < 0 {
		cfg.OverlapTokens = 0
	}
}

func chemicalNames(chems []pubmed.Chemical) []string {
	out := make([]string, 0, len(chems))
	for _, ch := range chems {
		out = append(out, ch.Name)
	}
	return out
}

// maxContextMeshTerms caps how many major MeSH terms the prefix carries.
const maxContextMeshTerms = 5

// ContextPrefix renders the study-level context every chunk is prefixed with:
// bracketed lines for title, study info, journal+year, and top major MeSH
// terms, followed by a blank line.
func ContextPrefix(a *pubmed.Article, cfg config.ChunkingConfig) string {
	var lines []string
	if cfg.IncludeTitle && a.Title != "" {
		lines = append(lines, "[Title: "+a.Title+"]")
	}
	if cfg.IncludeStudyInfo {
		var parts []string
		if a.StudyDesign != "" {
			parts = append(parts, a.StudyDesign)
		}
		if a.SampleSize > 0 {
			parts = append(parts, fmt.Sprintf("n=%d", a.SampleSize))
		}
		if len(parts) > 0 {
			lines = append(lines, "[Study: "+strings.Join(parts, " | ")+"]")
		}
	}
	lines = append(lines, fmt.Sprintf("[%s, %d]", a.Journal.Title, a.PubDate.Year))
	if cfg.IncludeMesh {
		major := a.MajorMeshTerms()
		if len(major) > 0 {
			if len(major) > maxContextMeshTerms {
				major = major[:maxContextMeshTerms]
			}
			lines = append(lines, "[MeSH: "+strings.Join(major, ", ")+"]")
		}
	}
	return strings.Join(lines, "\n") + "\n\n"
}

// piece is an intermediate chunk body before context is attached.
type piece struct {
	text    string
	section SectionType
}

// sectionLabels maps structured-abstract labels to section types by
// case-insensitive substring match.
var sectionLabels = []struct {
	substr  string
	section SectionType
}{
	{"background", SectionBackground},
	{"introduction", SectionBackground},
	{"objective", SectionObjective},
	{"aim", SectionObjective},
	{"purpose", SectionObjective},
	{"method", SectionMethods},
	{"result", SectionResults},
	{"finding", SectionResults},
	{"conclusion", SectionConclusions},
	{"summary", SectionConclusions},
	{"discussion", SectionDiscussion},
	{"title", SectionTitle},
}

// SectionTypeForLabel maps a structured-abstract label to a section type.
func SectionTypeForLabel(label string) SectionType {
	l := strings.ToLower(label)
	for _, m := range sectionLabels {
		if strings.Contains(l, m.substr) {
			return m.section
		}
	}
	return SectionAbstract
}

// sectionPieces groups structured-abstract sections greedily under the token
// budget. Sections too large to stand alone are split into sentence groups
// that keep the section's label prefix; groups too small to stand alone are
// merged into a neighbor.
func sectionPieces(a *pubmed.Article, cfg config.ChunkingConfig) []piece {
	type group struct {
		texts   []string
		section SectionType
		tokens  int
	}
	var groups []group
	var cur group

	flush := func() {
		if len(cur.texts) > 0 {
			groups = append(groups, cur)
			cur = group{}
		}
	}

	for _, sec := range a.AbstractSections {
		rendered := sec.Text
		if sec.Label != "" {
			rendered = sec.Label + ": " + sec.Text
		}
		secTokens := EstimateTokens(rendered)

		if secTokens > cfg.MaxChunkTokens {
			// Oversized section: emit what we have, then split the section
			// into sentence groups carrying the label.
			flush()
			sub := groupSentences(splitSentences(sec.Text), cfg.MaxChunkTokens, 0)
			for _, s := range sub {
				body := s
				if sec.Label != "" {
					body = sec.Label + ": " + s
				}
				groups = append(groups, group{
					texts:   []string{body},
					section: SectionTypeForLabel(sec.Label),
					tokens:  EstimateTokens(body),
				})
			}
			continue
		}

		if cur.tokens > 0 && cur.tokens+secTokens > cfg.MaxChunkTokens {
			flush()
		}
		if len(cur.texts) == 0 {
			cur.section = SectionTypeForLabel(sec.Label)
		}
		cur.texts = append(cur.texts, rendered)
		cur.tokens += secTokens
		// A section that can stand alone becomes its own chunk; only
		// undersized sections keep accumulating neighbors.
		if cur.tokens >= cfg.MinChunkTokens {
			flush()
		}
	}
	flush()

	// Merge undersized groups into the previous group when the combination
	// stays near the budget.
	var merged []group
	for _, g := range groups {
		if len(merged) > 0 && g.tokens < cfg.MinChunkTokens {
			prev := &merged[len(merged)-1]
			if prev.tokens+g.tokens <= cfg.MaxChunkTokens {
				prev.texts = append(prev.texts, g.texts...)
				prev.tokens += g.tokens
				continue
			}
		}
		merged = append(merged, g)
	}

	out := make([]piece, 0, len(merged))
	for _, g := range merged {
		out = append(out, piece{text: strings.Join(g.texts, "\n\n"), section: g.section})
	}
	return out
}

// sentencePieces splits an unstructured abstract into sentence groups bounded
// by the token budget, carrying up to OverlapTokens of trailing sentences
// between consecutive chunks. An abstract that fits in one chunk is emitted
// whole as full_abstract.
func sentencePieces(abstract string, cfg config.ChunkingConfig) []piece {
	if EstimateTokens(abstract) <= cfg.MaxChunkTokens {
		return []piece{{text: strings.TrimSpace(abstract), section: SectionFullAbstract}}
	}
	sentences := splitSentences(abstract)
	bodies := groupSentences(sentences, cfg.MaxChunkTokens, cfg.OverlapTokens)
	out := make([]piece, 0, len(bodies))
	for _, b := range bodies {
		out = append(out, piece{text: b, section: SectionAbstract})
	}
	return out
}

// groupSentences packs sentences greedily into chunks of at most maxTokens,
// seeding each new chunk with up to overlapTokens of the previous chunk's
// trailing sentences.
func groupSentences(sentences []string, maxTokens, overlapTokens int) []string {
	var out []string
	var cur []string
	curTokens := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		out = append(out, strings.Join(cur, " "))
		if overlapTokens > 0 {
			carry, carryTokens := trailingSentences(cur, overlapTokens)
			cur = carry
			curTokens = carryTokens
		} else {
			cur = nil
			curTokens = 0
		}
	}

	for _, s := range sentences {
		t := EstimateTokens(s)
		if curTokens > 0 && curTokens+t > maxTokens {
			flush()
		}
		cur = append(cur, s)
		curTokens += t
	}
	// Every flush is immediately followed by an append, so a non-empty tail
	// always carries content beyond the overlap.
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, " "))
	}
	return out
}

// trailingSentences returns the longest suffix of sentences whose combined
// estimate fits in budget tokens.
func trailingSentences(sentences []string, budget int) ([]string, int) {
	total := 0
	start := len(sentences)
	for i := len(sentences) - 1; i >= 0; i-- {
		t := EstimateTokens(sentences[i])
		if total+t > budget {
			break
		}
		total += t
		start = i
	}
	if start == len(sentences) {
		return nil, 0
	}
	carry := make([]string, len(sentences)-start)
	copy(carry, sentences[start:])
	return carry, total
}

// slidingPieces steps across the sentence list: each window is expanded until
// the token budget, then the window advances by half its length.
func slidingPieces(abstract string, cfg config.ChunkingConfig) []piece {
	sentences := splitSentences(abstract)
	if len(sentences) == 0 {
		return nil
	}
	var out []piece
	i := 0
	for i < len(sentences) {
		j := i
		tokens := 0
		for j < len(sentences) {
			t := EstimateTokens(sentences[j])
			if tokens > 0 && tokens+t > cfg.MaxChunkTokens {
				break
			}
			tokens += t
			j++
		}
		out = append(out, piece{
			text:    strings.Join(sentences[i:j], " "),
			section: SectionAbstract,
		})
		if j == len(sentences) {
			break
		}
		step := (j - i) / 2
		if step < 1 {
			step = 1
		}
		i += step
	}
	return out
}
