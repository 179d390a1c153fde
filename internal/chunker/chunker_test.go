package chunker

import (
	"fmt"
	"strings"
	"testing"

	"caduceus/internal/config"
	"caduceus/internal/pubmed"
)

func structuredArticle() *pubmed.Article {
	return &pubmed.Article{
		PMID:  "100",
		Title: "SGLT2 inhibitors in heart failure",
		Journal: pubmed.Journal{
			Title: "N Engl J Med",
		},
		PubDate:  pubmed.PubDate{Year: 2021},
		Abstract: "BACKGROUND: Heart failure carries high mortality despite modern therapy and remains a leading cause of hospitalization worldwide.\n\nMETHODS: We pooled twelve randomized trials with individual patient data covering a broad ejection fraction range.\n\nRESULTS: The pooled hazard ratio for the primary endpoint was 0.75 with a confidence interval of 0.68 to 0.84.\n\nCONCLUSIONS: Treatment reduced hospitalization and cardiovascular death across all prespecified subgroups.",
		AbstractSections: []pubmed.AbstractSection{
			{Label: "BACKGROUND", Text: "Heart failure carries high mortality despite modern therapy and remains a leading cause of hospitalization worldwide."},
			{Label: "METHODS", Text: "We pooled twelve randomized trials with individual patient data covering a broad ejection fraction range."},
			{Label: "RESULTS", Text: "The pooled hazard ratio for the primary endpoint was 0.75 with a confidence interval of 0.68 to 0.84."},
			{Label: "CONCLUSIONS", Text: "Treatment reduced hospitalization and cardiovascular death across all prespecified subgroups."},
		},
		MeshHeadings: []pubmed.MeshHeading{
			{Descriptor: "Heart Failure", MajorTopic: true},
			{Descriptor: "Humans"},
			{Descriptor: "Sodium-Glucose Transporter 2 Inhibitors", MajorTopic: true},
		},
		EvidenceLevel: 1,
		StudyDesign:   "Meta-Analysis",
		SampleSize:    21947,
	}
}

func defaults() config.ChunkingConfig { return config.DefaultChunking() }

func TestContextPrefixShape(t *testing.T) {
	a := structuredArticle()
	prefix := ContextPrefix(a, defaults())
	lines := strings.Split(strings.TrimSuffix(prefix, "\n\n"), "\n")
	want := []string{
		"[Title: SGLT2 inhibitors in heart failure]",
		"[Study: Meta-Analysis | n=21947]",
		"[N Engl J Med, 2021]",
		"[MeSH: Heart Failure, Sodium-Glucose Transporter 2 Inhibitors]",
	}
	if len(lines) != len(want) {
		t.Fatalf("prefix lines = %d, want %d:\n%s", len(lines), len(want), prefix)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
	if !strings.HasSuffix(prefix, "]\n\n") {
		t.Fatalf("prefix must end with a blank line: %q", prefix)
	}
}

func TestContextPrefixOmitsDisabledParts(t *testing.T) {
	a := structuredArticle()
	cfg := defaults()
	cfg.IncludeTitle = false
	cfg.IncludeMesh = false
	cfg.IncludeStudyInfo = false
	prefix := ContextPrefix(a, cfg)
	if prefix != "[N Engl J Med, 2021]\n\n" {
		t.Fatalf("prefix = %q (journal+year line is mandatory, the rest optional)", prefix)
	}
}

// Hybrid mode on a structured abstract: one chunk per section once sections
// clear the minimum, each typed from its label, indexes contiguous.
func TestHybridStructuredAbstract(t *testing.T) {
	a := structuredArticle()
	cfg := defaults()
	cfg.MinChunkTokens = 10 // every fixture section stands alone
	chunks, err := ChunkArticle(a, cfg)
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if len(chunks) != 4 {
		t.Fatalf("chunks = %d, want 4", len(chunks))
	}
	wantTypes := []SectionType{SectionBackground, SectionMethods, SectionResults, SectionConclusions}
	for i, c := range chunks {
		if c.ChunkIndex != i {
			t.Fatalf("chunk %d has index %d", i, c.ChunkIndex)
		}
		if c.SectionType != wantTypes[i] {
			t.Fatalf("chunk %d type = %q, want %q", i, c.SectionType, wantTypes[i])
		}
		if !strings.HasPrefix(c.ContentWithContext, "[Title: ") {
			t.Fatalf("chunk %d missing context prefix: %q", i, c.ContentWithContext)
		}
		if !strings.Contains(c.ContentWithContext, ", 2021]") {
			t.Fatalf("chunk %d missing journal/year line", i)
		}
		if c.EvidenceLevel != a.EvidenceLevel {
			t.Fatalf("chunk %d evidence level %d != article %d", i, c.EvidenceLevel, a.EvidenceLevel)
		}
		if want := EstimateTokens(c.ContentWithContext); c.TokenEstimate != want {
			t.Fatalf("chunk %d token estimate %d, want %d", i, c.TokenEstimate, want)
		}
	}
}

func TestHybridMergesSmallSections(t *testing.T) {
	a := structuredArticle()
	chunks, err := ChunkArticle(a, defaults()) // min 100 tokens: fixture sections are ~25 each
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if len(chunks) >= 4 {
		t.Fatalf("expected small sections to merge, got %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if c.ChunkIndex != i {
			t.Fatalf("index gap at %d", i)
		}
	}
}

// An unstructured abstract that fits the budget becomes a single
// full_abstract chunk.
func TestSentenceSingleChunk(t *testing.T) {
	sentence := "This randomized controlled trial evaluated treatment effects in adults. "
	a := &pubmed.Article{
		PMID:          "200",
		Title:         "T",
		Journal:       pubmed.Journal{Title: "Lancet"},
		PubDate:       pubmed.PubDate{Year: 2020},
		Abstract:      strings.TrimSpace(strings.Repeat(sentence, 25)), // ~1800 chars, ~450 tokens
		EvidenceLevel: 2,
	}
	chunks, err := ChunkArticle(a, defaults())
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if chunks[0].SectionType != SectionFullAbstract {
		t.Fatalf("type = %q, want full_abstract", chunks[0].SectionType)
	}
}

// A long unstructured abstract splits into multiple abstract chunks whose
// overlap stays within the configured budget.
func TestSentenceOverlapBounded(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 60; i++ {
		fmt.Fprintf(&b, "Observation %d from cohort follow-up showed consistent dose dependent associations with renal outcomes. ", i)
	}
	a := &pubmed.Article{
		PMID:          "300",
		Title:         "T",
		Journal:       pubmed.Journal{Title: "BMJ"},
		PubDate:       pubmed.PubDate{Year: 2019},
		Abstract:      strings.TrimSpace(b.String()), // ~6000 chars
		EvidenceLevel: 3,
	}
	cfg := defaults()
	chunks, err := ChunkArticle(a, cfg)
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want several", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1], chunks[i]
		if cur.SectionType != SectionAbstract {
			t.Fatalf("chunk %d type = %q", i, cur.SectionType)
		}
		overlap := sharedSuffixPrefix(prev.Content, cur.Content)
		if got := EstimateTokens(overlap); got > cfg.OverlapTokens {
			t.Fatalf("overlap between %d and %d is %d tokens, budget %d", i-1, i, got, cfg.OverlapTokens)
		}
	}
}

// sharedSuffixPrefix returns the longest string that is both a suffix of a
// and a prefix of b.
func sharedSuffixPrefix(a, b string) string {
	max := len(a)
	if len(b) < max {
		max = len(b)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(a, b[:n]) {
			return b[:n]
		}
	}
	return ""
}

func TestSlidingWindows(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("Each sentence in this synthetic abstract describes another incremental observation about outcomes. ")
	}
	a := &pubmed.Article{
		PMID:     "400",
		Title:    "T",
		Journal:  pubmed.Journal{Title: "JAMA"},
		PubDate:  pubmed.PubDate{Year: 2018},
		Abstract: strings.TrimSpace(b.String()),
	}
	cfg := defaults()
	cfg.Strategy = config.StrategySliding
	chunks, err := ChunkArticle(a, cfg)
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if len(chunks) < 3 {
		t.Fatalf("chunks = %d, want overlapping windows", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		if sharedSuffixPrefix(chunks[i-1].Content, chunks[i].Content) == "" {
			t.Fatalf("windows %d and %d do not overlap", i-1, i)
		}
	}
}

func TestChunkArticleRejectsEmptyAbstract(t *testing.T) {
	a := &pubmed.Article{PMID: "500", Title: "T", Journal: pubmed.Journal{Title: "J"}, PubDate: pubmed.PubDate{Year: 2020}}
	if _, err := ChunkArticle(a, defaults()); err == nil {
		t.Fatal("expected error for empty abstract")
	}
}

func TestSectionTypeForLabel(t *testing.T) {
	cases := map[string]SectionType{
		"BACKGROUND":        SectionBackground,
		"Introduction":      SectionBackground,
		"OBJECTIVES":        SectionObjective,
		"Aims":              SectionObjective,
		"METHODS":           SectionMethods,
		"RESULTS":           SectionResults,
		"Main findings":     SectionResults,
		"CONCLUSIONS":       SectionConclusions,
		"Summary":           SectionConclusions,
		"DISCUSSION":        SectionDiscussion,
		"Patients":          SectionAbstract,
		"":                  SectionAbstract,
	}
	for label, want := range cases {
		if got := SectionTypeForLabel(label); got != want {
			t.Fatalf("SectionTypeForLabel(%q) = %q, want %q", label, got, want)
		}
	}
}

func TestSplitSentencesProtectsAbbreviations(t *testing.T) {
	text := "Dr. Smith et al. reported p = 0.03 vs. placebo. The effect held at 2.5 mg. No. 3 site confirmed it."
	got := splitSentences(text)
	if len(got) != 3 {
		t.Fatalf("sentences = %d (%q), want 3", len(got), got)
	}
	if !strings.HasPrefix(got[0], "Dr. Smith et al.") {
		t.Fatalf("abbreviations were split: %q", got[0])
	}
	if !strings.Contains(got[1], "2.5 mg") {
		t.Fatalf("decimal was split: %q", got[1])
	}
}

func TestCheckIntegrity(t *testing.T) {
	warn := CheckIntegrity(Chunk{Content: "The difference was significant with p ="})
	if len(warn) == 0 {
		t.Fatal("expected incomplete-statistics warning")
	}
	warn = CheckIntegrity(Chunk{Content: "The difference was significant (p = 0.03)."})
	if len(warn) != 0 {
		t.Fatalf("unexpected warnings: %v", warn)
	}
	warn = CheckIntegrity(Chunk{Content: "Rates were higher and lower, respectively."})
	if len(warn) == 0 {
		t.Fatal("expected respectively warning")
	}
	warn = CheckIntegrity(Chunk{Content: "Rates were 12% and 9%, respectively."})
	if len(warn) != 0 {
		t.Fatalf("unexpected warnings: %v", warn)
	}
}
