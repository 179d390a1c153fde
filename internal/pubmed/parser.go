package pubmed

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"caduceus/internal/evidence"
)

// Parse converts a raw efetch document containing one or more <PubmedArticle>
// elements into Article records. A malformed article is logged and skipped;
// its siblings still parse.
func Parse(doc string) []Article {
	blobs := SplitDocument(doc)
	out := make([]Article, 0, len(blobs))
	for _, blob := range blobs {
		a, err := ParseArticle(blob)
		if err != nil {
			log.Warn().Err(err).Msg("skipping unparseable article")
			continue
		}
		out = append(out, a)
	}
	return out
}

// ParseArticle decodes a single <PubmedArticle> element.
func ParseArticle(blob string) (Article, error) {
	var wire xmlArticle
	if err := xml.Unmarshal([]byte(blob), &wire); err != nil {
		return Article{}, fmt.Errorf("decode article: %w", err)
	}
	return fromWire(wire)
}

func fromWire(w xmlArticle) (Article, error) {
	pmid := strings.TrimSpace(w.MedlineCitation.PMID)
	if pmid == "" {
		return Article{}, fmt.Errorf("article has no PMID")
	}
	ca := w.MedlineCitation.Article

	a := Article{
		PMID:  pmid,
		Title: FlattenText(ca.Title.Inner),
		URL:   CanonicalURL(pmid),
	}

	a.Journal = Journal{
		Title:           strings.TrimSpace(ca.Journal.Title),
		ISOAbbreviation: strings.TrimSpace(ca.Journal.ISOAbbreviation),
		ISSN:            strings.TrimSpace(ca.Journal.ISSN),
		Volume:          strings.TrimSpace(ca.Journal.JournalIssue.Volume),
		Issue:           strings.TrimSpace(ca.Journal.JournalIssue.Issue),
		Pages:           strings.TrimSpace(ca.Pagination.MedlinePgn),
		NlmID:           strings.TrimSpace(w.MedlineCitation.MedlineJournalInfo.NlmUniqueID),
	}

	a.PubDate = resolvePubDate(ca.ArticleDate, ca.Journal.JournalIssue.PubDate, w.MedlineCitation.DateCompleted)
	if a.PubDate.Year <= 0 {
		return Article{}, fmt.Errorf("article %s has no usable publication year", pmid)
	}

	a.Abstract, a.AbstractSections = buildAbstract(ca.Abstract.Texts)

	for _, au := range ca.AuthorList.Authors {
		a.Authors = append(a.Authors, convertAuthor(au))
	}
	for _, lang := range ca.Languages {
		if v := strings.TrimSpace(lang); v != "" {
			a.Languages = append(a.Languages, v)
		}
	}
	for _, pt := range ca.PublicationTypes {
		name := strings.TrimSpace(pt.Name)
		if name == "" {
			continue
		}
		a.PublicationTypes = append(a.PublicationTypes, PublicationType{Name: name, UI: pt.UI})
	}
	for _, mh := range w.MedlineCitation.MeshHeadingList.Headings {
		h := MeshHeading{
			Descriptor: strings.TrimSpace(mh.Descriptor.Name),
			UI:         mh.Descriptor.UI,
			MajorTopic: mh.Descriptor.MajorTopicYN == "Y",
		}
		for _, q := range mh.Qualifiers {
			if name := strings.TrimSpace(q.Name); name != "" {
				h.Qualifiers = append(h.Qualifiers, name)
				// A major qualifier promotes the heading.
				if q.MajorTopicYN == "Y" {
					h.MajorTopic = true
				}
			}
		}
		if h.Descriptor != "" {
			a.MeshHeadings = append(a.MeshHeadings, h)
		}
	}
	for _, ch := range w.MedlineCitation.ChemicalList.Chemicals {
		name := strings.TrimSpace(ch.NameOfSubstance.Name)
		if name == "" {
			continue
		}
		rn := strings.TrimSpace(ch.RegistryNumber)
		if rn == "0" {
			rn = ""
		}
		a.Chemicals = append(a.Chemicals, Chemical{Name: name, RegistryNumber: rn})
	}
	for _, kl := range w.MedlineCitation.KeywordLists {
		for _, kw := range kl.Keywords {
			if v := FlattenText(kw.Inner); v != "" {
				a.Keywords = append(a.Keywords, v)
			}
		}
	}

	a.DOI = resolveDOI(ca.ELocationIDs, w.PubmedData.ArticleIDs)
	for _, id := range w.PubmedData.ArticleIDs {
		if strings.EqualFold(id.IDType, "pmc") {
			a.PMCID = strings.TrimSpace(id.Value)
		}
	}
	if a.PMCID != "" {
		a.FullTextURL = PMCURL(a.PMCID)
	}

	a.StudyDesign = StudyDesign(a.PublicationTypes)
	a.SampleSize = ExtractSampleSize(a.Abstract)
	a.EvidenceLevel = evidence.Classify(pubTypeNames(a.PublicationTypes))
	return a, nil
}

func pubTypeNames(pts []PublicationType) []string {
	out := make([]string, 0, len(pts))
	for _, pt := range pts {
		out = append(out, pt.Name)
	}
	return out
}

func convertAuthor(au xmlAuthor) Author {
	out := Author{
		LastName:  strings.TrimSpace(au.LastName),
		FirstName: strings.TrimSpace(au.ForeName),
		Initials:  strings.TrimSpace(au.Initials),
	}
	// Consortia publish under a collective name only.
	if out.LastName == "" && au.CollectiveName != "" {
		out.LastName = strings.TrimSpace(au.CollectiveName)
	}
	if len(au.AffiliationInfo) > 0 {
		out.Affiliation = strings.TrimSpace(au.AffiliationInfo[0].Affiliation)
	}
	for _, id := range au.Identifiers {
		if strings.EqualFold(id.Source, "orcid") {
			out.ORCID = strings.TrimSpace(id.Value)
		}
	}
	return out
}

// buildAbstract applies the structured-abstract rule: when at least two
// <AbstractText> children carry a Label, the sections are preserved and the
// full abstract is rendered as "LABEL: text" blocks; otherwise the texts are
// concatenated unlabeled.
func buildAbstract(texts []xmlAbstractText) (string, []AbstractSection) {
	labeled := 0
	cleaned := make([]AbstractSection, 0, len(texts))
	for _, t := range texts {
		body := FlattenText(t.Inner)
		if body == "" {
			continue
		}
		sec := AbstractSection{
			Label:       strings.ToUpper(strings.TrimSpace(t.Label)),
			NlmCategory: strings.TrimSpace(t.NlmCategory),
			Text:        body,
		}
		if sec.Label != "" {
			labeled++
		}
		cleaned = append(cleaned, sec)
	}
	if len(cleaned) == 0 {
		return "", nil
	}

	var b strings.Builder
	for i, sec := range cleaned {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if labeled >= 2 && sec.Label != "" {
			b.WriteString(sec.Label)
			b.WriteString(": ")
		}
		b.WriteString(sec.Text)
	}
	if labeled >= 2 {
		return b.String(), cleaned
	}
	return b.String(), nil
}

var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

var yearRe = regexp.MustCompile(`\b(1[89]\d{2}|20\d{2})\b`)

// resolvePubDate prefers the electronic ArticleDate, then the journal issue's
// PubDate, then a year extracted from MedlineDate, and as a last resort the
// citation's DateCompleted.
func resolvePubDate(articleDate xmlYMD, pubDate xmlPubDate, completed xmlYMD) PubDate {
	if y := atoiSafe(articleDate.Year); y > 0 {
		return PubDate{Year: y, Month: parseMonth(articleDate.Month), Day: atoiSafe(articleDate.Day)}
	}
	if y := atoiSafe(pubDate.Year); y > 0 {
		return PubDate{Year: y, Month: parseMonth(pubDate.Month), Day: atoiSafe(pubDate.Day)}
	}
	if md := strings.TrimSpace(pubDate.MedlineDate); md != "" {
		if m := yearRe.FindString(md); m != "" {
			return PubDate{Year: atoiSafe(m), MedlineDate: md}
		}
	}
	if y := atoiSafe(completed.Year); y > 0 {
		return PubDate{Year: y, Month: parseMonth(completed.Month), Day: atoiSafe(completed.Day)}
	}
	return PubDate{}
}

func parseMonth(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n >= 1 && n <= 12 {
			return n
		}
		return 0
	}
	return monthNames[strings.ToLower(s)[:min(3, len(s))]]
}

func atoiSafe(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

// resolveDOI prefers <ELocationID EIdType="doi"> over <ArticleId IdType="doi">.
func resolveDOI(elocs []xmlELocationID, ids []xmlArticleID) string {
	for _, el := range elocs {
		if strings.EqualFold(el.EIdType, "doi") {
			if v := strings.TrimSpace(el.Value); v != "" {
				return v
			}
		}
	}
	for _, id := range ids {
		if strings.EqualFold(id.IDType, "doi") {
			if v := strings.TrimSpace(id.Value); v != "" {
				return v
			}
		}
	}
	return ""
}

// designPriority maps publication-type substrings to a study design label.
// Checked in order; the first match wins.
var designPriority = []struct {
	match  string
	design string
}{
	{"meta-analysis", "Meta-Analysis"},
	{"systematic review", "Systematic Review"},
	{"randomized controlled trial", "Randomized Controlled Trial"},
	{"clinical trial", "Clinical Trial"},
	{"cohort", "Cohort Study"},
	{"case-control", "Case-Control Study"},
	{"case reports", "Case Report"},
	{"review", "Review"},
	{"guideline", "Clinical Guideline"},
}

// StudyDesign derives a study design label from the publication types.
func StudyDesign(pts []PublicationType) string {
	for _, p := range designPriority {
		for _, pt := range pts {
			if strings.Contains(strings.ToLower(pt.Name), p.match) {
				return p.design
			}
		}
	}
	return ""
}

// maxPlausibleSampleSize guards the regex heuristics against years, NCT
// numbers and other large integers that are not cohort sizes.
const maxPlausibleSampleSize = 10_000_000

var sampleSizeRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bn\s*=\s*([\d,]+)`),
	regexp.MustCompile(`(?i)([\d,]+)\s+(?:patients|participants|subjects|individuals)`),
	regexp.MustCompile(`(?i)sample\s*(?:size)?[:\s]\s*(?:of\s*)?([\d,]+)`),
	regexp.MustCompile(`(?i)enrolled\s+([\d,]+)`),
	regexp.MustCompile(`(?i)included\s+([\d,]+)\s+(?:patients|participants)`),
}

// ExtractSampleSize scans abstract text for a study size. The patterns are
// tried in order and the first plausible hit wins; zero means not found.
func ExtractSampleSize(abstract string) int {
	if abstract == "" {
		return 0
	}
	for _, re := range sampleSizeRes {
		m := re.FindStringSubmatch(abstract)
		if m == nil {
			continue
		}
		n := atoiSafe(strings.ReplaceAll(m[1], ",", ""))
		if n > 0 && n < maxPlausibleSampleSize {
			return n
		}
	}
	return 0
}

var (
	cdataRe   = regexp.MustCompile(`(?s)<!\[CDATA\[(.*?)\]\]>`)
	tagRe     = regexp.MustCompile(`(?s)<[^>]+>`)
	numEntRe  = regexp.MustCompile(`&#(x?[0-9a-fA-F]+);`)
	spaceRuns = regexp.MustCompile(`\s+`)
)

var namedEntities = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
	"&amp;", "&", // single-pass replacement keeps &amp;lt; from double-decoding
)

// FlattenText turns an element's inner XML into plain text: CDATA sections
// are unwrapped, residual tags stripped, entities expanded, and whitespace
// collapsed.
func FlattenText(inner string) string {
	s := cdataRe.ReplaceAllString(inner, "$1")
	s = tagRe.ReplaceAllString(s, "")
	s = numEntRe.ReplaceAllStringFunc(s, func(m string) string {
		body := numEntRe.FindStringSubmatch(m)[1]
		base := 10
		if strings.HasPrefix(body, "x") || strings.HasPrefix(body, "X") {
			base = 16
			body = body[1:]
		}
		n, err := strconv.ParseInt(body, base, 32)
		if err != nil || n <= 0 {
			return ""
		}
		return string(rune(n))
	})
	s = namedEntities.Replace(s)
	s = spaceRuns.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
