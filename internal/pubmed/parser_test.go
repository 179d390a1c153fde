package pubmed

import (
	"strings"
	"testing"
)

const metaAnalysisXML = `<PubmedArticle>
  <MedlineCitation Status="MEDLINE" Owner="NLM">
    <PMID Version="1">31234567</PMID>
    <DateCompleted><Year>2021</Year><Month>03</Month><Day>15</Day></DateCompleted>
    <MedlineJournalInfo><NlmUniqueID>0372762</NlmUniqueID></MedlineJournalInfo>
    <Article PubModel="Print">
      <Journal>
        <ISSN IssnType="Electronic">1533-4406</ISSN>
        <Title>The New England journal of medicine</Title>
        <ISOAbbreviation>N Engl J Med</ISOAbbreviation>
        <JournalIssue CitedMedium="Internet">
          <Volume>384</Volume>
          <Issue>12</Issue>
          <PubDate><Year>2021</Year><Month>Mar</Month><Day>25</Day></PubDate>
        </JournalIssue>
      </Journal>
      <ArticleTitle>SGLT2 inhibitors &amp; heart failure: a <i>meta-analysis</i></ArticleTitle>
      <Pagination><MedlinePgn>1093-1104</MedlinePgn></Pagination>
      <ELocationID EIdType="doi" ValidYN="Y">10.1056/NEJMoa2030183</ELocationID>
      <Abstract>
        <AbstractText Label="BACKGROUND" NlmCategory="BACKGROUND">Sodium-glucose cotransporter 2 inhibitors reduce hospitalization.</AbstractText>
        <AbstractText Label="METHODS" NlmCategory="METHODS">We pooled data from 12 trials enrolling 21,947 patients with heart failure.</AbstractText>
        <AbstractText Label="RESULTS" NlmCategory="RESULTS">The hazard ratio was 0.75 (95% CI, 0.68 to 0.84; p&lt;0.001).</AbstractText>
        <AbstractText Label="CONCLUSIONS" NlmCategory="CONCLUSIONS">SGLT2 inhibition improves outcomes across the ejection fraction spectrum.</AbstractText>
      </Abstract>
      <AuthorList CompleteYN="Y">
        <Author ValidYN="Y">
          <LastName>Vaduganathan</LastName>
          <ForeName>Muthiah</ForeName>
          <Initials>M</Initials>
          <Identifier Source="ORCID">0000-0003-0885-1953</Identifier>
          <AffiliationInfo><Affiliation>Brigham and Women's Hospital, Boston, MA.</Affiliation></AffiliationInfo>
        </Author>
        <Author ValidYN="Y">
          <LastName>Solomon</LastName>
          <ForeName>Scott D</ForeName>
          <Initials>SD</Initials>
        </Author>
      </AuthorList>
      <Language>eng</Language>
      <PublicationTypeList>
        <PublicationType UI="D016428">Journal Article</PublicationType>
        <PublicationType UI="D017418">Meta-Analysis</PublicationType>
      </PublicationTypeList>
    </Article>
    <ChemicalList>
      <Chemical>
        <RegistryNumber>0</RegistryNumber>
        <NameOfSubstance UI="D058430">Sodium-Glucose Transporter 2 Inhibitors</NameOfSubstance>
      </Chemical>
    </ChemicalList>
    <MeshHeadingList>
      <MeshHeading>
        <DescriptorName UI="D006333" MajorTopicYN="Y">Heart Failure</DescriptorName>
        <QualifierName UI="Q000188" MajorTopicYN="N">drug therapy</QualifierName>
      </MeshHeading>
      <MeshHeading>
        <DescriptorName UI="D006801" MajorTopicYN="N">Humans</DescriptorName>
      </MeshHeading>
    </MeshHeadingList>
    <KeywordList Owner="NOTNLM">
      <Keyword MajorTopicYN="N">SGLT2 inhibitors</Keyword>
      <Keyword MajorTopicYN="N">heart failure</Keyword>
    </KeywordList>
  </MedlineCitation>
  <PubmedData>
    <ArticleIdList>
      <ArticleId IdType="pubmed">31234567</ArticleId>
      <ArticleId IdType="doi">10.9999/should-not-win</ArticleId>
      <ArticleId IdType="pmc">PMC8021226</ArticleId>
    </ArticleIdList>
  </PubmedData>
</PubmedArticle>`

func TestParseArticleMetaAnalysis(t *testing.T) {
	a, err := ParseArticle(metaAnalysisXML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.PMID != "31234567" {
		t.Fatalf("pmid = %q", a.PMID)
	}
	if a.Title != "SGLT2 inhibitors & heart failure: a meta-analysis" {
		t.Fatalf("title = %q", a.Title)
	}
	if a.Journal.Title != "The New England journal of medicine" || a.Journal.ISOAbbreviation != "N Engl J Med" {
		t.Fatalf("journal = %+v", a.Journal)
	}
	if a.Journal.Volume != "384" || a.Journal.Pages != "1093-1104" || a.Journal.NlmID != "0372762" {
		t.Fatalf("journal issue = %+v", a.Journal)
	}
	if a.PubDate.Year != 2021 || a.PubDate.Month != 3 || a.PubDate.Day != 25 {
		t.Fatalf("pubdate = %+v", a.PubDate)
	}
	if a.DOI != "10.1056/NEJMoa2030183" {
		t.Fatalf("doi = %q (ELocationID must win over ArticleId)", a.DOI)
	}
	if a.PMCID != "PMC8021226" || !strings.Contains(a.FullTextURL, "PMC8021226") {
		t.Fatalf("pmc = %q url = %q", a.PMCID, a.FullTextURL)
	}
	if a.EvidenceLevel != 1 {
		t.Fatalf("evidence level = %d, want 1", a.EvidenceLevel)
	}
	if a.StudyDesign != "Meta-Analysis" {
		t.Fatalf("study design = %q", a.StudyDesign)
	}
	if a.SampleSize != 21947 {
		t.Fatalf("sample size = %d, want 21947", a.SampleSize)
	}

	if len(a.Authors) != 2 {
		t.Fatalf("authors = %d", len(a.Authors))
	}
	if a.Authors[0].LastName != "Vaduganathan" || a.Authors[0].ORCID != "0000-0003-0885-1953" {
		t.Fatalf("first author = %+v", a.Authors[0])
	}
	if got := a.FormatAuthors(); got[1] != "Solomon SD" {
		t.Fatalf("formatted authors = %v", got)
	}

	if len(a.AbstractSections) != 4 {
		t.Fatalf("sections = %d, want 4", len(a.AbstractSections))
	}
	if a.AbstractSections[0].Label != "BACKGROUND" || a.AbstractSections[2].NlmCategory != "RESULTS" {
		t.Fatalf("section metadata = %+v", a.AbstractSections[0])
	}
	// The rendered abstract must equal the labeled concatenation.
	var b strings.Builder
	for i, sec := range a.AbstractSections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(sec.Label + ": " + sec.Text)
	}
	if a.Abstract != b.String() {
		t.Fatalf("abstract does not equal labeled section concatenation:\n%q\nvs\n%q", a.Abstract, b.String())
	}
	if !strings.Contains(a.Abstract, "p<0.001") {
		t.Fatalf("entity decoding failed in abstract: %q", a.Abstract)
	}

	if len(a.MeshHeadings) != 2 || !a.MeshHeadings[0].MajorTopic || a.MeshHeadings[1].MajorTopic {
		t.Fatalf("mesh = %+v", a.MeshHeadings)
	}
	if got := a.MajorMeshTerms(); len(got) != 1 || got[0] != "Heart Failure" {
		t.Fatalf("major mesh = %v", got)
	}
	if len(a.Chemicals) != 1 || a.Chemicals[0].RegistryNumber != "" {
		t.Fatalf("chemicals = %+v", a.Chemicals)
	}
	if len(a.Keywords) != 2 {
		t.Fatalf("keywords = %v", a.Keywords)
	}
}

func TestParseSkipsMalformedSiblings(t *testing.T) {
	doc := `<PubmedArticleSet>
<PubmedArticle><MedlineCitation><Article><ArticleTitle>No PMID here</ArticleTitle></Article></MedlineCitation></PubmedArticle>
` + metaAnalysisXML + `
</PubmedArticleSet>`
	articles := Parse(doc)
	if len(articles) != 1 {
		t.Fatalf("got %d articles, want 1", len(articles))
	}
	if articles[0].PMID != "31234567" {
		t.Fatalf("wrong survivor: %q", articles[0].PMID)
	}
}

func TestUnstructuredAbstract(t *testing.T) {
	doc := `<PubmedArticle><MedlineCitation><PMID>1</PMID>
<Article>
<Journal><Title>J</Title><JournalIssue><PubDate><Year>2020</Year></PubDate></JournalIssue></Journal>
<ArticleTitle>T</ArticleTitle>
<Abstract><AbstractText>One plain abstract body.</AbstractText></Abstract>
<PublicationTypeList><PublicationType>Journal Article</PublicationType></PublicationTypeList>
</Article></MedlineCitation></PubmedArticle>`
	a, err := ParseArticle(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Abstract != "One plain abstract body." {
		t.Fatalf("abstract = %q", a.Abstract)
	}
	if a.AbstractSections != nil {
		t.Fatalf("unexpected sections: %+v", a.AbstractSections)
	}
}

func TestPubDateFallbacks(t *testing.T) {
	cases := []struct {
		name string
		xml  string
		year int
	}{
		{
			"article date preferred",
			`<ArticleDate DateType="Electronic"><Year>2019</Year><Month>11</Month><Day>2</Day></ArticleDate>
			 <Journal><Title>J</Title><JournalIssue><PubDate><Year>2020</Year></PubDate></JournalIssue></Journal>`,
			2019,
		},
		{
			"medline date",
			`<Journal><Title>J</Title><JournalIssue><PubDate><MedlineDate>1998 Dec-1999 Jan</MedlineDate></PubDate></JournalIssue></Journal>`,
			1998,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := `<PubmedArticle><MedlineCitation><PMID>7</PMID><Article>` + tc.xml +
				`<ArticleTitle>T</ArticleTitle><Abstract><AbstractText>A</AbstractText></Abstract></Article></MedlineCitation></PubmedArticle>`
			a, err := ParseArticle(doc)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if a.PubDate.Year != tc.year {
				t.Fatalf("year = %d, want %d", a.PubDate.Year, tc.year)
			}
		})
	}
}

func TestDateCompletedLastResort(t *testing.T) {
	doc := `<PubmedArticle><MedlineCitation><PMID>8</PMID>
<DateCompleted><Year>2015</Year></DateCompleted>
<Article><ArticleTitle>T</ArticleTitle><Journal><Title>J</Title></Journal>
<Abstract><AbstractText>A</AbstractText></Abstract></Article>
</MedlineCitation></PubmedArticle>`
	a, err := ParseArticle(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.PubDate.Year != 2015 {
		t.Fatalf("year = %d, want 2015 from DateCompleted", a.PubDate.Year)
	}
}

func TestExtractSampleSize(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"A total of n = 1,234 were analyzed.", 1234},
		{"We studied 450 patients over two years.", 450},
		{"a sample size of 89 was required", 89},
		{"The study enrolled 12,000 adults.", 12000},
		{"included 75 participants in the final analysis", 75},
		{"No numbers here.", 0},
		{"In 99999999 patients", 0}, // above the plausibility cap
		{"", 0},
	}
	for _, tc := range cases {
		if got := ExtractSampleSize(tc.text); got != tc.want {
			t.Fatalf("ExtractSampleSize(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestStudyDesignPriority(t *testing.T) {
	pts := func(names ...string) []PublicationType {
		out := make([]PublicationType, len(names))
		for i, n := range names {
			out[i] = PublicationType{Name: n}
		}
		return out
	}
	if got := StudyDesign(pts("Review", "Meta-Analysis")); got != "Meta-Analysis" {
		t.Fatalf("got %q", got)
	}
	if got := StudyDesign(pts("Cohort Studies", "Randomized Controlled Trial")); got != "Randomized Controlled Trial" {
		t.Fatalf("got %q", got)
	}
	if got := StudyDesign(pts("Journal Article")); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestFlattenText(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"a &lt;b&gt; c &amp; d", "a <b> c & d"},
		{"&quot;q&quot; &apos;a&apos;", `"q" 'a'`},
		{"x &#8211; y", "x – y"},
		{"hex &#x2019;s", "hex ’s"},
		{"<i>HER2</i>-positive", "HER2-positive"},
		{"<![CDATA[raw < text]]>", "raw < text"},
		{"  collapse \n\t whitespace  ", "collapse whitespace"},
		{"&amp;lt;stays", "&lt;stays"},
	}
	for _, tc := range cases {
		if got := FlattenText(tc.in); got != tc.want {
			t.Fatalf("FlattenText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
