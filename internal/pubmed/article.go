// Package pubmed talks to NCBI E-utilities and turns PubMed XML into typed
// article records.
package pubmed

import "fmt"

// Author is one entry of an article's ordered author list.
type Author struct {
	LastName    string `json:"lastName"`
	Initials    string `json:"initials"`
	FirstName   string `json:"firstName,omitempty"`
	Affiliation string `json:"affiliation,omitempty"`
	ORCID       string `json:"orcid,omitempty"`
}

// Journal carries the bibliographic journal fields of a citation.
type Journal struct {
	Title           string `json:"title"`
	ISOAbbreviation string `json:"isoAbbreviation,omitempty"`
	ISSN            string `json:"issn,omitempty"`
	Volume          string `json:"volume,omitempty"`
	Issue           string `json:"issue,omitempty"`
	Pages           string `json:"pages,omitempty"`
	NlmID           string `json:"nlmId,omitempty"`
}

// PubDate is a publication date; Year is always set, the rest best-effort.
type PubDate struct {
	Year        int    `json:"year"`
	Month       int    `json:"month,omitempty"`
	Day         int    `json:"day,omitempty"`
	MedlineDate string `json:"medlineDate,omitempty"`
}

// MeshHeading is one MeSH descriptor with its qualifiers.
type MeshHeading struct {
	Descriptor string   `json:"descriptor"`
	UI         string   `json:"ui,omitempty"`
	Qualifiers []string `json:"qualifiers,omitempty"`
	MajorTopic bool     `json:"majorTopic"`
}

// PublicationType is a publication-type tag such as "Randomized Controlled Trial".
type PublicationType struct {
	Name string `json:"name"`
	UI   string `json:"ui,omitempty"`
}

// Chemical is a substance annotation on the citation.
type Chemical struct {
	Name           string `json:"name"`
	RegistryNumber string `json:"registryNumber,omitempty"`
}

// AbstractSection is one labeled block of a structured abstract.
type AbstractSection struct {
	Label       string `json:"label"`
	NlmCategory string `json:"nlmCategory,omitempty"`
	Text        string `json:"text"`
}

// Article is a parsed PubMed record.
type Article struct {
	PMID  string `json:"pmid"`
	DOI   string `json:"doi,omitempty"`
	PMCID string `json:"pmcId,omitempty"`

	Title            string            `json:"title"`
	Authors          []Author          `json:"authors,omitempty"`
	Journal          Journal           `json:"journal"`
	PubDate          PubDate           `json:"pubDate"`
	Abstract         string            `json:"abstract,omitempty"`
	AbstractSections []AbstractSection `json:"abstractSections,omitempty"`

	MeshHeadings     []MeshHeading     `json:"meshHeadings,omitempty"`
	PublicationTypes []PublicationType `json:"publicationTypes,omitempty"`
	Chemicals        []Chemical        `json:"chemicals,omitempty"`
	Keywords         []string          `json:"keywords,omitempty"`
	Languages        []string          `json:"languages,omitempty"`

	EvidenceLevel int    `json:"evidenceLevel"`
	StudyDesign   string `json:"studyDesign,omitempty"`
	SampleSize    int    `json:"sampleSize,omitempty"`
	URL           string `json:"url"`
	FullTextURL   string `json:"fullTextUrl,omitempty"`
}

// CanonicalURL returns the pubmed.ncbi.nlm.nih.gov page for a PMID.
func CanonicalURL(pmid string) string {
	return fmt.Sprintf("https://pubmed.ncbi.nlm.nih.gov/%s/", pmid)
}

// PMCURL returns the PubMed Central full-text page for a PMC id.
func PMCURL(pmcid string) string {
	return fmt.Sprintf("https://www.ncbi.nlm.nih.gov/pmc/articles/%s/", pmcid)
}

// MajorMeshTerms returns the descriptors flagged as major topics, in input order.
func (a *Article) MajorMeshTerms() []string {
	var out []string
	for _, mh := range a.MeshHeadings {
		if mh.MajorTopic {
			out = append(out, mh.Descriptor)
		}
	}
	return out
}

// MeshTerms returns all descriptors in input order.
func (a *Article) MeshTerms() []string {
	out := make([]string, 0, len(a.MeshHeadings))
	for _, mh := range a.MeshHeadings {
		out = append(out, mh.Descriptor)
	}
	return out
}

// FormatAuthors renders the author list as "Lastname Initials" joined by commas.
func (a *Article) FormatAuthors() []string {
	out := make([]string, 0, len(a.Authors))
	for _, au := range a.Authors {
		s := au.LastName
		if au.Initials != "" {
			s += " " + au.Initials
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
