package pubmed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"caduceus/internal/ratelimit"
)

const (
	defaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"
	// NCBI caps efetch id lists; larger requests are split transparently.
	maxIDsPerFetch = 500
)

// StatusError reports a non-2xx response from E-utilities.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pubmed %s: unexpected status %d: %s", e.Endpoint, e.Code, e.Body)
}

// Client talks to NCBI E-utilities under the shared rate limiter.
type Client struct {
	http    *http.Client
	limiter *ratelimit.Limiter
	baseURL string
	apiKey  string
}

// Option is the functional option type for Client.
type Option func(*Client)

// WithBaseURL overrides the E-utilities base URL (tests point this at a fake).
func WithBaseURL(u string) Option { return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") } }

// WithHTTPClient substitutes the underlying http.Client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// NewClient builds a client. apiKey may be empty; the limiter should already
// be configured for the matching quota.
func NewClient(limiter *ratelimit.Limiter, apiKey string, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: 60 * time.Second},
		limiter: limiter,
		baseURL: defaultBaseURL,
		apiKey:  apiKey,
	}
	for _, fn := range opts {
		fn(c)
	}
	return c
}

// SearchQuery describes one esearch request.
type SearchQuery struct {
	Topic            string
	MaxResults       int
	FromYear         int
	ToYear           int
	Language         string
	RequireAbstract  bool
	HumansOnly       bool
	PublicationTypes []string
}

// Term renders the PubMed query string: the free-text topic against
// Title/Abstract AND-ed with the configured filters.
func (q SearchQuery) Term() string {
	parts := []string{fmt.Sprintf("(%s[Title/Abstract])", q.Topic)}
	if q.FromYear > 0 || q.ToYear > 0 {
		from, to := q.FromYear, q.ToYear
		if from <= 0 {
			from = 1800
		}
		if to <= 0 {
			to = time.Now().Year()
		}
		parts = append(parts, fmt.Sprintf("%d:%d[dp]", from, to))
	}
	if q.Language != "" {
		parts = append(parts, fmt.Sprintf("%s[Language]", q.Language))
	}
	if q.RequireAbstract {
		parts = append(parts, "hasabstract[text]")
	}
	if q.HumansOnly {
		parts = append(parts, "humans[MeSH Terms]")
	}
	if len(q.PublicationTypes) > 0 {
		ored := make([]string, 0, len(q.PublicationTypes))
		for _, pt := range q.PublicationTypes {
			ored = append(ored, fmt.Sprintf("%q[Publication Type]", pt))
		}
		parts = append(parts, "("+strings.Join(ored, " OR ")+")")
	}
	return strings.Join(parts, " AND ")
}

type esearchResponse struct {
	Result struct {
		IDList []string `json:"idlist"`
		Count  string   `json:"count"`
	} `json:"esearchresult"`
}

// Search runs esearch and returns matching PMIDs in server order. A query
// with no hits returns an empty list, not an error.
func (c *Client) Search(ctx context.Context, q SearchQuery) ([]string, error) {
	if err := c.limiter.Acquire(ctx, ratelimit.EndpointPubMed); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("term", q.Term())
	params.Set("retmax", fmt.Sprintf("%d", q.MaxResults))
	params.Set("retmode", "json")
	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}

	body, err := c.get(ctx, "esearch.fcgi", params)
	if err != nil {
		return nil, err
	}
	var resp esearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode esearch response: %w", err)
	}
	log.Debug().Str("topic", q.Topic).Int("ids", len(resp.Result.IDList)).
		Str("total", resp.Result.Count).Msg("esearch complete")
	return resp.Result.IDList, nil
}

// Fetch runs efetch for the given PMIDs and returns the raw XML. Requests are
// split into sub-batches of at most 500 ids, paced by the rate limiter, and
// the bodies concatenated in the caller's id order.
func (c *Client) Fetch(ctx context.Context, pmids []string) (string, error) {
	if len(pmids) == 0 {
		return "", nil
	}
	var b strings.Builder
	for start := 0; start < len(pmids); start += maxIDsPerFetch {
		end := start + maxIDsPerFetch
		if end > len(pmids) {
			end = len(pmids)
		}
		if err := c.limiter.Acquire(ctx, ratelimit.EndpointPubMed); err != nil {
			return "", err
		}
		params := url.Values{}
		params.Set("db", "pubmed")
		params.Set("id", strings.Join(pmids[start:end], ","))
		params.Set("retmode", "xml")
		if c.apiKey != "" {
			params.Set("api_key", c.apiKey)
		}
		body, err := c.get(ctx, "efetch.fcgi", params)
		if err != nil {
			return "", fmt.Errorf("efetch batch %d-%d: %w", start, end, err)
		}
		b.Write(body)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	u := c.baseURL + "/" + endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pubmed %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("pubmed %s: read body: %w", endpoint, err)
	}
	if resp.StatusCode/100 != 2 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: snippet}
	}
	return body, nil
}
