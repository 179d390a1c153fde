package pubmed

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
)

// Streaming extraction of <PubmedArticle> elements from arbitrarily large
// efetch documents or baseline dumps. The scanner holds only the bytes of the
// element currently being completed, never the whole input.

var (
	articleOpen  = []byte("<PubmedArticle")
	articleClose = []byte("</PubmedArticle>")
)

const scanChunkSize = 64 * 1024

// ArticleScanner yields one article XML string per <PubmedArticle> element.
type ArticleScanner struct {
	r    io.Reader
	buf  []byte
	eof  bool
	done bool
}

// NewArticleScanner wraps a reader producing PubMed XML.
func NewArticleScanner(r io.Reader) *ArticleScanner {
	return &ArticleScanner{r: r}
}

// Next returns the next complete article element. It returns io.EOF when the
// input is exhausted. An element left open at EOF is discarded with a warning
// rather than emitted truncated.
func (s *ArticleScanner) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		advance, token, openAt := scanArticleElement(s.buf)
		if token != nil {
			s.buf = s.buf[advance:]
			return string(token), nil
		}
		if advance > 0 {
			s.buf = s.buf[advance:]
		}
		if s.eof {
			s.done = true
			if openAt >= 0 {
				log.Warn().Int("pending_bytes", len(s.buf)).
					Msg("discarding unterminated article element at end of input")
			}
			return "", io.EOF
		}
		if err := s.fill(); err != nil {
			return "", err
		}
	}
}

func (s *ArticleScanner) fill() error {
	chunk := make([]byte, scanChunkSize)
	n, err := s.r.Read(chunk)
	if n > 0 {
		s.buf = append(s.buf, chunk[:n]...)
	}
	if err == io.EOF {
		s.eof = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read article stream: %w", err)
	}
	return nil
}

// scanArticleElement looks for one complete top-level article element in data.
// It returns how many bytes the caller can discard, the complete element if
// one was found, and the index of a still-open element (-1 when outside).
// Nested <PubmedArticle> occurrences are tracked by depth so a matching close
// tag inside a nested element does not terminate the outer one.
func scanArticleElement(data []byte) (advance int, token []byte, openAt int) {
	start := indexOpenTag(data, 0)
	if start < 0 {
		// Keep a tail that could hold a split opening tag.
		keep := len(articleOpen) - 1
		if len(data) <= keep {
			return 0, nil, -1
		}
		return len(data) - keep, nil, -1
	}

	depth := 0
	cursor := start
	for {
		nextOpen := indexOpenTag(data, cursor+1)
		nextClose := bytes.Index(data[cursor:], articleClose)
		if nextClose < 0 {
			// Close tag not buffered yet; drop leading junk only.
			return start, nil, 0
		}
		nextClose += cursor
		if nextOpen >= 0 && nextOpen < nextClose {
			depth++
			cursor = nextOpen
			continue
		}
		if depth > 0 {
			depth--
			cursor = nextClose + len(articleClose) - 1
			continue
		}
		end := nextClose + len(articleClose)
		return end, data[start:end], -1
	}
}

// indexOpenTag finds "<PubmedArticle" followed by '>' or whitespace, so that
// "<PubmedArticleSet" never matches.
func indexOpenTag(data []byte, from int) int {
	for from < len(data) {
		i := bytes.Index(data[from:], articleOpen)
		if i < 0 {
			return -1
		}
		i += from
		boundary := i + len(articleOpen)
		if boundary >= len(data) {
			// Cannot judge the boundary byte yet; treat as a candidate so the
			// caller retains the tail and retries with more data.
			return i
		}
		switch data[boundary] {
		case '>', ' ', '\t', '\r', '\n', '/':
			return i
		}
		from = boundary
	}
	return -1
}

// SplitDocument extracts every article element from an in-memory document.
func SplitDocument(doc string) []string {
	sc := NewArticleScanner(strings.NewReader(doc))
	var out []string
	for {
		blob, err := sc.Next()
		if err != nil {
			return out
		}
		out = append(out, blob)
	}
}
