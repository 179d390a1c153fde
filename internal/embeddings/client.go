// Package embeddings converts chunk text into vectors via an
// OpenAI-compatible embedding endpoint, with batch-group parallelism that
// adapts to the service's rate limiting.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"caduceus/internal/config"
)

const (
	maxAttempts = 5
	// initialParallel is the starting number of concurrent batches per group.
	initialParallel = 3
	// batchStagger offsets batch starts inside a group to avoid a
	// thundering herd on the endpoint.
	batchStagger = 200 * time.Millisecond
	// parallelRecovery is how long the client must go without a rate-limit
	// signal before growing parallelism again.
	parallelRecovery = time.Minute
)

type embedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// BatchFailure records a batch whose texts could not be embedded after all
// retries. Start/End index into the caller's text slice.
type BatchFailure struct {
	Start, End int
	Err        error
}

// Client is the embedding service client. The adaptive parallelism counters
// are owned by the client value; create one client per process.
type Client struct {
	cfg  config.EmbeddingConfig
	http *http.Client

	mu            sync.Mutex
	parallel      int
	consecLimited int
	lastLimited   time.Time
	lastGrown     time.Time
}

// NewClient builds a client from config. Dimensions, batch size and the
// parallelism cap come from cfg; zero values get defaults.
func NewClient(cfg config.EmbeddingConfig) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 6
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
		parallel: initialParallel,
		// Seed the growth clock so parallelism only expands after a real
		// quiet minute, not immediately at startup.
		lastGrown: time.Now(),
	}
}

// Dimensions reports the configured vector width.
func (c *Client) Dimensions() int { return c.cfg.Dimensions }

// Embed converts texts to vectors. The returned slice always has
// len(texts) entries in input order; entries belonging to a failed batch are
// nil and the batch is reported in failures. The error return is reserved
// for context cancellation.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, []BatchFailure, error) {
	vectors := make([][]float32, len(texts))
	if len(texts) == 0 {
		return vectors, nil, nil
	}

	type batch struct{ start, end int }
	var batches []batch
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batches = append(batches, batch{start, end})
	}

	var (
		failMu   sync.Mutex
		failures []BatchFailure
	)

	for done := 0; done < len(batches); {
		if err := ctx.Err(); err != nil {
			return vectors, failures, err
		}
		group := batches[done:]
		p := c.currentParallel()
		if len(group) > p {
			group = group[:p]
		}
		var wg sync.WaitGroup
		for i, b := range group {
			wg.Add(1)
			go func(i int, b batch) {
				defer wg.Done()
				if i > 0 {
					select {
					case <-time.After(time.Duration(i) * batchStagger):
					case <-ctx.Done():
						return
					}
				}
				vecs, err := c.embedBatch(ctx, texts[b.start:b.end])
				if err != nil {
					failMu.Lock()
					failures = append(failures, BatchFailure{Start: b.start, End: b.end, Err: err})
					failMu.Unlock()
					return
				}
				copy(vectors[b.start:], vecs)
			}(i, b)
		}
		wg.Wait()
		done += len(group)
	}
	return vectors, failures, ctx.Err()
}

// currentParallel reads the adaptive group width, growing it after a
// sustained quiet period.
func (c *Client) currentParallel() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if c.parallel < c.cfg.MaxParallel &&
		now.Sub(c.lastLimited) > parallelRecovery &&
		now.Sub(c.lastGrown) > parallelRecovery {
		c.parallel++
		c.lastGrown = now
		log.Debug().Int("parallel", c.parallel).Msg("embedding parallelism increased")
	}
	return c.parallel
}

func (c *Client) noteRateLimited(terminal bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastLimited = time.Now()
	if !terminal {
		return
	}
	c.consecLimited++
	if c.consecLimited >= 2 {
		c.consecLimited = 0
		if c.parallel > 1 {
			c.parallel /= 2
			if c.parallel < 1 {
				c.parallel = 1
			}
			log.Warn().Int("parallel", c.parallel).Msg("embedding parallelism halved after repeated rate limits")
		}
	}
}

func (c *Client) noteBatchSuccess() {
	c.mu.Lock()
	c.consecLimited = 0
	c.mu.Unlock()
}

// embedBatch runs one API call with the retry policy: server-hinted waits on
// rate limits, exponential backoff on transport errors, up to five attempts.
func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		vecs, err := c.call(ctx, texts)
		if err == nil {
			c.noteBatchSuccess()
			return vecs, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var wait time.Duration
		switch {
		case isRateLimit(err):
			terminal := attempt == maxAttempts-1
			c.noteRateLimited(terminal)
			if terminal {
				return nil, fmt.Errorf("rate limited after %d attempts: %w", maxAttempts, err)
			}
			wait = rateLimitWait(err)
			log.Warn().Err(err).Dur("wait", wait).Int("attempt", attempt+1).
				Msg("embedding rate limited, backing off")
		case isTransient(err):
			if attempt == maxAttempts-1 {
				return nil, fmt.Errorf("embedding failed after %d attempts: %w", maxAttempts, err)
			}
			wait = time.Duration(1<<attempt) * time.Second
			log.Warn().Err(err).Dur("wait", wait).Int("attempt", attempt+1).
				Msg("embedding transport error, backing off")
		default:
			return nil, err
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *Client) call(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody, _ := json.Marshal(embedRequest{
		Model:      c.cfg.Model,
		Input:      texts,
		Dimensions: c.cfg.Dimensions,
	})
	u := strings.TrimRight(c.cfg.BaseURL, "/") + c.cfg.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var er embedResponse
		_ = json.Unmarshal(body, &er)
		msg := er.Error.Message
		if msg == "" {
			msg = string(body)
			if len(msg) > 200 {
				msg = msg[:200]
			}
		}
		return nil, &apiError{status: resp.StatusCode, code: er.Error.Code, typ: er.Error.Type, message: msg}
	}

	var er embedResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(er.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d for %d inputs", len(er.Data), len(texts))
	}
	out := make([][]float32, len(er.Data))
	for i := range er.Data {
		out[i] = er.Data[i].Embedding
	}
	return out, nil
}

type apiError struct {
	status  int
	code    string
	typ     string
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("embedding api status %d (%s): %s", e.status, e.typ, e.message)
}

func isRateLimit(err error) bool {
	if ae, ok := err.(*apiError); ok {
		if ae.status == http.StatusTooManyRequests {
			return true
		}
		if strings.Contains(ae.code, "rate_limit") || strings.Contains(ae.typ, "rate_limit") {
			return true
		}
	}
	return false
}

func isTransient(err error) bool {
	if ae, ok := err.(*apiError); ok {
		return ae.status >= 500
	}
	msg := err.Error()
	for _, marker := range []string{"connection refused", "timed out", "timeout", "fetch failed", "connection reset", "EOF"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var retryHintRe = regexp.MustCompile(`try again in ([\d.]+)s`)

// rateLimitWait derives the backoff from the server's "try again in X.XXXs"
// hint when present: the hinted duration times 1.1 plus up to 500 ms of
// jitter. Without a hint a conservative few seconds apply.
func rateLimitWait(err error) time.Duration {
	jitter := time.Duration(rand.Intn(500)) * time.Millisecond
	if m := retryHintRe.FindStringSubmatch(err.Error()); m != nil {
		if secs, perr := strconv.ParseFloat(m[1], 64); perr == nil {
			return time.Duration(secs*1.1*float64(time.Second)) + jitter
		}
	}
	return 3*time.Second + jitter
}
