// Package store persists embedded chunks into the vector-enabled Postgres
// store with upsert semantics keyed by (pmid, chunk_index).
package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"caduceus/internal/chunker"
)

const (
	defaultBatchSize = 15
	minBatchSize     = 5
	maxWriteRetries  = 5
	// maxConcurrentWrites bounds simultaneous upsert operations across all
	// workers; the server degrades sharply beyond a few writers.
	maxConcurrentWrites = 3
	// existsSliceSize bounds each ANY($1) lookup in ExistingPMIDs.
	existsSliceSize = 1000
)

// Record pairs a chunk with its embedding vector, ready for storage.
type Record struct {
	Chunk     chunker.Chunk
	Embedding []float32
}

// ItemError is a terminal per-record storage failure.
type ItemError struct {
	PMID       string
	ChunkIndex int
	Err        error
}

// Result summarizes one StoreChunks call: every input record is either
// counted in Stored or listed in Errors.
type Result struct {
	Stored int
	Errors []ItemError
}

// Writer upserts chunk records in small batches with recursive splitting on
// timeouts and adaptive inter-batch pacing.
type Writer struct {
	pool      *pgxpool.Pool
	batchSize int
	sem       *semaphore.Weighted

	// upsert is swappable so the retry/split machinery is testable without a
	// database.
	upsert func(ctx context.Context, records []Record) error

	// sleep is swappable so tests can skip the real pauses.
	sleep func(ctx context.Context, d time.Duration) bool

	mu           sync.Mutex
	consecErrors int
}

// NewWriter builds a Writer over a pgx pool. batchSize <= 0 selects the
// default.
func NewWriter(pool *pgxpool.Pool, batchSize int) *Writer {
	w := &Writer{
		pool:      pool,
		batchSize: batchSize,
		sem:       semaphore.NewWeighted(maxConcurrentWrites),
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	w.upsert = w.upsertBatch
	w.sleep = sleepCtx
	return w
}

// StoreChunks writes all records, batch by batch. Batches larger than
// minBatchSize that keep failing are split in half recursively; a batch of
// minBatchSize records or fewer that still fails has every one of its records
// recorded as a terminal error, and the remaining work continues.
func (w *Writer) StoreChunks(ctx context.Context, records []Record) Result {
	var res Result
	for start := 0; start < len(records); start += w.batchSize {
		end := start + w.batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		stored, errs := w.writeWithSplit(ctx, batch)
		res.Stored += stored
		res.Errors = append(res.Errors, errs...)

		w.mu.Lock()
		if len(errs) > 0 {
			w.consecErrors++
		} else {
			w.consecErrors = 0
		}
		w.mu.Unlock()
		if end < len(records) {
			w.pace(ctx, len(batch))
		}
	}
	return res
}

// pace sleeps between batches: the base delay shrinks as batches grow, a
// consecutive-error penalty is capped at 20s, and jitter spreads workers out.
func (w *Writer) pace(ctx context.Context, batchLen int) {
	base := 3000 - 10*batchLen
	if base < 1000 {
		base = 1000
	}
	w.mu.Lock()
	penalty := w.consecErrors * 4000
	w.mu.Unlock()
	if penalty > 20000 {
		penalty = 20000
	}
	delay := time.Duration(base+penalty+rand.Intn(500)) * time.Millisecond
	w.sleep(ctx, delay)
}

// writeWithSplit tries the whole batch with retries, then recursively halves
// it while the server keeps timing out.
func (w *Writer) writeWithSplit(ctx context.Context, batch []Record) (int, []ItemError) {
	err := w.writeWithRetry(ctx, batch)
	if err == nil {
		return len(batch), nil
	}
	if len(batch) == 1 {
		rec := batch[0]
		log.Error().Err(err).Str("pmid", rec.Chunk.PMID).Int("chunk", rec.Chunk.ChunkIndex).
			Msg("dropping chunk after terminal store failure")
		return 0, []ItemError{{PMID: rec.Chunk.PMID, ChunkIndex: rec.Chunk.ChunkIndex, Err: err}}
	}
	if len(batch) <= minBatchSize || !isRetryable(err) {
		var errs []ItemError
		for _, rec := range batch {
			errs = append(errs, ItemError{PMID: rec.Chunk.PMID, ChunkIndex: rec.Chunk.ChunkIndex, Err: err})
		}
		log.Error().Err(err).Int("batch", len(batch)).Msg("dropping batch after terminal store failure")
		return 0, errs
	}

	mid := len(batch) / 2
	log.Warn().Err(err).Int("batch", len(batch)).Int("halves", 2).
		Msg("splitting store batch after retryable failure")

	stored, errs := w.writeWithSplit(ctx, batch[:mid])
	// Let the server recover before the second half.
	w.sleep(ctx, time.Duration(3000+rand.Intn(1000))*time.Millisecond)
	stored2, errs2 := w.writeWithSplit(ctx, batch[mid:])
	return stored + stored2, append(errs, errs2...)
}

// writeWithRetry runs the upsert with exponential backoff on retryable
// failures: 2s, 4s, 8s, 16s, 32s.
func (w *Writer) writeWithRetry(ctx context.Context, batch []Record) error {
	var lastErr error
	for attempt := 0; attempt <= maxWriteRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := w.upsert(ctx, batch)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
		if attempt == maxWriteRetries {
			break
		}
		wait := time.Duration(2<<attempt) * time.Second
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("wait", wait).
			Int("batch", len(batch)).Msg("store upsert failed, retrying")
		if !w.sleep(ctx, wait) {
			return ctx.Err()
		}
	}
	return lastErr
}

// upsertBatch performs one pipelined upsert for every record under the global
// write semaphore.
func (w *Writer) upsertBatch(ctx context.Context, records []Record) error {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer w.sem.Release(1)

	b := &pgx.Batch{}
	for _, rec := range records {
		c := rec.Chunk
		b.Queue(upsertSQL,
			c.PMID, c.ChunkIndex, c.Content, c.ContentWithContext, string(c.SectionType),
			c.Title, c.Journal, nilIfZero(c.PubYear), nilIfEmpty(c.DOI), orEmpty(c.Authors),
			c.EvidenceLevel, nilIfEmpty(c.StudyDesign), nilIfZero(c.SampleSize),
			orEmpty(c.MeshTerms), orEmpty(c.MeshMajor), orEmpty(c.Chemicals), orEmpty(c.Keywords),
			c.TokenEstimate, pubmedURL(c.PMID), pgvector.NewVector(rec.Embedding),
		)
	}
	br := w.pool.SendBatch(ctx, b)
	defer br.Close()
	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert chunk: %w", err)
		}
	}
	return nil
}

const upsertSQL = `
INSERT INTO medical_evidence (
  pmid, chunk_index, content, content_with_context, section_type,
  title, journal, pub_year, doi, authors,
  evidence_level, study_design, sample_size,
  mesh_terms, mesh_major, chemicals, keywords,
  token_estimate, url, embedding
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
ON CONFLICT (pmid, chunk_index) DO UPDATE SET
  content = EXCLUDED.content,
  content_with_context = EXCLUDED.content_with_context,
  section_type = EXCLUDED.section_type,
  title = EXCLUDED.title,
  journal = EXCLUDED.journal,
  pub_year = EXCLUDED.pub_year,
  doi = EXCLUDED.doi,
  authors = EXCLUDED.authors,
  evidence_level = EXCLUDED.evidence_level,
  study_design = EXCLUDED.study_design,
  sample_size = EXCLUDED.sample_size,
  mesh_terms = EXCLUDED.mesh_terms,
  mesh_major = EXCLUDED.mesh_major,
  chemicals = EXCLUDED.chemicals,
  keywords = EXCLUDED.keywords,
  token_estimate = EXCLUDED.token_estimate,
  url = EXCLUDED.url,
  embedding = EXCLUDED.embedding,
  updated_at = now()`

func pubmedURL(pmid string) string {
	return "https://pubmed.ncbi.nlm.nih.gov/" + pmid + "/"
}

// orEmpty keeps array columns NOT NULL: a nil slice would land as SQL NULL.
func orEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nilIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

// ExistingPMIDs returns the subset of ids already present in storage. Lookups
// run in slices of 1000 ids; a failing slice is logged and skipped so partial
// results remain usable.
func (w *Writer) ExistingPMIDs(ctx context.Context, pmids []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	for start := 0; start < len(pmids); start += existsSliceSize {
		end := start + existsSliceSize
		if end > len(pmids) {
			end = len(pmids)
		}
		rows, err := w.pool.Query(ctx,
			`SELECT DISTINCT pmid FROM medical_evidence WHERE pmid = ANY($1)`,
			pmids[start:end])
		if err != nil {
			log.Warn().Err(err).Int("slice_start", start).Msg("existing-pmid lookup slice failed")
			continue
		}
		for rows.Next() {
			var pmid string
			if err := rows.Scan(&pmid); err != nil {
				rows.Close()
				return existing, fmt.Errorf("scan existing pmid: %w", err)
			}
			existing[pmid] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			log.Warn().Err(err).Int("slice_start", start).Msg("existing-pmid lookup slice failed")
		}
	}
	return existing, nil
}

// isRetryable recognizes the failure modes worth waiting out: statement
// timeouts, and the transient edge/server errors seen in front of hosted
// Postgres.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 57014 = query_canceled (statement timeout), 53300 = too many
		// connections, 08XXX = connection exceptions.
		if pgErr.Code == "57014" || pgErr.Code == "53300" || strings.HasPrefix(pgErr.Code, "08") {
			return true
		}
	}
	msg := err.Error()
	for _, marker := range []string{"timeout", "timed out", "520", "Cloudflare", "fetch failed", "connection reset", "broken pipe"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// sleepCtx sleeps for d unless the context ends first; reports whether the
// full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
