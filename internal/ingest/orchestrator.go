package ingest

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"caduceus/internal/chunker"
	"caduceus/internal/config"
	"caduceus/internal/embeddings"
	"caduceus/internal/metrics"
	"caduceus/internal/pubmed"
	"caduceus/internal/store"
)

// PubMedAPI is the slice of the PubMed client the orchestrator needs.
type PubMedAPI interface {
	Search(ctx context.Context, q pubmed.SearchQuery) ([]string, error)
	Fetch(ctx context.Context, pmids []string) (string, error)
}

// Embedder converts chunk texts to vectors, reporting failed batches.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, []embeddings.BatchFailure, error)
}

// ChunkStore persists records and answers existence queries.
type ChunkStore interface {
	StoreChunks(ctx context.Context, records []store.Record) store.Result
	ExistingPMIDs(ctx context.Context, pmids []string) (map[string]struct{}, error)
}

// Deduper decides which identifiers are new. Its answer is authoritative:
// ids reported existing are skipped outright; a partially written article is
// healed by upsert the next time its id shows up as new.
type Deduper struct {
	store ChunkStore
}

// NewDeduper wraps a store's existence query.
func NewDeduper(s ChunkStore) *Deduper { return &Deduper{store: s} }

// FilterNew returns the ids not yet in storage, preserving input order, plus
// the count of ids skipped as already present.
func (d *Deduper) FilterNew(ctx context.Context, pmids []string) ([]string, int, error) {
	existing, err := d.store.ExistingPMIDs(ctx, pmids)
	if err != nil {
		return nil, 0, err
	}
	fresh := make([]string, 0, len(pmids))
	for _, id := range pmids {
		if _, ok := existing[id]; !ok {
			fresh = append(fresh, id)
		}
	}
	return fresh, len(pmids) - len(fresh), nil
}

// Orchestrator drives one job through the pipeline. It is safe to share
// across workers; per-job state lives on the Job and in run-local buffers.
type Orchestrator struct {
	pm       PubMedAPI
	embedder Embedder
	store    ChunkStore
	cfg      config.IngestionConfig

	// Progress receives a snapshot after every pipeline step.
	Progress ProgressFunc
	// AfterStorage runs after each storage hand-off; the pool uses it to
	// refresh the on-disk checkpoint mid-job.
	AfterStorage func()
}

// NewOrchestrator wires the pipeline stages together.
func NewOrchestrator(pm PubMedAPI, emb Embedder, cs ChunkStore, cfg config.IngestionConfig) *Orchestrator {
	return &Orchestrator{pm: pm, embedder: emb, store: cs, cfg: cfg}
}

// Run executes one job to completion. The returned error is non-nil only for
// whole-job failures (search failed, file unreadable, context canceled);
// per-item and per-batch failures are recorded on the job instead.
func (o *Orchestrator) Run(ctx context.Context, job *Job) error {
	now := time.Now()
	job.Status = StatusProcessing
	job.StartedAt = &now

	var err error
	switch job.Kind {
	case JobFile:
		err = o.runFile(ctx, job)
	default:
		err = o.runTopic(ctx, job)
	}

	done := time.Now()
	job.CompletedAt = &done
	if err != nil || job.ErrorCount > 0 {
		job.Status = StatusFailed
	} else {
		job.Status = StatusCompleted
	}
	if err != nil {
		log.Error().Err(err).Str("job", job.Name()).Msg("job failed")
	}
	return err
}

func (o *Orchestrator) runTopic(ctx context.Context, job *Job) error {
	q := pubmed.SearchQuery{
		Topic:            job.Query,
		MaxResults:       job.MaxResults,
		FromYear:         o.cfg.FromYear,
		ToYear:           o.cfg.ToYear,
		Language:         o.cfg.Language,
		RequireAbstract:  o.cfg.RequireAbstract,
		HumansOnly:       o.cfg.HumansOnly,
		PublicationTypes: o.cfg.PublicationTypes,
	}
	pmids, err := o.pm.Search(ctx, q)
	if err != nil {
		job.recordError(StageFetch, "", fmt.Sprintf("search failed: %v", err))
		metrics.Errors.WithLabelValues(string(StageFetch)).Inc()
		return fmt.Errorf("search %q: %w", job.Query, err)
	}
	if len(pmids) == 0 {
		log.Info().Str("topic", job.Query).Msg("no search results")
		return nil
	}

	fresh := pmids
	if !o.cfg.DryRun {
		var skipped int
		fresh, skipped, err = NewDeduper(o.store).FilterNew(ctx, pmids)
		if err != nil {
			return fmt.Errorf("dedupe %q: %w", job.Query, err)
		}
		job.ArticlesProcessed += skipped
		if skipped > 0 {
			log.Info().Str("topic", job.Query).Int("skipped", skipped).Msg("skipping already-ingested articles")
		}
	}

	run := &runState{o: o, job: job}
	batchSize := o.cfg.FetchBatchSize
	for start := 0; start < len(fresh); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + batchSize
		if end > len(fresh) {
			end = len(fresh)
		}
		ids := fresh[start:end]

		xmlDoc, err := o.pm.Fetch(ctx, ids)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			job.recordError(StageFetch, "", fmt.Sprintf("fetch batch failed: %v", err))
			metrics.Errors.WithLabelValues(string(StageFetch)).Inc()
			continue
		}
		articles := pubmed.Parse(xmlDoc)
		if missing := len(ids) - len(articles); missing > 0 {
			job.recordError(StageParse, "", fmt.Sprintf("%d articles failed to parse", missing))
			job.ErrorCount += missing - 1
			metrics.Errors.WithLabelValues(string(StageParse)).Add(float64(missing))
		}
		if err := run.consume(ctx, articles); err != nil {
			return err
		}
	}
	return run.finish(ctx)
}

func (o *Orchestrator) runFile(ctx context.Context, job *Job) error {
	f, err := os.Open(job.Path)
	if err != nil {
		job.recordError(StageFetch, "", fmt.Sprintf("open file: %v", err))
		return fmt.Errorf("open %s: %w", job.Path, err)
	}
	defer f.Close()

	var src io.Reader = f
	if strings.HasSuffix(job.Path, ".gz") {
		gz, gerr := gzip.NewReader(f)
		if gerr != nil {
			job.recordError(StageFetch, "", fmt.Sprintf("open gzip: %v", gerr))
			return fmt.Errorf("open gzip %s: %w", job.Path, gerr)
		}
		defer gz.Close()
		src = gz
	}

	// The scanner holds only the element being completed, so baseline dumps
	// far beyond memory are fine.
	sc := pubmed.NewArticleScanner(src)
	run := &runState{o: o, job: job}
	var pending []pubmed.Article

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		blob, err := sc.Next()
		if err != nil {
			break
		}
		a, perr := pubmed.ParseArticle(blob)
		if perr != nil {
			job.recordError(StageParse, "", perr.Error())
			metrics.Errors.WithLabelValues(string(StageParse)).Inc()
			continue
		}
		pending = append(pending, a)
		if len(pending) >= o.cfg.FetchBatchSize {
			if err := run.consumeDeduped(ctx, pending); err != nil {
				return err
			}
			pending = pending[:0]
		}
	}
	if len(pending) > 0 {
		if err := run.consumeDeduped(ctx, pending); err != nil {
			return err
		}
	}
	return run.finish(ctx)
}

// runState buffers chunks for one job until an embedding hand-off is due.
type runState struct {
	o      *Orchestrator
	job    *Job
	buffer []chunker.Chunk
}

// consumeDeduped drops articles already in storage, then consumes the rest.
// File ingestion needs this path; topic runs dedupe on the id list upfront.
func (r *runState) consumeDeduped(ctx context.Context, articles []pubmed.Article) error {
	if r.o.cfg.DryRun {
		return r.consume(ctx, articles)
	}
	ids := make([]string, len(articles))
	for i := range articles {
		ids[i] = articles[i].PMID
	}
	existing, err := r.o.store.ExistingPMIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("dedupe file batch: %w", err)
	}
	kept := articles[:0]
	for _, a := range articles {
		if _, ok := existing[a.PMID]; ok {
			r.job.ArticlesProcessed++
			continue
		}
		kept = append(kept, a)
	}
	return r.consume(ctx, kept)
}

// consume filters, chunks, and buffers a batch of parsed articles, flushing
// to the embedding stage whenever the buffer fills.
func (r *runState) consume(ctx context.Context, articles []pubmed.Article) error {
	cfg := r.o.cfg
	for i := range articles {
		a := &articles[i]
		r.job.ArticlesProcessed++
		metrics.ArticlesProcessed.Inc()
		if !r.keep(a) {
			continue
		}
		chunks, err := chunker.ChunkArticle(a, cfg.Chunking)
		if err != nil {
			r.job.recordError(StageChunk, a.PMID, err.Error())
			metrics.Errors.WithLabelValues(string(StageChunk)).Inc()
			continue
		}
		for _, c := range chunks {
			for _, warning := range chunker.CheckIntegrity(c) {
				log.Debug().Str("pmid", c.PMID).Int("chunk", c.ChunkIndex).
					Str("warning", warning).Msg("chunk integrity advisory")
			}
		}
		r.buffer = append(r.buffer, chunks...)
		metrics.ChunksCreated.Add(float64(len(chunks)))
	}
	r.emit(StageChunk, fmt.Sprintf("%d chunks buffered", len(r.buffer)))

	if len(r.buffer) >= cfg.EmbedBatchSize {
		return r.flush(ctx)
	}
	return nil
}

// keep applies the client-side filters: year range, language, abstract
// presence, and minimum evidence strength (level <= configured value).
func (r *runState) keep(a *pubmed.Article) bool {
	cfg := r.o.cfg
	if cfg.RequireAbstract && strings.TrimSpace(a.Abstract) == "" {
		return false
	}
	if cfg.FromYear > 0 && a.PubDate.Year < cfg.FromYear {
		return false
	}
	if cfg.ToYear > 0 && a.PubDate.Year > cfg.ToYear {
		return false
	}
	if cfg.MinEvidenceLevel > 0 && a.EvidenceLevel > cfg.MinEvidenceLevel {
		return false
	}
	if code := languageCode(cfg.Language); code != "" && len(a.Languages) > 0 {
		found := false
		for _, l := range a.Languages {
			if strings.EqualFold(l, code) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// languageCode maps config language names onto MEDLINE language codes.
func languageCode(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return ""
	case "english":
		return "eng"
	case "french":
		return "fre"
	case "german":
		return "ger"
	case "spanish":
		return "spa"
	default:
		if len(name) == 3 {
			return strings.ToLower(name)
		}
		return ""
	}
}

// flush hands the buffered chunks to the embedding client and the storage
// writer. Chunks in a terminally failed embedding batch are dropped from the
// run and surfaced in the job's error count.
func (r *runState) flush(ctx context.Context) error {
	if len(r.buffer) == 0 {
		return nil
	}
	batch := r.buffer
	r.buffer = nil

	if r.o.cfg.DryRun {
		r.job.ChunksCreated += len(batch)
		r.emit(StageEmbed, fmt.Sprintf("dry run: %d chunks would be embedded", len(batch)))
		return nil
	}

	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.ContentWithContext
	}
	embedStart := time.Now()
	vectors, failures, err := r.o.embedder.Embed(ctx, texts)
	metrics.EmbedBatchSeconds.Observe(time.Since(embedStart).Seconds())
	if err != nil {
		return err
	}
	for _, f := range failures {
		n := f.End - f.Start
		r.job.recordError(StageEmbed, "", fmt.Sprintf("embedding batch of %d dropped: %v", n, f.Err))
		r.job.ErrorCount += n - 1
		metrics.Errors.WithLabelValues(string(StageEmbed)).Add(float64(n))
	}

	records := make([]store.Record, 0, len(batch))
	for i, vec := range vectors {
		if vec == nil {
			continue
		}
		records = append(records, store.Record{Chunk: batch[i], Embedding: vec})
	}
	r.emit(StageEmbed, fmt.Sprintf("%d chunks embedded", len(records)))

	if len(records) > 0 {
		storeStart := time.Now()
		res := r.o.store.StoreChunks(ctx, records)
		metrics.StoreBatchSeconds.Observe(time.Since(storeStart).Seconds())
		r.job.ChunksCreated += res.Stored
		metrics.ChunksStored.Add(float64(res.Stored))
		for _, ie := range res.Errors {
			r.job.recordError(StageStore, ie.PMID, ie.Err.Error())
			metrics.Errors.WithLabelValues(string(StageStore)).Inc()
		}
		r.emit(StageStore, fmt.Sprintf("%d chunks stored", res.Stored))
	}

	if r.o.AfterStorage != nil {
		r.o.AfterStorage()
	}
	return ctx.Err()
}

// finish flushes the remaining buffer at end of job.
func (r *runState) finish(ctx context.Context) error {
	return r.flush(ctx)
}

func (r *runState) emit(stage Stage, msg string) {
	if r.o.Progress == nil {
		return
	}
	r.o.Progress(Snapshot{
		JobID:     r.job.ID,
		JobName:   r.job.Name(),
		Stage:     stage,
		Articles:  r.job.ArticlesProcessed,
		Chunks:    r.job.ChunksCreated,
		Errors:    r.job.ErrorCount,
		Message:   msg,
		Timestamp: time.Now(),
	})
}
