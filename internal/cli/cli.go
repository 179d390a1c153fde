// Package cli carries the wiring shared by the ingestion entry points.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jackc/pgx/v5/pgxpool"

	"caduceus/internal/config"
	"caduceus/internal/embeddings"
	"caduceus/internal/ingest"
	"caduceus/internal/pubmed"
	"caduceus/internal/ratelimit"
	"caduceus/internal/store"
)

// Pipeline bundles the wired stages for one run.
type Pipeline struct {
	Orchestrator *ingest.Orchestrator
	pool         *pgxpool.Pool
}

// Close releases the database pool.
func (p *Pipeline) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Setup wires limiter, clients, store and orchestrator for a run. In dry-run
// mode neither the database nor the embedding key is required.
func Setup(ctx context.Context, cfg config.Config, icfg config.IngestionConfig) (*Pipeline, error) {
	limiter := ratelimit.NewDefault(icfg.NCBIAPIKey != "")
	pm := pubmed.NewClient(limiter, icfg.NCBIAPIKey)

	p := &Pipeline{}
	if icfg.DryRun {
		p.Orchestrator = ingest.NewOrchestrator(pm, nil, nil, icfg)
		return p, nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pool, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to store: %w", err)
	}
	if err := store.EnsureSchema(ctx, pool, cfg.Embedding.Dimensions); err != nil {
		pool.Close()
		return nil, err
	}
	p.pool = pool

	ecfg := cfg.Embedding
	if icfg.EmbedBatchSize > 0 {
		ecfg.BatchSize = icfg.EmbedBatchSize
	}
	emb := embeddings.NewClient(ecfg)
	writer := store.NewWriter(pool, icfg.StoreBatchSize)
	p.Orchestrator = ingest.NewOrchestrator(pm, emb, writer, icfg)
	return p, nil
}

// PrintSummary renders the per-job lines and the final aggregate the way
// operators read them, and returns the process exit code: zero only when the
// run finished without a single recorded error.
func PrintSummary(jobs []*ingest.Job, elapsed time.Duration) int {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	var articles, chunks, errs, completed int
	for _, j := range jobs {
		mark := green("✓")
		if j.Status == ingest.StatusFailed {
			mark = red("✗")
		}
		if j.Status == ingest.StatusCompleted {
			completed++
		}
		fmt.Printf("%s %-50s articles=%-6d chunks=%-6d errors=%d\n",
			mark, truncate(j.Name(), 50), j.ArticlesProcessed, j.ChunksCreated, j.ErrorCount)
		articles += j.ArticlesProcessed
		chunks += j.ChunksCreated
		errs += j.ErrorCount
	}

	rate := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(articles) / secs
	}
	fmt.Printf("\n%d/%d jobs completed, %d articles, %d chunks, %d errors in %s (%.1f articles/s)\n",
		completed, len(jobs), articles, chunks, errs, elapsed.Round(time.Second), rate)

	if errs > 0 {
		return 1
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// Fatal prints an error and exits non-zero; the CLIs use it for startup
// failures before any work has begun.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
