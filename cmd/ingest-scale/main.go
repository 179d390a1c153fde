// Command ingest-scale runs large checkpointed ingestions: parallel workers
// over a long topic list, resumable after interruption.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"caduceus/internal/cli"
	"caduceus/internal/config"
	"caduceus/internal/ingest"
	"caduceus/internal/metrics"
	"caduceus/internal/observability"
)

func main() {
	var (
		workers      = flag.Int("workers", 5, "parallel ingestion workers")
		maxPerTopic  = flag.Int("max-per-topic", 5000, "maximum articles per topic")
		fromYear     = flag.Int("from-year", 0, "restrict to publications from this year")
		toYear       = flag.Int("to-year", 0, "restrict to publications up to this year")
		highEvidence = flag.Bool("high-evidence", false, "restrict search to high-evidence publication types")
		checkpoint   = flag.String("checkpoint", "ingestion-checkpoint.json", "checkpoint file path")
		resume       = flag.Bool("resume", false, "resume from an existing checkpoint")
		topicsFile   = flag.String("topics-file", "", "file with one topic per line (or a YAML list)")
		ncbiKey      = flag.String("ncbi-key", "", "NCBI API key (overrides NCBI_API_KEY)")
		metricsAddr  = flag.String("metrics-addr", "", "optional Prometheus listen address, e.g. :9090")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `ingest-scale - checkpointed parallel PubMed ingestion

Usage:
  ingest-scale --topics-file topics.txt --workers 5 [options]
  ingest-scale --resume --checkpoint ingestion-checkpoint.json

Options:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		cli.Fatal(err)
	}
	observability.InitLogger("", cfg.LogLevel)
	metrics.Serve(*metricsAddr)

	icfg := config.DefaultIngestion()
	icfg.MaxPerTopic = *maxPerTopic
	icfg.FromYear = *fromYear
	icfg.ToYear = *toYear
	icfg.Workers = *workers
	icfg.CheckpointPath = *checkpoint
	icfg.NCBIAPIKey = cfg.NCBIAPIKey
	if *ncbiKey != "" {
		icfg.NCBIAPIKey = *ncbiKey
	}
	if *highEvidence {
		icfg.PublicationTypes = config.HighEvidenceTypes
	}

	cpStore := ingest.NewCheckpointStore(icfg.CheckpointPath)
	var doc *ingest.Checkpoint
	if *resume {
		doc, err = cpStore.Load()
		if err != nil {
			cli.Fatal(fmt.Errorf("resume: %w", err))
		}
		log.Info().Int("jobs", len(doc.Jobs())).Int("completed", doc.Stats.CompletedJobs).
			Msg("resuming from checkpoint")
	} else {
		if *topicsFile == "" {
			flag.Usage()
			os.Exit(1)
		}
		topics, terr := config.LoadTopicsFile(*topicsFile)
		if terr != nil {
			cli.Fatal(terr)
		}
		jobs := make([]*ingest.Job, 0, len(topics))
		for _, t := range topics {
			jobs = append(jobs, ingest.NewTopicJob(t, icfg.MaxPerTopic))
		}
		doc = ingest.NewCheckpoint(jobs, ingest.JobTopic)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := cli.Setup(ctx, cfg, icfg)
	if err != nil {
		cli.Fatal(err)
	}
	defer pipeline.Close()
	pipeline.Orchestrator.Progress = cli.NewProgress()

	start := time.Now()
	pool := ingest.NewPool(pipeline.Orchestrator, icfg.Workers, cpStore, doc)
	if err := pool.Run(ctx); err != nil {
		log.Warn().Err(err).Msg("run interrupted; checkpoint saved")
	}

	os.Exit(cli.PrintSummary(doc.Jobs(), time.Since(start)))
}
