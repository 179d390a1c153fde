// Command ingest-bulk ingests local PubMed XML dumps (efetch exports or
// baseline files), streaming articles out of files of any size.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"caduceus/internal/cli"
	"caduceus/internal/config"
	"caduceus/internal/ingest"
	"caduceus/internal/observability"
)

func main() {
	var (
		file         = flag.String("file", "", "single PubMed XML file to ingest")
		dir          = flag.String("dir", "", "directory of PubMed XML files")
		workers      = flag.Int("workers", 2, "parallel file workers")
		fromYear     = flag.Int("from-year", 0, "skip articles published before this year")
		toYear       = flag.Int("to-year", 0, "skip articles published after this year")
		highEvidence = flag.Bool("high-evidence", false, "keep only evidence level 1-2 articles")
		batchSize    = flag.Int("batch-size", 200, "articles per processing batch")
		embedBatch   = flag.Int("embedding-batch-size", 200, "texts per embedding request")
		checkpoint   = flag.String("checkpoint", "ingestion-checkpoint.json", "checkpoint file path")
		resume       = flag.Bool("resume", false, "resume from an existing checkpoint")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `ingest-bulk - bulk XML ingestion

Usage:
  ingest-bulk --file pubmed24n0001.xml [options]
  ingest-bulk --dir ./dumps --workers 4 [options]

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

	icfg := config.DefaultIngestion()
	icfg.FromYear = *fromYear
	icfg.ToYear = *toYear
	icfg.Workers = *workers
	icfg.FetchBatchSize = *batchSize
	icfg.EmbedBatchSize = *embedBatch
	icfg.CheckpointPath = *checkpoint
	icfg.NCBIAPIKey = cfg.NCBIAPIKey
	if *highEvidence {
		icfg.MinEvidenceLevel = 2
	}

	cpStore := ingest.NewCheckpointStore(icfg.CheckpointPath)
	var doc *ingest.Checkpoint
	if *resume {
		doc, err = cpStore.Load()
		if err != nil {
			cli.Fatal(fmt.Errorf("resume: %w", err))
		}
		log.Info().Int("jobs", len(doc.Jobs())).Msg("resuming from checkpoint")
	} else {
		files, ferr := resolveFiles(*file, *dir)
		if ferr != nil {
			cli.Fatal(ferr)
		}
		if len(files) == 0 {
			flag.Usage()
			os.Exit(1)
		}
		jobs := make([]*ingest.Job, 0, len(files))
		for _, f := range files {
			jobs = append(jobs, ingest.NewFileJob(f))
		}
		doc = ingest.NewCheckpoint(jobs, ingest.JobFile)
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

func resolveFiles(file, dir string) ([]string, error) {
	if file != "" {
		return []string{file}, nil
	}
	if dir == "" {
		return nil, nil
	}
	var files []string
	for _, pattern := range []string{"*.xml", "*.xml.gz"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}
