// Command ingest runs a topic-based ingestion: each topic is searched on
// PubMed, new articles are fetched, chunked, embedded, and stored.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"caduceus/internal/cli"
	"caduceus/internal/config"
	"caduceus/internal/ingest"
	"caduceus/internal/observability"
)

func main() {
	var (
		topic        = flag.String("topic", "", "single topic query to ingest")
		topicsFile   = flag.String("topics-file", "", "file with one topic per line (or a YAML list)")
		recommended  = flag.Bool("recommended", false, "ingest the built-in clinical topic catalog")
		maxResults   = flag.Int("max", 100, "maximum articles per topic")
		fromYear     = flag.Int("from-year", 0, "restrict to publications from this year")
		toYear       = flag.Int("to-year", 0, "restrict to publications up to this year")
		highEvidence = flag.Bool("high-evidence", false, "restrict search to high-evidence publication types")
		dryRun       = flag.Bool("dry-run", false, "search, parse and chunk without embedding or storing")
		ncbiKey      = flag.String("ncbi-key", "", "NCBI API key (overrides NCBI_API_KEY)")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `ingest - topic-based PubMed evidence ingestion

Usage:
  ingest --topic "heart failure treatment" [options]
  ingest --topics-file topics.txt [options]
  ingest --recommended [options]

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

	topics, err := resolveTopics(*topic, *topicsFile, *recommended)
	if err != nil {
		cli.Fatal(err)
	}
	if len(topics) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	icfg := config.DefaultIngestion()
	icfg.Topics = topics
	icfg.MaxPerTopic = *maxResults
	icfg.FromYear = *fromYear
	icfg.ToYear = *toYear
	icfg.DryRun = *dryRun
	icfg.NCBIAPIKey = cfg.NCBIAPIKey
	if *ncbiKey != "" {
		icfg.NCBIAPIKey = *ncbiKey
	}
	if *highEvidence {
		icfg.PublicationTypes = config.HighEvidenceTypes
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := cli.Setup(ctx, cfg, icfg)
	if err != nil {
		cli.Fatal(err)
	}
	defer pipeline.Close()
	pipeline.Orchestrator.Progress = cli.NewProgress()

	jobs := make([]*ingest.Job, 0, len(topics))
	for _, t := range topics {
		jobs = append(jobs, ingest.NewTopicJob(t, icfg.MaxPerTopic))
	}
	doc := ingest.NewCheckpoint(jobs, ingest.JobTopic)

	start := time.Now()
	pool := ingest.NewPool(pipeline.Orchestrator, 1, nil, doc)
	_ = pool.Run(ctx)

	os.Exit(cli.PrintSummary(jobs, time.Since(start)))
}

func resolveTopics(topic, topicsFile string, recommended bool) ([]string, error) {
	switch {
	case topic != "":
		return []string{topic}, nil
	case topicsFile != "":
		return config.LoadTopicsFile(topicsFile)
	case recommended:
		return config.RecommendedTopics, nil
	}
	return nil, nil
}
