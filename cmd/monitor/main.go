// Command monitor renders live progress from an ingestion checkpoint file.
// It never writes; the ingester owns the checkpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"caduceus/internal/monitor"
)

func main() {
	var (
		checkpoint = flag.String("checkpoint", "ingestion-checkpoint.json", "checkpoint file to watch")
		interval   = flag.Duration("interval", 5*time.Second, "fallback refresh interval")
		once       = flag.Bool("once", false, "render one snapshot and exit")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `monitor - watch an ingestion checkpoint

Usage:
  monitor --checkpoint ingestion-checkpoint.json

Options:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	m := monitor.New(*checkpoint, os.Stdout, *interval)
	if *once {
		m.Render()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := m.Watch(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
