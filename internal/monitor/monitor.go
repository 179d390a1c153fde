// Package monitor renders live progress from an ingestion checkpoint file.
// It is strictly read-only: the ingester owns the file.
package monitor

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"caduceus/internal/ingest"
)

// DefaultRefresh is the fallback poll interval when file events are quiet.
const DefaultRefresh = 5 * time.Second

// Monitor tails a checkpoint file and renders progress to a terminal.
type Monitor struct {
	store   *ingest.CheckpointStore
	out     io.Writer
	refresh time.Duration
}

// New builds a monitor over the checkpoint at path.
func New(path string, out io.Writer, refresh time.Duration) *Monitor {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	return &Monitor{store: ingest.NewCheckpointStore(path), out: out, refresh: refresh}
}

// Watch re-renders on every checkpoint change until the context ends. File
// notifications trigger immediate refreshes; a ticker covers editors and
// filesystems that do not deliver rename events reliably.
func (m *Monitor) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start file watcher: %w", err)
	}
	defer watcher.Close()
	// Watch the directory: atomic replacement renames a temp file over the
	// target, which some platforms report only on the parent.
	dir := filepath.Dir(m.store.Path())
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	ticker := time.NewTicker(m.refresh)
	defer ticker.Stop()

	m.render()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-watcher.Events:
			if strings.HasSuffix(ev.Name, m.store.Path()) || ev.Name == m.store.Path() {
				m.render()
			}
		case err := <-watcher.Errors:
			log.Warn().Err(err).Msg("file watcher error")
		case <-ticker.C:
			m.render()
		}
	}
}

// Render produces one snapshot render; exposed for one-shot --once mode.
func (m *Monitor) Render() { m.render() }

func (m *Monitor) render() {
	cp, err := m.store.Load()
	if err != nil {
		fmt.Fprintf(m.out, "waiting for checkpoint at %s (%v)\n", m.store.Path(), err)
		return
	}

	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	// Clear screen and home the cursor; the monitor owns the terminal.
	fmt.Fprint(m.out, "\033[2J\033[H")

	s := cp.Stats
	pct := 0.0
	if s.TotalJobs > 0 {
		pct = float64(s.CompletedJobs) / float64(s.TotalJobs) * 100
	}
	elapsed := time.Since(cp.StartTime).Round(time.Second)

	fmt.Fprintf(m.out, "%s\n\n", bold("caduceus ingestion monitor"))
	fmt.Fprintf(m.out, "  progress   %s  (%d/%d jobs)\n", bold(fmt.Sprintf("%.1f%%", pct)), s.CompletedJobs, s.TotalJobs)
	fmt.Fprintf(m.out, "  elapsed    %s\n", elapsed)
	if eta := estimateETA(cp); eta > 0 {
		fmt.Fprintf(m.out, "  eta        %s\n", eta.Round(time.Second))
	}
	fmt.Fprintf(m.out, "  articles   %d\n", s.TotalArticles)
	fmt.Fprintf(m.out, "  chunks     %d\n", s.TotalChunks)
	if s.TotalErrors > 0 {
		fmt.Fprintf(m.out, "  errors     %s%s\n", red(fmt.Sprintf("%d", s.TotalErrors)), stageBreakdown(cp))
	} else {
		fmt.Fprintf(m.out, "  errors     0\n")
	}
	fmt.Fprintf(m.out, "  updated    %s\n\n", cp.LastUpdate.Format(time.TimeOnly))

	var active, recent, failed []*ingest.Job
	for _, j := range cp.Jobs() {
		switch j.Status {
		case ingest.StatusProcessing:
			active = append(active, j)
		case ingest.StatusCompleted:
			recent = append(recent, j)
		case ingest.StatusFailed:
			failed = append(failed, j)
		}
	}
	sort.Slice(recent, func(i, k int) bool {
		ti, tk := recent[i].CompletedAt, recent[k].CompletedAt
		if ti == nil || tk == nil {
			return tk == nil
		}
		return ti.After(*tk)
	})
	if len(recent) > 5 {
		recent = recent[:5]
	}

	if len(active) > 0 {
		fmt.Fprintf(m.out, "%s\n", bold("processing"))
		for _, j := range active {
			fmt.Fprintf(m.out, "  %s %s  articles=%d chunks=%d errors=%d\n",
				yellow("▶"), j.Name(), j.ArticlesProcessed, j.ChunksCreated, j.ErrorCount)
		}
		fmt.Fprintln(m.out)
	}
	if len(recent) > 0 {
		fmt.Fprintf(m.out, "%s\n", bold("recently completed"))
		for _, j := range recent {
			fmt.Fprintf(m.out, "  %s %s  articles=%d chunks=%d\n",
				green("✓"), j.Name(), j.ArticlesProcessed, j.ChunksCreated)
		}
		fmt.Fprintln(m.out)
	}
	if len(failed) > 0 {
		fmt.Fprintf(m.out, "%s\n", bold("failed"))
		for _, j := range failed {
			msg := ""
			if len(j.Errors) > 0 {
				msg = j.Errors[len(j.Errors)-1].Message
			}
			fmt.Fprintf(m.out, "  %s %s  errors=%d  %s\n", red("✗"), j.Name(), j.ErrorCount, msg)
		}
	}
}

// stageBreakdown summarizes recorded errors by pipeline stage, e.g.
// " (parse=3 store=1)". Detail is capped per job, so counts are a floor.
func stageBreakdown(cp *ingest.Checkpoint) string {
	counts := map[ingest.Stage]int{}
	for _, j := range cp.Jobs() {
		for _, e := range j.Errors {
			counts[e.Stage]++
		}
	}
	if len(counts) == 0 {
		return ""
	}
	order := []ingest.Stage{ingest.StageFetch, ingest.StageParse, ingest.StageChunk, ingest.StageEmbed, ingest.StageStore}
	out := ""
	for _, st := range order {
		if n := counts[st]; n > 0 {
			if out != "" {
				out += " "
			}
			out += fmt.Sprintf("%s=%d", st, n)
		}
	}
	return " (" + out + ")"
}

// estimateETA extrapolates remaining time from the completed-job rate.
func estimateETA(cp *ingest.Checkpoint) time.Duration {
	s := cp.Stats
	if s.CompletedJobs == 0 || s.CompletedJobs >= s.TotalJobs {
		return 0
	}
	elapsed := time.Since(cp.StartTime)
	perJob := elapsed / time.Duration(s.CompletedJobs)
	return perJob * time.Duration(s.TotalJobs-s.CompletedJobs)
}
