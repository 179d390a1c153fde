package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// interWaveDelayPerWorker spaces worker waves so rate-limited upstreams
// recover between bursts; five workers yield the documented ~3s pause.
const interWaveDelayPerWorker = 600 * time.Millisecond

// Pool runs orchestrators over a job list in waves of Workers parallel jobs.
// A job is atomic: it never splits across workers.
type Pool struct {
	orch       *Orchestrator
	workers    int
	checkpoint *CheckpointStore
	doc        *Checkpoint
}

// NewPool builds a pool. checkpoint may be nil for runs that do not persist
// state (single-topic CLI runs).
func NewPool(orch *Orchestrator, workers int, cpStore *CheckpointStore, doc *Checkpoint) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{orch: orch, workers: workers, checkpoint: cpStore, doc: doc}
	if cpStore != nil {
		orch.AfterStorage = p.saveCheckpoint
	}
	return p
}

// Run processes every pending job. On context cancellation no new wave
// starts; in-flight jobs stop at their next suspension point and a final
// checkpoint is written.
func (p *Pool) Run(ctx context.Context) error {
	pending := make([]*Job, 0, len(p.doc.Jobs()))
	for _, j := range p.doc.Jobs() {
		// Completed and failed jobs stay settled across resumes; pending and
		// interrupted processing jobs run in full, with upserts keeping the
		// chunk level idempotent.
		if j.Status == StatusPending || j.Status == StatusProcessing {
			pending = append(pending, j)
		}
	}
	log.Info().Int("jobs", len(pending)).Int("workers", p.workers).Msg("worker pool starting")

	for start := 0; start < len(pending); start += p.workers {
		if err := ctx.Err(); err != nil {
			p.saveCheckpoint()
			return err
		}
		end := start + p.workers
		if end > len(pending) {
			end = len(pending)
		}
		wave := pending[start:end]

		g, wctx := errgroup.WithContext(ctx)
		for _, job := range wave {
			job := job
			g.Go(func() error {
				// Whole-job failures are recorded on the job; they do not
				// cancel sibling workers.
				_ = p.orch.Run(wctx, job)
				return nil
			})
		}
		_ = g.Wait()
		p.saveCheckpoint()

		if end < len(pending) {
			delay := time.Duration(p.workers) * interWaveDelayPerWorker
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				p.saveCheckpoint()
				return ctx.Err()
			}
		}
	}
	p.saveCheckpoint()
	return ctx.Err()
}

func (p *Pool) saveCheckpoint() {
	if p.checkpoint == nil {
		return
	}
	if err := p.checkpoint.Save(p.doc); err != nil {
		log.Error().Err(err).Msg("checkpoint write failed")
	}
}
