package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"caduceus/internal/ingest"
)

// NewProgress returns a ProgressFunc that renders a live spinner with the
// current job's counters on stderr. Returns nil when stderr is not a TTY
// (piped output, CI) so callers can pass it straight through.
func NewProgress() ingest.ProgressFunc {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		return nil
	}
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	return func(s ingest.Snapshot) {
		bar.Describe(fmt.Sprintf("%s  articles=%d chunks=%d errors=%d",
			truncate(s.JobName, 32), s.Articles, s.Chunks, s.Errors))
		_ = bar.Add(1)
	}
}
