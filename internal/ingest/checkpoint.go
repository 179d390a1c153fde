package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CheckpointVersion guards against loading checkpoints written by an
// incompatible build.
const CheckpointVersion = "1"

// Stats aggregates progress across all jobs in a run.
type Stats struct {
	TotalJobs     int `json:"totalJobs"`
	CompletedJobs int `json:"completedJobs"`
	TotalArticles int `json:"totalArticles"`
	TotalChunks   int `json:"totalChunks"`
	TotalErrors   int `json:"totalErrors"`
}

// Checkpoint is the persisted run state. Topic runs serialize their jobs
// under "topics", file runs under "files"; exactly one list is populated.
type Checkpoint struct {
	Version    string    `json:"version"`
	StartTime  time.Time `json:"startTime"`
	LastUpdate time.Time `json:"lastUpdate"`
	Topics     []*Job    `json:"topics,omitempty"`
	Files      []*Job    `json:"files,omitempty"`
	Stats      Stats     `json:"stats"`
}

// Jobs returns whichever job list the checkpoint carries.
func (c *Checkpoint) Jobs() []*Job {
	if len(c.Files) > 0 {
		return c.Files
	}
	return c.Topics
}

// Recompute refreshes the aggregate stats from the job list.
func (c *Checkpoint) Recompute() {
	s := Stats{TotalJobs: len(c.Jobs())}
	for _, j := range c.Jobs() {
		if j.Status == StatusCompleted || j.Status == StatusFailed {
			s.CompletedJobs++
		}
		s.TotalArticles += j.ArticlesProcessed
		s.TotalChunks += j.ChunksCreated
		s.TotalErrors += j.ErrorCount
	}
	c.Stats = s
}

// CheckpointStore owns the on-disk checkpoint. Writes are serialized and
// atomic: the document is written to a temp file in the same directory and
// renamed over the target.
type CheckpointStore struct {
	path string
	mu   sync.Mutex
}

// NewCheckpointStore returns a store for the given path.
func NewCheckpointStore(path string) *CheckpointStore {
	return &CheckpointStore{path: path}
}

// Path returns the target file path.
func (s *CheckpointStore) Path() string { return s.path }

// Save atomically replaces the checkpoint file.
func (s *CheckpointStore) Save(cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp.LastUpdate = time.Now()
	cp.Recompute()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.json")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint from disk.
func (s *CheckpointStore) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	if cp.Version != CheckpointVersion {
		return nil, fmt.Errorf("checkpoint version %q not supported", cp.Version)
	}
	return &cp, nil
}

// NewCheckpoint initializes a run document for the given jobs.
func NewCheckpoint(jobs []*Job, kind JobKind) *Checkpoint {
	cp := &Checkpoint{
		Version:   CheckpointVersion,
		StartTime: time.Now(),
	}
	if kind == JobFile {
		cp.Files = jobs
	} else {
		cp.Topics = jobs
	}
	cp.Recompute()
	return cp
}
