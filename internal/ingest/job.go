// Package ingest drives topics and XML dumps through the full pipeline:
// search, dedupe, fetch, parse, chunk, embed, store.
package ingest

import (
	"time"

	"github.com/google/uuid"
)

// Stage identifies where in the pipeline an error occurred.
type Stage string

const (
	StageFetch Stage = "fetch"
	StageParse Stage = "parse"
	StageChunk Stage = "chunk"
	StageEmbed Stage = "embed"
	StageStore Stage = "store"
)

// StageError is one recorded ingestion failure.
type StageError struct {
	Stage   Stage     `json:"stage"`
	PMID    string    `json:"pmid,omitempty"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// JobKind distinguishes topic searches from local XML files.
type JobKind string

const (
	JobTopic JobKind = "topic"
	JobFile  JobKind = "file"
)

// JobStatus is the lifecycle state of a job. Transitions are one-way except
// pending -> processing, which may repeat on resume.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// maxRecordedErrors caps the per-job error detail kept in the checkpoint;
// the count keeps accumulating past it.
const maxRecordedErrors = 25

// Job is one unit of work for the pool: a topic query or an XML file.
type Job struct {
	ID         string  `json:"id"`
	Kind       JobKind `json:"kind"`
	Query      string  `json:"query,omitempty"`
	MaxResults int     `json:"maxResults,omitempty"`
	Path       string  `json:"path,omitempty"`

	Status            JobStatus    `json:"status"`
	ArticlesProcessed int          `json:"articlesProcessed"`
	ChunksCreated     int          `json:"chunksCreated"`
	ErrorCount        int          `json:"errorCount"`
	Errors            []StageError `json:"errors,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// NewTopicJob builds a pending topic job.
func NewTopicJob(query string, maxResults int) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Kind:       JobTopic,
		Query:      query,
		MaxResults: maxResults,
		Status:     StatusPending,
	}
}

// NewFileJob builds a pending file job.
func NewFileJob(path string) *Job {
	return &Job{
		ID:     uuid.NewString(),
		Kind:   JobFile,
		Path:   path,
		Status: StatusPending,
	}
}

// Name renders the job for logs and progress lines.
func (j *Job) Name() string {
	if j.Kind == JobFile {
		return j.Path
	}
	return j.Query
}

func (j *Job) recordError(stage Stage, pmid, msg string) {
	j.ErrorCount++
	if len(j.Errors) < maxRecordedErrors {
		j.Errors = append(j.Errors, StageError{
			Stage:   stage,
			PMID:    pmid,
			Message: msg,
			Time:    time.Now(),
		})
	}
}

// Snapshot is a progress event forwarded to the sink after each step.
type Snapshot struct {
	JobID     string
	JobName   string
	Stage     Stage
	Articles  int
	Chunks    int
	Errors    int
	Message   string
	Timestamp time.Time
}

// ProgressFunc receives progress snapshots. Implementations must be fast;
// they run on the worker goroutine.
type ProgressFunc func(Snapshot)
