// Package history keeps a local record of backup cycles.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned when no run matches the requested ID.
var ErrRunNotFound = errors.New("backup run not found")

// Status is the outcome of one cycle.
type Status string

const (
	// StatusSucceeded means every archive member was delivered.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the cycle stopped at a terminal step.
	StatusFailed Status = "failed"
	// StatusSkipped means the cycle was not due or could not take the lock.
	StatusSkipped Status = "skipped"
)

// Run is one recorded cycle.
type Run struct {
	ID           uuid.UUID  `json:"id"`
	Flow         string     `json:"flow"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   time.Time  `json:"finished_at"`
	Status       Status     `json:"status"`
	FilesCopied  int        `json:"files_copied"`
	BytesCopied  int64      `json:"bytes_copied"`
	Members      int        `json:"members"`
	ArchiveBytes int64      `json:"archive_bytes"`
	Uploaded     int        `json:"uploaded"`
	Failures     int        `json:"failures"`
	NextRun      *time.Time `json:"next_run,omitempty"`
	Error        string     `json:"error,omitempty"`
	Details      *Details   `json:"details,omitempty"`
}

// Duration returns how long the run took.
func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Details holds per-item outcomes of a run.
type Details struct {
	Uploads  []UploadRecord  `json:"uploads,omitempty"`
	Failures []FailureRecord `json:"failures,omitempty"`
}

// UploadRecord is the delivery outcome of one archive member.
type UploadRecord struct {
	Path      string `json:"path"`
	Succeeded bool   `json:"succeeded"`
	Endpoint  string `json:"endpoint,omitempty"`
	RemoteRef string `json:"remote_ref,omitempty"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

// FailureRecord is one item-level failure.
type FailureRecord struct {
	Path  string `json:"path"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// Summary aggregates the stored runs.
type Summary struct {
	Total           int        `json:"total"`
	Succeeded       int        `json:"succeeded"`
	Failed          int        `json:"failed"`
	Skipped         int        `json:"skipped"`
	LastSuccessAt   *time.Time `json:"last_success_at,omitempty"`
	LastSuccessFlow string     `json:"last_success_flow,omitempty"`
}

// Store persists runs.
type Store interface {
	RecordRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	Summary(ctx context.Context) (*Summary, error)
	Prune(ctx context.Context, olderThan time.Duration) (int, error)
	Close() error
}
