// Package backup implements the collect, archive and clean steps of a backup
// cycle and the Manager that composes them with upload and scheduling.
package backup

import (
	"errors"
	"fmt"
)

// Step-level failures. Each aborts the current cycle only.
var (
	// ErrSizeLimitExceeded means the source set or a single member is too large.
	ErrSizeLimitExceeded = errors.New("size limit exceeded")
	// ErrNothingToArchive means the staging area held no files.
	ErrNothingToArchive = errors.New("nothing to archive")
	// ErrNetworkUnavailable means every reachability probe failed.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrInsufficientSpace means the backup root volume is below the free space floor.
	ErrInsufficientSpace = errors.New("insufficient free space")
	// ErrNotFullyDelivered means at least one archive member failed to upload.
	ErrNotFullyDelivered = errors.New("archive set not fully delivered")
	// ErrUnsafeStaging means the staging directory overlaps the sources or
	// holds files autobackup did not put there. Nothing is deleted.
	ErrUnsafeStaging = errors.New("unsafe staging directory")
)

// FailureKind classifies an item-level failure.
type FailureKind string

const (
	// KindTransientAccess is a file that stayed locked or unreadable after retries.
	KindTransientAccess FailureKind = "transient_access"
	// KindSizeLimitExceeded is a single file too large for one archive member.
	KindSizeLimitExceeded FailureKind = "size_limit"
	// KindCleanupWarning is a path that could not be deleted after retries.
	KindCleanupWarning FailureKind = "cleanup"
	// KindInvalidPath is a source entry that is absolute or escapes the root.
	KindInvalidPath FailureKind = "invalid_path"
)

// ItemFailure records one entry that was skipped without aborting its step.
type ItemFailure struct {
	Path string      `json:"path"`
	Kind FailureKind `json:"kind"`
	Err  error       `json:"-"`
}

// Error implements error.
func (f ItemFailure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Kind, f.Path)
	}
	return fmt.Sprintf("%s: %s: %v", f.Kind, f.Path, f.Err)
}

// Unwrap returns the underlying cause.
func (f ItemFailure) Unwrap() error {
	return f.Err
}
