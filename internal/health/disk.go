// Package health reports free disk space and memory pressure on the
// machine being backed up.
package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// ErrLowDiskSpace is returned by Ensure when free space is below the floor.
var ErrLowDiskSpace = errors.New("free disk space below minimum")

// Status is a coarse rating of disk pressure.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Usage describes the filesystem holding a path.
type Usage struct {
	Path        string  `json:"path"`
	Free        uint64  `json:"free_bytes"`
	Total       uint64  `json:"total_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// Snapshot is the resource view printed by the status command.
type Snapshot struct {
	Disk          *Usage  `json:"disk,omitempty"`
	MemoryPercent float64 `json:"memory_used_percent"`
	Status        Status  `json:"status"`
}

// Thresholds rate disk usage, in percent used.
type Thresholds struct {
	DiskWarning  float64
	DiskCritical float64
}

// DefaultThresholds returns 80% warning and 90% critical.
func DefaultThresholds() Thresholds {
	return Thresholds{DiskWarning: 80.0, DiskCritical: 90.0}
}

type usageFunc func(ctx context.Context, path string) (*disk.UsageStat, error)

// Checker measures free space with a minimum floor.
type Checker struct {
	minFree    int64
	thresholds Thresholds
	usage      usageFunc
}

// NewChecker returns a checker that requires minFree bytes. minFree <= 0
// disables the floor.
func NewChecker(minFree int64) *Checker {
	return &Checker{
		minFree:    minFree,
		thresholds: DefaultThresholds(),
		usage:      disk.UsageWithContext,
	}
}

// Usage measures the filesystem holding path. path need not exist yet; its
// nearest existing ancestor is measured.
func (c *Checker) Usage(ctx context.Context, path string) (*Usage, error) {
	target := existingAncestor(path)
	stat, err := c.usage(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("disk usage for %s: %w", target, err)
	}
	return &Usage{
		Path:        target,
		Free:        stat.Free,
		Total:       stat.Total,
		UsedPercent: stat.UsedPercent,
	}, nil
}

// Ensure fails with ErrLowDiskSpace if fewer than the minimum free bytes
// are available at path.
func (c *Checker) Ensure(ctx context.Context, path string) (*Usage, error) {
	u, err := c.Usage(ctx, path)
	if err != nil {
		return nil, err
	}
	if c.minFree > 0 && u.Free < uint64(c.minFree) {
		return u, fmt.Errorf("%w: %d bytes free at %s, need %d", ErrLowDiskSpace, u.Free, u.Path, c.minFree)
	}
	return u, nil
}

// Snapshot collects disk and memory usage for display. Failures leave the
// corresponding fields empty.
func (c *Checker) Snapshot(ctx context.Context, path string) *Snapshot {
	s := &Snapshot{Status: StatusHealthy}
	if u, err := c.Usage(ctx, path); err == nil {
		s.Disk = u
		s.Status = c.Rate(u)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemoryPercent = vm.UsedPercent
	}
	return s
}

// Rate classifies u against the thresholds and the free-space floor.
func (c *Checker) Rate(u *Usage) Status {
	switch {
	case c.minFree > 0 && u.Free < uint64(c.minFree):
		return StatusCritical
	case u.UsedPercent >= c.thresholds.DiskCritical:
		return StatusCritical
	case u.UsedPercent >= c.thresholds.DiskWarning:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

func existingAncestor(path string) string {
	p := filepath.Clean(path)
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}
