package schedule

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrCorruptThreshold is returned when the threshold file holds neither an
// RFC3339 timestamp nor a Unix epoch.
var ErrCorruptThreshold = errors.New("threshold file is corrupt")

// ThresholdFile persists the next-due timestamp as a single line of text.
type ThresholdFile struct {
	path string
}

// NewThresholdFile returns a ThresholdFile stored at path.
func NewThresholdFile(path string) *ThresholdFile {
	return &ThresholdFile{path: path}
}

// Path returns the file location.
func (f *ThresholdFile) Path() string {
	return f.path
}

// Read returns the stored timestamp. ok is false when the file does not exist.
func (f *ThresholdFile) Read() (t time.Time, ok bool, err error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("read threshold file: %w", err)
	}

	t, err = parseThreshold(strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// parseThreshold accepts RFC3339 and, for files written by older installs,
// fractional Unix seconds.
func parseThreshold(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrCorruptThreshold)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrCorruptThreshold, s)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)), nil
}

// Write replaces the stored timestamp. A reader sees either the old or the
// new value, never a partial write.
func (f *ThresholdFile) Write(t time.Time) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create threshold directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp threshold file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.WriteString(t.Format(time.RFC3339Nano) + "\n"); err != nil {
		cleanup()
		return fmt.Errorf("write temp threshold file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp threshold file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp threshold file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace threshold file: %w", err)
	}
	return nil
}
