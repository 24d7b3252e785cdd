package schedule

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
)

// ErrLocked is returned when another live process holds the lock.
var ErrLocked = errors.New("lock held by another process")

// Lock is an exclusive lock file. A lock whose modification time is older
// than its TTL is considered abandoned and is taken over; holders call
// Refresh while they work.
type Lock struct {
	path  string
	ttl   time.Duration
	clock clock.Clock

	mu   sync.Mutex
	file *os.File
	held bool
}

// NewLock returns a lock stored at path. ttl <= 0 never expires a lock.
func NewLock(path string, ttl time.Duration, clk clock.Clock) *Lock {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Lock{path: path, ttl: ttl, clock: clk}
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Acquire takes the lock or returns ErrLocked.
func (l *Lock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return fmt.Errorf("%w: already held by this process", ErrLocked)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	file, err := l.create()
	if err != nil {
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create lock file: %w", err)
		}
		if err := l.removeStale(); err != nil {
			return err
		}
		file, err = l.create()
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				return fmt.Errorf("%w: %s", ErrLocked, l.path)
			}
			return fmt.Errorf("retry acquire after stale remove: %w", err)
		}
	}

	if _, err := file.WriteString(strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		_ = file.Close()
		_ = os.Remove(l.path)
		return fmt.Errorf("write lock file: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(l.path)
		return fmt.Errorf("sync lock file: %w", err)
	}

	l.file = file
	l.held = true
	return nil
}

func (l *Lock) create() (*os.File, error) {
	return os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
}

func (l *Lock) removeStale() error {
	if l.ttl <= 0 {
		return fmt.Errorf("%w: %s", ErrLocked, l.path)
	}
	info, err := os.Stat(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat lock file: %w", err)
	}
	if l.clock.Now().Sub(info.ModTime()) < l.ttl {
		return fmt.Errorf("%w: %s", ErrLocked, l.path)
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale lock file: %w", err)
	}
	return nil
}

// Refresh marks a held lock as live so its age restarts from now. It is a
// no-op when the lock is not held.
func (l *Lock) Refresh() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	now := l.clock.Now()
	if err := os.Chtimes(l.path, now, now); err != nil {
		return fmt.Errorf("refresh lock file: %w", err)
	}
	return nil
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}

	var errs []error
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			errs = append(errs, err)
		}
		l.file = nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	l.held = false
	if len(errs) > 0 {
		return fmt.Errorf("release lock: %w", errors.Join(errs...))
	}
	return nil
}
