// Package schedule decides when the next backup cycle is due and keeps two
// cycles from overlapping on one machine.
package schedule

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned by Begin while a cycle is in progress.
var ErrAlreadyRunning = errors.New("backup cycle already running")

// State is the scheduler's position in the cycle lifecycle.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCooldown:
		return "cooldown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options holds the rescheduling delays.
type Options struct {
	// BackupInterval is added to now after a successful cycle.
	BackupInterval time.Duration
	// ErrorRetryDelay is added to now after a failed cycle.
	ErrorRetryDelay time.Duration
}

// Scheduler gates cycles on the persisted threshold.
type Scheduler struct {
	mu        sync.Mutex
	state     State
	threshold *ThresholdFile
	opts      Options
	clock     clock.Clock
	logger    zerolog.Logger
}

// New creates a scheduler backed by threshold. A nil clk uses the wall clock.
func New(threshold *ThresholdFile, opts Options, clk clock.Clock, logger zerolog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Scheduler{
		state:     StateIdle,
		threshold: threshold,
		opts:      opts,
		clock:     clk,
		logger:    logger.With().Str("component", "scheduler").Logger(),
	}
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsDue reports whether a cycle should run now. A missing threshold is due.
// A corrupt threshold is logged and treated as due; the next RecordAttempt
// overwrites it.
func (s *Scheduler) IsDue() (bool, error) {
	next, ok, err := s.threshold.Read()
	if err != nil {
		if errors.Is(err, ErrCorruptThreshold) {
			s.logger.Warn().Err(err).Str("path", s.threshold.Path()).Msg("ignoring corrupt threshold file")
			return true, nil
		}
		return false, err
	}
	if !ok {
		return true, nil
	}
	return !s.clock.Now().Before(next), nil
}

// Begin marks a cycle as running.
func (s *Scheduler) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return ErrAlreadyRunning
	}
	s.state = StateRunning
	return nil
}

// RecordAttempt persists the next due time, now plus BackupInterval on
// success or plus ErrorRetryDelay on failure, and enters cooldown.
func (s *Scheduler) RecordAttempt(success bool) (time.Time, error) {
	delay := s.opts.ErrorRetryDelay
	if success {
		delay = s.opts.BackupInterval
	}
	next := s.clock.Now().Add(delay)

	s.mu.Lock()
	s.state = StateCooldown
	s.mu.Unlock()

	if err := s.threshold.Write(next); err != nil {
		return next, err
	}

	s.logger.Info().
		Bool("success", success).
		Time("next_run", next).
		Msg("next backup scheduled")
	return next, nil
}

// NextRun returns the persisted due time. ok is false when none is stored
// or the stored value is unreadable.
func (s *Scheduler) NextRun() (next time.Time, ok bool, err error) {
	next, ok, err = s.threshold.Read()
	if errors.Is(err, ErrCorruptThreshold) {
		return time.Time{}, false, nil
	}
	return next, ok, err
}
