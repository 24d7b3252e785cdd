package schedule

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T) (*Scheduler, *testclock.Clock, *ThresholdFile) {
	t.Helper()
	clk := testclock.NewClock(epoch)
	tf := NewThresholdFile(filepath.Join(t.TempDir(), "next_backup_time.txt"))
	s := New(tf, Options{BackupInterval: 260000 * time.Second, ErrorRetryDelay: 60 * time.Second}, clk, zerolog.Nop())
	return s, clk, tf
}

func TestScheduler_DueWithoutThreshold(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	due, err := s.IsDue()
	require.NoError(t, err)
	assert.True(t, due)

	_, ok, err := s.NextRun()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScheduler_RecordAttempt(t *testing.T) {
	tests := []struct {
		name    string
		success bool
		want    time.Duration
	}{
		{"success waits backup interval", true, 260000 * time.Second},
		{"failure waits error retry delay", false, 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, clk, _ := newTestScheduler(t)
			require.NoError(t, s.Begin())

			next, err := s.RecordAttempt(tt.success)
			require.NoError(t, err)
			if !next.Equal(epoch.Add(tt.want)) {
				t.Errorf("RecordAttempt() = %v, want %v", next, epoch.Add(tt.want))
			}
			assert.Equal(t, StateCooldown, s.State())

			stored, ok, err := s.NextRun()
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, stored.Equal(next))

			due, err := s.IsDue()
			require.NoError(t, err)
			assert.False(t, due)

			clk.Advance(tt.want - time.Second)
			due, _ = s.IsDue()
			assert.False(t, due)

			clk.Advance(time.Second)
			due, _ = s.IsDue()
			assert.True(t, due)
		})
	}
}

func TestScheduler_BeginTwice(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	require.NoError(t, s.Begin())
	assert.Equal(t, StateRunning, s.State())
	assert.ErrorIs(t, s.Begin(), ErrAlreadyRunning)

	_, err := s.RecordAttempt(true)
	require.NoError(t, err)
	assert.NoError(t, s.Begin(), "a new cycle may start from cooldown")
}

func TestScheduler_CorruptThresholdIsDue(t *testing.T) {
	s, _, tf := newTestScheduler(t)
	require.NoError(t, os.WriteFile(tf.Path(), []byte("not a time"), 0600))

	due, err := s.IsDue()
	require.NoError(t, err)
	assert.True(t, due)

	_, ok, err := s.NextRun()
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.RecordAttempt(false)
	require.NoError(t, err)
	_, ok, err = tf.Read()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScheduler_PersistsAcrossInstances(t *testing.T) {
	s, clk, tf := newTestScheduler(t)
	_, err := s.RecordAttempt(true)
	require.NoError(t, err)

	restarted := New(tf, Options{BackupInterval: time.Hour, ErrorRetryDelay: time.Minute}, clk, zerolog.Nop())
	due, err := restarted.IsDue()
	require.NoError(t, err)
	assert.False(t, due)
	assert.Equal(t, StateIdle, restarted.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "cooldown", StateCooldown.String())
	assert.Equal(t, "state(9)", State(9).String())
}
