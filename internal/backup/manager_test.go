package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacJediWizard/autobackup/internal/config"
	"github.com/MacJediWizard/autobackup/internal/filetypes"
	"github.com/MacJediWizard/autobackup/internal/health"
	"github.com/MacJediWizard/autobackup/internal/history"
	"github.com/MacJediWizard/autobackup/internal/metrics"
	"github.com/MacJediWizard/autobackup/internal/schedule"
	"github.com/MacJediWizard/autobackup/internal/upload"
)

// recordingUploader extracts every member it is handed so tests can check
// what would have been delivered.
type recordingUploader struct {
	t    *testing.T
	fail bool

	mu       sync.Mutex
	paths    []string
	received map[string][]byte
}

func (u *recordingUploader) Upload(ctx context.Context, paths []string) []upload.Result {
	results := make([]upload.Result, 0, len(paths))
	for _, p := range paths {
		results = append(results, u.UploadOne(ctx, p))
	}
	return results
}

func (u *recordingUploader) UploadOne(ctx context.Context, path string) upload.Result {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.paths = append(u.paths, path)
	if u.fail {
		return upload.Result{Path: path, Attempts: 2, Err: upload.ErrAllEndpointsFailed}
	}

	dst := u.t.TempDir()
	if _, err := Extract(path, dst); err != nil {
		return upload.Result{Path: path, Attempts: 1, Err: err}
	}
	if u.received == nil {
		u.received = make(map[string][]byte)
	}
	for name, data := range readTree(u.t, dst) {
		u.received[name] = data
	}
	return upload.Result{Path: path, Succeeded: true, Endpoint: "fake", RemoteRef: "ref/" + filepath.Base(path), Attempts: 1}
}

func (u *recordingUploader) calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.paths)
}

type fakeProbe struct {
	up    bool
	calls int
}

func (p *fakeProbe) IsNetworkAvailable(ctx context.Context) bool {
	p.calls++
	return p.up
}

type fakeSpace struct {
	err error
}

func (s fakeSpace) Ensure(ctx context.Context, path string) (*health.Usage, error) {
	return &health.Usage{Path: path}, s.err
}

type fixture struct {
	home      string
	cfg       *config.Config
	clock     *testclock.Clock
	scheduler *schedule.Scheduler
	uploader  *recordingUploader
	probe     *fakeProbe
	history   *history.SQLiteStore
	metrics   *metrics.Recorder
	manager   *Manager
}

var cycleEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	home := t.TempDir()
	cfg := config.Default(home)
	cfg.Files.AccessRetryDelay = config.Duration(time.Millisecond)
	cfg.Files.DelayAfterUpload = 0
	cfg.Files.DeleteRetryDelay = config.Duration(time.Millisecond)
	cfg.Limits.MaxSourceSize = 8 * config.MiB
	cfg.Limits.MaxSingleFileSize = 4 * config.MiB
	cfg.Limits.CopyBufferSize = 32 * 1024
	cfg.MetricsFile = filepath.Join(cfg.BackupRoot, "metrics", "autobackup.prom")

	clk := testclock.NewClock(cycleEpoch)
	sched := schedule.New(schedule.NewThresholdFile(cfg.ThresholdPath()), schedule.Options{
		BackupInterval:  cfg.Schedule.BackupInterval.D(),
		ErrorRetryDelay: cfg.Schedule.ErrorRetryDelay.D(),
	}, clk, zerolog.Nop())

	store, err := history.NewSQLiteStore(cfg.HistoryPath(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec, err := metrics.NewRecorder(nil)
	require.NoError(t, err)

	up := &recordingUploader{t: t}
	probe := &fakeProbe{up: true}
	spec := SourceSpec{"Desktop", ".bash_history", "AppData/missing.sqlite"}

	m := NewManager(cfg, spec, up, zerolog.Nop())
	m.SetClock(clk)
	m.SetScheduler(sched)
	m.SetProbe(probe)
	m.SetLock(schedule.NewLock(cfg.LockPath(), time.Hour, clk))
	m.SetSpaceChecker(fakeSpace{})
	m.SetHistory(store)
	m.SetMetrics(rec, cfg.MetricsFile)

	writeFile(t, filepath.Join(home, "Desktop", "notes.txt"), 2048, false)
	writeFile(t, filepath.Join(home, "Desktop", "project", "plan.docx"), 4096, true)
	writeFile(t, filepath.Join(home, ".bash_history"), 512, false)

	return &fixture{
		home: home, cfg: cfg, clock: clk, scheduler: sched, uploader: up,
		probe: probe, history: store, metrics: rec, manager: m,
	}
}

func (f *fixture) run(t *testing.T, opts CycleOptions) *CycleReport {
	t.Helper()
	if opts.SourceRoot == "" {
		opts.SourceRoot = f.home
	}
	return f.manager.RunCycle(context.Background(), opts)
}

func TestManager_RunCycle_Success(t *testing.T) {
	f := newFixture(t)

	report := f.run(t, CycleOptions{})

	require.NoError(t, report.Err)
	assert.Equal(t, history.StatusSucceeded, report.Status)
	assert.True(t, report.Delivered())
	assert.Equal(t, FlowSpecified, report.Flow)
	assert.Equal(t, 3, report.Staging.FilesCopied)
	assert.Equal(t, []string{filepath.Join("AppData", "missing.sqlite")}, report.Staging.Skipped)
	require.Len(t, report.Archive.Members, 1)
	assert.Equal(t, filepath.Join(f.cfg.ArchiveDir(), "specified_20260301_090000_part1.zip"), report.Archive.Members[0].Path)

	names := make([]string, 0, len(f.uploader.received))
	for name := range f.uploader.received {
		names = append(names, name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{".bash_history", "Desktop/notes.txt", "Desktop/project/plan.docx"}, names)

	// Delivered artifacts are cleaned up.
	_, err := os.Stat(report.Archive.Members[0].Path)
	assert.True(t, os.IsNotExist(err), "member should be removed after delivery")
	_, err = os.Stat(report.Staging.Path)
	assert.True(t, os.IsNotExist(err), "staging should be removed after delivery")
	assert.Empty(t, report.CleanupFailures)

	// Rescheduled a full interval ahead.
	assert.True(t, report.NextRun.Equal(cycleEpoch.Add(f.cfg.Schedule.BackupInterval.D())))
	assert.Equal(t, schedule.StateCooldown, f.scheduler.State())

	runs, err := f.history.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, report.ID, runs[0].ID)
	assert.Equal(t, history.StatusSucceeded, runs[0].Status)
	assert.Equal(t, 1, runs[0].Uploaded)

	_, err = os.Stat(f.cfg.MetricsFile)
	assert.NoError(t, err, "metrics textfile should be written")

	_, err = os.Stat(f.cfg.LockPath())
	assert.True(t, os.IsNotExist(err), "lock should be released")
}

func TestManager_RunCycle_NotDue(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, CycleOptions{}).Err)
	require.Equal(t, 1, f.uploader.calls())

	report := f.run(t, CycleOptions{})
	assert.Equal(t, history.StatusSkipped, report.Status)
	assert.Equal(t, "not due", report.SkipReason)
	assert.Equal(t, 1, f.uploader.calls())

	forced := f.run(t, CycleOptions{Force: true})
	require.NoError(t, forced.Err)
	assert.Equal(t, 2, f.uploader.calls())

	f.clock.Advance(f.cfg.Schedule.BackupInterval.D())
	due := f.run(t, CycleOptions{})
	require.NoError(t, due.Err)
	assert.Equal(t, history.StatusSucceeded, due.Status)
	assert.Equal(t, 3, f.uploader.calls())
}

func TestManager_RunCycle_Idempotent(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.home, "Desktop", "big.txt"), 1<<20, false)

	first := f.run(t, CycleOptions{Force: true})
	require.NoError(t, first.Err)
	firstReceived := f.uploader.received
	f.uploader.received = nil

	f.clock.Advance(time.Second)
	second := f.run(t, CycleOptions{Force: true})
	require.NoError(t, second.Err)

	assert.Len(t, first.Archive.Members, 1)
	assert.Len(t, second.Archive.Members, 1)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, firstReceived, f.uploader.received)
}

func TestManager_RunCycle_NetworkUnavailable(t *testing.T) {
	f := newFixture(t)
	f.probe.up = false

	report := f.run(t, CycleOptions{})

	assert.ErrorIs(t, report.Err, ErrNetworkUnavailable)
	assert.Equal(t, history.StatusFailed, report.Status)
	assert.Nil(t, report.Staging)
	assert.Zero(t, f.uploader.calls())
	assert.True(t, report.NextRun.Equal(cycleEpoch.Add(60*time.Second)), "failure retries after the short delay")

	due, err := f.scheduler.IsDue()
	require.NoError(t, err)
	assert.False(t, due)
	f.clock.Advance(60 * time.Second)
	due, _ = f.scheduler.IsDue()
	assert.True(t, due)
}

func TestManager_RunCycle_SourceTooLarge(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.home, "Desktop", "huge.bin"), int(9*config.MiB), true)

	report := f.run(t, CycleOptions{})

	assert.ErrorIs(t, report.Err, ErrSizeLimitExceeded)
	assert.Equal(t, history.StatusFailed, report.Status)
	assert.Zero(t, f.uploader.calls(), "no upload may be attempted")
	assert.Nil(t, report.Archive)
}

func TestManager_RunCycle_InsufficientSpace(t *testing.T) {
	f := newFixture(t)
	f.manager.SetSpaceChecker(fakeSpace{err: health.ErrLowDiskSpace})

	report := f.run(t, CycleOptions{})

	assert.ErrorIs(t, report.Err, ErrInsufficientSpace)
	assert.ErrorIs(t, report.Err, health.ErrLowDiskSpace)
	assert.Zero(t, f.uploader.calls())
}

func TestManager_RunCycle_NothingToArchive(t *testing.T) {
	f := newFixture(t)
	f.manager.spec = SourceSpec{"Nowhere"}

	report := f.run(t, CycleOptions{})

	assert.ErrorIs(t, report.Err, ErrNothingToArchive)
	assert.Equal(t, []string{"Nowhere"}, report.Staging.Skipped)
	assert.Zero(t, f.uploader.calls())
}

func TestManager_RunCycle_UploadFailure(t *testing.T) {
	f := newFixture(t)
	f.uploader.fail = true

	report := f.run(t, CycleOptions{})

	assert.ErrorIs(t, report.Err, ErrNotFullyDelivered)
	assert.False(t, report.Delivered())
	assert.True(t, report.NextRun.Equal(cycleEpoch.Add(60*time.Second)))

	member := report.Archive.Members[0].Path
	_, err := os.Stat(member)
	assert.NoError(t, err, "undelivered members stay on disk")
	_, err = os.Stat(report.Staging.Path)
	assert.NoError(t, err, "staging stays for inspection")

	runs, err := f.history.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, history.StatusFailed, runs[0].Status)
	require.Len(t, runs[0].Details.Uploads, 1)
	assert.False(t, runs[0].Details.Uploads[0].Succeeded)

	// The next cycle replaces the stale members.
	f.uploader.fail = false
	f.clock.Advance(time.Minute)
	next := f.run(t, CycleOptions{})
	require.NoError(t, next.Err)
	_, err = os.Stat(member)
	assert.True(t, os.IsNotExist(err))
}

func TestManager_RunCycle_Locked(t *testing.T) {
	f := newFixture(t)
	other := schedule.NewLock(f.cfg.LockPath(), time.Hour, f.clock)
	require.NoError(t, other.Acquire())
	defer other.Release()

	report := f.run(t, CycleOptions{})

	assert.Equal(t, history.StatusSkipped, report.Status)
	assert.Equal(t, "locked", report.SkipReason)
	assert.ErrorIs(t, report.Err, schedule.ErrLocked)
	assert.Zero(t, f.uploader.calls())

	summary, err := f.history.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
}

func TestManager_RunCycle_DiskFlow(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.home, "work", "report.PDF"), 1024, true)
	writeFile(t, filepath.Join(f.home, "work", "photo.jpg"), 1024, true)
	writeFile(t, filepath.Join(f.home, "work", ".git", "notes.txt"), 64, false)
	writeFile(t, filepath.Join(f.home, "work", "node_modules", "readme.md"), 64, false)
	// Leftovers inside the backup root are never collected.
	writeFile(t, filepath.Join(f.cfg.BackupRoot, "old", "leftover.txt"), 64, false)

	report := f.run(t, CycleOptions{Flow: FlowDisk, Category: filetypes.CategoryDocuments})

	require.NoError(t, report.Err)
	names := make([]string, 0, len(f.uploader.received))
	for name := range f.uploader.received {
		names = append(names, name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"Desktop/notes.txt", "Desktop/project/plan.docx", "work/report.PDF"}, names)
	assert.Equal(t, filepath.Join(f.cfg.ArchiveDir(), "disk_20260301_090000_part1.zip"), report.Archive.Members[0].Path)
}

func TestManager_RunCycle_CollectionFailureStillArchives(t *testing.T) {
	f := newFixture(t)
	locked := filepath.Join("Desktop", "notes.txt")
	f.manager.specified.copyFile = func(src, dst string, buf []byte) (int64, error) {
		if strings.HasSuffix(src, locked) {
			return 0, errors.New("file is locked by another process")
		}
		return copyFile(src, dst, buf)
	}

	report := f.run(t, CycleOptions{})

	require.NoError(t, report.Err)
	require.Len(t, report.Staging.Failures, 1)
	assert.Equal(t, KindTransientAccess, report.Staging.Failures[0].Kind)
	assert.Len(t, report.Failures(), 1)
	assert.NotContains(t, f.uploader.received, "Desktop/notes.txt")
	assert.Contains(t, f.uploader.received, ".bash_history")

	runs, err := f.history.ListRuns(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, runs[0].Failures)
}

func TestManager_RunCycle_EntryHoldingBackupRoot(t *testing.T) {
	f := newFixture(t)
	f.manager.spec = SourceSpec{".dev", "Desktop"}
	writeFile(t, filepath.Join(f.home, ".dev", "tool.cfg"), 64, false)

	report := f.run(t, CycleOptions{})

	require.NoError(t, report.Err)
	assert.True(t, report.Delivered())
	assert.Contains(t, f.uploader.received, ".dev/tool.cfg")
	for name := range f.uploader.received {
		assert.False(t, strings.HasPrefix(name, ".dev/autobackup"), name)
	}
}

type countingLock struct {
	acquired, refreshed, released int
}

func (l *countingLock) Acquire() error { l.acquired++; return nil }
func (l *countingLock) Refresh() error { l.refreshed++; return nil }
func (l *countingLock) Release() error { l.released++; return nil }

func TestManager_RunCycle_RefreshesLock(t *testing.T) {
	f := newFixture(t)
	lock := &countingLock{}
	f.manager.SetLock(lock)

	report := f.run(t, CycleOptions{})

	require.NoError(t, report.Err)
	assert.Equal(t, 1, lock.acquired)
	assert.Equal(t, 1, lock.released)
	assert.GreaterOrEqual(t, lock.refreshed, 2)

	before := lock.refreshed
	f.manager.ObserveUploadAttempt("https://store.example", true, time.Second)
	assert.Equal(t, before+1, lock.refreshed)
}

func TestManager_UploadHelpers(t *testing.T) {
	f := newFixture(t)
	stagingDir := filepath.Join(t.TempDir(), "staging")

	area, err := f.manager.BackupSpecifiedFiles(context.Background(), f.home, stagingDir)
	require.NoError(t, err)

	set, err := f.manager.ZipBackupFolder(context.Background(), area.Path, filepath.Join(t.TempDir(), "out", "manual"))
	require.NoError(t, err)
	require.NotEmpty(t, set.Members)

	assert.True(t, f.manager.UploadBackup(context.Background(), set))
	assert.True(t, f.manager.UploadFile(context.Background(), set.Members[0].Path))
	assert.False(t, f.manager.UploadBackup(context.Background(), &ArchiveSet{}))

	f.uploader.fail = true
	assert.False(t, f.manager.UploadBackup(context.Background(), set))
	assert.False(t, f.manager.UploadFile(context.Background(), set.Members[0].Path))
}

func TestParseFlow(t *testing.T) {
	tests := []struct {
		input   string
		want    Flow
		wantErr bool
	}{
		{"", FlowSpecified, false},
		{"specified", FlowSpecified, false},
		{" Disk ", FlowDisk, false},
		{"full", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFlow(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFlow(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseFlow(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
