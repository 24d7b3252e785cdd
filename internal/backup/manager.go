package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/autobackup/internal/config"
	"github.com/MacJediWizard/autobackup/internal/filetypes"
	"github.com/MacJediWizard/autobackup/internal/health"
	"github.com/MacJediWizard/autobackup/internal/history"
	"github.com/MacJediWizard/autobackup/internal/metrics"
	"github.com/MacJediWizard/autobackup/internal/retry"
	"github.com/MacJediWizard/autobackup/internal/schedule"
	"github.com/MacJediWizard/autobackup/internal/upload"
)

// Flow names a backup flow.
type Flow string

const (
	// FlowSpecified collects the configured list of relative paths.
	FlowSpecified Flow = "specified"
	// FlowDisk collects every file of an extension category under the source root.
	FlowDisk Flow = "disk"
)

// ParseFlow validates a flow name. The empty string is FlowSpecified.
func ParseFlow(s string) (Flow, error) {
	switch Flow(strings.ToLower(strings.TrimSpace(s))) {
	case "", FlowSpecified:
		return FlowSpecified, nil
	case FlowDisk:
		return FlowDisk, nil
	default:
		return "", fmt.Errorf("unknown flow %q (want %s or %s)", s, FlowSpecified, FlowDisk)
	}
}

// Prober reports network reachability.
type Prober interface {
	IsNetworkAvailable(ctx context.Context) bool
}

// Gate decides whether a cycle is due and records its outcome.
type Gate interface {
	IsDue() (bool, error)
	Begin() error
	RecordAttempt(success bool) (time.Time, error)
}

// Locker keeps two cycles from running at once.
type Locker interface {
	Acquire() error
	// Refresh keeps a held lock from being taken over as stale.
	Refresh() error
	Release() error
}

// SpaceChecker fails when the backup volume is below its free space floor.
type SpaceChecker interface {
	Ensure(ctx context.Context, path string) (*health.Usage, error)
}

// Uploader delivers archive members.
type Uploader interface {
	Upload(ctx context.Context, paths []string) []upload.Result
	UploadOne(ctx context.Context, path string) upload.Result
}

// CycleOptions selects what one cycle does.
type CycleOptions struct {
	Flow Flow
	// Category is the extension category for FlowDisk.
	Category filetypes.Category
	// Force runs the cycle even if the scheduler says it is not due.
	Force bool
	// SourceRoot is the directory sources are relative to.
	SourceRoot string
}

// CycleReport is the outcome of one cycle.
type CycleReport struct {
	ID              uuid.UUID       `json:"id"`
	Flow            Flow            `json:"flow"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
	Status          history.Status  `json:"status"`
	SkipReason      string          `json:"skip_reason,omitempty"`
	Staging         *StagingArea    `json:"staging,omitempty"`
	Archive         *ArchiveSet     `json:"archive,omitempty"`
	Uploads         []upload.Result `json:"uploads,omitempty"`
	CleanupFailures []ItemFailure   `json:"cleanup_failures,omitempty"`
	NextRun         time.Time       `json:"next_run,omitempty"`
	Err             error           `json:"-"`
}

// Delivered reports whether every archive member was uploaded.
func (r *CycleReport) Delivered() bool {
	return r.Archive != nil && len(r.Archive.Members) > 0 && upload.AllSucceeded(r.Uploads)
}

// Failures returns every item-level failure of the cycle in step order.
func (r *CycleReport) Failures() []ItemFailure {
	var out []ItemFailure
	if r.Staging != nil {
		out = append(out, r.Staging.Failures...)
	}
	if r.Archive != nil {
		out = append(out, r.Archive.Failures...)
	}
	return append(out, r.CleanupFailures...)
}

// Manager composes collection, archiving, upload and cleanup into flows.
type Manager struct {
	cfg  *config.Config
	spec SourceSpec

	specified *Collector
	disk      *Collector
	archiver  *Archiver
	cleaner   *Cleaner
	uploader  Uploader

	probe       Prober
	gate        Gate
	lock        Locker
	space       SpaceChecker
	history     history.Store
	metrics     *metrics.Recorder
	metricsFile string

	skipDir func(name string) bool
	clock   clock.Clock
	logger  zerolog.Logger
}

// NewManager builds the pipeline steps from cfg. spec is the list of paths
// for FlowSpecified. Optional collaborators are attached with the Set methods;
// a nil collaborator disables its step.
func NewManager(cfg *config.Config, spec SourceSpec, uploader Uploader, logger zerolog.Logger) *Manager {
	access := retry.Fixed(cfg.Files.AccessRetryCount, cfg.Files.AccessRetryDelay.D())
	deletion := retry.Fixed(cfg.Files.DeleteRetryCount, cfg.Files.DeleteRetryDelay.D())

	skipNames := cfg.Sources.SkipDirs
	if len(skipNames) == 0 {
		skipNames = filetypes.DefaultSkipDirs
	}

	return &Manager{
		cfg:       cfg,
		spec:      spec,
		specified: NewCollector(cfg.Limits.MaxSourceSize, cfg.Limits.CopyBufferSize, access, logger),
		disk:      NewCollector(cfg.Limits.MaxSourceSize, cfg.Limits.CopyBufferSize, access, logger),
		archiver: NewArchiver(cfg.Limits.MaxSourceSize, cfg.Limits.MaxSingleFileSize,
			cfg.Limits.CompressionLevel, cfg.Limits.CopyBufferSize, logger),
		cleaner:  NewCleaner(cfg.Files.DelayAfterUpload.D(), deletion, logger),
		uploader: uploader,
		skipDir:  filetypes.SkipDir(skipNames),
		clock:    clock.WallClock,
		logger:   logger.With().Str("component", "backup_manager").Logger(),
	}
}

// SetProbe sets the network gate.
func (m *Manager) SetProbe(p Prober) { m.probe = p }

// SetScheduler sets the due-time gate.
func (m *Manager) SetScheduler(g Gate) { m.gate = g }

// SetLock sets the cycle lock.
func (m *Manager) SetLock(l Locker) { m.lock = l }

// SetSpaceChecker sets the free space precheck.
func (m *Manager) SetSpaceChecker(s SpaceChecker) { m.space = s }

// SetHistory sets where cycle outcomes are recorded.
func (m *Manager) SetHistory(s history.Store) { m.history = s }

// SetMetrics sets the metrics recorder. If textfile is not empty the
// registry is written there after every cycle.
func (m *Manager) SetMetrics(r *metrics.Recorder, textfile string) {
	m.metrics = r
	m.metricsFile = textfile
}

// SetClock replaces the clock used for timestamps and cleanup delays.
func (m *Manager) SetClock(c clock.Clock) {
	m.clock = c
	m.cleaner.SetClock(c)
}

// BackupSpecifiedFiles copies the configured paths under sourceRoot into targetDir.
// The backup root is never collected, even when an entry contains it.
func (m *Manager) BackupSpecifiedFiles(ctx context.Context, sourceRoot, targetDir string) (*StagingArea, error) {
	m.specified.SetSkipDir(m.backupRootFilter(sourceRoot))
	return m.specified.Collect(ctx, sourceRoot, m.spec, targetDir)
}

// BackupDiskFiles copies every file of category under sourceRoot into targetDir.
// The backup root and the configured skip directories are not descended into.
func (m *Manager) BackupDiskFiles(ctx context.Context, sourceRoot, targetDir string, category filetypes.Category) (*StagingArea, error) {
	inBackupRoot := m.backupRootFilter(sourceRoot)
	m.disk.SetSkipDir(func(rel string) bool {
		return m.skipDir(filepath.Base(rel)) || inBackupRoot(rel)
	})
	return m.disk.CollectMatching(ctx, sourceRoot, targetDir, filetypes.Matcher(category))
}

// backupRootFilter reports whether a sourceRoot-relative path is the backup
// root or lies below it. Staging, archives and history live there.
func (m *Manager) backupRootFilter(sourceRoot string) func(rel string) bool {
	none := func(string) bool { return false }
	root, err := canonicalPath(sourceRoot)
	if err != nil {
		return none
	}
	backupRoot, err := canonicalPath(m.cfg.BackupRoot)
	if err != nil || root == backupRoot || !isWithin(root, backupRoot) {
		return none
	}
	rel, err := filepath.Rel(root, backupRoot)
	if err != nil {
		return none
	}
	return func(p string) bool {
		return p == rel || strings.HasPrefix(p, rel+string(filepath.Separator))
	}
}

// ZipBackupFolder archives stagingDir into members named <destinationPrefix>_part<i>.zip.
func (m *Manager) ZipBackupFolder(ctx context.Context, stagingDir, destinationPrefix string) (*ArchiveSet, error) {
	if err := os.MkdirAll(filepath.Dir(destinationPrefix), 0700); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return m.archiver.Archive(ctx, stagingDir, destinationPrefix)
}

// UploadBackup uploads every member of set and reports full delivery.
func (m *Manager) UploadBackup(ctx context.Context, set *ArchiveSet) bool {
	if set == nil || len(set.Members) == 0 {
		return false
	}
	return upload.AllSucceeded(m.uploader.Upload(ctx, set.Paths()))
}

// UploadFile uploads a single file outside the scheduled flow.
func (m *Manager) UploadFile(ctx context.Context, path string) bool {
	return m.uploader.UploadOne(ctx, path).Succeeded
}

// RunCycle runs one full cycle: gate, lock, probe, space check, collect,
// archive, upload, clean up, reschedule. Expected failures end up in the
// report, never in a panic.
func (m *Manager) RunCycle(ctx context.Context, opts CycleOptions) *CycleReport {
	if opts.Flow == "" {
		opts.Flow = FlowSpecified
	}
	report := &CycleReport{
		ID:        uuid.New(),
		Flow:      opts.Flow,
		StartedAt: m.clock.Now(),
	}
	logger := m.logger.With().
		Str("cycle_id", report.ID.String()).
		Str("flow", string(opts.Flow)).
		Logger()

	if !opts.Force && m.gate != nil {
		due, err := m.gate.IsDue()
		if err != nil {
			logger.Error().Err(err).Msg("failed to read schedule")
			return m.skip(report, "schedule unreadable", err)
		}
		if !due {
			logger.Debug().Msg("backup not due")
			return m.skip(report, "not due", nil)
		}
	}

	if m.lock != nil {
		if err := m.lock.Acquire(); err != nil {
			logger.Warn().Err(err).Msg("backup skipped: lock not acquired")
			m.recordOutcome(ctx, m.skip(report, "locked", err), logger)
			return report
		}
		defer func() {
			if err := m.lock.Release(); err != nil {
				logger.Warn().Err(err).Msg("failed to release lock")
			}
		}()
	}

	if m.gate != nil {
		if err := m.gate.Begin(); err != nil {
			logger.Warn().Err(err).Msg("backup skipped: cycle already running")
			return m.skip(report, "already running", err)
		}
	}

	logger.Info().Msg("starting backup cycle")
	report.Err = m.runSteps(ctx, opts, report, logger)

	if report.Err == nil {
		report.Status = history.StatusSucceeded
	} else {
		report.Status = history.StatusFailed
	}

	if m.gate != nil {
		next, err := m.gate.RecordAttempt(report.Err == nil)
		if err != nil {
			logger.Error().Err(err).Msg("failed to persist next backup time")
		}
		report.NextRun = next
	}
	report.FinishedAt = m.clock.Now()

	event := logger.Info()
	if report.Err != nil {
		event = logger.Error().Err(report.Err)
	}
	event.
		Str("status", string(report.Status)).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Int("failures", len(report.Failures())).
		Time("next_run", report.NextRun).
		Msg("backup cycle finished")

	m.recordOutcome(ctx, report, logger)
	return report
}

func (m *Manager) runSteps(ctx context.Context, opts CycleOptions, report *CycleReport, logger zerolog.Logger) error {
	if m.probe != nil && !m.probe.IsNetworkAvailable(ctx) {
		return ErrNetworkUnavailable
	}

	if m.space != nil {
		if _, err := m.space.Ensure(ctx, m.cfg.BackupRoot); err != nil {
			return fmt.Errorf("%w: %w", ErrInsufficientSpace, err)
		}
	}

	stagingDir := m.cfg.StagingDir(string(opts.Flow))
	var (
		area *StagingArea
		err  error
	)
	switch opts.Flow {
	case FlowSpecified:
		area, err = m.BackupSpecifiedFiles(ctx, opts.SourceRoot, stagingDir)
	case FlowDisk:
		category := opts.Category
		if category == "" {
			category = filetypes.CategoryDocuments
		}
		area, err = m.BackupDiskFiles(ctx, opts.SourceRoot, stagingDir, category)
	default:
		return fmt.Errorf("unknown flow %q", opts.Flow)
	}
	report.Staging = area
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	for _, f := range area.Failures {
		logger.Warn().Err(f.Err).Str("path", f.Path).Str("kind", string(f.Kind)).Msg("item not collected")
	}

	if err := m.removeStaleArchives(); err != nil {
		logger.Warn().Err(err).Msg("failed to remove stale archives")
	}

	m.refreshLock()

	prefix := filepath.Join(m.cfg.ArchiveDir(), fmt.Sprintf("%s_%s", opts.Flow, report.StartedAt.Format("20060102_150405")))
	set, err := m.ZipBackupFolder(ctx, area.Path, prefix)
	report.Archive = set
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	m.refreshLock()

	report.Uploads = m.uploader.Upload(ctx, set.Paths())
	if !upload.AllSucceeded(report.Uploads) {
		// Members stay on disk until the next cycle clears them.
		return ErrNotFullyDelivered
	}

	report.CleanupFailures = m.cleaner.RemoveAfterUpload(ctx, append(set.Paths(), area.Path))
	return nil
}

// refreshLock keeps the cycle lock live. Failures are logged only; the
// worst outcome is a takeover after the TTL.
func (m *Manager) refreshLock() {
	if m.lock == nil {
		return
	}
	if err := m.lock.Refresh(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to refresh cycle lock")
	}
}

// ObserveUploadAttempt refreshes the cycle lock after every upload attempt,
// so long deliveries keep it. Register the Manager as an upload observer.
func (m *Manager) ObserveUploadAttempt(endpoint string, success bool, duration time.Duration) {
	m.refreshLock()
}

// removeStaleArchives deletes members left behind by earlier cycles.
func (m *Manager) removeStaleArchives() error {
	matches, err := filepath.Glob(filepath.Join(m.cfg.ArchiveDir(), "*_part*.zip"))
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range matches {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) skip(report *CycleReport, reason string, err error) *CycleReport {
	report.Status = history.StatusSkipped
	report.SkipReason = reason
	report.Err = err
	report.FinishedAt = m.clock.Now()
	return report
}

// recordOutcome appends the report to history and metrics. Failures are logged only.
func (m *Manager) recordOutcome(ctx context.Context, report *CycleReport, logger zerolog.Logger) {
	if m.history != nil {
		if err := m.history.RecordRun(ctx, report.historyRun()); err != nil {
			logger.Warn().Err(err).Msg("failed to record backup history")
		}
	}

	if m.metrics != nil {
		m.metrics.RecordCycle(report.metricsSample())
		if m.metricsFile != "" {
			if err := m.metrics.WriteTextfile(m.metricsFile); err != nil {
				logger.Warn().Err(err).Msg("failed to write metrics textfile")
			}
		}
	}
}

func (r *CycleReport) historyRun() *history.Run {
	run := &history.Run{
		ID:         r.ID,
		Flow:       string(r.Flow),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Status:     r.Status,
		Details:    &history.Details{},
	}
	if r.Staging != nil {
		run.FilesCopied = r.Staging.FilesCopied
		run.BytesCopied = r.Staging.BytesCopied
	}
	if r.Archive != nil {
		run.Members = len(r.Archive.Members)
		run.ArchiveBytes = r.Archive.TotalSize()
	}
	if !r.NextRun.IsZero() {
		next := r.NextRun
		run.NextRun = &next
	}
	if r.Err != nil {
		run.Error = r.Err.Error()
	} else if r.SkipReason != "" {
		run.Error = r.SkipReason
	}

	for _, u := range r.Uploads {
		rec := history.UploadRecord{
			Path:      filepath.Base(u.Path),
			Succeeded: u.Succeeded,
			Endpoint:  u.Endpoint,
			RemoteRef: u.RemoteRef,
			Attempts:  u.Attempts,
		}
		if u.Succeeded {
			run.Uploaded++
		}
		if u.Err != nil {
			rec.Error = u.Err.Error()
		}
		run.Details.Uploads = append(run.Details.Uploads, rec)
	}
	for _, f := range r.Failures() {
		rec := history.FailureRecord{Path: f.Path, Kind: string(f.Kind)}
		if f.Err != nil {
			rec.Error = f.Err.Error()
		}
		run.Details.Failures = append(run.Details.Failures, rec)
	}
	run.Failures = len(run.Details.Failures)
	return run
}

func (r *CycleReport) metricsSample() metrics.CycleSample {
	s := metrics.CycleSample{
		Flow:       string(r.Flow),
		Status:     string(r.Status),
		Duration:   r.FinishedAt.Sub(r.StartedAt),
		FinishedAt: r.FinishedAt,
		NextRun:    r.NextRun,
		Failures:   make(map[string]int),
	}
	if r.Staging != nil {
		s.FilesCopied = r.Staging.FilesCopied
		s.BytesCopied = r.Staging.BytesCopied
	}
	if r.Archive != nil {
		s.ArchiveBytes = r.Archive.TotalSize()
	}
	for _, f := range r.Failures() {
		s.Failures[string(f.Kind)]++
	}
	return s
}

var (
	_ Gate            = (*schedule.Scheduler)(nil)
	_ Locker          = (*schedule.Lock)(nil)
	_ SpaceChecker    = (*health.Checker)(nil)
	_ Uploader        = (*upload.Uploader)(nil)
	_ upload.Observer = (*Manager)(nil)
)
