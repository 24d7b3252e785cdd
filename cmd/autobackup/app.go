package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/autobackup/internal/backup"
	"github.com/MacJediWizard/autobackup/internal/config"
	"github.com/MacJediWizard/autobackup/internal/health"
	"github.com/MacJediWizard/autobackup/internal/history"
	"github.com/MacJediWizard/autobackup/internal/httpclient"
	"github.com/MacJediWizard/autobackup/internal/logging"
	"github.com/MacJediWizard/autobackup/internal/metrics"
	"github.com/MacJediWizard/autobackup/internal/network"
	"github.com/MacJediWizard/autobackup/internal/schedule"
	"github.com/MacJediWizard/autobackup/internal/upload"
)

// app is the wired pipeline shared by the commands.
type app struct {
	cfg    *config.Config
	home   string
	logger zerolog.Logger

	scheduler *schedule.Scheduler
	lock      *schedule.Lock
	history   *history.SQLiteStore
	space     *health.Checker
	uploader  *upload.Uploader
	manager   *backup.Manager

	closers []io.Closer
}

// loadConfig reads the config at path, or the default location when empty.
func loadConfig(path string) (*config.Config, string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, "", fmt.Errorf("get home directory: %w", err)
	}
	if path == "" {
		if path, err = config.DefaultConfigPath(); err != nil {
			return nil, "", err
		}
	}
	cfg, err := config.Load(path, home)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, home, nil
}

// newApp wires every component from cfg. Failing to create the backup root
// is fatal; everything else is a per-cycle concern.
func newApp(ctx context.Context, cfg *config.Config, home string, console io.Writer) (*app, error) {
	if err := os.MkdirAll(cfg.BackupRoot, 0700); err != nil {
		return nil, fmt.Errorf("create backup root: %w", err)
	}

	logOpts := logging.OptionsFromConfig(cfg)
	logOpts.Console = console
	logger, logCloser, err := logging.New(logOpts)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}

	a := &app{
		cfg:     cfg,
		home:    home,
		logger:  logger,
		closers: []io.Closer{logCloser},
	}

	httpClient, err := httpclient.NewForUploads(cfg, "autobackup/"+Version)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create http client: %w", err)
	}
	logger.Debug().Bool("proxy", cfg.Upload.Proxy.HasProxy()).Msg("upload transport ready")

	endpoints, err := upload.EndpointsFromConfig(ctx, cfg, httpClient)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("configure endpoints: %w", err)
	}
	a.uploader = upload.NewUploader(endpoints, upload.OptionsFromConfig(cfg), logger)

	recorder, err := metrics.NewRecorder(nil)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.scheduler = schedule.New(schedule.NewThresholdFile(cfg.ThresholdPath()), schedule.Options{
		BackupInterval:  cfg.Schedule.BackupInterval.D(),
		ErrorRetryDelay: cfg.Schedule.ErrorRetryDelay.D(),
	}, nil, logger)
	a.lock = schedule.NewLock(cfg.LockPath(), cfg.Schedule.LockTTL.D(), nil)
	a.space = health.NewChecker(cfg.Limits.MinFreeSpace)

	a.history, err = history.NewSQLiteStore(cfg.HistoryPath(), logger)
	if err != nil {
		// History is informational; cycles still run without it.
		logger.Warn().Err(err).Msg("backup history unavailable")
	} else {
		a.closers = append(a.closers, a.history)
	}

	a.manager = backup.NewManager(cfg, backup.SourceSpec(cfg.SourcePaths(home)), a.uploader, logger)
	a.manager.SetProbe(network.NewProbe(cfg.Network.Hosts, cfg.Network.Timeout.D(), logger))
	a.manager.SetScheduler(a.scheduler)
	a.manager.SetLock(a.lock)
	a.manager.SetSpaceChecker(a.space)
	if a.history != nil {
		a.manager.SetHistory(a.history)
	}
	a.manager.SetMetrics(recorder, cfg.MetricsFile)
	a.uploader.SetObserver(upload.Observers{recorder, a.manager})

	return a, nil
}

// Close releases the history database and log file.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
