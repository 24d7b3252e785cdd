// Package main is the entrypoint for the autobackup CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/MacJediWizard/autobackup/internal/backup"
	"github.com/MacJediWizard/autobackup/internal/config"
	"github.com/MacJediWizard/autobackup/internal/filetypes"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "autobackup",
		Short: "Unattended workstation backup",
		Long: `autobackup copies a fixed set of user files into a staging area,
packs them into size-bounded zip archives and uploads every member to the
first endpoint that accepts it.

Run 'autobackup daemon' to check the schedule periodically.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.autobackup/config.yml)")

	rootCmd.AddCommand(
		newRunCmd(&configPath),
		newDaemonCmd(&configPath),
		newCollectCmd(&configPath),
		newArchiveCmd(&configPath),
		newUploadCmd(&configPath),
		newStatusCmd(&configPath),
		newHistoryCmd(&configPath),
		newPathsCmd(&configPath),
		newConfigCmd(&configPath),
		newVersionCmd(),
	)

	return rootCmd
}

// withApp loads the config, wires the pipeline and runs fn against it.
func withApp(cmd *cobra.Command, configPath string, fn func(ctx context.Context, a *app) error) error {
	cfg, home, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, home, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newRunCmd(configPath *string) *cobra.Command {
	var (
		force      bool
		flow       string
		category   string
		sourceRoot string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one backup cycle if it is due",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := backup.ParseFlow(flow)
			if err != nil {
				return err
			}
			var cat filetypes.Category
			if category != "" {
				if cat, err = filetypes.ParseCategory(category); err != nil {
					return err
				}
			}
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				opts := backup.CycleOptions{Flow: f, Category: cat, Force: force, SourceRoot: sourceRoot}
				if opts.SourceRoot == "" {
					opts.SourceRoot = a.home
				}
				if opts.Category == "" && a.cfg.Sources.DiskCategory != "" {
					if opts.Category, err = filetypes.ParseCategory(a.cfg.Sources.DiskCategory); err != nil {
						return err
					}
				}
				report := a.manager.RunCycle(ctx, opts)
				printReport(cmd.OutOrStdout(), report)
				if report.Err != nil {
					return report.Err
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "run even if the next backup is not due")
	cmd.Flags().StringVar(&flow, "flow", string(backup.FlowSpecified), "backup flow (specified, disk)")
	cmd.Flags().StringVar(&category, "category", "", "extension category for the disk flow")
	cmd.Flags().StringVar(&sourceRoot, "source-root", "", "directory sources are relative to (default home)")

	return cmd
}

func printReport(w io.Writer, r *backup.CycleReport) {
	if r.SkipReason != "" {
		fmt.Fprintf(w, "Skipped: %s\n", r.SkipReason)
	} else {
		fmt.Fprintf(w, "Cycle %s (%s): %s in %s\n", r.ID, r.Flow, r.Status, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	if r.Staging != nil {
		fmt.Fprintf(w, "  Collected:  %d files, %d bytes\n", r.Staging.FilesCopied, r.Staging.BytesCopied)
	}
	if r.Archive != nil {
		fmt.Fprintf(w, "  Archived:   %d members\n", len(r.Archive.Members))
	}
	for _, u := range r.Uploads {
		if u.Succeeded {
			fmt.Fprintf(w, "  Uploaded:   %s -> %s (%s)\n", u.Path, u.RemoteRef, u.Endpoint)
		} else {
			fmt.Fprintf(w, "  Failed:     %s after %d attempts: %v\n", u.Path, u.Attempts, u.Err)
		}
	}
	if n := len(r.Failures()); n > 0 {
		fmt.Fprintf(w, "  Item failures: %d\n", n)
	}
	if !r.NextRun.IsZero() {
		fmt.Fprintf(w, "  Next run:   %s\n", r.NextRun.Local().Format(time.RFC3339))
	}
	if r.Err != nil && r.SkipReason == "" {
		fmt.Fprintf(w, "  Error:      %v\n", r.Err)
	}
}

func newCollectCmd(configPath *string) *cobra.Command {
	var sourceRoot, target string

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Copy the configured sources into a staging directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				if sourceRoot == "" {
					sourceRoot = a.home
				}
				if target == "" {
					target = a.cfg.StagingDir(string(backup.FlowSpecified))
				}
				area, err := a.manager.BackupSpecifiedFiles(ctx, sourceRoot, target)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Staged %d files (%d bytes) in %s\n", area.FilesCopied, area.BytesCopied, area.Path)
				for _, f := range area.Failures {
					fmt.Fprintf(cmd.OutOrStdout(), "  %v\n", f)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&sourceRoot, "source-root", "", "directory sources are relative to (default home)")
	cmd.Flags().StringVar(&target, "target", "", "staging directory (must be empty or previously created by autobackup)")

	return cmd
}

func newArchiveCmd(configPath *string) *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "archive <dir>",
		Short: "Pack a directory into size-bounded zip members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				if prefix == "" {
					prefix = filepath.Join(a.cfg.ArchiveDir(), "manual_"+time.Now().Format("20060102_150405"))
				}
				set, err := a.manager.ZipBackupFolder(ctx, args[0], prefix)
				if err != nil {
					return err
				}
				for _, m := range set.Members {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d files\t%d bytes\n", m.Path, m.Files, m.Size)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "destination prefix for member names")

	return cmd
}

func newUploadCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload files to the first endpoint that accepts each",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				failed := 0
				for _, res := range a.uploader.Upload(ctx, args) {
					if res.Succeeded {
						fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", res.Path, res.RemoteRef)
						continue
					}
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", res.Path, res.Err)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d uploads failed", failed, len(args))
				}
				return nil
			})
		},
	}
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show schedule, lock, disk and history status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				w := cmd.OutOrStdout()

				due, err := a.scheduler.IsDue()
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "Backup root:  %s\n", a.cfg.BackupRoot)
				fmt.Fprintf(w, "Due:          %t\n", due)
				if next, ok, err := a.scheduler.NextRun(); err != nil {
					return err
				} else if ok {
					fmt.Fprintf(w, "Next run:     %s\n", next.Local().Format(time.RFC3339))
				} else {
					fmt.Fprintln(w, "Next run:     no threshold recorded")
				}

				if info, err := os.Stat(a.lock.Path()); err == nil {
					fmt.Fprintf(w, "Lock:         held since %s\n", info.ModTime().Format(time.RFC3339))
				} else {
					fmt.Fprintln(w, "Lock:         free")
				}

				snap := a.space.Snapshot(ctx, a.cfg.BackupRoot)
				if snap.Disk != nil {
					fmt.Fprintf(w, "Disk:         %s, %.1f%% used, %d bytes free\n", snap.Status, snap.Disk.UsedPercent, snap.Disk.Free)
				}

				if a.history == nil {
					return nil
				}
				sum, err := a.history.Summary(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "Runs:         %d total, %d succeeded, %d failed, %d skipped\n", sum.Total, sum.Succeeded, sum.Failed, sum.Skipped)
				if sum.LastSuccessAt != nil {
					fmt.Fprintf(w, "Last success: %s (%s)\n", sum.LastSuccessAt.Local().Format(time.RFC3339), sum.LastSuccessFlow)
				}
				return nil
			})
		},
	}
}

func newHistoryCmd(configPath *string) *cobra.Command {
	var (
		limit  int
		prune  time.Duration
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded backup runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				if a.history == nil {
					return errors.New("backup history unavailable")
				}
				w := cmd.OutOrStdout()
				if prune > 0 {
					n, err := a.history.Prune(ctx, prune)
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "Pruned %d runs\n", n)
					return nil
				}

				runs, err := a.history.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(w)
					enc.SetIndent("", "  ")
					return enc.Encode(runs)
				}
				for _, r := range runs {
					fmt.Fprintf(w, "%s  %-9s  %-9s  %4d files  %2d members  %2d uploaded  %s\n",
						r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Flow, r.Status,
						r.FilesCopied, r.Members, r.Uploaded, r.Error)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list (0 for all)")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete runs older than this duration instead of listing")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print runs as JSON")

	return cmd
}

func newPathsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Show the resolved source paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, home, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			for _, p := range cfg.SourcePaths(home) {
				mark := " "
				if _, err := os.Stat(filepath.Join(home, p)); err == nil {
					mark = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", mark, p)
			}
			return nil
		},
	}
}

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialize the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(redacted(cfg))
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configPath
			if path == "" {
				var err error
				if path, err = config.DefaultConfigPath(); err != nil {
					return err
				}
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("get home directory: %w", err)
			}
			if err := config.Default(home).Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)

	return cmd
}

// redacted returns a copy of cfg with endpoint secrets masked.
func redacted(cfg *config.Config) *config.Config {
	out := *cfg
	out.Upload.Endpoints = make([]config.EndpointConfig, len(cfg.Upload.Endpoints))
	for i, ep := range cfg.Upload.Endpoints {
		if ep.S3 != nil {
			s3 := *ep.S3
			if s3.SecretAccessKey != "" {
				s3.SecretAccessKey = "****"
			}
			ep.S3 = &s3
		}
		if ep.SFTP != nil {
			sftp := *ep.SFTP
			if sftp.Password != "" {
				sftp.Password = "****"
			}
			ep.SFTP = &sftp
		}
		out.Upload.Endpoints[i] = ep
	}
	return &out
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "autobackup %s\n", Version)
			fmt.Fprintf(w, "  Commit:     %s\n", Commit)
			fmt.Fprintf(w, "  Build Date: %s\n", BuildDate)
			fmt.Fprintf(w, "  Go Version: %s\n", runtime.Version())
			fmt.Fprintf(w, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
