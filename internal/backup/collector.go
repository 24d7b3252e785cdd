package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/autobackup/internal/retry"
)

// plannedFile is one file selected for copying.
type plannedFile struct {
	src  string
	rel  string
	size int64
}

// collectPlan is the result of the sizing walk.
type collectPlan struct {
	root     string
	sources  []string
	staging  *stagingGuard
	files    []plannedFile
	total    int64
	skipped  []string
	failures []ItemFailure
}

func newCollectPlan(root, stagingDir string) (*collectPlan, error) {
	r, err := canonicalPath(root)
	if err != nil {
		return nil, fmt.Errorf("resolve source root: %w", err)
	}
	guard, err := newStagingGuard(stagingDir)
	if err != nil {
		return nil, err
	}
	return &collectPlan{root: r, staging: guard}, nil
}

// Collector copies source paths into a staging directory.
type Collector struct {
	maxSourceSize int64
	bufferSize    int
	access        retry.Policy
	skipDir       func(rel string) bool
	copyFile      func(src, dst string, buf []byte) (int64, error)
	logger        zerolog.Logger
}

// NewCollector creates a collector. Each file copy is retried under access.
func NewCollector(maxSourceSize int64, bufferSize int, access retry.Policy, logger zerolog.Logger) *Collector {
	return &Collector{
		maxSourceSize: maxSourceSize,
		bufferSize:    bufferSize,
		access:        access,
		copyFile:      copyFile,
		logger:        logger.With().Str("component", "collector").Logger(),
	}
}

// SetSkipDir sets a predicate over root-relative paths that are never
// collected. It applies to directories met while walking and to source
// entries themselves.
func (c *Collector) SetSkipDir(skip func(rel string) bool) {
	c.skipDir = skip
}

// Collect copies each entry of spec, relative to root, into stagingDir.
//
// Missing entries are recorded as skipped. Files that stay unreadable after
// retries are recorded as failures and collection continues. If the total
// size of resolvable entries exceeds the source limit, ErrSizeLimitExceeded
// is returned before anything is copied. A staging directory that overlaps
// an entry, contains root, or holds foreign files yields ErrUnsafeStaging.
func (c *Collector) Collect(ctx context.Context, root string, spec SourceSpec, stagingDir string) (*StagingArea, error) {
	plan, err := newCollectPlan(root, stagingDir)
	if err != nil {
		return nil, err
	}
	for _, entry := range spec {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.planEntry(ctx, plan.root, entry, plan)
	}
	return c.execute(ctx, plan, stagingDir)
}

// CollectMatching walks root and copies every regular file whose
// root-relative path satisfies match. stagingDir may lie inside root; it is
// never walked.
func (c *Collector) CollectMatching(ctx context.Context, root, stagingDir string, match func(rel string) bool) (*StagingArea, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat source root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source root %s is not a directory", root)
	}

	plan, err := newCollectPlan(root, stagingDir)
	if err != nil {
		return nil, err
	}
	if err := c.walk(ctx, plan.root, "", match, plan); err != nil {
		return nil, err
	}
	return c.execute(ctx, plan, stagingDir)
}

// planEntry resolves one spec entry and adds its files to plan.
func (c *Collector) planEntry(ctx context.Context, root, entry string, plan *collectPlan) {
	rel, ok := cleanRelative(entry)
	if !ok {
		plan.failures = append(plan.failures, ItemFailure{
			Path: entry,
			Kind: KindInvalidPath,
			Err:  errors.New("path must be relative to the source root"),
		})
		return
	}

	if c.skipDir != nil && c.skipDir(rel) {
		c.logger.Debug().Str("path", rel).Msg("source entry excluded, skipping")
		plan.skipped = append(plan.skipped, rel)
		return
	}

	src := filepath.Join(root, rel)
	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.logger.Debug().Str("path", rel).Msg("source entry not found, skipping")
			plan.skipped = append(plan.skipped, rel)
			return
		}
		plan.failures = append(plan.failures, ItemFailure{Path: rel, Kind: KindTransientAccess, Err: err})
		return
	}

	if info.Mode().IsRegular() {
		plan.sources = append(plan.sources, src)
		plan.add(plannedFile{src: src, rel: rel, size: info.Size()})
		return
	}
	if !info.IsDir() {
		c.logger.Debug().Str("path", rel).Str("mode", info.Mode().String()).Msg("not a regular file, skipping")
		plan.skipped = append(plan.skipped, rel)
		return
	}

	// Desktop and similar folders are often symlinked or redirected.
	resolved, err := filepath.EvalSymlinks(src)
	if err != nil {
		plan.failures = append(plan.failures, ItemFailure{Path: rel, Kind: KindTransientAccess, Err: err})
		return
	}
	plan.sources = append(plan.sources, resolved)
	if err := c.walk(ctx, resolved, rel, nil, plan); err != nil {
		plan.failures = append(plan.failures, ItemFailure{Path: rel, Kind: KindTransientAccess, Err: err})
	}
}

// walk adds the regular files under dir to plan, naming them relPrefix/<sub>.
func (c *Collector) walk(ctx context.Context, dir, relPrefix string, match func(rel string) bool, plan *collectPlan) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		sub, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		rel := filepath.Join(relPrefix, sub)

		if err != nil {
			// Log and continue on permission errors
			c.logger.Debug().Err(err).Str("path", rel).Msg("error accessing path")
			plan.failures = append(plan.failures, ItemFailure{Path: rel, Kind: KindTransientAccess, Err: err})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path == dir {
				return nil
			}
			if plan.staging.skips(path) || (c.skipDir != nil && c.skipDir(rel)) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if match != nil && !match(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			plan.failures = append(plan.failures, ItemFailure{Path: rel, Kind: KindTransientAccess, Err: err})
			return nil
		}
		plan.add(plannedFile{src: path, rel: rel, size: info.Size()})
		return nil
	})
}

// excludes reports whether path, or one of its ancestors below root, is
// removed by the skip predicate.
func (c *Collector) excludes(root, path string) bool {
	if c.skipDir == nil {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || !isWithin(root, path) || rel == "." {
		return false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	for i := range parts {
		if c.skipDir(filepath.Join(parts[:i+1]...)) {
			return true
		}
	}
	return false
}

func (p *collectPlan) add(f plannedFile) {
	p.files = append(p.files, f)
	p.total += f.size
}

// execute enforces the size limit, prepares stagingDir, and copies the plan.
func (c *Collector) execute(ctx context.Context, plan *collectPlan, stagingDir string) (*StagingArea, error) {
	if plan.total > c.maxSourceSize {
		c.logger.Error().
			Int64("total_bytes", plan.total).
			Int64("max_bytes", c.maxSourceSize).
			Msg("source exceeds size limit")
		return nil, fmt.Errorf("%w: source is %d bytes, limit %d", ErrSizeLimitExceeded, plan.total, c.maxSourceSize)
	}

	if err := plan.staging.prepare(plan.root, plan.sources, c.excludes(plan.root, plan.staging.path)); err != nil {
		c.logger.Error().Err(err).Str("staging", stagingDir).Msg("refusing staging directory")
		return nil, err
	}

	area := &StagingArea{
		Path:     stagingDir,
		Skipped:  plan.skipped,
		Failures: plan.failures,
	}

	buf := make([]byte, c.bufferSize)
	for _, f := range plan.files {
		if err := ctx.Err(); err != nil {
			return area, err
		}

		dst := filepath.Join(stagingDir, f.rel)
		var copied int64
		err := c.access.Do(ctx, func(attempt int) error {
			n, err := c.copyFile(f.src, dst, buf)
			if errors.Is(err, fs.ErrNotExist) {
				return retry.Permanent(err)
			}
			copied = n
			return err
		}, func(err error, attempt int) {
			c.logger.Warn().Err(err).Str("path", f.rel).Int("attempt", attempt).Msg("file copy attempt failed")
		})

		switch {
		case err == nil:
			area.FilesCopied++
			area.BytesCopied += copied
		case errors.Is(err, fs.ErrNotExist):
			// Removed between planning and copying.
			area.Skipped = append(area.Skipped, f.rel)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return area, ctx.Err()
		default:
			_ = os.Remove(dst)
			area.Failures = append(area.Failures, ItemFailure{Path: f.rel, Kind: KindTransientAccess, Err: err})
		}
	}

	c.logger.Info().
		Str("staging", stagingDir).
		Int("files", area.FilesCopied).
		Int64("bytes", area.BytesCopied).
		Int("skipped", len(area.Skipped)).
		Int("failures", len(area.Failures)).
		Msg("collection completed")

	return area, nil
}

// cleanRelative normalizes entry and rejects absolute or escaping paths.
func cleanRelative(entry string) (string, bool) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return "", false
	}
	// Configured paths may use either separator.
	entry = strings.ReplaceAll(entry, `\`, "/")
	rel := filepath.Clean(filepath.FromSlash(entry))
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// copyFile copies src to dst through buf, preserving the modification time.
func copyFile(src, dst string, buf []byte) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, err
	}

	n, err := io.CopyBuffer(out, in, buf)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, err
	}

	_ = os.Chtimes(dst, info.ModTime(), info.ModTime())
	return n, nil
}
