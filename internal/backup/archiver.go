package backup

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
)

const (
	// memberOverhead bounds the end-of-central-directory records of one member.
	memberOverhead = 256
	// entryOverhead bounds the local header, data descriptor and central
	// directory record of one entry, excluding the name.
	entryOverhead = 256
)

// entryCost is an upper bound on the bytes one file adds to a member:
// headers plus the deflate worst case of 5 bytes per stored 64 KiB block.
func entryCost(name string, size int64) int64 {
	return entryOverhead + 2*int64(len(name)) + size + size/8192 + 64
}

// trailerCost bounds what a written entry still adds when its member is
// finalized: the data descriptor and the central directory record.
func trailerCost(name string) int64 {
	return entryOverhead + int64(len(name))
}

// stagedFile is a file found under the staging directory.
type stagedFile struct {
	path string
	name string
	size int64
	info fs.FileInfo
}

// Archiver packs a staging directory into size-bounded zip members.
type Archiver struct {
	maxSourceSize int64
	maxMemberSize int64
	level         int
	bufferSize    int
	logger        zerolog.Logger
}

// NewArchiver creates an archiver. level is a flate compression level.
func NewArchiver(maxSourceSize, maxMemberSize int64, level, bufferSize int, logger zerolog.Logger) *Archiver {
	return &Archiver{
		maxSourceSize: maxSourceSize,
		maxMemberSize: maxMemberSize,
		level:         level,
		bufferSize:    bufferSize,
		logger:        logger.With().Str("component", "archiver").Logger(),
	}
}

// MemberName returns the path of the i-th member (1-based) for prefix.
func MemberName(prefix string, i int) string {
	return fmt.Sprintf("%s_part%d.zip", prefix, i)
}

// Archive writes the files under stagingDir into members named
// <destinationPrefix>_part<i>.zip.
//
// Members roll over before a file would push the projected size past the
// member limit, so a file never spans members. The projection is the
// compressed bytes already written plus the worst case for the next file. A file too large on its own
// gets a dedicated member; if that member is still over the limit it is
// removed and the file is recorded as a failure.
func (a *Archiver) Archive(ctx context.Context, stagingDir, destinationPrefix string) (*ArchiveSet, error) {
	files, total, err := a.scan(stagingDir)
	if err != nil {
		return nil, err
	}
	if total > a.maxSourceSize {
		return nil, fmt.Errorf("%w: staging holds %d bytes, limit %d", ErrSizeLimitExceeded, total, a.maxSourceSize)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrNothingToArchive, stagingDir)
	}

	if err := os.MkdirAll(filepath.Dir(destinationPrefix), 0700); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	w := &memberWriter{
		prefix: destinationPrefix,
		level:  a.level,
		buf:    make([]byte, a.bufferSize),
	}
	set := &ArchiveSet{}

	fail := func(err error) (*ArchiveSet, error) {
		w.abort()
		for _, m := range set.Members {
			_ = os.Remove(m.Path)
		}
		return nil, err
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		cost := entryCost(f.name, f.size)
		if memberOverhead+cost > a.maxMemberSize {
			if err := a.archiveOversize(w, set, f); err != nil {
				return fail(err)
			}
			continue
		}

		if w.open() && w.projected+cost > a.maxMemberSize {
			m, err := w.finish()
			if err != nil {
				return fail(err)
			}
			set.Members = append(set.Members, m)
		}

		added, err := w.add(f)
		if err != nil {
			return fail(err)
		}
		if !added {
			set.Failures = append(set.Failures, ItemFailure{Path: f.name, Kind: KindTransientAccess, Err: w.skipErr})
		}
	}

	if w.open() {
		m, err := w.finish()
		if err != nil {
			return fail(err)
		}
		set.Members = append(set.Members, m)
	}

	if len(set.Members) == 0 {
		return set, fmt.Errorf("%w: no file could be archived", ErrNothingToArchive)
	}

	a.logger.Info().
		Str("prefix", destinationPrefix).
		Int("members", len(set.Members)).
		Int64("bytes", set.TotalSize()).
		Int("failures", len(set.Failures)).
		Msg("archive completed")

	return set, nil
}

// archiveOversize writes f into a member of its own and keeps the member
// only if it fits the limit.
func (a *Archiver) archiveOversize(w *memberWriter, set *ArchiveSet, f stagedFile) error {
	if w.open() {
		m, err := w.finish()
		if err != nil {
			return err
		}
		set.Members = append(set.Members, m)
	}

	added, err := w.add(f)
	if err != nil {
		return err
	}
	if !added {
		set.Failures = append(set.Failures, ItemFailure{Path: f.name, Kind: KindTransientAccess, Err: w.skipErr})
		return nil
	}
	m, err := w.finish()
	if err != nil {
		return err
	}

	if m.Size > a.maxMemberSize {
		if err := os.Remove(m.Path); err != nil {
			return fmt.Errorf("remove oversize member: %w", err)
		}
		// The part number is free again.
		w.index--
		a.logger.Warn().
			Str("path", f.name).
			Int64("compressed_bytes", m.Size).
			Int64("max_bytes", a.maxMemberSize).
			Msg("file exceeds member size limit even compressed, skipping")
		set.Failures = append(set.Failures, ItemFailure{
			Path: f.name,
			Kind: KindSizeLimitExceeded,
			Err:  fmt.Errorf("%w: compressed to %d bytes, limit %d", ErrSizeLimitExceeded, m.Size, a.maxMemberSize),
		})
		return nil
	}

	set.Members = append(set.Members, m)
	return nil
}

// scan lists regular files under dir in lexical order, leaving out the
// staging marker.
func (a *Archiver) scan(dir string) ([]stagedFile, int64, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, 0, fmt.Errorf("stat staging directory: %w", err)
	}
	if !info.IsDir() {
		return nil, 0, fmt.Errorf("staging path %s is not a directory", dir)
	}

	var (
		files []stagedFile
		total int64
	)
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == StagingMarker {
			return nil
		}
		files = append(files, stagedFile{
			path: path,
			name: filepath.ToSlash(rel),
			size: fi.Size(),
			info: fi,
		})
		total += fi.Size()
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("scan staging directory: %w", err)
	}
	return files, total, nil
}

// memberWriter owns the member currently being written.
type memberWriter struct {
	prefix string
	level  int
	buf    []byte

	index     int
	file      *os.File
	zw        *zip.Writer
	comp      *flate.Writer
	entries   int
	rawBytes  int64
	trailers  int64
	projected int64
	skipErr   error
}

func (w *memberWriter) open() bool {
	return w.zw != nil
}

func (w *memberWriter) start() error {
	w.index++
	path := MemberName(w.prefix, w.index)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		w.index--
		return fmt.Errorf("create archive member: %w", err)
	}

	zw := zip.NewWriter(f)
	level := w.level
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		fw, err := flate.NewWriter(out, level)
		if err != nil {
			return nil, err
		}
		w.comp = fw
		return fw, nil
	})

	w.file = f
	w.zw = zw
	w.comp = nil
	w.entries = 0
	w.rawBytes = 0
	w.trailers = 0
	w.projected = memberOverhead
	return nil
}

// add writes one file into the current member, opening one if needed. It
// returns false without error when the source could not be opened.
func (w *memberWriter) add(f stagedFile) (bool, error) {
	src, err := os.Open(f.path)
	if err != nil {
		w.skipErr = err
		return false, nil
	}
	defer src.Close()

	if !w.open() {
		if err := w.start(); err != nil {
			return false, err
		}
	}

	header, err := zip.FileInfoHeader(f.info)
	if err != nil {
		return false, fmt.Errorf("build header for %s: %w", f.name, err)
	}
	header.Name = f.name
	header.Method = zip.Deflate

	dst, err := w.zw.CreateHeader(header)
	if err != nil {
		return false, fmt.Errorf("write header for %s: %w", f.name, err)
	}
	n, err := io.CopyBuffer(dst, src, w.buf)
	if err != nil {
		return false, fmt.Errorf("compress %s: %w", f.name, err)
	}

	w.entries++
	w.rawBytes += n
	w.trailers += trailerCost(f.name)
	if err := w.measure(); err != nil {
		return false, fmt.Errorf("measure member after %s: %w", f.name, err)
	}
	return true, nil
}

// measure pushes pending compressed output to the file and sets projected
// from the real offset.
func (w *memberWriter) measure() error {
	if w.comp != nil {
		if err := w.comp.Flush(); err != nil {
			return err
		}
	}
	if err := w.zw.Flush(); err != nil {
		return err
	}
	offset, err := w.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	w.projected = memberOverhead + offset + w.trailers
	return nil
}

// finish finalizes the current member and reports its size.
func (w *memberWriter) finish() (ArchiveMember, error) {
	path := w.file.Name()
	err := w.zw.Close()
	if syncErr := w.file.Sync(); err == nil {
		err = syncErr
	}
	if closeErr := w.file.Close(); err == nil {
		err = closeErr
	}
	w.zw = nil
	w.comp = nil
	w.file = nil
	if err != nil {
		_ = os.Remove(path)
		return ArchiveMember{}, fmt.Errorf("finalize archive member: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return ArchiveMember{}, fmt.Errorf("stat archive member: %w", err)
	}
	return ArchiveMember{
		Path:     path,
		Size:     info.Size(),
		Files:    w.entries,
		RawBytes: w.rawBytes,
	}, nil
}

// abort closes and removes the member in progress.
func (w *memberWriter) abort() {
	if w.file == nil {
		return
	}
	path := w.file.Name()
	_ = w.zw.Close()
	_ = w.file.Close()
	_ = os.Remove(path)
	w.zw = nil
	w.comp = nil
	w.file = nil
}

// Extract unpacks member into dst and returns the extracted file names.
// Entries that would land outside dst are rejected.
func Extract(member, dst string) ([]string, error) {
	r, err := zip.OpenReader(member)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	root, err := filepath.Abs(dst)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, f := range r.File {
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return names, fmt.Errorf("archive entry %q escapes destination", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0700); err != nil {
				return names, err
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return names, fmt.Errorf("extract %s: %w", f.Name, err)
		}
		names = append(names, f.Name)
	}
	return names, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(target, f.Modified, f.Modified)
}
