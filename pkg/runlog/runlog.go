// Package runlog writes the per-run backup logs. Each run appends to a
// log inside every destination's backup_logs directory and to a
// consolidated log under the user config directory. Writers are
// append-only and serialize whole lines, so a cron run and a manual run
// hitting the same file interleave at line granularity instead of
// corrupting each other.
package runlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/concretebackup/concrete-backup/pkg/plog"
	"github.com/concretebackup/concrete-backup/pkg/util"
)

// DirName is the log directory created inside each destination.
const DirName = "backup_logs"

// timestampLayout names log files, e.g. backup_20260823_140500.log.
const timestampLayout = "20060102_150405"

// lineTimeLayout prefixes every log line.
const lineTimeLayout = "2006-01-02 15:04:05"

// Compression formats accepted by CompressOldLogs.
const (
	FormatGzip = "gzip"
	FormatZstd = "zstd"
)

// DestinationLogPath is where a run started at ts logs inside dest.
func DestinationLogPath(dest string, ts time.Time) string {
	return filepath.Join(dest, DirName, "backup_"+ts.Format(timestampLayout)+".log")
}

// ConsolidatedLogPath is the run log under the config directory that
// aggregates all destinations of a run.
func ConsolidatedLogPath(configDir string, ts time.Time) string {
	return filepath.Join(configDir, "logs", "run_"+ts.Format(timestampLayout)+".log")
}

// Writer is a mutex-serialized, append-only log writer. Lines are
// written with a single write call each, so concurrent writers on the
// same file never splice partial lines together.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// NewWriter opens (creating parent directories as needed) an append-only
// log file.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, util.UserWritableFilePerms)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return &Writer{f: f, path: path}, nil
}

// Path returns the log file path.
func (w *Writer) Path() string { return w.path }

// WriteLine appends one timestamped line.
func (w *Writer) WriteLine(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	msg = strings.TrimRight(msg, "\n")
	line := time.Now().Format(lineTimeLayout) + " " + msg + "\n"

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.f.WriteString(line)
	return err
}

// Write implements io.Writer for raw pass-through, e.g. teeing command
// output into the run log.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Write(p)
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Tee fans lines out to several writers. A failing writer does not stop
// the others; the first error is returned after all writers were tried.
type Tee struct {
	writers []*Writer
}

// NewTee creates a Tee over the given writers. Nil writers are skipped
// so callers can pass optional destinations unconditionally.
func NewTee(writers ...*Writer) *Tee {
	t := &Tee{}
	for _, w := range writers {
		if w != nil {
			t.writers = append(t.writers, w)
		}
	}
	return t
}

// WriteLine appends a timestamped line to every writer.
func (t *Tee) WriteLine(format string, args ...any) error {
	var firstErr error
	for _, w := range t.writers {
		if err := w.WriteLine(format, args...); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every writer.
func (t *Tee) Close() error {
	var firstErr error
	for _, w := range t.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CompressOldLogs compresses .log files in dir older than maxAge to .gz
// or .zst depending on format and removes the originals. It returns the
// number of files compressed. Unknown formats and a zero maxAge leave
// the directory untouched.
func CompressOldLogs(dir string, maxAge time.Duration, format string) (int, error) {
	if format != FormatGzip && format != FormatZstd {
		return 0, nil
	}
	if maxAge <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read log directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	compressed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if err := compressFile(path, format); err != nil {
			plog.Warn("Failed to compress old log", "path", path, "error", err)
			continue
		}
		if err := os.Remove(path); err != nil {
			return compressed, fmt.Errorf("failed to remove compressed original %s: %w", path, err)
		}
		compressed++
	}
	return compressed, nil
}

// PruneLogs deletes logs (compressed or not) in dir older than maxAge
// and returns how many were removed. A zero maxAge keeps everything.
func PruneLogs(dir string, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read log directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !isLogFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove expired log: %w", err)
		}
		removed++
	}
	return removed, nil
}

func isLogFile(name string) bool {
	return strings.HasSuffix(name, ".log") ||
		strings.HasSuffix(name, ".log.gz") ||
		strings.HasSuffix(name, ".log.zst")
}

func compressFile(path, format string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	var ext string
	switch format {
	case FormatGzip:
		ext = ".gz"
	case FormatZstd:
		ext = ".zst"
	}

	out, err := os.OpenFile(path+ext, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, util.UserWritableFilePerms)
	if err != nil {
		return err
	}
	defer out.Close()

	var enc io.WriteCloser
	switch format {
	case FormatGzip:
		enc = pgzip.NewWriter(out)
	case FormatZstd:
		enc, err = zstd.NewWriter(out)
		if err != nil {
			return err
		}
	}

	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return out.Close()
}
