package runlog

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

func TestWriter_WriteLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "run.log")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	if err := w.WriteLine("sync finished: %d files", 42); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	if err := w.WriteLine("trailing newline stripped\n"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), string(data))
	}
	if !strings.HasSuffix(lines[0], "sync finished: 42 files") {
		t.Errorf("line 0 = %q", lines[0])
	}
	// Every line carries a timestamp prefix.
	if _, err := time.Parse("2006-01-02 15:04:05", lines[0][:19]); err != nil {
		t.Errorf("line 0 missing timestamp prefix: %q", lines[0])
	}
}

func TestWriter_AppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")

	for i := 0; i < 2; i++ {
		w, err := NewWriter(path)
		if err != nil {
			t.Fatalf("NewWriter: %v", err)
		}
		if err := w.WriteLine("writer %d", i); err != nil {
			t.Fatalf("WriteLine: %v", err)
		}
		w.Close()
	}

	data, _ := os.ReadFile(path)
	if got := strings.Count(string(data), "\n"); got != 2 {
		t.Errorf("got %d lines after two opens, want 2", got)
	}
}

func TestWriter_ConcurrentWholeLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	const writers = 8
	const linesEach = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < linesEach; j++ {
				if err := w.WriteLine("worker %d line %d", i, j); err != nil {
					t.Errorf("WriteLine: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != writers*linesEach {
		t.Fatalf("got %d lines, want %d", len(lines), writers*linesEach)
	}
	for _, line := range lines {
		if !strings.Contains(line, "worker ") || !strings.Contains(line, " line ") {
			t.Fatalf("spliced line detected: %q", line)
		}
	}
}

func TestTee(t *testing.T) {
	dir := t.TempDir()
	a, err := NewWriter(filepath.Join(dir, "a.log"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewWriter(filepath.Join(dir, "b.log"))
	if err != nil {
		t.Fatal(err)
	}

	// Nil writers are tolerated so optional destinations need no guard.
	tee := NewTee(a, nil, b)
	if err := tee.WriteLine("fan out"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	if err := tee.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, name := range []string{"a.log", "b.log"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("ReadFile(%s): %v", name, err)
		}
		if !strings.Contains(string(data), "fan out") {
			t.Errorf("%s missing teed line", name)
		}
	}
}

func TestLogPaths(t *testing.T) {
	ts := time.Date(2026, 8, 23, 14, 5, 0, 0, time.UTC)

	got := DestinationLogPath("/media/user/backup/docs", ts)
	want := "/media/user/backup/docs/backup_logs/backup_20260823_140500.log"
	if got != want {
		t.Errorf("DestinationLogPath = %q, want %q", got, want)
	}

	got = ConsolidatedLogPath("/home/user/.config/concrete-backup", ts)
	want = "/home/user/.config/concrete-backup/logs/run_20260823_140500.log"
	if got != want {
		t.Errorf("ConsolidatedLogPath = %q, want %q", got, want)
	}
}

func writeAgedLog(t *testing.T, dir, name, content string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCompressOldLogs_Gzip(t *testing.T) {
	dir := t.TempDir()
	writeAgedLog(t, dir, "backup_old.log", "old content\n", 72*time.Hour)
	fresh := writeAgedLog(t, dir, "backup_fresh.log", "fresh content\n", time.Hour)

	n, err := CompressOldLogs(dir, 48*time.Hour, FormatGzip)
	if err != nil {
		t.Fatalf("CompressOldLogs: %v", err)
	}
	if n != 1 {
		t.Errorf("compressed %d files, want 1", n)
	}

	if _, err := os.Stat(filepath.Join(dir, "backup_old.log")); !os.IsNotExist(err) {
		t.Error("original was not removed after compression")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh log was compressed despite being inside maxAge")
	}

	f, err := os.Open(filepath.Join(dir, "backup_old.log.gz"))
	if err != nil {
		t.Fatalf("compressed file missing: %v", err)
	}
	defer f.Close()
	r, err := pgzip.NewReader(f)
	if err != nil {
		t.Fatalf("pgzip.NewReader: %v", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(data) != "old content\n" {
		t.Errorf("roundtrip = %q", string(data))
	}
}

func TestCompressOldLogs_Zstd(t *testing.T) {
	dir := t.TempDir()
	writeAgedLog(t, dir, "backup_old.log", "zstd content\n", 72*time.Hour)

	n, err := CompressOldLogs(dir, 48*time.Hour, FormatZstd)
	if err != nil {
		t.Fatalf("CompressOldLogs: %v", err)
	}
	if n != 1 {
		t.Errorf("compressed %d files, want 1", n)
	}

	f, err := os.Open(filepath.Join(dir, "backup_old.log.zst"))
	if err != nil {
		t.Fatalf("compressed file missing: %v", err)
	}
	defer f.Close()
	r, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(data) != "zstd content\n" {
		t.Errorf("roundtrip = %q", string(data))
	}
}

func TestCompressOldLogs_NoopCases(t *testing.T) {
	dir := t.TempDir()
	writeAgedLog(t, dir, "backup_old.log", "content\n", 72*time.Hour)

	if n, err := CompressOldLogs(dir, 48*time.Hour, "none"); err != nil || n != 0 {
		t.Errorf("format none: n=%d err=%v", n, err)
	}
	if n, err := CompressOldLogs(dir, 0, FormatGzip); err != nil || n != 0 {
		t.Errorf("zero maxAge: n=%d err=%v", n, err)
	}
	if n, err := CompressOldLogs(filepath.Join(dir, "missing"), 48*time.Hour, FormatGzip); err != nil || n != 0 {
		t.Errorf("missing dir: n=%d err=%v", n, err)
	}
}

func TestPruneLogs(t *testing.T) {
	dir := t.TempDir()
	writeAgedLog(t, dir, "backup_ancient.log", "x", 30*24*time.Hour)
	writeAgedLog(t, dir, "backup_ancient.log.gz", "x", 30*24*time.Hour)
	writeAgedLog(t, dir, "backup_recent.log", "x", time.Hour)
	writeAgedLog(t, dir, "notes.txt", "x", 30*24*time.Hour)

	n, err := PruneLogs(dir, 14*24*time.Hour)
	if err != nil {
		t.Fatalf("PruneLogs: %v", err)
	}
	if n != 2 {
		t.Errorf("removed %d files, want 2", n)
	}

	for _, name := range []string{"backup_recent.log", "notes.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s was removed, should survive", name)
		}
	}
}
