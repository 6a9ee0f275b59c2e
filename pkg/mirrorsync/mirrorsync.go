// Package mirrorsync runs rsync to mirror a source directory onto a
// destination. The contract is a true mirror: archive mode plus
// --delete, so files removed from the source disappear from the
// destination on the next run.
package mirrorsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/concretebackup/concrete-backup/pkg/plog"
)

// maxDiagnostic bounds the stderr excerpt carried in a SyncError.
const maxDiagnostic = 4 * 1024

// Status reports how a sync concluded.
type Status string

const (
	// StatusCompleted means rsync ran and the destination is a mirror.
	StatusCompleted Status = "completed"
	// StatusDryRunOK means rsync -n ran and reported what it would do.
	StatusDryRunOK Status = "dry_run_ok"
)

// Result summarizes one source-to-destination sync.
type Result struct {
	Status           Status
	FilesTransferred int64
	BytesTransferred int64
	// Summary is the human-readable tail of the rsync --stats block.
	Summary string
}

// SyncError reports a failed rsync invocation with a bounded stderr
// excerpt for diagnosis.
type SyncError struct {
	Source     string
	Dest       string
	ExitCode   int
	Diagnostic string
}

func (e *SyncError) Error() string {
	msg := fmt.Sprintf("sync %s -> %s failed with exit code %d", e.Source, e.Dest, e.ExitCode)
	if e.Diagnostic != "" {
		msg += ": " + e.Diagnostic
	}
	return msg
}

// Options control a single sync invocation.
type Options struct {
	DryRun  bool
	Verbose bool
}

// Executor runs rsync.
type Executor struct {
	// commandContext allows mocking os/exec for testing.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewExecutor creates an Executor. A nil commandContext uses os/exec
// directly.
func NewExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *Executor {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &Executor{commandContext: commandContext}
}

// Sync mirrors source onto dest. The source is passed with a trailing
// slash so rsync copies the directory's contents rather than nesting the
// directory itself inside dest. The destination directory is created if
// missing, except under dry run where no side effects are allowed.
func (e *Executor) Sync(ctx context.Context, source, dest string, opts Options) (Result, error) {
	src := strings.TrimRight(source, "/") + "/"

	if !opts.DryRun {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return Result{}, fmt.Errorf("failed to create destination %s: %w", dest, err)
		}
	}

	args := []string{"-a", "--delete", "--stats"}
	if opts.Verbose {
		args = append(args, "-v")
	}
	if opts.DryRun {
		args = append(args, "-n")
	}
	args = append(args, src, dest)

	plog.Info("Starting sync", "source", src, "dest", dest, "dry_run", opts.DryRun)

	cmd := e.commandContext(ctx, "rsync", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return Result{}, &SyncError{
			Source:     src,
			Dest:       dest,
			ExitCode:   exitCode,
			Diagnostic: diagnostic(stderr.Bytes(), err),
		}
	}

	result := parseStats(stdout.String())
	if opts.DryRun {
		result.Status = StatusDryRunOK
	} else {
		result.Status = StatusCompleted
	}

	plog.Info("Sync finished", "dest", dest,
		"files_transferred", result.FilesTransferred,
		"bytes_transferred", result.BytesTransferred)
	return result, nil
}

// parseStats extracts transfer counters from the rsync --stats block.
// Both the modern and the pre-3.1 stat labels are recognized.
func parseStats(out string) Result {
	var r Result
	var summary []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Number of regular files transferred:"),
			strings.HasPrefix(line, "Number of files transferred:"):
			r.FilesTransferred = statValue(line)
			summary = append(summary, line)
		case strings.HasPrefix(line, "Total transferred file size:"):
			r.BytesTransferred = statValue(line)
			summary = append(summary, line)
		case strings.HasPrefix(line, "Number of deleted files:"),
			strings.HasPrefix(line, "Total file size:"),
			strings.HasPrefix(line, "Number of files:"):
			summary = append(summary, line)
		}
	}
	r.Summary = strings.Join(summary, "\n")
	return r
}

// statValue parses the numeric value of a "Label: 1,234 bytes" stat line.
func statValue(line string) int64 {
	_, rest, ok := strings.Cut(line, ":")
	if !ok {
		return 0
	}
	rest = strings.TrimSpace(rest)
	if f := strings.Fields(rest); len(f) > 0 {
		rest = f[0]
	}
	rest = strings.ReplaceAll(rest, ",", "")
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// diagnostic trims stderr to a bounded excerpt, falling back to the exec
// error when rsync wrote nothing.
func diagnostic(stderr []byte, err error) string {
	out := strings.TrimSpace(string(stderr))
	if out == "" {
		return err.Error()
	}
	if len(out) > maxDiagnostic {
		out = out[len(out)-maxDiagnostic:]
	}
	return out
}
