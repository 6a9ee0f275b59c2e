// Package crontab schedules profile runs through the user's crontab.
// Every entry this tool owns is preceded by a tag comment naming the
// profile, so enable, disable and status can find their own lines
// without disturbing anything else in the crontab. All mutations are a
// single read-reconcile-write transaction over `crontab -l` and
// `crontab -`, serialized across processes with a lock file.
package crontab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/concretebackup/concrete-backup/pkg/lockfile"
	"github.com/concretebackup/concrete-backup/pkg/plog"
	"github.com/concretebackup/concrete-backup/pkg/profile"
	"github.com/concretebackup/concrete-backup/pkg/util"
)

// tagPrefix marks crontab lines owned by this tool. The profile name
// follows the colon.
const tagPrefix = "# concrete-backup:"

// lockName is the transaction lock file inside the config directory.
const lockName = "crontab.lock"

// ErrorKind classifies scheduling failures.
type ErrorKind int

const (
	// KindPermissionDenied means the elevation prefix refused to run the
	// crontab command.
	KindPermissionDenied ErrorKind = iota
	// KindCrontabWriteFailed means the crontab command itself failed.
	KindCrontabWriteFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission denied"
	case KindCrontabWriteFailed:
		return "crontab write failed"
	default:
		return "unknown"
	}
}

// SchedulingError reports a failed crontab operation.
type SchedulingError struct {
	Kind    ErrorKind
	Profile string
	Err     error
}

func (e *SchedulingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scheduling %s: %s: %v", e.Profile, e.Kind, e.Err)
	}
	return fmt.Sprintf("scheduling %s: %s", e.Profile, e.Kind)
}

func (e *SchedulingError) Unwrap() error { return e.Err }

// cronParser validates the standard five-field expressions we generate.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Expression renders a ScheduleSpec as a five-field cron expression,
// e.g. "30 2 * * 1,5". A daily schedule, whether given as no weekdays
// or as all seven, renders as "*".
func Expression(s profile.ScheduleSpec) (string, error) {
	days := "*"
	if !s.Daily() {
		sorted := make([]time.Weekday, len(s.Weekdays))
		copy(sorted, s.Weekdays)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var parts []string
		for _, d := range sorted {
			parts = append(parts, fmt.Sprintf("%d", int(d)))
		}
		// A weekday listed twice in the profile is listed once in cron.
		days = strings.Join(util.MergeAndDeduplicate(parts), ",")
	}

	expr := fmt.Sprintf("%d %d * * %s", s.Minute, s.Hour, days)
	if _, err := cronParser.Parse(expr); err != nil {
		return "", fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return expr, nil
}

// NextRun computes when the expression next fires after now.
func NextRun(expr string, now time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(now), nil
}

// Status describes a profile's presence in the live crontab.
type Status struct {
	Present    bool
	Expression string
	NextRun    time.Time
}

// Scheduler reads and rewrites the crontab.
type Scheduler struct {
	// commandContext allows mocking os/exec for testing.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
	// elevate is prepended to every crontab invocation when the target
	// crontab needs privileges, e.g. ["sudo", "-n"] or ["pkexec"].
	elevate   []string
	configDir string
}

// NewScheduler creates a Scheduler writing scripts and the transaction
// lock under configDir. A nil commandContext uses os/exec directly; an
// empty elevate runs crontab as the current user.
func NewScheduler(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd, configDir string, elevate ...string) *Scheduler {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &Scheduler{commandContext: commandContext, elevate: elevate, configDir: configDir}
}

// Enable schedules the profile: it writes the standalone runner script
// and installs (or replaces) the profile's tagged crontab lines. The
// profile must already be persisted at profilePath so the cron-launched
// run loads the same configuration. Calling Enable again after the
// schedule changed updates the entry in place.
func (s *Scheduler) Enable(ctx context.Context, p *profile.Profile, profilePath string) error {
	expr, err := Expression(p.Schedule)
	if err != nil {
		return err
	}

	// The cron-launched run loads the profile by name, so it must be on
	// disk before an entry pointing at it exists.
	if _, err := os.Stat(profilePath); err != nil {
		return &SchedulingError{Kind: KindCrontabWriteFailed, Profile: p.Name,
			Err: fmt.Errorf("profile must be saved before scheduling: %w", err)}
	}

	scriptPath, err := s.writeScript(p)
	if err != nil {
		return &SchedulingError{Kind: KindCrontabWriteFailed, Profile: p.Name, Err: err}
	}

	return s.transact(ctx, p.Name, func(lines []string) []string {
		lines = removeTagged(lines, p.Name)
		lines = append(lines,
			tagPrefix+p.Name,
			fmt.Sprintf("%s %s", expr, scriptPath),
		)
		return lines
	})
}

// Disable removes the profile's tagged lines. A profile that was never
// scheduled is not an error; the crontab is left untouched in that case.
func (s *Scheduler) Disable(ctx context.Context, p *profile.Profile) error {
	return s.transact(ctx, p.Name, func(lines []string) []string {
		return removeTagged(lines, p.Name)
	})
}

// Query re-reads the live crontab and reports the profile's schedule
// state. The crontab is the single source of truth; nothing is cached.
func (s *Scheduler) Query(ctx context.Context, p *profile.Profile) (Status, error) {
	lines, err := s.read(ctx, p.Name)
	if err != nil {
		return Status{}, err
	}

	for i, line := range lines {
		if strings.TrimSpace(line) != tagPrefix+p.Name {
			continue
		}
		if i+1 >= len(lines) {
			break
		}
		fields := strings.Fields(lines[i+1])
		if len(fields) < 6 {
			break
		}
		expr := strings.Join(fields[:5], " ")
		next, err := NextRun(expr, time.Now())
		if err != nil {
			// A tagged entry someone hand-edited into an unparsable
			// state still counts as present.
			return Status{Present: true, Expression: expr}, nil
		}
		return Status{Present: true, Expression: expr, NextRun: next}, nil
	}
	return Status{}, nil
}

// transact runs one locked read-reconcile-write cycle.
func (s *Scheduler) transact(ctx context.Context, profileName string, reconcile func([]string) []string) error {
	lock, err := lockfile.AcquireContext(ctx, filepath.Join(s.configDir, lockName))
	if err != nil {
		return &SchedulingError{Kind: KindCrontabWriteFailed, Profile: profileName, Err: err}
	}
	defer lock.Release()

	lines, err := s.read(ctx, profileName)
	if err != nil {
		return err
	}

	updated := reconcile(lines)
	if equalLines(lines, updated) {
		plog.Info("Crontab already up to date", "profile", profileName)
		return nil
	}
	return s.write(ctx, profileName, updated)
}

// read fetches the current crontab. A missing crontab ("no crontab for
// user") is an empty one. Only stdout is treated as crontab content;
// an elevation wrapper may chat on stderr even when the command
// succeeds, and those lines must never be written back as entries.
func (s *Scheduler) read(ctx context.Context, profileName string) ([]string, error) {
	cmd := s.command(ctx, "crontab", "-l")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "no crontab for") {
			return nil, nil
		}
		return nil, s.classify(profileName, err, stderr.Bytes())
	}

	text := strings.TrimRight(stdout.String(), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

// write replaces the whole crontab via `crontab -`.
func (s *Scheduler) write(ctx context.Context, profileName string, lines []string) error {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteString("\n")
	}

	cmd := s.command(ctx, "crontab", "-")
	cmd.Stdin = &buf
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return s.classify(profileName, err, stderr.Bytes())
	}

	plog.Info("Crontab updated", "profile", profileName, "lines", len(lines))
	return nil
}

// command builds a crontab invocation with the elevation prefix applied.
func (s *Scheduler) command(ctx context.Context, name string, arg ...string) *exec.Cmd {
	if len(s.elevate) > 0 {
		full := append(append([]string{}, s.elevate[1:]...), name)
		full = append(full, arg...)
		return s.commandContext(ctx, s.elevate[0], full...)
	}
	return s.commandContext(ctx, name, arg...)
}

// classify maps an elevation refusal to PermissionDenied, everything
// else to CrontabWriteFailed.
func (s *Scheduler) classify(profileName string, err error, out []byte) error {
	kind := KindCrontabWriteFailed

	msg := strings.ToLower(string(out))
	var exitErr *exec.ExitError
	exitCode := -1
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	if exitCode == 126 || exitCode == 127 ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "a password is required") {
		kind = KindPermissionDenied
	}

	diag := strings.TrimSpace(string(out))
	if diag == "" {
		diag = err.Error()
	}
	return &SchedulingError{Kind: kind, Profile: profileName, Err: errors.New(diag)}
}

// writeScript generates the standalone script cron executes. cron runs
// with a minimal environment, so the script pins PATH and HOME and
// appends all output to cron.log next to the other run logs.
func (s *Scheduler) writeScript(p *profile.Profile) (string, error) {
	scriptsDir := filepath.Join(s.configDir, "scripts")
	if err := os.MkdirAll(scriptsDir, util.UserWritableDirPerms); err != nil {
		return "", fmt.Errorf("failed to create scripts directory: %w", err)
	}
	logsDir := filepath.Join(s.configDir, "logs")
	if err := os.MkdirAll(logsDir, util.UserWritableDirPerms); err != nil {
		return "", fmt.Errorf("failed to create logs directory: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}

	cronLog := filepath.Join(logsDir, "cron.log")
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "# Generated by concrete-backup for profile %q. Do not edit.\n", p.Name)
	b.WriteString("PATH=/usr/local/bin:/usr/bin:/bin\n")
	fmt.Fprintf(&b, "HOME=%s\n", home)
	b.WriteString("export PATH HOME\n")
	fmt.Fprintf(&b, "echo \"$(date '+%%Y-%%m-%%d %%H:%%M:%%S') starting scheduled run for profile %s\" >> %s\n", p.Name, cronLog)
	fmt.Fprintf(&b, "concrete-backup run -profile %s >> %s 2>&1\n", p.Name, cronLog)
	b.WriteString("status=$?\n")
	fmt.Fprintf(&b, "echo \"$(date '+%%Y-%%m-%%d %%H:%%M:%%S') scheduled run for profile %s exited with $status\" >> %s\n", p.Name, cronLog)
	b.WriteString("exit $status\n")

	scriptPath := filepath.Join(scriptsDir, "backup_"+p.Name+".sh")
	if err := os.WriteFile(scriptPath, []byte(b.String()), util.UserExecutableFilePerms); err != nil {
		return "", fmt.Errorf("failed to write cron script: %w", err)
	}
	return scriptPath, nil
}

// removeTagged drops a profile's tag comment and the entry line that
// follows it.
func removeTagged(lines []string, profileName string) []string {
	var out []string
	skipNext := false
	for _, line := range lines {
		if skipNext {
			skipNext = false
			continue
		}
		if strings.TrimSpace(line) == tagPrefix+profileName {
			skipNext = true
			continue
		}
		out = append(out, line)
	}
	return out
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
