package crontab

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/concretebackup/concrete-backup/pkg/profile"
)

// TestHelperProcess stands in for the crontab binary. It persists the
// crontab in the file named by CRONTAB_FILE so read-reconcile-write
// cycles behave like the real thing, and HELPER_MODE simulates
// elevation failures.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("HELPER_MODE") {
	case "deny":
		os.Stderr.WriteString("sudo: a password is required\n")
		os.Exit(1)
	case "exit126":
		os.Exit(126)
	case "fail":
		os.Stderr.WriteString("crontab: installing new crontab failed\n")
		os.Exit(1)
	case "chatty":
		// Succeeds, but an elevation wrapper grumbles on stderr first.
		os.Stderr.WriteString("sudo: unable to resolve host backup-box\n")
	}

	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}

	op := ""
	for i, arg := range args {
		if arg == "crontab" && i+1 < len(args) {
			op = args[i+1]
			break
		}
	}

	file := os.Getenv("CRONTAB_FILE")
	switch op {
	case "-l":
		data, err := os.ReadFile(file)
		if err != nil {
			os.Stderr.WriteString("no crontab for testuser\n")
			os.Exit(1)
		}
		os.Stdout.Write(data)
	case "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			os.Exit(1)
		}
		if err := os.WriteFile(file, data, 0o644); err != nil {
			os.Exit(1)
		}
	default:
		os.Stderr.WriteString("unexpected crontab invocation\n")
		os.Exit(2)
	}
	os.Exit(0)
}

func fakeCrontab(file, mode string, calls *[][]string) func(ctx context.Context, name string, arg ...string) *exec.Cmd {
	return func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		if calls != nil {
			*calls = append(*calls, append([]string{name}, arg...))
		}
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, arg...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(),
			"GO_WANT_HELPER_PROCESS=1",
			"CRONTAB_FILE="+file,
			"HELPER_MODE="+mode,
		)
		return cmd
	}
}

// newTestSetup returns a scheduler over a fake crontab plus a persisted
// profile scheduled for 02:30 on Monday and Friday.
func newTestSetup(t *testing.T, mode string, elevate ...string) (*Scheduler, *profile.Profile, string, string) {
	t.Helper()
	configDir := t.TempDir()
	crontabFile := filepath.Join(configDir, "fake-crontab")

	s := NewScheduler(fakeCrontab(crontabFile, mode, nil), configDir, elevate...)

	p := profile.New("documents")
	p.Schedule = profile.ScheduleSpec{
		Enabled:  true,
		Hour:     2,
		Minute:   30,
		Weekdays: []time.Weekday{time.Friday, time.Monday},
	}
	profilePath := filepath.Join(configDir, "documents.yaml")
	if err := os.WriteFile(profilePath, []byte("name: documents\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return s, p, profilePath, crontabFile
}

func TestExpression(t *testing.T) {
	tests := []struct {
		name    string
		spec    profile.ScheduleSpec
		want    string
		wantErr bool
	}{
		{
			name: "daily when no weekdays given",
			spec: profile.ScheduleSpec{Hour: 2, Minute: 0},
			want: "0 2 * * *",
		},
		{
			name: "weekdays sorted into cron order",
			spec: profile.ScheduleSpec{Hour: 2, Minute: 30, Weekdays: []time.Weekday{time.Friday, time.Monday}},
			want: "30 2 * * 1,5",
		},
		{
			name: "duplicate weekdays collapse",
			spec: profile.ScheduleSpec{Hour: 2, Minute: 30, Weekdays: []time.Weekday{time.Monday, time.Monday, time.Friday}},
			want: "30 2 * * 1,5",
		},
		{
			name: "all seven weekdays collapse to daily",
			spec: profile.ScheduleSpec{Hour: 2, Minute: 0, Weekdays: []time.Weekday{
				time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
				time.Thursday, time.Friday, time.Saturday,
			}},
			want: "0 2 * * *",
		},
		{
			name: "sunday is cron day zero",
			spec: profile.ScheduleSpec{Hour: 23, Minute: 59, Weekdays: []time.Weekday{time.Sunday}},
			want: "59 23 * * 0",
		},
		{
			name:    "out of range hour rejected",
			spec:    profile.ScheduleSpec{Hour: 24, Minute: 0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Expression(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expression = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expression: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expression = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNextRun(t *testing.T) {
	now := time.Date(2026, 8, 23, 14, 0, 0, 0, time.UTC) // a Sunday
	next, err := NextRun("30 2 * * 1,5", now)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	want := time.Date(2026, 8, 24, 2, 30, 0, 0, time.UTC) // Monday 02:30
	if !next.Equal(want) {
		t.Errorf("NextRun = %v, want %v", next, want)
	}

	if _, err := NextRun("not a cron line", now); err == nil {
		t.Error("NextRun accepted garbage")
	}
}

func TestScheduler_Enable(t *testing.T) {
	s, p, profilePath, crontabFile := newTestSetup(t, "")

	// Pre-existing entries from other tools must survive the rewrite.
	foreign := "0 5 * * * /usr/bin/updatedb\n"
	if err := os.WriteFile(crontabFile, []byte(foreign), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.Enable(context.Background(), p, profilePath); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	data, err := os.ReadFile(crontabFile)
	if err != nil {
		t.Fatalf("crontab was not written: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "0 5 * * * /usr/bin/updatedb") {
		t.Error("foreign crontab line was lost")
	}
	if !strings.Contains(content, "# concrete-backup:documents") {
		t.Errorf("tag line missing:\n%s", content)
	}
	if !strings.Contains(content, "30 2 * * 1,5 ") {
		t.Errorf("schedule line missing:\n%s", content)
	}

	scriptPath := filepath.Join(s.configDir, "scripts", "backup_documents.sh")
	info, err := os.Stat(scriptPath)
	if err != nil {
		t.Fatalf("cron script was not written: %v", err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Error("cron script is not executable")
	}
	script, _ := os.ReadFile(scriptPath)
	for _, want := range []string{"#!/bin/sh", "run -profile documents", "cron.log", "exit $status"} {
		if !strings.Contains(string(script), want) {
			t.Errorf("script missing %q:\n%s", want, script)
		}
	}
}

func TestScheduler_EnableIdempotent(t *testing.T) {
	s, p, profilePath, crontabFile := newTestSetup(t, "")

	if err := s.Enable(context.Background(), p, profilePath); err != nil {
		t.Fatalf("first Enable: %v", err)
	}

	// Change the schedule and enable again: the entry is replaced, not
	// duplicated.
	p.Schedule.Weekdays = nil
	if err := s.Enable(context.Background(), p, profilePath); err != nil {
		t.Fatalf("second Enable: %v", err)
	}

	data, _ := os.ReadFile(crontabFile)
	content := string(data)
	if got := strings.Count(content, "# concrete-backup:documents"); got != 1 {
		t.Errorf("tag appears %d times, want 1:\n%s", got, content)
	}
	if !strings.Contains(content, "30 2 * * * ") {
		t.Errorf("updated schedule missing:\n%s", content)
	}
	if strings.Contains(content, "30 2 * * 1,5") {
		t.Errorf("stale schedule left behind:\n%s", content)
	}
}

func TestScheduler_EnableRequiresSavedProfile(t *testing.T) {
	s, p, _, _ := newTestSetup(t, "")

	err := s.Enable(context.Background(), p, filepath.Join(t.TempDir(), "never-saved.yaml"))
	var sErr *SchedulingError
	if !errors.As(err, &sErr) {
		t.Fatalf("expected *SchedulingError, got %T: %v", err, err)
	}
}

func TestScheduler_Disable(t *testing.T) {
	s, p, profilePath, crontabFile := newTestSetup(t, "")

	foreign := "0 5 * * * /usr/bin/updatedb\n"
	if err := os.WriteFile(crontabFile, []byte(foreign), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Enable(context.Background(), p, profilePath); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	if err := s.Disable(context.Background(), p); err != nil {
		t.Fatalf("Disable: %v", err)
	}

	data, _ := os.ReadFile(crontabFile)
	content := string(data)
	if strings.Contains(content, "concrete-backup") {
		t.Errorf("tagged lines left after Disable:\n%s", content)
	}
	if !strings.Contains(content, "/usr/bin/updatedb") {
		t.Error("foreign line removed by Disable")
	}
}

func TestScheduler_DisableMissingEntry(t *testing.T) {
	s, p, _, crontabFile := newTestSetup(t, "")

	// No crontab at all: disabling an unscheduled profile succeeds and
	// installs nothing.
	if err := s.Disable(context.Background(), p); err != nil {
		t.Fatalf("Disable without crontab: %v", err)
	}
	if _, err := os.Stat(crontabFile); !os.IsNotExist(err) {
		t.Error("Disable wrote a crontab although nothing changed")
	}
}

func TestScheduler_Query(t *testing.T) {
	s, p, profilePath, _ := newTestSetup(t, "")

	st, err := s.Query(context.Background(), p)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if st.Present {
		t.Error("unscheduled profile reported present")
	}

	if err := s.Enable(context.Background(), p, profilePath); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	st, err = s.Query(context.Background(), p)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !st.Present {
		t.Fatal("scheduled profile reported absent")
	}
	if st.Expression != "30 2 * * 1,5" {
		t.Errorf("Expression = %q", st.Expression)
	}
	if st.NextRun.IsZero() {
		t.Error("NextRun not computed")
	}
}

func TestScheduler_ElevationPrefix(t *testing.T) {
	configDir := t.TempDir()
	crontabFile := filepath.Join(configDir, "fake-crontab")
	var calls [][]string

	s := NewScheduler(fakeCrontab(crontabFile, "", &calls), configDir, "sudo", "-n")
	p := profile.New("documents")

	if _, err := s.Query(context.Background(), p); err != nil {
		t.Fatalf("Query: %v", err)
	}

	if len(calls) == 0 {
		t.Fatal("no commands executed")
	}
	got := strings.Join(calls[0], " ")
	if got != "sudo -n crontab -l" {
		t.Errorf("invocation = %q, want elevation prefix applied", got)
	}
}

func TestScheduler_StderrChatterNotTreatedAsCrontabLines(t *testing.T) {
	s, p, profilePath, crontabFile := newTestSetup(t, "chatty", "sudo", "-n")

	foreign := "0 5 * * * /usr/bin/updatedb\n"
	if err := os.WriteFile(crontabFile, []byte(foreign), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.Enable(context.Background(), p, profilePath); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	data, err := os.ReadFile(crontabFile)
	if err != nil {
		t.Fatalf("crontab was not written: %v", err)
	}
	content := string(data)
	if strings.Contains(content, "unable to resolve host") {
		t.Errorf("stderr noise written into the crontab:\n%s", content)
	}
	if !strings.Contains(content, "0 5 * * * /usr/bin/updatedb") {
		t.Error("foreign crontab line was lost")
	}
	if !strings.Contains(content, "# concrete-backup:documents") {
		t.Errorf("tag line missing:\n%s", content)
	}
}

func TestScheduler_PermissionDenied(t *testing.T) {
	for _, mode := range []string{"deny", "exit126"} {
		t.Run(mode, func(t *testing.T) {
			s, p, profilePath, _ := newTestSetup(t, mode, "sudo", "-n")

			err := s.Enable(context.Background(), p, profilePath)
			var sErr *SchedulingError
			if !errors.As(err, &sErr) {
				t.Fatalf("expected *SchedulingError, got %T: %v", err, err)
			}
			if sErr.Kind != KindPermissionDenied {
				t.Errorf("Kind = %v, want %v", sErr.Kind, KindPermissionDenied)
			}
		})
	}
}

func TestScheduler_WriteFailure(t *testing.T) {
	s, p, profilePath, _ := newTestSetup(t, "fail")

	err := s.Enable(context.Background(), p, profilePath)
	var sErr *SchedulingError
	if !errors.As(err, &sErr) {
		t.Fatalf("expected *SchedulingError, got %T: %v", err, err)
	}
	if sErr.Kind != KindCrontabWriteFailed {
		t.Errorf("Kind = %v, want %v", sErr.Kind, KindCrontabWriteFailed)
	}
}
