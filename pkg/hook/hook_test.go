package hook_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/concretebackup/concrete-backup/pkg/hook"
	"github.com/concretebackup/concrete-backup/pkg/profile"
)

// TestHelperProcess is a helper for testing exec. It stands in for the
// shell: commands containing "fail" exit 3, everything else echoes and
// exits 0.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	cmdLine := strings.Join(args, " ")
	if strings.Contains(cmdLine, "fail") {
		os.Stderr.WriteString("simulated failure\n")
		os.Exit(3)
	}
	os.Stdout.WriteString("ran: " + cmdLine + "\n")
	os.Exit(0)
}

func mockCommandContext(ctx context.Context, name string, arg ...string) *exec.Cmd {
	// The runner wraps commands in `/bin/sh -c` (or `cmd /C`); extract the
	// actual command line.
	var cmdLine string
	if len(arg) > 1 && (arg[0] == "-c" || arg[0] == "/C") {
		cmdLine = strings.Join(arg[1:], " ")
	} else {
		cmdLine = name + " " + strings.Join(arg, " ")
	}

	cs := []string{"-test.run=TestHelperProcess", "--", cmdLine}
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
	return cmd
}

func enabled(cmds ...string) []profile.Command {
	out := make([]profile.Command, len(cmds))
	for i, c := range cmds {
		out[i] = profile.Command{Command: c, Enabled: true}
	}
	return out
}

func TestRunPhase(t *testing.T) {
	tests := []struct {
		name          string
		commands      []profile.Command
		opts          hook.Options
		expectError   bool
		errorContains string
		wantAttempted int // commands with captured results (including skips)
	}{
		{
			name:          "all commands succeed",
			commands:      enabled("echo one", "echo two"),
			wantAttempted: 2,
		},
		{
			name:          "first failure aborts phase",
			commands:      enabled("fail now", "echo never"),
			expectError:   true,
			errorContains: "command 1",
			wantAttempted: 1,
		},
		{
			name:          "ignore errors continues",
			commands:      enabled("fail now", "echo still-runs"),
			opts:          hook.Options{IgnoreErrors: true},
			wantAttempted: 2,
		},
		{
			name: "disabled command skipped",
			commands: []profile.Command{
				{Command: "fail if run", Enabled: false},
				{Command: "echo ok", Enabled: true},
			},
			wantAttempted: 2,
		},
		{
			name:          "dry run executes nothing",
			commands:      enabled("fail would-be-fatal"),
			opts:          hook.Options{DryRun: true},
			wantAttempted: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := hook.NewRunner(mockCommandContext)
			result, err := r.RunPhase(context.Background(), "pre-backup", tt.commands, tt.opts)

			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				var cmdErr *hook.CommandError
				if !errors.As(err, &cmdErr) {
					t.Fatalf("expected *CommandError, got %T: %v", err, err)
				}
				if tt.errorContains != "" && !strings.Contains(err.Error(), tt.errorContains) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.errorContains)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if len(result.Commands) != tt.wantAttempted {
				t.Errorf("attempted %d commands, want %d", len(result.Commands), tt.wantAttempted)
			}
		})
	}
}

func TestRunPhaseCapturesOutputAndExitCode(t *testing.T) {
	r := hook.NewRunner(mockCommandContext)
	_, err := r.RunPhase(context.Background(), "pre-backup", enabled("fail loudly"), hook.Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	var cmdErr *hook.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected *CommandError, got %T", err)
	}
	if cmdErr.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", cmdErr.ExitCode)
	}
	if !strings.Contains(cmdErr.Output, "simulated failure") {
		t.Errorf("Output = %q, want captured stderr", cmdErr.Output)
	}
	if cmdErr.Phase != "pre-backup" || cmdErr.Index != 0 {
		t.Errorf("Phase/Index = %s/%d", cmdErr.Phase, cmdErr.Index)
	}
}

func TestRunPhaseDryRunSkipsExecution(t *testing.T) {
	r := hook.NewRunner(mockCommandContext)
	result, err := r.RunPhase(context.Background(), "post-backup", enabled("fail hard"), hook.Options{DryRun: true})
	if err != nil {
		t.Fatalf("dry run should never fail: %v", err)
	}
	if !result.Commands[0].Skipped {
		t.Error("dry-run command was not marked skipped")
	}
}

func TestRunPhaseCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := hook.NewRunner(mockCommandContext)
	_, err := r.RunPhase(ctx, "pre-backup", enabled("echo never"), hook.Options{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
