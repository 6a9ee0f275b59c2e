// Package hook executes the pre- and post-backup command phases of a
// profile. Commands run in order through the system shell; the default
// policy aborts the remaining commands in a phase on the first non-zero
// exit, with an opt-in relaxation that logs the failure and continues.
package hook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/concretebackup/concrete-backup/pkg/plog"
	"github.com/concretebackup/concrete-backup/pkg/profile"
)

// maxCapturedOutput bounds the combined stdout/stderr excerpt kept per
// command so a chatty hook cannot blow up run results or logs.
const maxCapturedOutput = 8 * 1024

// CommandError identifies the command that failed a phase, with its
// captured output and exit code.
type CommandError struct {
	Phase    string
	Index    int
	Command  string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s command %d (%q) failed with exit code %d", e.Phase, e.Index+1, e.Command, e.ExitCode)
}

// CommandResult is the outcome of one command in a phase.
type CommandResult struct {
	Command  string
	ExitCode int
	Output   string
	Skipped  bool // disabled command or dry run
}

// PhaseResult aggregates the outcomes of all commands attempted in a phase.
type PhaseResult struct {
	Phase    string
	Commands []CommandResult
}

// Options control how a phase executes.
type Options struct {
	DryRun bool
	// IgnoreErrors downgrades a command failure from phase-aborting to
	// logged-and-continue.
	IgnoreErrors bool
	WorkingDir   string
	Env          []string // appended to the inherited environment
}

// Runner executes command phases.
type Runner struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewRunner creates a Runner. A nil commandContext uses os/exec directly.
func NewRunner(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *Runner {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &Runner{commandContext: commandContext}
}

// RunPhase executes the phase's commands in order. Disabled commands are
// skipped. Each command is bounded by its own timeout. On the first failure
// the remaining commands are aborted and a *CommandError is returned,
// unless opts.IgnoreErrors is set, in which case the failure is recorded in
// the PhaseResult and execution continues.
func (r *Runner) RunPhase(ctx context.Context, phase string, commands []profile.Command, opts Options) (PhaseResult, error) {
	result := PhaseResult{Phase: phase}
	if len(commands) == 0 {
		return result, nil
	}

	plog.Info("Running command phase", "phase", phase, "commands", len(commands))

	for i, c := range commands {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		if !c.Enabled {
			plog.Info("Skipping disabled command", "phase", phase, "command", c.Command)
			result.Commands = append(result.Commands, CommandResult{Command: c.Command, Skipped: true})
			continue
		}

		if opts.DryRun {
			plog.Info("[DRY RUN] Would execute command", "phase", phase, "command", c.Command)
			result.Commands = append(result.Commands, CommandResult{Command: c.Command, Skipped: true})
			continue
		}

		desc := c.Description
		if desc == "" {
			desc = c.Command
		}
		plog.Info("Executing command", "phase", phase, "command", desc)

		output, exitCode, err := r.runOne(ctx, c, opts)
		result.Commands = append(result.Commands, CommandResult{
			Command:  c.Command,
			ExitCode: exitCode,
			Output:   output,
		})

		if err != nil {
			// A cancellation takes precedence over whatever error the
			// killed process reported.
			if ctx.Err() != nil {
				return result, ctx.Err()
			}

			cmdErr := &CommandError{
				Phase:    phase,
				Index:    i,
				Command:  c.Command,
				ExitCode: exitCode,
				Output:   output,
			}
			if opts.IgnoreErrors {
				plog.Warn("Command failed, continuing per policy", "phase", phase, "command", c.Command, "exit_code", exitCode)
				continue
			}
			return result, cmdErr
		}
	}
	return result, nil
}

// runOne executes a single command with its timeout and captures combined
// output. The returned exit code is -1 when the process did not run or was
// killed by a signal.
func (r *Runner) runOne(ctx context.Context, c profile.Command, opts Options) (string, int, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	cmd := r.createCommand(cmdCtx, c.Command)
	cmd.Dir = opts.WorkingDir
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.Env...)
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()

	output := buf.String()
	if len(output) > maxCapturedOutput {
		output = output[:maxCapturedOutput] + "\n... (output truncated)"
	}
	output = strings.TrimRight(output, "\n")

	if err != nil {
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			return output, -1, fmt.Errorf("command timed out after %s: %w", c.Timeout(), err)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return output, exitErr.ExitCode(), err
		}
		return output, -1, err
	}
	return output, 0, nil
}
