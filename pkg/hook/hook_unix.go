//go:build !windows

package hook

import (
	"context"
	"os/exec"

	"golang.org/x/sys/unix"
)

// createCommand creates an exec.Cmd for a hook command on Unix-like systems.
func (r *Runner) createCommand(ctx context.Context, command string) *exec.Cmd {
	cmd := r.commandContext(ctx, "/bin/sh", "-c", command)
	// Create a new process group (PGRP) and make the command the group
	// leader. This allows sending signals to the entire process group when
	// the context is canceled, ensuring all child processes are terminated.
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	return cmd
}
