//go:build windows

package hook

import (
	"context"
	"os/exec"

	"golang.org/x/sys/windows"
)

// createCommand creates an exec.Cmd for a hook command on Windows.
func (r *Runner) createCommand(ctx context.Context, command string) *exec.Cmd {
	cmd := r.commandContext(ctx, "cmd", "/C", command)
	// Create a new process group so that cancellation terminates the entire
	// process tree, not just the parent cmd.
	cmd.SysProcAttr = &windows.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
	return cmd
}
