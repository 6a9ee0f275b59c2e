package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/concretebackup/concrete-backup/cmd"
	"github.com/concretebackup/concrete-backup/pkg/buildinfo"
	"github.com/concretebackup/concrete-backup/pkg/exitcode"
	"github.com/concretebackup/concrete-backup/pkg/flagparse"
	"github.com/concretebackup/concrete-backup/pkg/plog"
)

// run dispatches the parsed subcommand and returns the process exit
// code.
func run(ctx context.Context, args []string) exitcode.ExitCode {
	command, opts, err := flagparse.Parse(args)
	if err != nil {
		plog.Error("Invalid invocation", "error", err)
		return exitcode.ExitGenericError
	}
	if command == flagparse.None {
		// Help was printed.
		return exitcode.ExitSuccess
	}

	plog.SetLevel(plog.LevelFromString(opts.LogLevel))
	plog.SetQuiet(opts.Quiet)

	switch command {
	case flagparse.Run:
		return cmd.RunBackup(ctx, opts.Profile, opts.DryRun, opts.Verbose)
	case flagparse.Validate:
		return cmd.RunValidate(opts.Profile)
	case flagparse.Profiles:
		return cmd.RunProfiles()
	case flagparse.Drives:
		return cmd.RunDrives(ctx)
	case flagparse.Schedule:
		return cmd.RunSchedule(ctx, opts.Profile, opts.Enable, opts.Disable, opts.Status, opts.ElevateArgs())
	case flagparse.Version:
		return cmd.RunVersion()
	default:
		plog.Error("Unknown command", "command", command)
		return exitcode.ExitGenericError
	}
}

func main() {
	// Cancel the run context on the first interrupt; a second interrupt
	// kills the process the default way.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := run(ctx, os.Args[1:])
	if code != exitcode.ExitSuccess {
		plog.Error(buildinfo.Name+" exited with error", "exit_code", code.Int(), "reason", code.String())
	}
	os.Exit(code.Int())
}
