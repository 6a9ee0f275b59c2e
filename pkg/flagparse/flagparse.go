// Package flagparse parses the command line into a subcommand and its
// options. Every subcommand gets its own flag set so unknown flags fail
// fast with a usage message scoped to that subcommand.
package flagparse

import (
	"flag"
	"fmt"
	"strings"

	"github.com/concretebackup/concrete-backup/pkg/buildinfo"
)

// Options holds the parsed flag values across all subcommands. Fields
// not registered for the parsed subcommand stay at their zero value.
type Options struct {
	// Global
	LogLevel string
	Quiet    bool

	// run / validate / schedule
	Profile string

	// run
	DryRun  bool
	Verbose bool

	// schedule
	Enable  bool
	Disable bool
	Status  bool
	// Elevate is an optional command prefix for the crontab calls,
	// e.g. "sudo -n" or "pkexec", split on whitespace.
	Elevate string
}

// ElevateArgs returns the elevation prefix as an argument vector.
func (o *Options) ElevateArgs() []string {
	return strings.Fields(o.Elevate)
}

func registerGlobalFlags(fs *flag.FlagSet, o *Options) {
	fs.StringVar(&o.LogLevel, "log-level", "info", "Set the logging level: 'debug', 'info', 'warn', 'error'.")
	fs.BoolVar(&o.Quiet, "quiet", false, "Suppress informational output; warnings and errors still go to stderr.")
}

func registerProfileFlag(fs *flag.FlagSet, o *Options) {
	fs.StringVar(&o.Profile, "profile", "", "Name of the backup profile. (Required)")
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns
// the subcommand and its options. A None command with a nil error means
// help was printed and the caller should exit cleanly.
func Parse(args []string) (Command, *Options, error) {
	if len(args) == 0 {
		printTopLevelUsage()
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])
	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		printTopLevelUsage()
		return None, nil, nil
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}

	o := &Options{}
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	registerGlobalFlags(fs, o)

	var description string
	switch command {
	case Run:
		description = "Run a backup profile now."
		registerProfileFlag(fs, o)
		fs.BoolVar(&o.DryRun, "dry-run", false, "Report what would be synced without changing the destination.")
		fs.BoolVar(&o.Verbose, "verbose", false, "Verbose transfer reporting.")
	case Validate:
		description = "Check a profile and report every problem at once."
		registerProfileFlag(fs, o)
	case Profiles:
		description = "List saved backup profiles."
	case Drives:
		description = "List attached drives and their mount state."
	case Schedule:
		description = "Install, remove or inspect a profile's cron schedule."
		registerProfileFlag(fs, o)
		fs.BoolVar(&o.Enable, "enable", false, "Install the profile's crontab entry.")
		fs.BoolVar(&o.Disable, "disable", false, "Remove the profile's crontab entry.")
		fs.BoolVar(&o.Status, "status", false, "Show whether the profile is scheduled and its next run.")
		fs.StringVar(&o.Elevate, "elevate", "", "Command prefix for crontab calls, e.g. 'sudo -n'.")
	case Version:
		description = "Print the application version."
	}

	fs.Usage = func() { printSubcommandUsage(command, description, fs) }

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}

	switch command {
	case Run, Validate, Schedule:
		if o.Profile == "" {
			return command, nil, fmt.Errorf("the -profile flag is required for the %s command", command)
		}
	}
	if command == Schedule {
		set := 0
		for _, b := range []bool{o.Enable, o.Disable, o.Status} {
			if b {
				set++
			}
		}
		if set != 1 {
			return command, nil, fmt.Errorf("the schedule command needs exactly one of -enable, -disable or -status")
		}
	}
	return command, o, nil
}

func printTopLevelUsage() {
	fmt.Printf("Usage of %s (version %s):\n", buildinfo.Name, buildinfo.Version)
	fmt.Printf("Disk-to-disk backup orchestration: mirror source directories onto local or removable destinations, on demand or on a cron schedule.\n\n")
	fmt.Printf("  %s <command> [flags]\n\nCommands:\n", buildinfo.Name)
	fmt.Printf("  run       Run a backup profile now.\n")
	fmt.Printf("  validate  Check a profile and report every problem at once.\n")
	fmt.Printf("  profiles  List saved backup profiles.\n")
	fmt.Printf("  drives    List attached drives and their mount state.\n")
	fmt.Printf("  schedule  Install, remove or inspect a profile's cron schedule.\n")
	fmt.Printf("  version   Print the application version.\n\n")
	fmt.Printf("Run '%s <command> -h' for command-specific flags.\n", buildinfo.Name)
}

func printSubcommandUsage(command Command, description string, fs *flag.FlagSet) {
	fmt.Printf("Usage: %s %s [flags]\n%s\n\nFlags:\n", buildinfo.Name, command, description)
	fs.PrintDefaults()
}
