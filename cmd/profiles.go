package cmd

import (
	"fmt"

	"github.com/concretebackup/concrete-backup/pkg/exitcode"
	"github.com/concretebackup/concrete-backup/pkg/plog"
)

// RunProfiles lists the saved backup profiles.
func RunProfiles() exitcode.ExitCode {
	store, _, code := openStore()
	if code != exitcode.ExitSuccess {
		return code
	}

	names, err := store.List()
	if err != nil {
		plog.Error("Failed to list profiles", "error", err)
		return exitcode.ExitGenericError
	}
	if len(names) == 0 {
		fmt.Printf("No profiles found in %s.\n", store.Dir())
		return exitcode.ExitSuccess
	}

	for _, name := range names {
		p, err := store.Load(name)
		if err != nil {
			fmt.Printf("%-20s (unreadable: %v)\n", name, err)
			continue
		}
		schedule := "unscheduled"
		if p.Schedule.Enabled {
			schedule = fmt.Sprintf("%02d:%02d", p.Schedule.Hour, p.Schedule.Minute)
		}
		fmt.Printf("%-20s %d source(s), %d destination(s), schedule: %s\n",
			name, len(p.EnabledSources()), len(p.EnabledDestinations()), schedule)
	}
	return exitcode.ExitSuccess
}
