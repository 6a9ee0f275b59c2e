// Package cmd implements the subcommands behind the concrete-backup
// binary. Each Run* function maps its outcome to a process exit code so
// cron and scripts can tell validation failures, partial run failures
// and scheduling problems apart.
package cmd

import (
	"github.com/concretebackup/concrete-backup/pkg/exitcode"
	"github.com/concretebackup/concrete-backup/pkg/plog"
	"github.com/concretebackup/concrete-backup/pkg/profile"
	"github.com/concretebackup/concrete-backup/pkg/util"
)

// openStore resolves the per-user profile store, reporting a generic
// failure when the config dir cannot be determined.
func openStore() (*profile.Store, string, exitcode.ExitCode) {
	configDir, err := util.UserConfigDir(profile.AppDirName)
	if err != nil {
		plog.Error("Failed to resolve config directory", "error", err)
		return nil, "", exitcode.ExitGenericError
	}
	return profile.StoreUnder(configDir), configDir, exitcode.ExitSuccess
}

// loadProfile loads a named profile from the store.
func loadProfile(store *profile.Store, name string) (*profile.Profile, exitcode.ExitCode) {
	p, err := store.Load(name)
	if err != nil {
		plog.Error("Failed to load profile", "profile", name, "error", err)
		return nil, exitcode.ExitGenericError
	}
	return p, exitcode.ExitSuccess
}
