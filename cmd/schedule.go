package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/concretebackup/concrete-backup/pkg/crontab"
	"github.com/concretebackup/concrete-backup/pkg/exitcode"
	"github.com/concretebackup/concrete-backup/pkg/plog"
	"github.com/concretebackup/concrete-backup/pkg/profile"
)

// RunSchedule installs, removes or inspects a profile's crontab entry.
// Exactly one of enable, disable or status is set by the flag layer.
func RunSchedule(ctx context.Context, profileName string, enable, disable, status bool, elevate []string) exitcode.ExitCode {
	store, configDir, code := openStore()
	if code != exitcode.ExitSuccess {
		return code
	}
	p, code := loadProfile(store, profileName)
	if code != exitcode.ExitSuccess {
		return code
	}

	scheduler := crontab.NewScheduler(nil, configDir, elevate...)

	switch {
	case enable:
		if verr := p.Validate(); verr != nil {
			plog.Error("Refusing to schedule an invalid profile", "profile", profileName, "problems", len(verr.Errors))
			return exitcode.ExitValidationError
		}
		path, ok := store.Path(profileName)
		if !ok {
			plog.Error("Profile is not persisted", "profile", profileName)
			return exitcode.ExitSchedulingError
		}
		if err := scheduler.Enable(ctx, p, path); err != nil {
			return schedulingExitCode(err)
		}
		persistScheduleState(store, p, true)
		st, err := scheduler.Query(ctx, p)
		if err == nil && st.Present {
			fmt.Printf("Profile %q scheduled (%s), next run %s.\n",
				profileName, st.Expression, st.NextRun.Format("Mon Jan 2 15:04"))
		}
		return exitcode.ExitSuccess

	case disable:
		if err := scheduler.Disable(ctx, p); err != nil {
			return schedulingExitCode(err)
		}
		persistScheduleState(store, p, false)
		fmt.Printf("Profile %q is no longer scheduled.\n", profileName)
		return exitcode.ExitSuccess

	case status:
		st, err := scheduler.Query(ctx, p)
		if err != nil {
			return schedulingExitCode(err)
		}
		if !st.Present {
			fmt.Printf("Profile %q is not scheduled.\n", profileName)
		} else {
			fmt.Printf("Profile %q is scheduled (%s), next run %s.\n",
				profileName, st.Expression, st.NextRun.Format("Mon Jan 2 15:04"))
		}
		return exitcode.ExitSuccess
	}
	return exitcode.ExitGenericError
}

// persistScheduleState writes the profile's schedule flag back so the
// stored profile reflects the live crontab. The crontab stays the
// source of truth, so a failed save is only a warning.
func persistScheduleState(store *profile.Store, p *profile.Profile, enabled bool) {
	if p.Schedule.Enabled == enabled {
		return
	}
	p.Schedule.Enabled = enabled
	if err := store.Save(p); err != nil {
		plog.Warn("Could not update the stored profile", "profile", p.Name, "error", err)
	}
}

func schedulingExitCode(err error) exitcode.ExitCode {
	plog.Error("Scheduling operation failed", "error", err)
	var sErr *crontab.SchedulingError
	if errors.As(err, &sErr) && sErr.Kind == crontab.KindPermissionDenied {
		return exitcode.ExitPermissionError
	}
	return exitcode.ExitSchedulingError
}
