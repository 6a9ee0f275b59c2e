package cmd

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/concretebackup/concrete-backup/pkg/engine"
	"github.com/concretebackup/concrete-backup/pkg/exitcode"
	"github.com/concretebackup/concrete-backup/pkg/plog"
	"github.com/concretebackup/concrete-backup/pkg/profile"
	"github.com/concretebackup/concrete-backup/pkg/runlog"
)

// RunBackup executes a profile's backup run. Exit code 0 means every
// pair mirrored, 2 a validation failure, 4 a partial or complete run
// failure.
func RunBackup(ctx context.Context, profileName string, dryRun, verbose bool) exitcode.ExitCode {
	store, configDir, code := openStore()
	if code != exitcode.ExitSuccess {
		return code
	}
	p, code := loadProfile(store, profileName)
	if code != exitcode.ExitSuccess {
		return code
	}

	// Flags tighten a run, they never loosen the stored profile.
	if dryRun {
		p.Options.DryRun = true
	}
	if verbose {
		p.Options.Verbose = true
	}

	events := make(chan engine.Event, 128)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for ev := range events {
			switch ev.Type {
			case engine.EventPhaseChanged:
				plog.Debug("Phase", "phase", ev.Phase)
			case engine.EventPairFinished:
				plog.Info("Pair finished", "source", ev.Pair.Source, "dest", ev.Pair.Dest, "status", ev.Pair.Status)
			}
		}
	}()

	eng := engine.NewDefault(configDir, engine.WithEvents(events))
	result, err := eng.Run(ctx, p)
	close(events)
	<-consumerDone

	var verr *profile.ValidationError
	if errors.As(err, &verr) {
		for _, fe := range verr.Errors {
			plog.Error("Validation failed", "field", fe.Field, "problem", fe.Message)
		}
		return exitcode.ExitValidationError
	}
	if err != nil {
		plog.Error("Run aborted", "profile", profileName, "error", err)
		return exitcode.ExitRunFailed
	}

	for _, pair := range result.Pairs {
		if pair.Status == engine.PairFailed {
			plog.Warn("Pair failed", "source", pair.Source, "dest", pair.Dest, "error", pair.Error)
		}
	}
	plog.Info("Run finished", "profile", profileName, "run_id", result.RunID,
		"status", result.Status, "pairs", len(result.Pairs), "log", result.LogPath)

	rotateRunLogs(configDir, p)

	if result.Status != engine.StatusCompleted {
		return exitcode.ExitRunFailed
	}
	return exitcode.ExitSuccess
}

// rotateRunLogs compresses consolidated run logs older than a day and
// prunes anything past the profile's retention window.
func rotateRunLogs(configDir string, p *profile.Profile) {
	logsDir := filepath.Join(configDir, "logs")

	if p.Options.LogCompression != profile.LogCompressionNone {
		if n, err := runlog.CompressOldLogs(logsDir, 24*time.Hour, p.Options.LogCompression); err != nil {
			plog.Warn("Log compression failed", "error", err)
		} else if n > 0 {
			plog.Info("Compressed old run logs", "count", n)
		}
	}

	if p.Options.LogRetentionDays > 0 {
		maxAge := time.Duration(p.Options.LogRetentionDays) * 24 * time.Hour
		if n, err := runlog.PruneLogs(logsDir, maxAge); err != nil {
			plog.Warn("Log pruning failed", "error", err)
		} else if n > 0 {
			plog.Info("Pruned expired run logs", "count", n)
		}
	}
}
