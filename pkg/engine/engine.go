// Package engine orchestrates one backup run: validation, drive
// acquisition, the pre-command phase, the source-to-destination sync
// pairs, the post-command phase, and release of every mount the run
// itself created. The engine owns the run state machine; drives,
// commands and rsync are reached only through narrow interfaces so the
// whole run is testable without touching the system.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/concretebackup/concrete-backup/pkg/drive"
	"github.com/concretebackup/concrete-backup/pkg/hook"
	"github.com/concretebackup/concrete-backup/pkg/mirrorsync"
	"github.com/concretebackup/concrete-backup/pkg/plog"
	"github.com/concretebackup/concrete-backup/pkg/profile"
)

// Phase is a stage of the run state machine.
type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseValidating          Phase = "validating"
	PhaseMountingDrives      Phase = "mounting_drives"
	PhaseRunningPreCommands  Phase = "running_pre_commands"
	PhaseSyncing             Phase = "syncing"
	PhaseRunningPostCommands Phase = "running_post_commands"
	PhaseUnmounting          Phase = "unmounting"
	PhaseCompleted           Phase = "completed"
	PhaseFailed              Phase = "failed"
)

// Status is the overall outcome of a run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// PairStatus is the outcome of one source-to-destination pair.
type PairStatus string

const (
	PairCompleted PairStatus = "completed"
	PairDryRunOK  PairStatus = "dry_run_ok"
	PairFailed    PairStatus = "failed"
	PairSkipped   PairStatus = "skipped"
)

// PairResult is the recorded outcome of one (source, destination) pair.
type PairResult struct {
	Source           string
	Dest             string
	Status           PairStatus
	FilesTransferred int64
	BytesTransferred int64
	Error            string
}

// RunResult is the aggregate outcome of one run. It is created at run
// start and mutated only by the engine; callers receive it after the
// run finished.
type RunResult struct {
	RunID     string
	Profile   string
	StartedAt time.Time
	Phase     Phase
	Status    Status
	Pairs     []PairResult
	// LogPath is the consolidated run log, empty when it could not be
	// opened.
	LogPath string
	// PostCommandFailure records a failed post command. It never flips
	// the run status; the backup's primary goal was already decided.
	PostCommandFailure string
}

// EventType discriminates engine events.
type EventType string

const (
	EventPhaseChanged EventType = "phase_changed"
	EventPairFinished EventType = "pair_finished"
)

// Event is one phase transition or pair completion. Consumers that
// cannot keep up lose events rather than stalling the run.
type Event struct {
	Type  EventType
	Phase Phase
	Pair  *PairResult
	Time  time.Time
}

// Mounter is the drive lifecycle the engine consumes.
type Mounter interface {
	Mount(ctx context.Context, uuid string) (drive.Handle, error)
	Unmount(ctx context.Context, h drive.Handle) error
}

// PhaseRunner executes a command phase.
type PhaseRunner interface {
	RunPhase(ctx context.Context, phase string, commands []profile.Command, opts hook.Options) (hook.PhaseResult, error)
}

// Syncer mirrors one source onto one destination.
type Syncer interface {
	Sync(ctx context.Context, source, dest string, opts mirrorsync.Options) (mirrorsync.Result, error)
}

// Engine runs backups.
type Engine struct {
	mounter   Mounter
	hooks     PhaseRunner
	syncer    Syncer
	configDir string
	events    chan<- Event
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvents makes the engine emit phase and pair events on ch. Sends
// never block.
func WithEvents(ch chan<- Event) Option {
	return func(e *Engine) { e.events = ch }
}

// New creates an Engine over the given collaborators. configDir is
// where the consolidated run log is written.
func New(m Mounter, h PhaseRunner, s Syncer, configDir string, opts ...Option) *Engine {
	e := &Engine{mounter: m, hooks: h, syncer: s, configDir: configDir}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewDefault wires an Engine to the real drive manager, command runner
// and rsync executor.
func NewDefault(configDir string, opts ...Option) *Engine {
	return New(drive.NewManager(nil), hook.NewRunner(nil), mirrorsync.NewExecutor(nil), configDir, opts...)
}

// Run executes the profile. Validation failures and cancellation are
// returned as errors; sync, mount and command failures during the run
// are captured in the RunResult with Status Failed and a nil error, so
// callers always get the full per-pair picture.
func (e *Engine) Run(ctx context.Context, p *profile.Profile) (*RunResult, error) {
	result := &RunResult{
		RunID:     uuid.NewString(),
		Profile:   p.Name,
		StartedAt: time.Now(),
		Phase:     PhaseIdle,
	}

	e.setPhase(result, PhaseValidating)
	if verr := p.Validate(); verr != nil {
		// A validation failure halts the run before any side effect.
		result.Status = StatusFailed
		e.setPhase(result, PhaseFailed)
		return result, verr
	}

	run := &runState{engine: e, profile: p, result: result}
	defer run.closeLogs()
	run.openConsolidatedLog()
	run.log("run %s started for profile %q (dry_run=%v)", result.RunID, p.Name, p.Options.DryRun)

	failed := e.executePhases(ctx, run)

	// Unmounting happens regardless of the outcome, including a
	// cancelled run, so auto-mounted drives are never left behind.
	e.setPhase(result, PhaseUnmounting)
	run.releaseMounts(context.WithoutCancel(ctx))

	if err := ctx.Err(); err != nil {
		run.markPendingPairs("run cancelled")
		result.Status = StatusFailed
		e.setPhase(result, PhaseFailed)
		run.log("run %s cancelled", result.RunID)
		return result, err
	}

	if failed {
		result.Status = StatusFailed
		e.setPhase(result, PhaseFailed)
	} else {
		result.Status = StatusCompleted
		e.setPhase(result, PhaseCompleted)
	}
	run.log("run %s finished with status %s", result.RunID, result.Status)
	return result, nil
}

// executePhases drives mounting, pre commands, syncing and post
// commands. It reports whether the run must be marked failed. It
// returns early only on cancellation; the caller inspects ctx.
func (e *Engine) executePhases(ctx context.Context, run *runState) bool {
	p := run.profile
	result := run.result
	failed := false

	e.setPhase(result, PhaseMountingDrives)
	run.buildPairs()
	if !run.mountDrives(ctx) {
		failed = true
	}
	if ctx.Err() != nil {
		return true
	}

	hookOpts := hook.Options{
		DryRun:       p.Options.DryRun,
		IgnoreErrors: p.Options.IgnoreCommandErrors,
	}

	e.setPhase(result, PhaseRunningPreCommands)
	preFailed := false
	if _, err := e.hooks.RunPhase(ctx, "pre-backup", p.PreCommands, hookOpts); err != nil {
		if ctx.Err() != nil {
			return true
		}
		// The fail-safe default: a broken precondition means no sync
		// may start.
		preFailed = true
		failed = true
		run.log("pre-backup phase failed: %v", err)
		run.markPendingPairs(fmt.Sprintf("pre-backup command failed: %v", err))
	}

	if !preFailed {
		e.setPhase(result, PhaseSyncing)
		if !run.syncPairs(ctx) {
			failed = true
		}
		if ctx.Err() != nil {
			return true
		}
	}

	// Post commands run even after sync failures so cleanup and
	// notification hooks still fire. Their failures never flip the
	// run status.
	e.setPhase(result, PhaseRunningPostCommands)
	if _, err := e.hooks.RunPhase(ctx, "post-backup", p.PostCommands, hookOpts); err != nil {
		if ctx.Err() != nil {
			return true
		}
		result.PostCommandFailure = err.Error()
		run.log("post-backup phase failed: %v", err)
		plog.Warn("Post-backup phase failed", "profile", p.Name, "error", err)
	}

	return failed
}

func (e *Engine) setPhase(result *RunResult, phase Phase) {
	result.Phase = phase
	plog.Debug("Phase transition", "run_id", result.RunID, "phase", phase)
	e.emit(Event{Type: EventPhaseChanged, Phase: phase, Time: time.Now()})
}

func (e *Engine) emit(ev Event) {
	if e.events == nil {
		return
	}
	select {
	case e.events <- ev:
	default:
	}
}
