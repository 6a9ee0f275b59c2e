package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/concretebackup/concrete-backup/pkg/drive"
	"github.com/concretebackup/concrete-backup/pkg/mirrorsync"
	"github.com/concretebackup/concrete-backup/pkg/plog"
	"github.com/concretebackup/concrete-backup/pkg/profile"
	"github.com/concretebackup/concrete-backup/pkg/runlog"
	"github.com/concretebackup/concrete-backup/pkg/util"
)

// runState carries the per-run working set: the pair table, the mount
// provenance records and the open log writers. It exists for exactly
// one Run call and never outlives it.
type runState struct {
	engine  *Engine
	profile *profile.Profile
	result  *RunResult

	// pairSources and pairDests align with result.Pairs.
	pairSources []profile.SourceEntry
	pairDests   []profile.DestinationEntry

	// handles are the run's mount provenance, in mount order. Only
	// handles marked AutoMounted are released at the end.
	handles     []drive.Handle
	mountFailed map[string]string

	consolidated *runlog.Writer
	destLogs     map[string]*runlog.Writer
}

// buildPairs expands the profile into the ordered (source, destination)
// pair table. Disabled entries never produce pairs and home-relative
// paths are resolved once, up front.
func (r *runState) buildPairs() {
	expand := func(path string) string {
		if expanded, err := util.ExpandPath(path); err == nil {
			return expanded
		}
		return path
	}
	for _, src := range r.profile.EnabledSources() {
		for _, dst := range r.profile.EnabledDestinations() {
			r.result.Pairs = append(r.result.Pairs, PairResult{Source: expand(src.Path), Dest: expand(dst.Path)})
			r.pairSources = append(r.pairSources, src)
			r.pairDests = append(r.pairDests, dst)
		}
	}
}

// mountDrives resolves and mounts every drive identity the pair table
// references, then anchors each drive-backed path to the drive's actual
// mount point. A failed source mount fails all of that source's pairs
// and the run; a failed destination mount fails only the pairs using
// that destination. It reports false when any pair was failed here.
func (r *runState) mountDrives(ctx context.Context) bool {
	r.mountFailed = make(map[string]string)
	mounted := make(map[string]drive.Handle)

	ensure := func(uuid string) bool {
		if uuid == "" {
			return true
		}
		if _, ok := mounted[uuid]; ok {
			return true
		}
		if _, ok := r.mountFailed[uuid]; ok {
			return false
		}
		h, err := r.engine.mounter.Mount(ctx, uuid)
		if err != nil {
			r.mountFailed[uuid] = err.Error()
			r.log("failed to mount drive %s: %v", uuid, err)
			plog.Warn("Drive mount failed", "uuid", uuid, "error", err)
			return false
		}
		mounted[uuid] = h
		r.handles = append(r.handles, h)
		r.log("drive %s available at %s (auto_mounted=%v)", uuid, h.MountPoint, h.AutoMounted)
		return true
	}

	ok := true
	for i := range r.result.Pairs {
		if ctx.Err() != nil {
			return false
		}
		pair := &r.result.Pairs[i]

		if srcUUID := r.pairSources[i].DriveUUID; srcUUID != "" {
			if !ensure(srcUUID) {
				pair.Status = PairFailed
				pair.Error = fmt.Sprintf("source drive %s unavailable: %s", srcUUID, r.mountFailed[srcUUID])
				ok = false
				continue
			}
			anchored, err := anchorPath(pair.Source, mounted[srcUUID].MountPoint)
			if err != nil {
				pair.Status = PairFailed
				pair.Error = fmt.Sprintf("source drive %s: %v", srcUUID, err)
				r.log("pair %s -> %s failed: %s", pair.Source, pair.Dest, pair.Error)
				ok = false
				continue
			}
			pair.Source = anchored
		}
		if dstUUID := r.pairDests[i].DriveUUID; dstUUID != "" {
			if !ensure(dstUUID) {
				pair.Status = PairFailed
				pair.Error = fmt.Sprintf("destination drive %s unavailable: %s", dstUUID, r.mountFailed[dstUUID])
				ok = false
				continue
			}
			anchored, err := anchorPath(pair.Dest, mounted[dstUUID].MountPoint)
			if err != nil {
				pair.Status = PairFailed
				pair.Error = fmt.Sprintf("destination drive %s: %v", dstUUID, err)
				r.log("pair %s -> %s failed: %s", pair.Source, pair.Dest, pair.Error)
				ok = false
				continue
			}
			pair.Dest = anchored
		}
	}

	r.openDestinationLogs()
	return ok
}

// anchorPath resolves a drive-backed entry path against the drive's
// actual mount point. A relative path is joined onto the mount point;
// an absolute path must already lie under it. Without this check a
// drive mounted somewhere unexpected would let the mirror land on
// whatever filesystem covers the configured path.
func anchorPath(path, mountPoint string) (string, error) {
	if !filepath.IsAbs(path) {
		return filepath.Join(mountPoint, path), nil
	}
	rel, err := filepath.Rel(mountPoint, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside drive mount point %s", path, mountPoint)
	}
	return path, nil
}

// syncPairs runs every still-pending pair in order. A failing pair is
// recorded and the remaining pairs are still attempted. It reports
// false when any pair failed.
func (r *runState) syncPairs(ctx context.Context) bool {
	opts := mirrorsync.Options{
		DryRun:  r.profile.Options.DryRun,
		Verbose: r.profile.Options.Verbose,
	}

	ok := true
	for i := range r.result.Pairs {
		pair := &r.result.Pairs[i]
		if pair.Status != "" {
			continue
		}
		// Cancellation is observed here, between pairs, never mid
		// transfer. A half-killed rsync could leave the destination
		// half mirrored.
		if ctx.Err() != nil {
			return false
		}

		res, err := r.engine.syncer.Sync(ctx, pair.Source, pair.Dest, opts)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			pair.Status = PairFailed
			pair.Error = err.Error()
			ok = false
			r.logPair(pair.Dest, "sync %s -> %s FAILED: %v", pair.Source, pair.Dest, err)
		} else {
			if res.Status == mirrorsync.StatusDryRunOK {
				pair.Status = PairDryRunOK
			} else {
				pair.Status = PairCompleted
			}
			pair.FilesTransferred = res.FilesTransferred
			pair.BytesTransferred = res.BytesTransferred
			r.logPair(pair.Dest, "sync %s -> %s %s (%d files, %d bytes)",
				pair.Source, pair.Dest, pair.Status, res.FilesTransferred, res.BytesTransferred)
		}

		finished := *pair
		r.engine.emit(Event{Type: EventPairFinished, Phase: PhaseSyncing, Pair: &finished, Time: time.Now()})
	}
	return ok
}

// markPendingPairs closes out pairs that never ran, e.g. after a failed
// pre-command phase or a cancellation.
func (r *runState) markPendingPairs(reason string) {
	for i := range r.result.Pairs {
		if r.result.Pairs[i].Status == "" {
			r.result.Pairs[i].Status = PairSkipped
			r.result.Pairs[i].Error = reason
		}
	}
}

// releaseMounts unmounts in reverse mount order. The drive manager
// skips handles the run did not mount itself.
func (r *runState) releaseMounts(ctx context.Context) {
	for i := len(r.handles) - 1; i >= 0; i-- {
		h := r.handles[i]
		if err := r.engine.mounter.Unmount(ctx, h); err != nil {
			r.log("failed to unmount drive %s: %v", h.UUID, err)
			plog.Warn("Drive unmount failed", "uuid", h.UUID, "error", err)
			continue
		}
		if h.AutoMounted {
			r.log("unmounted drive %s", h.UUID)
		}
	}
}

func (r *runState) openConsolidatedLog() {
	if r.engine.configDir == "" {
		return
	}
	path := runlog.ConsolidatedLogPath(r.engine.configDir, r.result.StartedAt)
	w, err := runlog.NewWriter(path)
	if err != nil {
		plog.Warn("Failed to open consolidated run log", "path", path, "error", err)
		return
	}
	r.consolidated = w
	r.result.LogPath = path
}

// openDestinationLogs opens the per-destination run log inside every
// reachable destination. Dry runs write no destination logs: the
// destination must be byte-identical before and after a dry run.
func (r *runState) openDestinationLogs() {
	r.destLogs = make(map[string]*runlog.Writer)
	if r.profile.Options.DryRun {
		return
	}

	for i := range r.pairDests {
		dest := r.result.Pairs[i].Dest
		if _, ok := r.destLogs[dest]; ok {
			continue
		}
		if r.result.Pairs[i].Status == PairFailed {
			continue
		}
		w, err := runlog.NewWriter(runlog.DestinationLogPath(dest, r.result.StartedAt))
		if err != nil {
			plog.Warn("Failed to open destination log", "dest", dest, "error", err)
			continue
		}
		r.destLogs[dest] = w
	}
}

// log appends a line to the consolidated run log.
func (r *runState) log(format string, args ...any) {
	if r.consolidated == nil {
		return
	}
	if err := r.consolidated.WriteLine(format, args...); err != nil {
		plog.Warn("Failed to write run log", "error", err)
	}
}

// logPair appends a line to both the destination's log and the
// consolidated log.
func (r *runState) logPair(dest, format string, args ...any) {
	tee := runlog.NewTee(r.destLogs[dest], r.consolidated)
	if err := tee.WriteLine(format, args...); err != nil {
		plog.Warn("Failed to write run log", "error", err)
	}
}

func (r *runState) closeLogs() {
	for _, w := range r.destLogs {
		w.Close()
	}
	if r.consolidated != nil {
		r.consolidated.Close()
	}
}
