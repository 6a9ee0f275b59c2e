// Package drive discovers block devices and mounts backup drives by
// filesystem UUID. Identity is always the UUID, never the device node or
// mount path, so a drive keeps working when the kernel renames it or the
// desktop mounts it somewhere new.
package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/concretebackup/concrete-backup/pkg/plog"
)

// mountStateConcurrency bounds the parallel findmnt probes during List.
const mountStateConcurrency = 4

// ErrorKind classifies drive failures.
type ErrorKind int

const (
	// KindNotFound means no attached block device carries the UUID.
	KindNotFound ErrorKind = iota
	// KindMountFailed means both udisksctl and the mount fallback failed.
	KindMountFailed
	// KindUnmountFailed means the unmount command failed.
	KindUnmountFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindMountFailed:
		return "mount failed"
	case KindUnmountFailed:
		return "unmount failed"
	default:
		return "unknown"
	}
}

// DriveError reports a failed drive operation with the identity it was
// attempted against.
type DriveError struct {
	Kind   ErrorKind
	UUID   string
	Device string
	Err    error
}

func (e *DriveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("drive %s: %s: %v", e.UUID, e.Kind, e.Err)
	}
	return fmt.Sprintf("drive %s: %s", e.UUID, e.Kind)
}

func (e *DriveError) Unwrap() error { return e.Err }

// Descriptor is one attached block device as reported by lsblk.
type Descriptor struct {
	Device     string // device node, e.g. /dev/sdb1
	UUID       string // filesystem UUID, empty for unformatted devices
	Label      string
	FSType     string
	Size       string
	MountPoint string // empty when not mounted
	Removable  bool
}

// Mounted reports whether the device currently has a mount point.
func (d Descriptor) Mounted() bool { return d.MountPoint != "" }

// Handle records a mount performed (or observed) for a run, including
// whether this process performed it. Unmount only acts on handles the
// manager mounted itself, so drives mounted by the user or the desktop
// are left alone.
type Handle struct {
	UUID        string
	Device      string
	MountPoint  string
	AutoMounted bool
}

// Manager runs the block device tooling (lsblk, findmnt, udisksctl,
// mount, umount) to enumerate and mount drives.
type Manager struct {
	// commandContext allows mocking os/exec for testing.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
	// fallbackDir is where the mount fallback creates mount points.
	fallbackDir string
}

// NewManager creates a Manager. A nil commandContext uses os/exec directly.
func NewManager(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *Manager {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &Manager{commandContext: commandContext, fallbackDir: "/mnt"}
}

// lsblk emits hotplug as a native bool on recent versions and as the
// string "0"/"1" on older ones.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	*b = flexBool(s == "1" || s == "true")
	return nil
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	UUID       string        `json:"uuid"`
	Label      string        `json:"label"`
	FSType     string        `json:"fstype"`
	Size       string        `json:"size"`
	MountPoint string        `json:"mountpoint"`
	Type       string        `json:"type"`
	Hotplug    flexBool      `json:"hotplug"`
	Children   []lsblkDevice `json:"children"`
}

type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

// List enumerates attached block devices. Pseudo devices (loop, rom, ram)
// are filtered out. The mount state reported by lsblk can lag behind a
// just-performed mount, so each device is cross-checked with findmnt.
func (m *Manager) List(ctx context.Context) ([]Descriptor, error) {
	cmd := m.commandContext(ctx, "lsblk", "-J", "-o", "NAME,UUID,LABEL,FSTYPE,SIZE,MOUNTPOINT,TYPE,HOTPLUG")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate block devices: %w", err)
	}

	var parsed lsblkOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse lsblk output: %w", err)
	}

	var drives []Descriptor
	var walk func(devs []lsblkDevice, parentHotplug bool)
	walk = func(devs []lsblkDevice, parentHotplug bool) {
		for _, d := range devs {
			hotplug := bool(d.Hotplug) || parentHotplug
			switch d.Type {
			case "loop", "rom", "ram":
				continue
			case "disk", "part", "crypt", "lvm":
				// Only devices carrying a filesystem are mountable drives.
				if d.UUID != "" && d.FSType != "" {
					drives = append(drives, Descriptor{
						Device:     "/dev/" + d.Name,
						UUID:       d.UUID,
						Label:      d.Label,
						FSType:     d.FSType,
						Size:       d.Size,
						MountPoint: d.MountPoint,
						Removable:  hotplug,
					})
				}
			}
			walk(d.Children, hotplug)
		}
	}
	walk(parsed.BlockDevices, false)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mountStateConcurrency)
	for i := range drives {
		i := i
		g.Go(func() error {
			if target, ok := m.findMountPoint(gctx, drives[i].Device); ok {
				drives[i].MountPoint = target
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return drives, nil
}

// Resolve finds the attached device carrying the UUID.
func (m *Manager) Resolve(ctx context.Context, uuid string) (Descriptor, error) {
	drives, err := m.List(ctx)
	if err != nil {
		return Descriptor{}, err
	}
	for _, d := range drives {
		if d.UUID == uuid {
			return d, nil
		}
	}
	return Descriptor{}, &DriveError{Kind: KindNotFound, UUID: uuid}
}

// Mount ensures the drive with the UUID is mounted and returns a Handle.
// If the drive is already mounted the existing mount point is reused and
// the handle is marked as not auto-mounted, so Unmount will leave it
// alone. Mounting goes through udisksctl first (no elevation needed on a
// desktop session) and falls back to a direct mount under /mnt.
func (m *Manager) Mount(ctx context.Context, uuid string) (Handle, error) {
	d, err := m.Resolve(ctx, uuid)
	if err != nil {
		return Handle{}, err
	}

	if d.Mounted() {
		plog.Info("Drive already mounted", "uuid", uuid, "mount_point", d.MountPoint)
		return Handle{UUID: uuid, Device: d.Device, MountPoint: d.MountPoint}, nil
	}

	plog.Info("Mounting drive", "uuid", uuid, "device", d.Device)

	target, uerr := m.udisksMount(ctx, d.Device)
	if uerr == nil {
		return Handle{UUID: uuid, Device: d.Device, MountPoint: target, AutoMounted: true}, nil
	}
	plog.Warn("udisksctl mount failed, falling back to mount", "device", d.Device, "error", uerr)

	target, err = m.fallbackMount(ctx, d.Device, uuid)
	if err != nil {
		return Handle{}, &DriveError{Kind: KindMountFailed, UUID: uuid, Device: d.Device, Err: err}
	}
	return Handle{UUID: uuid, Device: d.Device, MountPoint: target, AutoMounted: true}, nil
}

// Unmount releases a mount this manager performed. Handles for drives
// that were already mounted are a no-op.
func (m *Manager) Unmount(ctx context.Context, h Handle) error {
	if !h.AutoMounted {
		plog.Info("Leaving pre-existing mount in place", "uuid", h.UUID, "mount_point", h.MountPoint)
		return nil
	}

	plog.Info("Unmounting drive", "uuid", h.UUID, "device", h.Device)

	cmd := m.commandContext(ctx, "udisksctl", "unmount", "-b", h.Device)
	if out, err := cmd.CombinedOutput(); err != nil {
		plog.Warn("udisksctl unmount failed, falling back to umount", "device", h.Device, "error", err)
		cmd = m.commandContext(ctx, "umount", h.MountPoint)
		if out2, err2 := cmd.CombinedOutput(); err2 != nil {
			return &DriveError{
				Kind:   KindUnmountFailed,
				UUID:   h.UUID,
				Device: h.Device,
				Err:    fmt.Errorf("udisksctl: %s; umount: %s", firstLine(out), firstLine(out2)),
			}
		}
	}
	return nil
}

// findMountPoint asks findmnt where a device is mounted.
func (m *Manager) findMountPoint(ctx context.Context, device string) (string, bool) {
	cmd := m.commandContext(ctx, "findmnt", "-n", "-o", "TARGET", "--source", device)
	out, err := cmd.Output()
	if err != nil {
		return "", false
	}
	target := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	return target, target != ""
}

// udisksMount mounts via the desktop disk service and parses the mount
// point from its output, e.g. "Mounted /dev/sdb1 at /media/user/backup".
func (m *Manager) udisksMount(ctx context.Context, device string) (string, error) {
	cmd := m.commandContext(ctx, "udisksctl", "mount", "-b", device)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, firstLine(out))
	}

	line := firstLine(out)
	if idx := strings.Index(line, " at "); idx >= 0 {
		// Older udisksctl versions end the line with a period.
		return strings.TrimSuffix(strings.TrimSpace(line[idx+4:]), "."), nil
	}

	// Output format not recognized, fall back to asking findmnt.
	if target, ok := m.findMountPoint(ctx, device); ok {
		return target, nil
	}
	return "", fmt.Errorf("mount succeeded but mount point not found for %s", device)
}

// fallbackMount creates a mount point under the fallback dir and mounts
// the device directly. Requires the process to have mount privileges.
func (m *Manager) fallbackMount(ctx context.Context, device, uuid string) (string, error) {
	target := filepath.Join(m.fallbackDir, "concrete-backup-"+uuid)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", fmt.Errorf("failed to create mount point: %w", err)
	}

	cmd := m.commandContext(ctx, "mount", device, target)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("%w: %s", err, firstLine(out))
	}
	return target, nil
}

func firstLine(out []byte) string {
	line, _, _ := bytes.Cut(bytes.TrimSpace(out), []byte("\n"))
	return string(line)
}
