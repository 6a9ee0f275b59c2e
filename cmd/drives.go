package cmd

import (
	"context"
	"fmt"

	"github.com/concretebackup/concrete-backup/pkg/drive"
	"github.com/concretebackup/concrete-backup/pkg/exitcode"
	"github.com/concretebackup/concrete-backup/pkg/plog"
)

// RunDrives lists attached drives with the identity a profile would
// reference them by.
func RunDrives(ctx context.Context) exitcode.ExitCode {
	manager := drive.NewManager(nil)
	drives, err := manager.List(ctx)
	if err != nil {
		plog.Error("Failed to enumerate drives", "error", err)
		return exitcode.ExitDriveError
	}
	if len(drives) == 0 {
		fmt.Println("No drives with a filesystem found.")
		return exitcode.ExitSuccess
	}

	fmt.Printf("%-38s %-12s %-8s %-8s %-10s %s\n", "UUID", "LABEL", "FSTYPE", "SIZE", "REMOVABLE", "MOUNTPOINT")
	for _, d := range drives {
		mount := d.MountPoint
		if mount == "" {
			mount = "(not mounted)"
		}
		fmt.Printf("%-38s %-12s %-8s %-8s %-10v %s\n", d.UUID, d.Label, d.FSType, d.Size, d.Removable, mount)
	}
	return exitcode.ExitSuccess
}
