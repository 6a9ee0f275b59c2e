package cmd

import (
	"fmt"

	"github.com/concretebackup/concrete-backup/pkg/buildinfo"
	"github.com/concretebackup/concrete-backup/pkg/exitcode"
)

// RunVersion prints the application version.
func RunVersion() exitcode.ExitCode {
	fmt.Printf("%s version %s\n", buildinfo.Name, buildinfo.Version)
	return exitcode.ExitSuccess
}
