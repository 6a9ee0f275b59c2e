package cmd

import (
	"fmt"

	"github.com/concretebackup/concrete-backup/pkg/exitcode"
)

// RunValidate checks a profile and prints every violation at once, so a
// broken profile can be fixed in a single pass.
func RunValidate(profileName string) exitcode.ExitCode {
	store, _, code := openStore()
	if code != exitcode.ExitSuccess {
		return code
	}
	p, code := loadProfile(store, profileName)
	if code != exitcode.ExitSuccess {
		return code
	}

	if verr := p.Validate(); verr != nil {
		fmt.Printf("Profile %q has %d problem(s):\n", profileName, len(verr.Errors))
		for _, fe := range verr.Errors {
			fmt.Printf("  %s: %s\n", fe.Field, fe.Message)
		}
		return exitcode.ExitValidationError
	}

	fmt.Printf("Profile %q is valid.\n", profileName)
	return exitcode.ExitSuccess
}
