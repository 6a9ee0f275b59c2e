// Package exitcode defines the process exit contract of the CLI.
// Cron and other non-interactive callers distinguish failure classes
// by these codes, so they are part of the public interface.
package exitcode

// ExitCode represents the application's exit codes.
type ExitCode int

const (
	// ExitSuccess - Execution completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGenericError - Unspecified generic error.
	ExitGenericError ExitCode = 1

	// ExitValidationError - The profile failed validation; no side effects occurred.
	ExitValidationError ExitCode = 2

	// ExitDriveError - A drive could not be resolved or mounted.
	ExitDriveError ExitCode = 3

	// ExitRunFailed - The backup run failed, partially or completely.
	ExitRunFailed ExitCode = 4

	// ExitSchedulingError - Installing or removing the schedule failed.
	ExitSchedulingError ExitCode = 5

	// ExitPermissionError - Privilege elevation was denied or cancelled.
	ExitPermissionError ExitCode = 7
)

// String returns a human-readable description of the exit code.
func (e ExitCode) String() string {
	switch e {
	case ExitSuccess:
		return "success"
	case ExitGenericError:
		return "generic error"
	case ExitValidationError:
		return "validation error"
	case ExitDriveError:
		return "drive error"
	case ExitRunFailed:
		return "run failed"
	case ExitSchedulingError:
		return "scheduling error"
	case ExitPermissionError:
		return "permission error"
	default:
		return "unknown error"
	}
}

// Int returns the exit code as an integer for os.Exit.
func (e ExitCode) Int() int {
	return int(e)
}
