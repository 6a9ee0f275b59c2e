package profile

import (
	"fmt"
	"os"
	"strings"

	"github.com/concretebackup/concrete-backup/pkg/util"
)

// FieldError describes one validation violation, tied to the field that
// caused it so callers can report every problem in a single pass.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError aggregates every violation found in a profile. It is
// never truncated to the first problem.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "profile is invalid"
	}
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.Error()
	}
	return fmt.Sprintf("profile validation failed: %s", strings.Join(msgs, "; "))
}

// Validate checks every field of the profile and returns all violations at
// once. A nil return means the profile is runnable.
func (p *Profile) Validate() *ValidationError {
	var errs []FieldError

	add := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if p.Name == "" {
		add("name", "profile name is required")
	} else if strings.ContainsAny(p.Name, "/\\") {
		add("name", "profile name must not contain path separators")
	}

	if len(p.EnabledSources()) == 0 {
		add("sources", "at least one enabled source directory is required")
	}
	if len(p.EnabledDestinations()) == 0 {
		add("destinations", "at least one enabled destination is required")
	}

	for i, src := range p.Sources {
		field := fmt.Sprintf("sources[%d]", i)
		if src.Path == "" {
			add(field, "path is required")
			continue
		}
		if !src.Enabled {
			continue
		}
		// A source on removable media may legitimately be absent until its
		// drive is mounted; existence is only checked for plain paths.
		if src.DriveUUID == "" {
			path, err := util.ExpandPath(src.Path)
			if err != nil {
				add(field, "cannot resolve path %s: %v", src.Path, err)
				continue
			}
			if _, err := os.Stat(path); os.IsNotExist(err) {
				add(field, "path does not exist: %s", src.Path)
			}
		}
	}

	for i, dst := range p.Destinations {
		field := fmt.Sprintf("destinations[%d]", i)
		if dst.Path == "" {
			add(field, "target path is required")
		}
		if dst.AutoMount && dst.DriveUUID == "" {
			add(field, "drive identity is required when autoMount is enabled")
		}
	}

	if p.Schedule.Enabled {
		if p.Schedule.Hour < 0 || p.Schedule.Hour > 23 {
			add("schedule.hour", "hour must be between 0 and 23")
		}
		if p.Schedule.Minute < 0 || p.Schedule.Minute > 59 {
			add("schedule.minute", "minute must be between 0 and 59")
		}
		for _, d := range p.Schedule.Weekdays {
			if d < 0 || d > 6 {
				add("schedule.weekdays", "weekday %d is out of range", d)
				break
			}
		}
	}

	validateCommands := func(field string, cmds []Command) {
		for i, c := range cmds {
			cf := fmt.Sprintf("%s[%d]", field, i)
			if c.Enabled && strings.TrimSpace(c.Command) == "" {
				add(cf, "command is required")
			}
			if c.TimeoutSeconds < 0 {
				add(cf, "timeoutSeconds cannot be negative")
			}
		}
	}
	validateCommands("preCommands", p.PreCommands)
	validateCommands("postCommands", p.PostCommands)

	switch p.Options.LogCompression {
	case LogCompressionNone, LogCompressionGzip, LogCompressionZstd:
	default:
		add("options.logCompression", "must be %q or %q", LogCompressionGzip, LogCompressionZstd)
	}
	if p.Options.LogRetentionDays < 0 {
		add("options.logRetentionDays", "cannot be negative")
	}

	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: errs}
}
