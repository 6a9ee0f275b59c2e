// Package profile defines the persisted backup configuration: sources,
// destinations, schedule, options and custom command phases. A profile is
// the unit of persistence; runs and drive handles never outlive the process
// that created them, but profiles do.
package profile

import (
	"time"
)

// DefaultCommandTimeoutSeconds bounds a custom command that specifies no timeout.
const DefaultCommandTimeoutSeconds = 300

// SourceEntry is one directory to back up. A source on removable media
// carries the drive's stable filesystem UUID; device paths are never
// persisted because they are not stable across remounts or reboots.
type SourceEntry struct {
	Path      string `yaml:"path" json:"path"`
	DriveUUID string `yaml:"driveUUID,omitempty" json:"driveUUID,omitempty"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
}

// DestinationEntry is one mirror target. AutoMount requires a DriveUUID so
// the run can resolve and mount the drive before syncing.
type DestinationEntry struct {
	Path      string `yaml:"path" json:"path"`
	DriveUUID string `yaml:"driveUUID,omitempty" json:"driveUUID,omitempty"`
	AutoMount bool   `yaml:"autoMount" json:"autoMount"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
}

// Command is a single shell command executed before or after the sync phase.
// SECURITY: Commands are executed as provided. Ensure they are from a trusted source.
type Command struct {
	Command        string `yaml:"command" json:"command"`
	Description    string `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	TimeoutSeconds int    `yaml:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`
}

// Timeout returns the command's execution deadline, applying the default
// when the profile does not specify one.
func (c Command) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultCommandTimeoutSeconds * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ScheduleSpec describes when a scheduled backup fires. An empty Weekdays
// slice means every day.
type ScheduleSpec struct {
	Enabled  bool           `yaml:"enabled" json:"enabled"`
	Hour     int            `yaml:"hour" json:"hour"`
	Minute   int            `yaml:"minute" json:"minute"`
	Weekdays []time.Weekday `yaml:"weekdays,omitempty" json:"weekdays,omitempty"`
}

// Daily reports whether the schedule fires every day of the week.
func (s ScheduleSpec) Daily() bool {
	return len(s.Weekdays) == 0 || len(s.Weekdays) == 7
}

// LogCompression formats accepted by Options.LogCompression.
const (
	LogCompressionNone = ""
	LogCompressionGzip = "gzip"
	LogCompressionZstd = "zstd"
)

// Options are per-profile runtime options.
type Options struct {
	DryRun  bool `yaml:"dryRun" json:"dryRun"`
	Verbose bool `yaml:"verbose" json:"verbose"`
	// IgnoreCommandErrors downgrades a pre/post command failure from
	// phase-aborting to logged-and-continue. It applies to both command
	// phases.
	IgnoreCommandErrors bool `yaml:"ignoreCommandErrors" json:"ignoreCommandErrors"`
	// LogRetentionDays controls when aged run logs are compressed.
	// Zero disables log rotation.
	LogRetentionDays int `yaml:"logRetentionDays,omitempty" json:"logRetentionDays,omitempty"`
	// LogCompression selects the rotation format: "gzip" or "zstd".
	LogCompression string `yaml:"logCompression,omitempty" json:"logCompression,omitempty"`
}

// Profile is the complete, persisted configuration for one backup task.
type Profile struct {
	Name         string             `yaml:"name" json:"name"`
	Sources      []SourceEntry      `yaml:"sources" json:"sources"`
	Destinations []DestinationEntry `yaml:"destinations" json:"destinations"`
	Schedule     ScheduleSpec       `yaml:"schedule" json:"schedule"`
	Options      Options            `yaml:"options" json:"options"`
	PreCommands  []Command          `yaml:"preCommands" json:"preCommands"`
	PostCommands []Command          `yaml:"postCommands" json:"postCommands"`
	CreatedAt    time.Time          `yaml:"createdAt,omitempty" json:"createdAt,omitempty"`
	ModifiedAt   time.Time          `yaml:"modifiedAt,omitempty" json:"modifiedAt,omitempty"`
}

// New creates an empty profile with sensible defaults: a disabled daily
// schedule at 02:00 and no sources, destinations or commands.
func New(name string) *Profile {
	now := time.Now()
	return &Profile{
		Name: name,
		Schedule: ScheduleSpec{
			Enabled: false,
			Hour:    2, // 2 AM default.
			Minute:  0,
		},
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

// EnabledSources returns the sources that participate in a run, in order.
func (p *Profile) EnabledSources() []SourceEntry {
	var out []SourceEntry
	for _, s := range p.Sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// EnabledDestinations returns the destinations that participate in a run, in order.
func (p *Profile) EnabledDestinations() []DestinationEntry {
	var out []DestinationEntry
	for _, d := range p.Destinations {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}
