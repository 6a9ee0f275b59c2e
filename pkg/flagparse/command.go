package flagparse

import (
	"fmt"

	"github.com/concretebackup/concrete-backup/pkg/util"
)

// Command defines the subcommand to execute.
type Command int

const (
	None Command = iota
	Run
	Validate
	Profiles
	Drives
	Schedule
	Version
)

var commandToString = map[Command]string{
	None:     "none",
	Run:      "run",
	Validate: "validate",
	Profiles: "profiles",
	Drives:   "drives",
	Schedule: "schedule",
	Version:  "version",
}

var stringToCommand map[string]Command

func init() {
	stringToCommand = util.InvertMap(commandToString)
}

func (c Command) String() string {
	if str, ok := commandToString[c]; ok {
		return str
	}
	return fmt.Sprintf("unknown_command(%d)", c)
}

func ParseCommand(s string) (Command, error) {
	if command, ok := stringToCommand[s]; ok && command != None {
		return command, nil
	}
	return None, fmt.Errorf("invalid command: %q. Must be 'run', 'validate', 'profiles', 'drives', 'schedule', or 'version'", s)
}
