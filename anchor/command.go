package anchor

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/worldlock/mesh"
)

// CommandKind names an operator action on the session
type CommandKind string

const (
	CmdAddPin    CommandKind = "add_pin"
	CmdRemovePin CommandKind = "remove_pin"
	CmdClearPins CommandKind = "clear_pins"
	CmdSave      CommandKind = "save"
	CmdLoad      CommandKind = "load"
	CmdReset     CommandKind = "reset"
	CmdRefreeze  CommandKind = "refreeze"
)

// Command is a request executed on the update goroutine.
// For add_pin a missing locked pose means "where the viewer is now" and a
// missing virtual pose means "same as locked".
type Command struct {
	Kind     CommandKind `json:"command"`
	Name     string      `json:"name,omitempty"`
	AnchorID AnchorID    `json:"anchorId,omitempty"`
	Virtual  *mesh.Pose  `json:"virtual,omitempty"`
	Locked   *mesh.Pose  `json:"locked,omitempty"`

	reply chan CommandResult
}

// CommandResult reports the outcome of a command
type CommandResult struct {
	Command  CommandKind `json:"command"`
	OK       bool        `json:"ok"`
	AnchorID AnchorID    `json:"anchorId,omitempty"`
	Name     string      `json:"name,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Validate checks that the command kind is known and carries what it needs
func (c Command) Validate() error {
	switch c.Kind {
	case CmdAddPin:
		if c.Locked != nil {
			if err := CheckPinPosition(c.Locked.Position); err != nil {
				return fmt.Errorf("locked: %w", err)
			}
		}
		if c.Virtual != nil && !finite(c.Virtual.Position) {
			return fmt.Errorf("virtual: %w: not finite", ErrPinOutOfRange)
		}
		return nil
	case CmdClearPins, CmdSave, CmdLoad, CmdReset, CmdRefreeze:
		return nil
	case CmdRemovePin:
		if c.Name == "" && !c.AnchorID.IsKnown() {
			return fmt.Errorf("remove_pin needs a name or anchorId")
		}
		return nil
	case "":
		return fmt.Errorf("command is required")
	}
	return fmt.Errorf("unknown command %q", c.Kind)
}

// ParseCommand decodes a JSON command. A bare string such as "save" is
// accepted for commands without arguments.
func ParseCommand(payload []byte) (Command, error) {
	var cmd Command
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return Command{}, fmt.Errorf("parsing command: %w", err)
		}
	} else {
		var kind string
		if err := json.Unmarshal(payload, &kind); err != nil {
			kind = trimmed
		}
		cmd.Kind = CommandKind(kind)
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func finite(v r3.Vec) bool {
	for _, f := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// newPinName generates a name for a pin added without one
func newPinName() string {
	return "pin-" + uuid.NewString()[:8]
}
