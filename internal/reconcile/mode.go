package reconcile

import (
	"errors"
	"fmt"
)

// ManualFlag selects a manual run.
const ManualFlag = "--manual"

// ErrUsage is returned for any argument list other than none or ManualFlag.
var ErrUsage = errors.New("usage: quota [--manual]")

// Mode selects how targets are chosen.
type Mode int

const (
	// ModeAuto detects mismatches in the latest snapshot.
	ModeAuto Mode = iota
	// ModeManual remediates the targets stored in the worklist.
	ModeManual
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeManual:
		return "manual"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps the command-line arguments (without the program name) to a
// run mode.
func ParseMode(args []string) (Mode, error) {
	switch {
	case len(args) == 0:
		return ModeAuto, nil
	case len(args) == 1 && args[0] == ManualFlag:
		return ModeManual, nil
	case len(args) == 1:
		return ModeAuto, fmt.Errorf("%w: unknown argument %q", ErrUsage, args[0])
	default:
		return ModeAuto, fmt.Errorf("%w: too many arguments (%d)", ErrUsage, len(args))
	}
}

// State is the terminal state of a run.
type State int

const (
	StateFailed State = iota
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
