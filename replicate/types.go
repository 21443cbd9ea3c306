package replicate

import (
	"fmt"
	"strings"
)

// Direction names the endpoint being written to.
type Direction string

const (
	ToLocal  Direction = "local"
	ToMaster Direction = "master"
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case "", ToLocal:
		return ToLocal, nil
	case ToMaster:
		return ToMaster, nil
	default:
		return "", fmt.Errorf("invalid direction %q (expected local or master)", s)
	}
}

// Source is the endpoint read from.
func (d Direction) Source() string {
	if d == ToMaster {
		return "local"
	}
	return "master"
}

func (d Direction) Dest() string {
	return string(d)
}

type Mode int

const (
	FullClone Mode = iota
	DiffOnly
)

func (m Mode) String() string {
	if m == DiffOnly {
		return "diff"
	}
	return "full"
}

type State int

const (
	Idle State = iota
	Connecting
	Verifying
	Planning
	ConfirmingDestructive
	Truncating
	Transferring
	Done
	Cancelled
	Failed
)

var stateNames = [...]string{
	Idle:                  "idle",
	Connecting:            "connecting",
	Verifying:             "verifying",
	Planning:              "planning",
	ConfirmingDestructive: "confirming",
	Truncating:            "truncating",
	Transferring:          "transferring",
	Done:                  "done",
	Cancelled:             "cancelled",
	Failed:                "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) Terminal() bool {
	return s == Done || s == Cancelled || s == Failed
}
