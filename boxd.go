// Package boxd holds the domain types for the dev-machine lifecycle
// controller: the managed machine's record, its lifecycle states, and the
// tag keys that form the controller's only durable state.
package boxd

import "time"

// MachineState is the lifecycle state of the managed machine.
type MachineState uint8

const (
	StateUnknown MachineState = iota
	StatePending
	StateRunning
	StateStopping
	StateStopped
	StateTerminated
)

func (s MachineState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ParseMachineState maps a provider state name to a MachineState.
// Unrecognized names map to StateUnknown.
func ParseMachineState(name string) MachineState {
	switch name {
	case "pending":
		return StatePending
	case "running":
		return StateRunning
	case "stopping", "shutting-down":
		return StateStopping
	case "stopped":
		return StateStopped
	case "terminated":
		return StateTerminated
	default:
		return StateUnknown
	}
}

// Tag keys on the managed machine. The tag set is the only durable state
// the lifecycle controller reads or writes.
const (
	// TagLastStartedAt holds the RFC 3339 UTC timestamp of the most recent
	// transition into running. Absent on a machine that has never been
	// restarted since tracking began.
	TagLastStartedAt = "LastStartedAt"

	// TagAutoStopDeferHours holds an operator-granted extension of the
	// fail-safe threshold for the current running period. Reset to "0" on
	// every start and on every fail-safe stop.
	TagAutoStopDeferHours = "AutoStopDeferHours"
)

// Machine is a point-in-time view of the managed machine.
type Machine struct {
	ID         string
	State      MachineState
	LaunchedAt time.Time
	Tags       map[string]string
}
