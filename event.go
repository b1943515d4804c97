package boxd

// Event is one trigger delivered to the lifecycle controller. Exactly two
// kinds exist; the interface is sealed so dispatch stays exhaustive.
type Event interface {
	isEvent()
}

// StateChanged reports that the machine transitioned between lifecycle
// states. Delivered at-least-once by the event source; handling it is
// idempotent.
type StateChanged struct {
	InstanceID string
	State      string
}

// PeriodicCheck asks the controller to evaluate the fail-safe condition.
// It carries no payload: the target machine and thresholds are fixed
// configuration.
type PeriodicCheck struct{}

func (StateChanged) isEvent()  {}
func (PeriodicCheck) isEvent() {}

// Notification priorities, on the ntfy scale.
const (
	PriorityDefault = "default"
	PriorityHigh    = "high"
	PriorityUrgent  = "urgent"
)

// Notification is one operator-facing push message.
type Notification struct {
	Title    string
	Message  string
	Priority string
	Tags     []string
}
