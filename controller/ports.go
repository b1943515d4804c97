package controller

import (
	"context"

	"boxd"
)

// MachineAPI is the narrow slice of the machine-management API the
// controller drives.
// Production: infra/ec2.Client
// Testing: in-memory fake
type MachineAPI interface {
	// Describe returns the machine's current state, launch time, and tags.
	// A missing record surfaces as an errdefs.ErrNotFound-wrapped error.
	Describe(ctx context.Context, id string) (boxd.Machine, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	// MergeTags writes the given keys onto the machine's tag set in a
	// single call, replacing values of existing keys and leaving all
	// other keys untouched.
	MergeTags(ctx context.Context, id string, tags map[string]string) error
}

// Notifier delivers operator notifications. Delivery is best-effort: the
// controller logs failures and never lets them fail a decision.
type Notifier interface {
	Notify(ctx context.Context, n boxd.Notification) error
}
