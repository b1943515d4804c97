package controller

import (
	"context"
	"fmt"
	"time"

	"boxd"
)

// Status is an operator-facing snapshot of the managed machine and where
// it stands against the fail-safe policy.
type Status struct {
	InstanceID     string    `json:"instance_id"`
	State          string    `json:"state"`
	LaunchedAt     time.Time `json:"launched_at"`
	StartedAt      time.Time `json:"started_at,omitzero"`
	ElapsedHours   float64   `json:"elapsed_hours"`
	DeferHours     float64   `json:"defer_hours"`
	ThresholdHours float64   `json:"threshold_hours"`
}

// Status reads the machine and reports elapsed runtime against the
// effective threshold. Elapsed time is only meaningful while the machine
// is running; for other states it is zero.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	machine, err := c.machines.Describe(ctx, c.cfg.InstanceID)
	if err != nil {
		return Status{}, fmt.Errorf("describe machine: %w", err)
	}

	deferred := parseDeferHours(machine.Tags[boxd.TagAutoStopDeferHours])
	status := Status{
		InstanceID:     machine.ID,
		State:          machine.State.String(),
		LaunchedAt:     machine.LaunchedAt,
		DeferHours:     deferred,
		ThresholdHours: c.cfg.StopAfterHours + deferred,
	}
	if machine.State == boxd.StateRunning {
		start := startReference(machine)
		status.StartedAt = start
		status.ElapsedHours = c.clock.Now().Sub(start).Hours()
	}
	return status, nil
}
