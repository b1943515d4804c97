// Package controller implements the lifecycle controller for the managed
// machine. It is a stateless handler with a single entry point, invoked
// with one event at a time: a state-change notification stamps the start
// of a new running period onto the machine's tags, and a periodic check
// enforces the fail-safe auto-stop threshold.
//
// All durable state lives in the machine's tag set. The controller never
// retries internally; redelivery by the trigger sources is the retry
// mechanism, and both paths are idempotent under replay.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"boxd"

	"github.com/containerd/errdefs"
)

// Config is the static per-deployment configuration of the controller.
type Config struct {
	// InstanceID is the managed machine.
	InstanceID string
	// StopAfterHours is the base fail-safe threshold. An operator extends
	// it for the current running period via the AutoStopDeferHours tag.
	StopAfterHours float64
}

// Action classifies what a single invocation did.
type Action string

const (
	// ActionNone: nothing to do (machine not running, threshold not
	// crossed, or event not addressed to the managed machine).
	ActionNone Action = "none"
	// ActionStamped: a transition to running was recorded on the tags.
	ActionStamped Action = "stamped"
	// ActionStopped: the fail-safe threshold was crossed and the machine
	// was stopped.
	ActionStopped Action = "failsafe-stop"
	// ActionNotFound: the configured machine has no record. Points at a
	// configuration error; reported, not retried.
	ActionNotFound Action = "not-found"
)

// Result describes the outcome of one invocation.
type Result struct {
	Action Action
	Detail string
}

// Controller evaluates lifecycle events against the fail-safe policy.
// It holds no mutable state; a single value is safe to share across
// trigger loops.
type Controller struct {
	machines MachineAPI
	notifier Notifier
	clock    boxd.Clock
	cfg      Config
}

// New creates a controller. notifier may be nil, which disables
// notifications entirely.
func New(machines MachineAPI, notifier Notifier, clock boxd.Clock, cfg Config) *Controller {
	if clock == nil {
		clock = boxd.RealClock{}
	}
	return &Controller{machines: machines, notifier: notifier, clock: clock, cfg: cfg}
}

// Handle processes one event and returns what was done. Errors from the
// machine API surface as invocation failures; the caller's next trigger
// firing is the retry.
func (c *Controller) Handle(ctx context.Context, event boxd.Event) (Result, error) {
	switch event := event.(type) {
	case boxd.StateChanged:
		return c.handleStateChange(ctx, event)
	case boxd.PeriodicCheck:
		return c.handlePeriodicCheck(ctx)
	default:
		return Result{}, fmt.Errorf("unhandled event type %T", event)
	}
}

// handleStateChange stamps the beginning of a running period. Re-stamping
// on a redelivered event writes a near-identical timestamp, which is
// harmless.
func (c *Controller) handleStateChange(ctx context.Context, event boxd.StateChanged) (Result, error) {
	if event.InstanceID != "" && event.InstanceID != c.cfg.InstanceID {
		return Result{Action: ActionNone, Detail: fmt.Sprintf("event for unmanaged machine %s", event.InstanceID)}, nil
	}
	if event.State != boxd.StateRunning.String() {
		return Result{Action: ActionNone, Detail: fmt.Sprintf("transition to %q ignored", event.State)}, nil
	}

	startedAt := c.clock.Now().UTC().Format(time.RFC3339)
	tags := map[string]string{
		boxd.TagLastStartedAt:      startedAt,
		boxd.TagAutoStopDeferHours: "0",
	}
	if err := c.machines.MergeTags(ctx, c.cfg.InstanceID, tags); err != nil {
		return Result{}, fmt.Errorf("stamp running period: %w", err)
	}

	slog.Info("Stamped new running period.", "instance", c.cfg.InstanceID, "started_at", startedAt)
	return Result{Action: ActionStamped, Detail: "running period stamped " + startedAt}, nil
}

// handlePeriodicCheck is the fail-safe net, not the primary stop
// mechanism: it catches scheduled stops that failed to fire and machines
// started outside the schedule and forgotten.
func (c *Controller) handlePeriodicCheck(ctx context.Context) (Result, error) {
	machine, err := c.machines.Describe(ctx, c.cfg.InstanceID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Result{Action: ActionNotFound, Detail: "machine record not found"},
				fmt.Errorf("machine %s: %w", c.cfg.InstanceID, err)
		}
		return Result{}, fmt.Errorf("describe machine: %w", err)
	}

	if machine.State != boxd.StateRunning {
		return Result{Action: ActionNone, Detail: "machine is " + machine.State.String()}, nil
	}

	deferred := parseDeferHours(machine.Tags[boxd.TagAutoStopDeferHours])
	effective := c.cfg.StopAfterHours + deferred
	start := startReference(machine)
	elapsed := c.clock.Now().Sub(start).Hours()

	if elapsed < effective {
		return Result{
			Action: ActionNone,
			Detail: fmt.Sprintf("running %.1fh of %.1fh allowed", elapsed, effective),
		}, nil
	}

	if err := c.machines.Stop(ctx, machine.ID); err != nil {
		return Result{}, fmt.Errorf("stop machine: %w", err)
	}
	slog.Warn("Fail-safe threshold crossed, machine stopped.",
		"instance", machine.ID, "elapsed_hours", elapsed, "threshold_hours", effective)

	c.notify(ctx, boxd.Notification{
		Title:    "Dev machine auto-stopped",
		Message:  fmt.Sprintf("%s ran for %.1fh (limit %.1fh) and was stopped by the fail-safe. Restart with: boxd start", machine.ID, elapsed, effective),
		Priority: boxd.PriorityUrgent,
		Tags:     []string{"warning", "stop_sign"},
	})

	// Reset the deferral so the next running period starts clean. A
	// failed reset surfaces: the next start re-stamps the tag anyway, so
	// redelivery of this check is harmless (the machine is now stopping).
	if err := c.machines.MergeTags(ctx, machine.ID, map[string]string{boxd.TagAutoStopDeferHours: "0"}); err != nil {
		return Result{Action: ActionStopped}, fmt.Errorf("reset deferral tag: %w", err)
	}

	return Result{
		Action: ActionStopped,
		Detail: fmt.Sprintf("stopped after %.1fh (threshold %.1fh)", elapsed, effective),
	}, nil
}

func (c *Controller) notify(ctx context.Context, n boxd.Notification) {
	if c.notifier == nil {
		slog.Debug("No notifier configured, notification dropped.", "title", n.Title)
		return
	}
	if err := c.notifier.Notify(ctx, n); err != nil {
		// Best-effort: never escalate past the log.
		slog.Error("Notification delivery failed.", "title", n.Title, "err", err)
	}
}

// parseDeferHours reads the operator deferral tag. Missing, malformed, or
// negative values degrade to zero; a bad tag must never fail the check.
func parseDeferHours(raw string) float64 {
	if raw == "" {
		return 0
	}
	hours, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || hours < 0 {
		slog.Warn("Unusable deferral tag value, treating as zero.", "value", raw)
		return 0
	}
	return hours
}

// startReference picks the timestamp the running period is measured from:
// the LastStartedAt tag when present and parseable, otherwise the
// machine's launch time. The fallback covers machines that predate start
// tracking or have never been restarted since it was enabled.
func startReference(machine boxd.Machine) time.Time {
	raw, ok := machine.Tags[boxd.TagLastStartedAt]
	if !ok {
		return machine.LaunchedAt
	}
	started, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		slog.Warn("Malformed LastStartedAt tag, falling back to launch time.", "value", raw)
		return machine.LaunchedAt
	}
	return started
}
