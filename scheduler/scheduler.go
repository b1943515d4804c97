// Package scheduler fires scheduled start and stop commands against the
// managed machine at fixed wall-clock times in a configured time zone.
//
// It is deliberately independent of the lifecycle controller: the two
// coordinate only through the machine's tag contract. A stop that fails
// here is caught by the controller's fail-safe on the next periodic
// check.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"boxd/observe"

	"github.com/robfig/cron/v3"
)

const commandTimeout = 30 * time.Second

// Machine is the slice of the machine-management API the scheduler
// drives.
type Machine interface {
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
}

// Entry is one schedule line: a cron expression and the action it fires.
type Entry struct {
	Cron   string
	Action string // "start" or "stop"
}

// Scheduler runs cron entries against one machine.
type Scheduler struct {
	machine    Machine
	instanceID string
	cron       *cron.Cron
}

// New creates a scheduler evaluating expressions in loc.
func New(machine Machine, instanceID string, loc *time.Location) *Scheduler {
	return &Scheduler{
		machine:    machine,
		instanceID: instanceID,
		cron:       cron.New(cron.WithLocation(loc)),
	}
}

// Add registers one entry. Expressions use the standard five-field cron
// format.
func (s *Scheduler) Add(entry Entry) error {
	if entry.Action != "start" && entry.Action != "stop" {
		return fmt.Errorf("unknown schedule action %q", entry.Action)
	}
	action := entry.Action
	if _, err := s.cron.AddFunc(entry.Cron, func() { s.fire(action) }); err != nil {
		return fmt.Errorf("parse schedule %q: %w", entry.Cron, err)
	}
	return nil
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits
// for any in-flight command to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	return nil
}

// fire issues one command. Failures are logged only: the next scheduled
// firing (or the controller's fail-safe, for stops) is the retry.
func (s *Scheduler) fire(action string) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch action {
	case "start":
		err = s.machine.Start(ctx, s.instanceID)
	case "stop":
		err = s.machine.Stop(ctx, s.instanceID)
	}
	if err != nil {
		observe.ScheduledCommands.WithLabelValues(action, "error").Inc()
		slog.Error("Scheduled command failed.", "action", action, "instance", s.instanceID, "err", err)
		return
	}
	observe.ScheduledCommands.WithLabelValues(action, "ok").Inc()
	slog.Info("Scheduled command issued.", "action", action, "instance", s.instanceID)
}
