// Package daemon wires the lifecycle controller's trigger sources
// together: the periodic fail-safe ticker, the state-change event
// watcher, the scheduler, and the local HTTP API. It runs them under one
// errgroup until shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"boxd"
	"boxd/api"
	"boxd/config"
	"boxd/controller"
	"boxd/infra/ec2"
	"boxd/infra/history"
	"boxd/infra/sqs"
	"boxd/notify"
	"boxd/observe"
	"boxd/scheduler"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Run builds the daemon from cfg and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	machines, err := ec2.New(ctx, cfg.Region)
	if err != nil {
		return fmt.Errorf("create machine client: %w", err)
	}

	ntfy := notify.New(cfg.Notify.Server, cfg.Notify.Topic)
	var notifier controller.Notifier
	if ntfy.Disabled() {
		slog.Info("No notification topic configured, notifications disabled.")
	} else {
		notifier = ntfy
	}

	ctrl := controller.New(machines, notifier, boxd.RealClock{}, controller.Config{
		InstanceID:     cfg.InstanceID,
		StopAfterHours: cfg.StopAfterHours,
	})

	run := &runner{ctrl: ctrl}
	var apiHistory api.History
	if hist, err := history.Open(cfg.HistoryPath); err != nil {
		// History is an operator convenience, never a reason not to run.
		slog.Warn("History store unavailable, continuing without it.", "path", cfg.HistoryPath, "err", err)
	} else {
		defer hist.Close()
		run.history = hist
		apiHistory = hist
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return run.runPeriodic(ctx, time.Duration(cfg.CheckInterval))
	})

	if cfg.EventQueueURL != "" {
		watcher, err := sqs.New(ctx, cfg.Region, cfg.EventQueueURL, cfg.InstanceID)
		if err != nil {
			return fmt.Errorf("create event watcher: %w", err)
		}
		g.Go(func() error {
			return watcher.Run(ctx, func(ctx context.Context, event boxd.StateChanged) error {
				return run.invoke(ctx, "state-change", event)
			})
		})
	} else {
		slog.Info("No event queue configured, state-change watcher disabled.")
	}

	if len(cfg.Schedules) > 0 {
		loc, err := cfg.Location()
		if err != nil {
			return fmt.Errorf("resolve timezone: %w", err)
		}
		sched := scheduler.New(machines, cfg.InstanceID, loc)
		for _, entry := range cfg.Schedules {
			if err := sched.Add(scheduler.Entry{Cron: entry.Cron, Action: entry.Action}); err != nil {
				return fmt.Errorf("register schedule: %w", err)
			}
		}
		g.Go(func() error { return sched.Run(ctx) })
	}

	server := api.New(ctrl, machines, apiHistory, cfg.InstanceID)
	g.Go(func() error { return server.ListenAndServe(ctx, cfg.Listen) })

	slog.Info("Daemon started.",
		"instance", cfg.InstanceID,
		"stop_after_hours", cfg.StopAfterHours,
		"check_interval", time.Duration(cfg.CheckInterval).String())

	return g.Wait()
}

// recorder is the write slice of the history store.
type recorder interface {
	Append(ctx context.Context, entry history.Entry) error
}

// runner routes trigger firings into the controller and reports each
// outcome to logs, metrics, and history.
type runner struct {
	ctrl    *controller.Controller
	history recorder
}

// runPeriodic fires one check immediately (to catch anything missed
// while the daemon was down) and then on every tick. Invocation errors
// never stop the loop; the next tick is the retry.
func (r *runner) runPeriodic(ctx context.Context, interval time.Duration) error {
	_ = r.invoke(ctx, "periodic", boxd.PeriodicCheck{})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = r.invoke(ctx, "periodic", boxd.PeriodicCheck{})
		}
	}
}

func (r *runner) invoke(ctx context.Context, trigger string, event boxd.Event) error {
	ctx, span := observe.StartSpan(ctx, "controller.handle", attribute.String("trigger", trigger))
	defer span.End()

	result, err := r.ctrl.Handle(ctx, event)

	outcome := string(result.Action)
	if outcome == "" {
		outcome = "error"
	}
	observe.Invocations.WithLabelValues(trigger, outcome).Inc()
	if result.Action == controller.ActionStopped {
		observe.FailsafeStops.Inc()
	}

	switch {
	case err != nil:
		span.RecordError(err)
		slog.Error("Controller invocation failed.", "trigger", trigger, "err", err)
	case result.Action == controller.ActionNone:
		slog.Debug("Controller decision.", "trigger", trigger, "detail", result.Detail)
	default:
		slog.Info("Controller decision.", "trigger", trigger, "action", result.Action, "detail", result.Detail)
	}

	r.record(ctx, trigger, result, err)
	return err
}

// record keeps non-trivial outcomes. Routine "nothing to do" results
// would drown the log without telling the operator anything.
func (r *runner) record(ctx context.Context, trigger string, result controller.Result, invokeErr error) {
	if r.history == nil {
		return
	}
	if invokeErr == nil && result.Action == controller.ActionNone {
		return
	}

	entry := history.Entry{Event: trigger, Action: string(result.Action), Detail: result.Detail}
	if invokeErr != nil {
		if entry.Action == "" {
			entry.Action = "error"
		}
		entry.Detail = invokeErr.Error()
	}
	if err := r.history.Append(ctx, entry); err != nil {
		slog.Warn("Recording controller decision failed.", "err", err)
	}
}
