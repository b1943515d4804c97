package controller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"boxd"

	"github.com/containerd/errdefs"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type fakeMachines struct {
	machine boxd.Machine
	calls   []string

	describeErr error
	stopErr     error
	tagErr      error
}

func (f *fakeMachines) Describe(ctx context.Context, id string) (boxd.Machine, error) {
	f.calls = append(f.calls, "Describe")
	if f.describeErr != nil {
		return boxd.Machine{}, f.describeErr
	}
	return f.machine, nil
}

func (f *fakeMachines) Start(ctx context.Context, id string) error {
	f.calls = append(f.calls, "Start")
	return nil
}

func (f *fakeMachines) Stop(ctx context.Context, id string) error {
	f.calls = append(f.calls, "Stop")
	return f.stopErr
}

func (f *fakeMachines) MergeTags(ctx context.Context, id string, tags map[string]string) error {
	f.calls = append(f.calls, "MergeTags")
	if f.tagErr != nil {
		return f.tagErr
	}
	if f.machine.Tags == nil {
		f.machine.Tags = make(map[string]string)
	}
	for k, v := range tags {
		f.machine.Tags[k] = v
	}
	return nil
}

type fakeNotifier struct {
	sent []boxd.Notification
	err  error
}

func (f *fakeNotifier) Notify(ctx context.Context, n boxd.Notification) error {
	f.sent = append(f.sent, n)
	return f.err
}

const testInstance = "i-0123456789abcdef0"

func newTestController(machines *fakeMachines, notifier *fakeNotifier, now time.Time, stopAfter float64) *Controller {
	return New(machines, notifier, fixedClock{now: now}, Config{
		InstanceID:     testInstance,
		StopAfterHours: stopAfter,
	})
}

func runningMachine(launched time.Time, tags map[string]string) boxd.Machine {
	return boxd.Machine{
		ID:         testInstance,
		State:      boxd.StateRunning,
		LaunchedAt: launched,
		Tags:       tags,
	}
}

func TestStateChange_RunningStampsTags(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	machines := &fakeMachines{machine: runningMachine(now, nil)}
	c := newTestController(machines, &fakeNotifier{}, now, 4)

	res, err := c.Handle(context.Background(), boxd.StateChanged{InstanceID: testInstance, State: "running"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Action != ActionStamped {
		t.Fatalf("action = %q, want %q", res.Action, ActionStamped)
	}
	if !slices.Equal(machines.calls, []string{"MergeTags"}) {
		t.Fatalf("calls = %v, want exactly one MergeTags", machines.calls)
	}
	if got := machines.machine.Tags[boxd.TagLastStartedAt]; got != now.Format(time.RFC3339) {
		t.Errorf("LastStartedAt = %q, want %q", got, now.Format(time.RFC3339))
	}
	if got := machines.machine.Tags[boxd.TagAutoStopDeferHours]; got != "0" {
		t.Errorf("AutoStopDeferHours = %q, want 0", got)
	}
}

func TestStateChange_NonRunningIsNoop(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	machines := &fakeMachines{}
	notifier := &fakeNotifier{}
	c := newTestController(machines, notifier, now, 4)

	res, err := c.Handle(context.Background(), boxd.StateChanged{InstanceID: testInstance, State: "stopped"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Action != ActionNone {
		t.Fatalf("action = %q, want %q", res.Action, ActionNone)
	}
	if len(machines.calls) != 0 {
		t.Errorf("machine API calls = %v, want none", machines.calls)
	}
	if len(notifier.sent) != 0 {
		t.Errorf("notifications = %d, want 0", len(notifier.sent))
	}
}

func TestStateChange_OtherInstanceIgnored(t *testing.T) {
	machines := &fakeMachines{}
	c := newTestController(machines, &fakeNotifier{}, time.Now(), 4)

	res, err := c.Handle(context.Background(), boxd.StateChanged{InstanceID: "i-feedfacecafebeef0", State: "running"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Action != ActionNone || len(machines.calls) != 0 {
		t.Fatalf("action = %q calls = %v, want no-op", res.Action, machines.calls)
	}
}

func TestStateChange_Idempotent(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	machines := &fakeMachines{}
	c := newTestController(machines, &fakeNotifier{}, now, 4)

	event := boxd.StateChanged{InstanceID: testInstance, State: "running"}
	for i := range 2 {
		if _, err := c.Handle(context.Background(), event); err != nil {
			t.Fatalf("Handle #%d: %v", i+1, err)
		}
	}
	if !slices.Equal(machines.calls, []string{"MergeTags", "MergeTags"}) {
		t.Fatalf("calls = %v, want two MergeTags and nothing else", machines.calls)
	}
	if got := machines.machine.Tags[boxd.TagAutoStopDeferHours]; got != "0" {
		t.Errorf("AutoStopDeferHours after replay = %q, want 0", got)
	}
	if got := machines.machine.Tags[boxd.TagLastStartedAt]; got != now.Format(time.RFC3339) {
		t.Errorf("LastStartedAt after replay = %q, want %q", got, now.Format(time.RFC3339))
	}
}

func TestStateChange_TagWriteFailureSurfaces(t *testing.T) {
	tagErr := errors.New("api unavailable")
	machines := &fakeMachines{tagErr: tagErr}
	c := newTestController(machines, &fakeNotifier{}, time.Now(), 4)

	_, err := c.Handle(context.Background(), boxd.StateChanged{InstanceID: testInstance, State: "running"})
	if !errors.Is(err, tagErr) {
		t.Fatalf("Handle error = %v, want wrapped tag-write error", err)
	}
}

func TestPeriodicCheck_NotRunningIsNoop(t *testing.T) {
	now := time.Now().UTC()
	for _, state := range []boxd.MachineState{boxd.StatePending, boxd.StateStopping, boxd.StateStopped, boxd.StateTerminated} {
		machines := &fakeMachines{machine: boxd.Machine{ID: testInstance, State: state, LaunchedAt: now.Add(-100 * time.Hour)}}
		notifier := &fakeNotifier{}
		c := newTestController(machines, notifier, now, 4)

		res, err := c.Handle(context.Background(), boxd.PeriodicCheck{})
		if err != nil {
			t.Fatalf("state %v: Handle: %v", state, err)
		}
		if res.Action != ActionNone {
			t.Errorf("state %v: action = %q, want %q", state, res.Action, ActionNone)
		}
		if !slices.Equal(machines.calls, []string{"Describe"}) {
			t.Errorf("state %v: calls = %v, want [Describe] only", state, machines.calls)
		}
		if len(notifier.sent) != 0 {
			t.Errorf("state %v: notifications = %d, want 0", state, len(notifier.sent))
		}
	}
}

func TestPeriodicCheck_UnderThresholdIsNoop(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	started := now.Add(-3 * time.Hour)
	machines := &fakeMachines{machine: runningMachine(started, map[string]string{
		boxd.TagLastStartedAt: started.Format(time.RFC3339),
	})}
	c := newTestController(machines, &fakeNotifier{}, now, 4)

	res, err := c.Handle(context.Background(), boxd.PeriodicCheck{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Action != ActionNone {
		t.Fatalf("action = %q, want %q", res.Action, ActionNone)
	}
	if !slices.Equal(machines.calls, []string{"Describe"}) {
		t.Fatalf("calls = %v, want [Describe] only", machines.calls)
	}
}

func TestPeriodicCheck_ThresholdCrossedStops(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	started := now.Add(-4*time.Hour - 30*time.Minute)
	machines := &fakeMachines{machine: runningMachine(started.Add(-24*time.Hour), map[string]string{
		boxd.TagLastStartedAt: started.Format(time.RFC3339),
	})}
	notifier := &fakeNotifier{}
	c := newTestController(machines, notifier, now, 4)

	res, err := c.Handle(context.Background(), boxd.PeriodicCheck{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Action != ActionStopped {
		t.Fatalf("action = %q, want %q", res.Action, ActionStopped)
	}
	if !slices.Equal(machines.calls, []string{"Describe", "Stop", "MergeTags"}) {
		t.Fatalf("calls = %v, want [Describe Stop MergeTags]", machines.calls)
	}
	if got := machines.machine.Tags[boxd.TagAutoStopDeferHours]; got != "0" {
		t.Errorf("AutoStopDeferHours after stop = %q, want 0", got)
	}

	if len(notifier.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifier.sent))
	}
	n := notifier.sent[0]
	if n.Priority != boxd.PriorityUrgent {
		t.Errorf("priority = %q, want urgent", n.Priority)
	}
	for _, want := range []string{"4.5h", testInstance, "boxd start"} {
		if !strings.Contains(n.Message, want) {
			t.Errorf("notification %q missing %q", n.Message, want)
		}
	}
}

func TestPeriodicCheck_MeetingThresholdStops(t *testing.T) {
	// The comparison is >=: exactly meeting the threshold triggers.
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	started := now.Add(-4 * time.Hour)
	machines := &fakeMachines{machine: runningMachine(started, map[string]string{
		boxd.TagLastStartedAt: started.Format(time.RFC3339),
	})}
	c := newTestController(machines, &fakeNotifier{}, now, 4)

	res, err := c.Handle(context.Background(), boxd.PeriodicCheck{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Action != ActionStopped {
		t.Fatalf("action = %q, want %q", res.Action, ActionStopped)
	}
}

func TestPeriodicCheck_DeferralExtendsThreshold(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	// 5h elapsed with base 4h + 2h deferral: under threshold, no stop.
	started := now.Add(-5 * time.Hour)
	machines := &fakeMachines{machine: runningMachine(started, map[string]string{
		boxd.TagLastStartedAt:      started.Format(time.RFC3339),
		boxd.TagAutoStopDeferHours: "2",
	})}
	c := newTestController(machines, &fakeNotifier{}, now, 4)

	res, err := c.Handle(context.Background(), boxd.PeriodicCheck{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Action != ActionNone {
		t.Fatalf("5h of 6h: action = %q, want %q", res.Action, ActionNone)
	}

	// Just past 6h: stop.
	started = now.Add(-6*time.Hour - 36*time.Second)
	machines = &fakeMachines{machine: runningMachine(started, map[string]string{
		boxd.TagLastStartedAt:      started.Format(time.RFC3339),
		boxd.TagAutoStopDeferHours: "2",
	})}
	c = newTestController(machines, &fakeNotifier{}, now, 4)

	res, err = c.Handle(context.Background(), boxd.PeriodicCheck{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Action != ActionStopped {
		t.Fatalf("6.01h of 6h: action = %q, want %q", res.Action, ActionStopped)
	}
}

func TestPeriodicCheck_MalformedDeferTreatedAsZero(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	started := now.Add(-5 * time.Hour)
	for _, bad := range []string{"soon", "-3", "2h"} {
		machines := &fakeMachines{machine: runningMachine(started, map[string]string{
			boxd.TagLastStartedAt:      started.Format(time.RFC3339),
			boxd.TagAutoStopDeferHours: bad,
		})}
		c := newTestController(machines, &fakeNotifier{}, now, 4)

		res, err := c.Handle(context.Background(), boxd.PeriodicCheck{})
		if err != nil {
			t.Fatalf("defer %q: Handle: %v", bad, err)
		}
		if res.Action != ActionStopped {
			t.Errorf("defer %q: action = %q, want stop with zero deferral", bad, res.Action)
		}
	}
}

func TestPeriodicCheck_FallsBackToLaunchTime(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	launched := now.Add(-10 * time.Hour)

	// No LastStartedAt tag at all.
	machines := &fakeMachines{machine: runningMachine(launched, nil)}
	c := newTestController(machines, &fakeNotifier{}, now, 4)
	res, err := c.Handle(context.Background(), boxd.PeriodicCheck{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Action != ActionStopped {
		t.Fatalf("missing tag: action = %q, want stop measured from launch", res.Action)
	}

	// Malformed LastStartedAt tag.
	machines = &fakeMachines{machine: runningMachine(launched, map[string]string{
		boxd.TagLastStartedAt: "yesterday-ish",
	})}
	c = newTestController(machines, &fakeNotifier{}, now, 4)
	res, err = c.Handle(context.Background(), boxd.PeriodicCheck{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Action != ActionStopped {
		t.Fatalf("malformed tag: action = %q, want stop measured from launch", res.Action)
	}
}

func TestPeriodicCheck_NotFound(t *testing.T) {
	machines := &fakeMachines{describeErr: fmt.Errorf("machine %s: %w", testInstance, errdefs.ErrNotFound)}
	notifier := &fakeNotifier{}
	c := newTestController(machines, notifier, time.Now(), 4)

	res, err := c.Handle(context.Background(), boxd.PeriodicCheck{})
	if err == nil {
		t.Fatal("Handle should report the missing record")
	}
	if !errdefs.IsNotFound(err) {
		t.Fatalf("error = %v, want not-found", err)
	}
	if res.Action != ActionNotFound {
		t.Fatalf("action = %q, want %q", res.Action, ActionNotFound)
	}
	if !slices.Equal(machines.calls, []string{"Describe"}) {
		t.Errorf("calls = %v, want [Describe] only", machines.calls)
	}
	if len(notifier.sent) != 0 {
		t.Errorf("notifications = %d, want 0", len(notifier.sent))
	}
}

func TestPeriodicCheck_StopFailureSurfaces(t *testing.T) {
	now := time.Now().UTC()
	stopErr := errors.New("api throttled")
	machines := &fakeMachines{
		machine: runningMachine(now.Add(-10*time.Hour), nil),
		stopErr: stopErr,
	}
	c := newTestController(machines, &fakeNotifier{}, now, 4)

	_, err := c.Handle(context.Background(), boxd.PeriodicCheck{})
	if !errors.Is(err, stopErr) {
		t.Fatalf("Handle error = %v, want wrapped stop error", err)
	}
	// The deferral tag stays as-is for the next check.
	if slices.Contains(machines.calls, "MergeTags") {
		t.Errorf("calls = %v, tag reset must not happen after a failed stop", machines.calls)
	}
}

func TestPeriodicCheck_NotificationFailureDoesNotFailStop(t *testing.T) {
	now := time.Now().UTC()
	machines := &fakeMachines{machine: runningMachine(now.Add(-10*time.Hour), nil)}
	notifier := &fakeNotifier{err: errors.New("ntfy unreachable")}
	c := newTestController(machines, notifier, now, 4)

	res, err := c.Handle(context.Background(), boxd.PeriodicCheck{})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Action != ActionStopped {
		t.Fatalf("action = %q, want %q", res.Action, ActionStopped)
	}
}

func TestStatus_Running(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	started := now.Add(-90 * time.Minute)
	machines := &fakeMachines{machine: runningMachine(now.Add(-48*time.Hour), map[string]string{
		boxd.TagLastStartedAt:      started.Format(time.RFC3339),
		boxd.TagAutoStopDeferHours: "1",
	})}
	c := newTestController(machines, &fakeNotifier{}, now, 4)

	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != "running" {
		t.Errorf("state = %q, want running", status.State)
	}
	if status.ElapsedHours < 1.49 || status.ElapsedHours > 1.51 {
		t.Errorf("elapsed = %v, want 1.5", status.ElapsedHours)
	}
	if status.ThresholdHours != 5 {
		t.Errorf("threshold = %v, want 5", status.ThresholdHours)
	}
}
