package stepper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brogergvhs/novelgrab/internal/eventloop"
	"github.com/brogergvhs/novelgrab/internal/store"
	"github.com/brogergvhs/novelgrab/internal/timer"
	"github.com/brogergvhs/novelgrab/internal/ui"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type scriptedExecutor struct {
	mu     sync.Mutex
	calls  []Step
	script func(call int, step Step) (StepResult, error)
}

func (e *scriptedExecutor) PerformStep(_ context.Context, step Step) (StepResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, step)
	n := len(e.calls)
	e.mu.Unlock()

	if e.script == nil {
		return StepResult{}, nil
	}
	return e.script(n, step)
}

func (e *scriptedExecutor) indexes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]int, 0, len(e.calls))
	for _, c := range e.calls {
		out = append(out, c.Index)
	}
	return out
}

type fakeResources struct {
	gone map[string]bool
}

func (f *fakeResources) Alive(_ context.Context, handle string) (bool, error) {
	return !f.gone[handle], nil
}

type recordingListener struct {
	events []Event
}

func (r *recordingListener) StepperFinished(_ context.Context, ev Event) {
	r.events = append(r.events, ev)
}

type harness struct {
	t         *testing.T
	store     store.Store
	clock     *timer.FakeClock
	loop      *eventloop.Loop
	timers    *timer.Service
	exec      *scriptedExecutor
	resources *fakeResources
	listener  *recordingListener
	stepper   *Stepper
}

func newHarness(t *testing.T, st store.Store, now time.Time, opts Options) *harness {
	t.Helper()
	if st == nil {
		mem, err := store.OpenMemory()
		require.NoError(t, err)
		t.Cleanup(func() { _ = mem.Close() })
		st = mem
	}

	h := &harness{
		t:         t,
		store:     st,
		clock:     timer.NewFakeClock(now),
		loop:      eventloop.New(),
		exec:      &scriptedExecutor{},
		resources: &fakeResources{gone: map[string]bool{}},
		listener:  &recordingListener{},
	}
	log := ui.NopLogger()
	h.timers = timer.NewService(st, h.loop, h.clock, log, timer.Options{})
	h.stepper = New(st, h.timers, h.loop, h.exec, h.resources, log, opts)
	h.stepper.SetListener(h.listener)

	return h
}

func (h *harness) drain() {
	h.t.Helper()
	require.NoError(h.t, h.loop.RunUntilIdle(context.Background()))
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.drain()
}

func (h *harness) state(handle string) *State {
	h.t.Helper()
	st, ok, err := h.stepper.Load(context.Background(), handle)
	require.NoError(h.t, err)
	require.True(h.t, ok)
	return st
}

func TestStepper_RunsAllSteps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, epoch, DefaultOptions())

	var progress []int
	h.stepper.Subscribe(func(p Progress) { progress = append(progress, p.CurrentStep) })

	require.NoError(t, h.stepper.Start(ctx, JobRef{ID: "job-1"}, 5, 10, "tab-1"))
	h.drain()
	assert.Equal(t, 1, h.state("tab-1").CurrentStep)

	for i := 0; i < 4; i++ {
		h.advance(10 * time.Second)
	}

	st := h.state("tab-1")
	assert.False(t, st.IsRunning)
	assert.Equal(t, 5, st.CurrentStep)
	assert.Equal(t, 5, st.Succeeded)
	assert.Equal(t, 100, st.LastPercent)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, h.exec.indexes())
	assert.Equal(t, []int{1, 2, 3, 4, 5, 5}, progress)

	require.Len(t, h.listener.events, 1)
	ev := h.listener.events[0]
	assert.Equal(t, EventCompleted, ev.Kind)
	assert.Equal(t, "job-1", ev.JobID)
	assert.Equal(t, 5, ev.Succeeded)

	snap, err := h.stepper.Status(ctx, "tab-1")
	require.NoError(t, err)
	assert.False(t, snap.Running)
	assert.Equal(t, 100, snap.Percent)
	assert.Contains(t, snap.Progress, "Completed")
}

func TestStepper_StartRejectsRunningHandle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, epoch, DefaultOptions())

	require.NoError(t, h.stepper.Start(ctx, JobRef{ID: "a"}, 3, 10, "tab-1"))
	h.drain()

	err := h.stepper.Start(ctx, JobRef{ID: "b"}, 3, 10, "tab-1")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	assert.ErrorIs(t, h.stepper.Start(ctx, JobRef{ID: "c"}, 0, 10, "tab-2"), ErrInvalidSteps)
}

func TestStepper_ErrorsThenAbort(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, epoch, DefaultOptions())
	h.exec.script = func(call int, _ Step) (StepResult, error) {
		if call <= 2 {
			return StepResult{}, errors.New("fetch failed")
		}
		return StepResult{Abort: true, Reason: "paywall reached"}, nil
	}

	require.NoError(t, h.stepper.Start(ctx, JobRef{ID: "job-1"}, 10, 5, "tab-1"))
	h.drain()
	h.advance(5 * time.Second)
	h.advance(5 * time.Second)

	st := h.state("tab-1")
	assert.False(t, st.IsRunning)
	assert.Equal(t, 3, st.CurrentStep)
	assert.Equal(t, 0, st.Succeeded)
	assert.Equal(t, 2, st.Errors)

	require.Len(t, h.listener.events, 1)
	ev := h.listener.events[0]
	assert.Equal(t, EventStopped, ev.Kind)
	assert.Equal(t, "paywall reached", ev.Reason)
	assert.Equal(t, 0, ev.Succeeded)

	// Nothing else is scheduled.
	h.advance(time.Hour)
	assert.Len(t, h.exec.indexes(), 3)
}

func TestStepper_ConsecutiveErrorLimit(t *testing.T) {
	ctx := context.Background()
	opts := DefaultOptions()
	opts.MaxConsecutiveErrors = 2
	h := newHarness(t, nil, epoch, opts)
	h.exec.script = func(call int, _ Step) (StepResult, error) {
		if call == 1 {
			return StepResult{}, nil
		}
		return StepResult{}, errors.New("timeout")
	}

	require.NoError(t, h.stepper.Start(ctx, JobRef{ID: "job-1"}, 10, 1, "tab-1"))
	h.drain()
	h.advance(time.Second)
	h.advance(time.Second)

	require.Len(t, h.listener.events, 1)
	ev := h.listener.events[0]
	assert.Equal(t, EventFailed, ev.Kind)
	assert.Contains(t, ev.Reason, "2 consecutive step errors")
	assert.Equal(t, 1, ev.Succeeded)
	assert.Equal(t, 3, h.state("tab-1").CurrentStep)
}

func TestStepper_ErrorsExhaustStepsWithoutLimit(t *testing.T) {
	ctx := context.Background()
	opts := DefaultOptions()
	opts.MaxConsecutiveErrors = 0
	h := newHarness(t, nil, epoch, opts)
	h.exec.script = func(int, Step) (StepResult, error) { return StepResult{}, errors.New("404") }

	require.NoError(t, h.stepper.Start(ctx, JobRef{ID: "job-1"}, 4, 0, "tab-1"))
	for i := 0; i < 4; i++ {
		h.advance(0)
	}

	require.Len(t, h.listener.events, 1)
	assert.Equal(t, EventCompleted, h.listener.events[0].Kind)
	assert.Equal(t, 0, h.listener.events[0].Succeeded)
	assert.Len(t, h.exec.indexes(), 4)
}

func TestStepper_ResourceGoneIsFatal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, epoch, DefaultOptions())

	require.NoError(t, h.stepper.Start(ctx, JobRef{ID: "job-1"}, 5, 10, "tab-1"))
	h.drain()

	h.resources.gone["tab-1"] = true
	h.advance(10 * time.Second)

	require.Len(t, h.listener.events, 1)
	assert.Equal(t, EventFailed, h.listener.events[0].Kind)
	assert.Equal(t, "resource gone", h.listener.events[0].Reason)
	assert.Len(t, h.exec.indexes(), 1)
	assert.Contains(t, h.state("tab-1").Status, "resource gone")
}

func TestStepper_StopIsCooperative(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, epoch, DefaultOptions())

	require.NoError(t, h.stepper.Start(ctx, JobRef{ID: "job-1"}, 10, 10, "tab-1"))
	h.drain()
	h.advance(10 * time.Second)
	h.advance(10 * time.Second)

	require.NoError(t, h.stepper.Stop(ctx, "tab-1", "cancelled by user"))
	h.drain()

	require.Len(t, h.listener.events, 1)
	ev := h.listener.events[0]
	assert.Equal(t, EventStopped, ev.Kind)
	assert.Equal(t, "cancelled by user", ev.Reason)
	assert.Equal(t, 2, ev.Steps)

	st := h.state("tab-1")
	assert.True(t, st.ShouldStop)
	assert.False(t, st.IsRunning)
	assert.Equal(t, 30, st.LastPercent)

	// A stale wake or a second stop changes nothing.
	h.advance(time.Minute)
	require.NoError(t, h.stepper.Stop(ctx, "tab-1", "again"))
	h.drain()
	assert.Len(t, h.exec.indexes(), 3)
	assert.Len(t, h.listener.events, 1)
}

func TestStepper_RunStepIdempotentWhenNotRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, epoch, DefaultOptions())

	require.NoError(t, h.stepper.RunStep(ctx, "missing"))
	require.NoError(t, h.stepper.RunStep(ctx, "missing"))
	h.drain()
	_, ok, err := h.stepper.Load(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, h.stepper.Start(ctx, JobRef{ID: "job-1"}, 1, 0, "tab-1"))
	h.drain()
	before := *h.state("tab-1")

	require.NoError(t, h.stepper.RunStep(ctx, "tab-1"))
	require.NoError(t, h.stepper.RunStep(ctx, "tab-1"))
	h.drain()

	assert.Equal(t, before, *h.state("tab-1"))
	assert.Len(t, h.exec.indexes(), 1)
	assert.Len(t, h.listener.events, 1)
}

func TestStepper_ResumesAfterRestart(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	defer st.Close()

	first := newHarness(t, st, epoch, DefaultOptions())
	require.NoError(t, first.stepper.Start(ctx, JobRef{ID: "job-1"}, 5, 10, "tab-1"))
	first.drain()
	first.advance(10 * time.Second)
	assert.Equal(t, []int{0, 1}, first.exec.indexes())

	// The process dies 5 seconds into the wait before step 3.
	second := newHarness(t, st, epoch.Add(15*time.Second), DefaultOptions())
	assert.Equal(t, 2, second.state("tab-1").CurrentStep)

	n, err := second.stepper.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	second.advance(5 * time.Second)
	assert.Equal(t, []int{2}, second.exec.indexes())
	assert.Equal(t, 3, second.state("tab-1").CurrentStep)

	second.advance(10 * time.Second)
	second.advance(10 * time.Second)
	assert.Equal(t, []int{2, 3, 4}, second.exec.indexes())
	require.Len(t, second.listener.events, 1)
	assert.Equal(t, EventCompleted, second.listener.events[0].Kind)
}

func TestStepper_ResumesInFlightStep(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Save(ctx, stateKeyPrefix+"tab-1", State{
		Handle:       "tab-1",
		JobID:        "job-1",
		IsRunning:    true,
		InFlight:     true,
		CurrentStep:  1,
		TotalSteps:   2,
		DelaySeconds: 10,
		Succeeded:    1,
	}))

	h := newHarness(t, st, epoch, DefaultOptions())
	n, err := h.stepper.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.drain()

	assert.Equal(t, []int{1}, h.exec.indexes())
	require.Len(t, h.listener.events, 1)
	assert.Equal(t, 2, h.listener.events[0].Succeeded)
}

func TestStepper_LongDelayUsesDurableWake(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	defer st.Close()

	first := newHarness(t, st, epoch, DefaultOptions())
	require.NoError(t, first.stepper.Start(ctx, JobRef{ID: "job-1"}, 3, 120, "tab-1"))
	first.drain()

	_, pending, err := first.timers.Pending(ctx, wakeKeyPrefix+"tab-1")
	require.NoError(t, err)
	assert.True(t, pending)

	second := newHarness(t, st, epoch.Add(3*time.Minute), DefaultOptions())
	n, err := second.stepper.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "durable wakes are restored by the timer service")

	_, err = second.timers.Restore(ctx)
	require.NoError(t, err)
	second.advance(0)

	assert.Equal(t, []int{1}, second.exec.indexes())
	assert.Equal(t, 2, second.state("tab-1").CurrentStep)
}

func TestStepper_KeepaliveDuringShortDelay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, epoch, DefaultOptions())

	require.NoError(t, h.stepper.Start(ctx, JobRef{ID: "job-1"}, 2, 50, "tab-1"))
	h.drain()
	assert.Nil(t, h.state("tab-1").KeepaliveAt)

	h.advance(20 * time.Second)
	st := h.state("tab-1")
	require.NotNil(t, st.KeepaliveAt)
	assert.True(t, st.KeepaliveAt.Equal(epoch.Add(20*time.Second)))

	h.advance(30 * time.Second)
	assert.Equal(t, []int{0, 1}, h.exec.indexes())
	assert.Equal(t, 0, h.clock.Waiting())
}

func TestStepper_OnResourceReleased(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, epoch, DefaultOptions())

	require.NoError(t, h.stepper.Start(ctx, JobRef{ID: "job-1"}, 5, 10, "tab-1"))
	h.drain()

	h.stepper.OnResourceReleased(ctx, "tab-1")
	h.drain()

	_, ok, err := h.stepper.Load(ctx, "tab-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.Len(t, h.listener.events, 1)
	assert.Equal(t, EventFailed, h.listener.events[0].Kind)

	h.advance(time.Minute)
	assert.Len(t, h.exec.indexes(), 1)

	snap, err := h.stepper.Status(ctx, "tab-1")
	require.NoError(t, err)
	assert.Equal(t, "Ready", snap.Status)
}
