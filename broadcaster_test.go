package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func startPipeline(t *testing.T, reg *JobRegistry, b *ExecutionBroadcaster) context.Context {
	t.Helper()
	ctx := context.Background()
	if err := reg.Start(ctx); err != nil {
		t.Fatalf("registry.Start: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("broadcaster.Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		b.Stop(stopCtx)
		reg.Stop(stopCtx)
	})
	return ctx
}

func TestExecutionBroadcaster_FiresNonRebootJobOnSchedule(t *testing.T) {
	store := newMockStorage()
	reg, _ := NewJobRegistry(RegistryConfig{Storage: store})
	b, err := NewExecutionBroadcaster(BroadcasterConfig{Storage: store, Registry: reg})
	if err != nil {
		t.Fatalf("NewExecutionBroadcaster: %v", err)
	}
	startPipeline(t, reg, b)
	b.Request(10)

	if err := reg.Add(Job{Name: "tick", Schedule: "* * * * * *", Timezone: "utc"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case job := <-b.Execute():
		if job.Name != "tick" {
			t.Errorf("expected job 'tick', got %q", job.Name)
		}
	case err := <-b.Err():
		t.Fatalf("broadcaster crashed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for execute(tick)")
	}
}

func TestExecutionBroadcaster_RebootJobBypassesFiringQueue(t *testing.T) {
	store := newMockStorage()
	reg, _ := NewJobRegistry(RegistryConfig{
		Storage: store,
		InitialJobs: []Job{
			// A schedule with no near-term matches: if this job went
			// through the normal firing queue it would never arrive.
			{Name: "reboot-only", Schedule: "0 0 0 1 1 *", Reboot: true, Timezone: "utc", State: StateActive},
		},
	})
	store.notApplic = true

	b, err := NewExecutionBroadcaster(BroadcasterConfig{Storage: store, Registry: reg})
	if err != nil {
		t.Fatalf("NewExecutionBroadcaster: %v", err)
	}
	startPipeline(t, reg, b)
	b.Request(10)

	select {
	case job := <-b.Execute():
		if job.Name != "reboot-only" {
			t.Errorf("expected job 'reboot-only', got %q", job.Name)
		}
	case err := <-b.Err():
		t.Fatalf("broadcaster crashed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the reboot job to fire")
	}

	snap := b.BeginHandoff()
	for _, j := range snap.Jobs {
		if j.Name == "reboot-only" {
			t.Error("reboot job should never enter the firing queue")
		}
	}
}

func TestExecutionBroadcaster_InvalidZoneDropsJobWithoutCrashing(t *testing.T) {
	store := newMockStorage()
	reg, _ := NewJobRegistry(RegistryConfig{Storage: store})
	b, err := NewExecutionBroadcaster(BroadcasterConfig{Storage: store, Registry: reg})
	if err != nil {
		t.Fatalf("NewExecutionBroadcaster: %v", err)
	}
	startPipeline(t, reg, b)
	b.Request(10)

	if err := reg.Add(Job{Name: "bad-zone", Schedule: "* * * * * *", Timezone: "Not/AZone"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case job := <-b.Execute():
		t.Fatalf("expected the job to be dropped, but it fired: %+v", job)
	case err := <-b.Err():
		t.Fatalf("broadcaster should not crash on an invalid zone: %v", err)
	case <-time.After(500 * time.Millisecond):
	}
	if !b.IsRunning() {
		t.Error("broadcaster should still be running")
	}
}

func TestExecutionBroadcaster_NoMatchingDateDropsJobWithoutCrashing(t *testing.T) {
	store := newMockStorage()
	reg, _ := NewJobRegistry(RegistryConfig{Storage: store})
	b, err := NewExecutionBroadcaster(BroadcasterConfig{Storage: store, Registry: reg})
	if err != nil {
		t.Fatalf("NewExecutionBroadcaster: %v", err)
	}
	startPipeline(t, reg, b)
	b.Request(10)

	// February never has a 30th day, so this schedule has no occurrence.
	if err := reg.Add(Job{Name: "never", Schedule: "0 0 0 30 2 *", Timezone: "utc"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case job := <-b.Execute():
		t.Fatalf("expected the job to be dropped, but it fired: %+v", job)
	case err := <-b.Err():
		t.Fatalf("broadcaster should not crash on a schedule with no matching date: %v", err)
	case <-time.After(500 * time.Millisecond):
	}
	if !b.IsRunning() {
		t.Error("broadcaster should still be running")
	}
}

// alwaysPastEvaluator violates the CronEvaluator contract by returning a
// time before whatever was asked for, forcing the JobInPast invariant to
// be hit so the fatal-crash path can be exercised deterministically.
type alwaysPastEvaluator struct{}

func (alwaysPastEvaluator) NextRunAfter(schedule string, localNaive time.Time) (time.Time, error) {
	return localNaive.Add(-time.Hour), nil
}

func TestExecutionBroadcaster_JobInPastCrashesTheActor(t *testing.T) {
	store := newMockStorage()
	reg, _ := NewJobRegistry(RegistryConfig{Storage: store})
	b, err := NewExecutionBroadcaster(BroadcasterConfig{
		Storage:   store,
		Registry:  reg,
		Evaluator: alwaysPastEvaluator{},
	})
	if err != nil {
		t.Fatalf("NewExecutionBroadcaster: %v", err)
	}
	startPipeline(t, reg, b)
	b.Request(10)

	if err := reg.Add(Job{Name: "time-traveler", Schedule: "* * * * * *", Timezone: "utc"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case err := <-b.Err():
		if !errors.Is(err, ErrJobInPast) {
			t.Errorf("expected ErrJobInPast, got %v", err)
		}
	case job := <-b.Execute():
		t.Fatalf("expected a crash, but got an execute event instead: %+v", job)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the broadcaster to crash")
	}

	time.Sleep(50 * time.Millisecond)
	if b.IsRunning() {
		t.Error("broadcaster should have stopped running after the panic")
	}
}

func TestExecutionBroadcaster_HandoffMergesWatermarkAsMinimum(t *testing.T) {
	earlier := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	storeA := newMockStorage()
	regA, _ := NewJobRegistry(RegistryConfig{Storage: storeA})
	bA, _ := NewExecutionBroadcaster(BroadcasterConfig{
		Storage:  storeA,
		Registry: regA,
		Now:      func() time.Time { return earlier },
	})
	startPipeline(t, regA, bA)

	storeB := newMockStorage()
	regB, _ := NewJobRegistry(RegistryConfig{Storage: storeB})
	bB, _ := NewExecutionBroadcaster(BroadcasterConfig{
		Storage:  storeB,
		Registry: regB,
		Now:      func() time.Time { return later },
	})
	startPipeline(t, regB, bB)

	snapA := bA.BeginHandoff()
	if !snapA.Watermark.Equal(earlier) {
		t.Fatalf("expected bA's watermark to be %v, got %v", earlier, snapA.Watermark)
	}

	bB.EndHandoff(snapA)

	snapB := bB.BeginHandoff()
	if !snapB.Watermark.Equal(earlier) {
		t.Errorf("expected merged watermark to be min(%v, %v) = %v, got %v",
			earlier, later, earlier, snapB.Watermark)
	}
}
