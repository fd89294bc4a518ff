package scheduler

import (
	"testing"
	"time"
)

func mkJob(name string) Job {
	return Job{Name: name, Schedule: "* * * * * *", Timezone: "utc", State: StateActive}
}

func TestFiringQueue_InsertKeepsAscendingOrder(t *testing.T) {
	q := newFiringQueue()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	q.insert(base.Add(3*time.Second), mkJob("c"))
	q.insert(base.Add(1*time.Second), mkJob("a"))
	q.insert(base.Add(2*time.Second), mkJob("b"))

	want := []string{"a", "b", "c"}
	got := q.names()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFiringQueue_SameInstantPrependsMostRecentFirst(t *testing.T) {
	q := newFiringQueue()
	at := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)

	q.insert(at, mkJob("c1"))
	q.insert(at, mkJob("c2"))

	head := q.head()
	if head == nil {
		t.Fatal("expected a head bucket")
	}
	if len(head.jobs) != 2 {
		t.Fatalf("expected 2 jobs in bucket, got %d", len(head.jobs))
	}
	if head.jobs[0].Name != "c2" || head.jobs[1].Name != "c1" {
		t.Errorf("expected emission order [c2 c1], got [%s %s]", head.jobs[0].Name, head.jobs[1].Name)
	}
}

func TestFiringQueue_RemoveByNameDropsEmptyBuckets(t *testing.T) {
	q := newFiringQueue()
	at1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at2 := at1.Add(time.Minute)

	q.insert(at1, mkJob("only-at-1"))
	q.insert(at2, mkJob("at-2-a"))
	q.insert(at2, mkJob("at-2-b"))

	q.removeByName("only-at-1")

	if q.empty() {
		t.Fatal("queue should not be empty")
	}
	if len(q.buckets) != 1 {
		t.Fatalf("expected the now-empty bucket at at1 to be dropped, got %d buckets", len(q.buckets))
	}
	if !q.buckets[0].at.Equal(at2) {
		t.Errorf("remaining bucket should be at at2, got %v", q.buckets[0].at)
	}

	q.removeByName("at-2-a")
	q.removeByName("at-2-b")
	if !q.empty() {
		t.Error("queue should be empty after removing every job")
	}
}

func TestFiringQueue_PopHeadReturnsEarliestAndAdvances(t *testing.T) {
	q := newFiringQueue()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q.insert(base.Add(time.Second), mkJob("second"))
	q.insert(base, mkJob("first"))

	popped := q.popHead()
	if popped == nil || len(popped.jobs) != 1 || popped.jobs[0].Name != "first" {
		t.Fatalf("expected to pop the earliest bucket, got %+v", popped)
	}

	head := q.head()
	if head == nil || head.jobs[0].Name != "second" {
		t.Fatalf("expected remaining head to be 'second', got %+v", head)
	}
}

func TestFiringQueue_SnapshotIsIndependentCopy(t *testing.T) {
	q := newFiringQueue()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q.insert(at, mkJob("a"))

	snap := q.snapshot()
	q.insert(at, mkJob("b"))

	if len(snap) != 1 || len(snap[0].jobs) != 1 {
		t.Fatalf("snapshot should not observe later mutations, got %+v", snap)
	}
}
