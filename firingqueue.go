package scheduler

import (
	"sort"
	"time"
)

// firingBucket holds every job due at the same instant. jobs is ordered
// most-recently-inserted-first: insert prepends (§3, §5 "Emission order ...
// equals the insertion order of jobs into that bucket, most recently
// inserted first, since insertion prepends").
type firingBucket struct {
	at   time.Time
	jobs []Job
}

// firingQueue is the time-sorted sequence of firingBuckets owned by
// ExecutionBroadcaster. It maintains, by construction, the three queue
// invariants from §3: ascending sort, no empty buckets, and (indirectly,
// via the watermark check done by callers) no bucket at or before the
// watermark.
type firingQueue struct {
	buckets []*firingBucket
}

func newFiringQueue() *firingQueue {
	return &firingQueue{}
}

// insert adds job to the bucket at exactly at, creating one if needed, and
// re-sorts. Re-sorting on every insert keeps the invariant trivially true
// at the cost of O(n log n) per insert; firing queues in this domain are
// expected to stay small (one bucket per distinct next-fire instant).
func (q *firingQueue) insert(at time.Time, job Job) {
	for _, b := range q.buckets {
		if b.at.Equal(at) {
			b.jobs = append([]Job{job}, b.jobs...)
			q.sort()
			return
		}
	}
	q.buckets = append(q.buckets, &firingBucket{at: at, jobs: []Job{job}})
	q.sort()
}

func (q *firingQueue) sort() {
	sort.Slice(q.buckets, func(i, j int) bool {
		return q.buckets[i].at.Before(q.buckets[j].at)
	})
}

// removeByName drops job name from every bucket, dropping any bucket that
// becomes empty as a result.
func (q *firingQueue) removeByName(name string) {
	kept := q.buckets[:0]
	for _, b := range q.buckets {
		filtered := b.jobs[:0]
		for _, j := range b.jobs {
			if j.Name != name {
				filtered = append(filtered, j)
			}
		}
		b.jobs = filtered
		if len(b.jobs) > 0 {
			kept = append(kept, b)
		}
	}
	q.buckets = kept
}

// head returns the earliest bucket, or nil if the queue is empty.
func (q *firingQueue) head() *firingBucket {
	if len(q.buckets) == 0 {
		return nil
	}
	return q.buckets[0]
}

// popHead removes and returns the earliest bucket.
func (q *firingQueue) popHead() *firingBucket {
	if len(q.buckets) == 0 {
		return nil
	}
	b := q.buckets[0]
	q.buckets = q.buckets[1:]
	return b
}

func (q *firingQueue) empty() bool {
	return len(q.buckets) == 0
}

// names returns every job name present in the queue, for test assertions.
func (q *firingQueue) names() []string {
	var out []string
	for _, b := range q.buckets {
		for _, j := range b.jobs {
			out = append(out, j.Name)
		}
	}
	return out
}

// snapshot returns a copy of the bucket list suitable for handing to
// another node during cluster hand-off.
func (q *firingQueue) snapshot() []*firingBucket {
	out := make([]*firingBucket, len(q.buckets))
	for i, b := range q.buckets {
		jobs := make([]Job, len(b.jobs))
		copy(jobs, b.jobs)
		out[i] = &firingBucket{at: b.at, jobs: jobs}
	}
	return out
}
