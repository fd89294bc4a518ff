package scheduler

import (
	"context"
	"time"
)

// Storage is the persistence contract consumed by both JobRegistry (the
// Catalog) and ExecutionBroadcaster (the watermark). Any database can
// implement it to back the scheduler.
//
// Implementations must be safe for concurrent calls from both stages;
// within a single stage, calls are always made serially.
type Storage interface {
	// Jobs loads the persisted catalog for scheduler. It returns
	// ErrStorageNotApplicable if this storage does not persist a catalog
	// at all (the caller's initial list is used instead).
	Jobs(ctx context.Context, scheduler string) ([]Job, error)

	// AddJob persists job, inserting or overwriting by name.
	AddJob(ctx context.Context, scheduler string, job Job) error

	// DeleteJob removes a job by name. Implementations should treat a
	// missing name as a no-op, not an error.
	DeleteJob(ctx context.Context, scheduler, name string) error

	// UpdateJobState persists a state transition for an existing job.
	UpdateJobState(ctx context.Context, scheduler, name string, state JobState) error

	// Purge clears every job for scheduler.
	Purge(ctx context.Context, scheduler string) error

	// LastExecutionDate returns the persisted watermark for scheduler.
	// ok is false if no watermark has ever been persisted.
	LastExecutionDate(ctx context.Context, scheduler string) (t time.Time, ok bool, err error)

	// UpdateLastExecutionDate persists the new watermark. It must
	// complete before the caller emits downstream execute events for the
	// corresponding firing.
	UpdateLastExecutionDate(ctx context.Context, scheduler string, t time.Time) error
}
