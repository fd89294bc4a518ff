package scheduler

import "errors"

// Sentinel errors for the taxonomy described in §7 of the design: each one
// is returned (never panicked, except ErrJobInPast) so callers can branch
// with errors.Is.
var (
	// ErrInvalidZone means a job's Timezone is not a recognized IANA zone
	// identifier. The job is dropped from the firing queue but stays in
	// the Catalog.
	ErrInvalidZone = errors.New("scheduler: invalid timezone")

	// ErrNoMatchingDate means the CronEvaluator found no future run for a
	// schedule. The job is dropped from the firing queue but stays in the
	// Catalog.
	ErrNoMatchingDate = errors.New("scheduler: cron evaluator found no matching date")

	// ErrJobInPast means a computed firing time is before the watermark.
	// This is a programming-error-class invariant violation; the
	// ExecutionBroadcaster's run loop treats it as fatal.
	ErrJobInPast = errors.New("scheduler: computed firing time precedes watermark")

	// ErrStorageNotApplicable is returned by Storage.Jobs to mean
	// "this storage does not persist a catalog; seed from caller input".
	ErrStorageNotApplicable = errors.New("scheduler: storage does not persist a catalog")

	// ErrJobNotFound is returned by Storage implementations when a job
	// name has no catalog entry. JobRegistry.Find reports a missing job as
	// nil rather than with this error.
	ErrJobNotFound = errors.New("scheduler: job not found")
)

// invalidDateTimeForTimezoneError marks a local-time conversion that fell
// in a DST gap. It is distinct from ErrInvalidZone: the zone is valid, but
// the instant doesn't exist in it. Callers advance the probe time and
// retry rather than dropping the job — see computeNextFiring in
// broadcaster.go.
type invalidDateTimeForTimezoneError struct {
	zone string
	when string
}

func (e *invalidDateTimeForTimezoneError) Error() string {
	return "scheduler: " + e.when + " does not exist in zone " + e.zone
}
