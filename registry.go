package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
)

var registryValidate = validator.New()

// MutationKind distinguishes the two events JobRegistry emits downstream.
type MutationKind int

const (
	// MutationAdd carries a newly active (or reactivated) Job.
	MutationAdd MutationKind = iota
	// MutationRemove carries the name of a job that stopped being active.
	MutationRemove
)

// MutationEvent is one entry in JobRegistry's outbound buffer. Job is only
// meaningful when Kind is MutationAdd; Name is only meaningful when Kind
// is MutationRemove.
type MutationEvent struct {
	Kind MutationKind
	Job  Job
	Name string
}

// RegistryConfig configures a JobRegistry.
type RegistryConfig struct {
	// Storage is the required durable catalog backend.
	Storage Storage

	// SchedulerName namespaces this registry's jobs within Storage, for
	// deployments that share one backend across scheduler instances.
	SchedulerName string

	// InitialJobs seeds the Catalog when Storage reports
	// ErrStorageNotApplicable. Ignored otherwise — the storage copy is
	// authoritative.
	InitialJobs []Job

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// OnError is called once, just before the actor crashes on a fatal
	// storage failure (see Err).
	OnError func(err error)
}

// JobRegistry is the authoritative catalog of jobs and the source of
// add/remove mutation events described in §4.1. It runs as a
// single-threaded actor: all state is owned by one goroutine and mutated
// only in response to commands received over an internal channel.
type JobRegistry struct {
	cfg RegistryConfig

	commands chan any
	events   chan MutationEvent
	errCh    chan error

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	stopMu  sync.Mutex
}

// NewJobRegistry validates cfg and returns a JobRegistry ready to Start.
func NewJobRegistry(cfg RegistryConfig) (*JobRegistry, error) {
	if cfg.Storage == nil {
		return nil, errors.New("scheduler: RegistryConfig.Storage is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &JobRegistry{
		cfg:      cfg,
		commands: make(chan any),
		events:   make(chan MutationEvent),
		errCh:    make(chan error, 1),
	}, nil
}

// Start loads the Catalog (from Storage, or InitialJobs if storage reports
// ErrStorageNotApplicable), seeds the outbound buffer with one add event
// per active job, and launches the actor goroutine. Safe to call more than
// once; subsequent calls are no-ops while already running.
func (r *JobRegistry) Start(ctx context.Context) error {
	if r.running.Swap(true) {
		return nil
	}

	catalog := make(map[string]Job)
	loaded, err := r.cfg.Storage.Jobs(ctx, r.cfg.SchedulerName)
	switch {
	case err == nil:
		for _, j := range loaded {
			catalog[j.Name] = j
		}
	case errors.Is(err, ErrStorageNotApplicable):
		for _, j := range r.cfg.InitialJobs {
			catalog[j.Name] = j.clone()
		}
	default:
		r.running.Store(false)
		return fmt.Errorf("scheduler: loading catalog: %w", err)
	}

	var buffer []MutationEvent
	for _, j := range catalog {
		if j.State == StateActive {
			buffer = append(buffer, MutationEvent{Kind: MutationAdd, Job: j.clone()})
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(runCtx, catalog, buffer)
	return nil
}

// Stop cancels the actor goroutine and waits for it to exit. Per §5's
// shutdown semantics, pending commands are not drained and queued events
// are not flushed.
func (r *JobRegistry) Stop(ctx context.Context) error {
	r.stopMu.Lock()
	defer r.stopMu.Unlock()

	if !r.running.Swap(false) {
		return nil
	}
	r.cancel()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the actor goroutine is alive.
func (r *JobRegistry) IsRunning() bool {
	return r.running.Load()
}

// Events returns the channel MutationEvents are delivered on. Events are
// only released against demand declared through Request (§5); each receive
// consumes exactly one unit of that outstanding demand.
func (r *JobRegistry) Events() <-chan MutationEvent {
	return r.events
}

// Err returns a channel that receives the fatal error if the actor crashes
// on a storage failure (see §7). Never sent to on a clean Stop.
func (r *JobRegistry) Err() <-chan error {
	return r.errCh
}

// Request adds n to the outstanding demand the actor will satisfy from
// its outbound buffer. Fire-and-forget, matching §6's "cast" semantics.
func (r *JobRegistry) Request(n int) {
	r.send(cmdRequest{n: n})
}

// Add inserts or overwrites job by name. Fire-and-forget.
func (r *JobRegistry) Add(job Job) error {
	if err := registryValidate.Struct(job); err != nil {
		return fmt.Errorf("scheduler: invalid job: %w", err)
	}
	if job.State == "" {
		job.State = StateActive
	}
	r.send(cmdAdd{job: job.clone()})
	return nil
}

// Delete removes name from the Catalog. A missing name is a no-op.
// Fire-and-forget.
func (r *JobRegistry) Delete(name string) {
	r.send(cmdDelete{name: name})
}

// ChangeState transitions name to state. A no-op if name is missing or
// already in state. Fire-and-forget.
func (r *JobRegistry) ChangeState(name string, state JobState) {
	r.send(cmdChangeState{name: name, state: state})
}

// Purge clears the entire Catalog. Fire-and-forget.
func (r *JobRegistry) Purge() {
	r.send(cmdPurge{})
}

// Jobs returns a snapshot of every job in the Catalog. Synchronous query.
func (r *JobRegistry) Jobs() []Job {
	reply := make(chan []Job, 1)
	r.send(cmdJobsQuery{reply: reply})
	return <-reply
}

// Find returns the job named name, or nil if it is not in the Catalog.
// Synchronous query.
func (r *JobRegistry) Find(name string) *Job {
	reply := make(chan *Job, 1)
	r.send(cmdFindQuery{name: name, reply: reply})
	return <-reply
}

// RegistrySnapshot is the state handed off to another node, returned by
// BeginHandoff and consumed by EndHandoff / ResolveConflict.
type RegistrySnapshot struct {
	Catalog map[string]Job
	Buffer  []MutationEvent
}

// BeginHandoff returns a snapshot of the Catalog and outbound buffer
// without mutating local state.
func (r *JobRegistry) BeginHandoff() RegistrySnapshot {
	reply := make(chan RegistrySnapshot, 1)
	r.send(cmdBeginHandoff{reply: reply})
	return <-reply
}

// EndHandoff merges an incoming snapshot into local state: incoming jobs
// overwrite local jobs on name collision, and the incoming buffer is
// appended after the local buffer.
func (r *JobRegistry) EndHandoff(snap RegistrySnapshot) {
	r.send(cmdMergeHandoff{snap: snap})
}

// ResolveConflict has identical semantics to EndHandoff.
func (r *JobRegistry) ResolveConflict(snap RegistrySnapshot) {
	r.send(cmdMergeHandoff{snap: snap})
}

// Die stops the actor immediately, equivalent to Stop with a background
// context.
func (r *JobRegistry) Die() {
	_ = r.Stop(context.Background())
}

func (r *JobRegistry) send(cmd any) {
	if !r.running.Load() {
		return
	}
	select {
	case r.commands <- cmd:
	case <-r.done:
	}
}

type cmdRequest struct{ n int }
type cmdAdd struct{ job Job }
type cmdDelete struct{ name string }
type cmdChangeState struct {
	name  string
	state JobState
}
type cmdPurge struct{}
type cmdJobsQuery struct{ reply chan []Job }
type cmdFindQuery struct {
	name  string
	reply chan *Job
}
type cmdBeginHandoff struct{ reply chan RegistrySnapshot }
type cmdMergeHandoff struct{ snap RegistrySnapshot }

// run is the actor loop: exactly one command (or outbound send) is
// serviced at a time, preserving the "at most one handler runs"
// invariant from §5 without a mutex.
func (r *JobRegistry) run(ctx context.Context, catalog map[string]Job, buffer []MutationEvent) {
	defer close(r.done)

	defer func() {
		if rec := recover(); rec != nil {
			err, ok := rec.(error)
			if !ok {
				err = fmt.Errorf("scheduler: panic in registry: %v", rec)
			}
			r.cfg.Logger.Error("registry crashed", slog.String("error", err.Error()))
			r.running.Store(false)
			if r.cfg.OnError != nil {
				r.cfg.OnError(err)
			}
			select {
			case r.errCh <- err:
			default:
			}
		}
	}()

	demand := 0

	for {
		if demand > 0 && len(buffer) > 0 {
			select {
			case <-ctx.Done():
				return
			case cmd := <-r.commands:
				catalog, buffer, demand = r.handle(ctx, cmd, catalog, buffer, demand)
			case r.events <- buffer[0]:
				buffer = buffer[1:]
				demand--
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case cmd := <-r.commands:
			catalog, buffer, demand = r.handle(ctx, cmd, catalog, buffer, demand)
		}
	}
}

func (r *JobRegistry) handle(ctx context.Context, cmd any, catalog map[string]Job, buffer []MutationEvent, demand int) (map[string]Job, []MutationEvent, int) {
	switch c := cmd.(type) {
	case cmdRequest:
		demand += c.n

	case cmdAdd:
		if err := r.cfg.Storage.AddJob(ctx, r.cfg.SchedulerName, c.job); err != nil {
			// §7: storage failures are fatal — crash and let the supervisor
			// restart and re-read the catalog from Storage.
			panic(fmt.Errorf("scheduler: persisting job %q: %w", c.job.Name, err))
		}
		catalog[c.job.Name] = c.job
		if c.job.State == StateActive {
			buffer = append(buffer, MutationEvent{Kind: MutationAdd, Job: c.job.clone()})
		}

	case cmdDelete:
		job, exists := catalog[c.name]
		if !exists {
			break
		}
		if err := r.cfg.Storage.DeleteJob(ctx, r.cfg.SchedulerName, c.name); err != nil {
			panic(fmt.Errorf("scheduler: deleting job %q: %w", c.name, err))
		}
		delete(catalog, c.name)
		if job.State == StateActive {
			buffer = append(buffer, MutationEvent{Kind: MutationRemove, Name: c.name})
		}

	case cmdChangeState:
		job, exists := catalog[c.name]
		if !exists || job.State == c.state {
			break
		}
		if err := r.cfg.Storage.UpdateJobState(ctx, r.cfg.SchedulerName, c.name, c.state); err != nil {
			panic(fmt.Errorf("scheduler: updating state for job %q: %w", c.name, err))
		}
		job.State = c.state
		catalog[c.name] = job
		if c.state == StateActive {
			buffer = append(buffer, MutationEvent{Kind: MutationAdd, Job: job.clone()})
		} else {
			buffer = append(buffer, MutationEvent{Kind: MutationRemove, Name: c.name})
		}

	case cmdPurge:
		if err := r.cfg.Storage.Purge(ctx, r.cfg.SchedulerName); err != nil {
			panic(fmt.Errorf("scheduler: purging catalog: %w", err))
		}
		for name, job := range catalog {
			if job.State == StateActive {
				buffer = append(buffer, MutationEvent{Kind: MutationRemove, Name: name})
			}
		}
		catalog = make(map[string]Job)

	case cmdJobsQuery:
		jobs := make([]Job, 0, len(catalog))
		for _, j := range catalog {
			jobs = append(jobs, j.clone())
		}
		c.reply <- jobs

	case cmdFindQuery:
		if j, ok := catalog[c.name]; ok {
			found := j.clone()
			c.reply <- &found
		} else {
			c.reply <- nil
		}

	case cmdBeginHandoff:
		snapCatalog := make(map[string]Job, len(catalog))
		for k, v := range catalog {
			snapCatalog[k] = v.clone()
		}
		snapBuffer := make([]MutationEvent, len(buffer))
		copy(snapBuffer, buffer)
		c.reply <- RegistrySnapshot{Catalog: snapCatalog, Buffer: snapBuffer}

	case cmdMergeHandoff:
		for name, job := range c.snap.Catalog {
			catalog[name] = job
		}
		buffer = append(buffer, c.snap.Buffer...)

	default:
		r.cfg.Logger.Error("unknown registry command", slog.Any("command", cmd))
	}

	return catalog, buffer, demand
}
