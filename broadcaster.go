package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// BroadcasterState is the coarse state machine from §4.2: idle (empty
// queue, no timer), waiting (queue non-empty, timer armed), firing (timer
// delivered, head bucket being processed).
type BroadcasterState string

const (
	StateIdleBroadcaster    BroadcasterState = "idle"
	StateWaitingBroadcaster BroadcasterState = "waiting"
	StateFiringBroadcaster  BroadcasterState = "firing"
)

// initialDemandWindow is how much outstanding demand the broadcaster
// keeps against JobRegistry's events channel. A small constant window
// implements "back-pressures floods of mutations" (§5) without requiring
// the broadcaster to process registry events faster than it can also
// service its own timer and handoff commands.
const initialDemandWindow = 1

// BroadcasterConfig configures an ExecutionBroadcaster.
type BroadcasterConfig struct {
	// Storage persists the watermark (last_execution_date).
	Storage Storage

	// SchedulerName namespaces the watermark within Storage.
	SchedulerName string

	// Registry is the upstream JobRegistry this stage subscribes to.
	Registry *JobRegistry

	// Evaluator computes next-run dates. Defaults to NewRobfigEvaluator().
	Evaluator CronEvaluator

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Now returns the current time. Defaults to time.Now; overridable for
	// deterministic tests.
	Now func() time.Time
}

// ExecutionBroadcaster is the time-ordered firing queue, single in-flight
// timer, and execute-event fan-out described in §4.2.
type ExecutionBroadcaster struct {
	cfg BroadcasterConfig

	commands chan any
	execute  chan Job
	errCh    chan error

	running atomic.Bool
	state   atomic.Value // BroadcasterState
	cancel  context.CancelFunc
	done    chan struct{}
	stopMu  sync.Mutex
}

// NewExecutionBroadcaster validates cfg and returns a broadcaster ready to
// Start.
func NewExecutionBroadcaster(cfg BroadcasterConfig) (*ExecutionBroadcaster, error) {
	if cfg.Storage == nil {
		return nil, errors.New("scheduler: BroadcasterConfig.Storage is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("scheduler: BroadcasterConfig.Registry is required")
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = NewRobfigEvaluator()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	b := &ExecutionBroadcaster{
		cfg:      cfg,
		commands: make(chan any),
		execute:  make(chan Job),
		errCh:    make(chan error, 1),
	}
	b.state.Store(StateIdleBroadcaster)
	return b, nil
}

// Start reads the watermark from Storage (current UTC if unknown),
// subscribes to Registry, and launches the actor goroutine.
func (b *ExecutionBroadcaster) Start(ctx context.Context) error {
	if b.running.Swap(true) {
		return nil
	}

	watermark := b.cfg.Now().UTC()
	persisted, ok, err := b.cfg.Storage.LastExecutionDate(ctx, b.cfg.SchedulerName)
	if err != nil {
		b.running.Store(false)
		return fmt.Errorf("scheduler: loading watermark: %w", err)
	}
	if ok {
		watermark = persisted
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	go b.run(runCtx, watermark)
	return nil
}

// Stop cancels the actor goroutine, canceling any pending timer, and waits
// for it to exit.
func (b *ExecutionBroadcaster) Stop(ctx context.Context) error {
	b.stopMu.Lock()
	defer b.stopMu.Unlock()

	if !b.running.Swap(false) {
		return nil
	}
	b.cancel()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the actor goroutine is alive.
func (b *ExecutionBroadcaster) IsRunning() bool {
	return b.running.Load()
}

// State returns the current coarse state machine value.
func (b *ExecutionBroadcaster) State() BroadcasterState {
	return b.state.Load().(BroadcasterState)
}

// Execute returns the channel execute(Job) events are delivered on.
func (b *ExecutionBroadcaster) Execute() <-chan Job {
	return b.execute
}

// Err returns a channel that receives the fatal error (ErrJobInPast, or a
// failure to persist the watermark) if the actor crashes. Never sent to on
// a clean Stop.
func (b *ExecutionBroadcaster) Err() <-chan error {
	return b.errCh
}

// Request adds n to the outstanding demand for execute events.
func (b *ExecutionBroadcaster) Request(n int) {
	b.send(cmdBroadcastRequest{n: n})
}

// BroadcasterSnapshot is the state handed off to another node. Per §4.2,
// merging always recomputes each job's next firing under the merged
// watermark, so only the flattened job list (not bucket instants) needs
// to travel.
type BroadcasterSnapshot struct {
	Jobs      []Job
	Watermark time.Time
}

// BeginHandoff returns a snapshot of the firing queue and watermark
// without mutating local state.
func (b *ExecutionBroadcaster) BeginHandoff() BroadcasterSnapshot {
	reply := make(chan BroadcasterSnapshot, 1)
	b.send(cmdBeginHandoffB{reply: reply})
	return <-reply
}

// EndHandoff merges an incoming snapshot: the local watermark becomes
// min(local, incoming) so nothing is skipped, then every incoming job's
// next firing is recomputed under that merged watermark and inserted.
func (b *ExecutionBroadcaster) EndHandoff(snap BroadcasterSnapshot) {
	b.send(cmdMergeHandoffB{snap: snap})
}

// ResolveConflict has identical semantics to EndHandoff.
func (b *ExecutionBroadcaster) ResolveConflict(snap BroadcasterSnapshot) {
	b.send(cmdMergeHandoffB{snap: snap})
}

// Die stops the actor immediately, cancelling any pending timer first.
func (b *ExecutionBroadcaster) Die() {
	_ = b.Stop(context.Background())
}

func (b *ExecutionBroadcaster) send(cmd any) {
	if !b.running.Load() {
		return
	}
	select {
	case b.commands <- cmd:
	case <-b.done:
	}
}

type cmdBroadcastRequest struct{ n int }
type cmdTimerFired struct{ armedAt time.Time }
type cmdBeginHandoffB struct{ reply chan BroadcasterSnapshot }
type cmdMergeHandoffB struct{ snap BroadcasterSnapshot }

// actorState is every piece of mutable state the run loop owns. Bundling
// it avoids a long parameter list threading through handle*.
type actorState struct {
	watermark time.Time
	queue     *firingQueue
	timer     *time.Timer
	armedAt   *time.Time
	outbound  []Job
	demandOut int
}

func (b *ExecutionBroadcaster) run(ctx context.Context, watermark time.Time) {
	defer close(b.done)

	st := &actorState{
		watermark: watermark,
		queue:     newFiringQueue(),
	}

	defer func() {
		if st.timer != nil {
			st.timer.Stop()
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("scheduler: panic in broadcaster: %v", r)
			}
			b.cfg.Logger.Error("broadcaster crashed", slog.String("error", err.Error()))
			b.running.Store(false)
			select {
			case b.errCh <- err:
			default:
			}
		}
	}()

	upstream := b.cfg.Registry.Events()
	b.cfg.Registry.Request(initialDemandWindow)

	for {
		var sendCh chan Job
		var sendVal Job
		if st.demandOut > 0 && len(st.outbound) > 0 {
			sendCh = b.execute
			sendVal = st.outbound[0]
		}

		select {
		case <-ctx.Done():
			return

		case cmd := <-b.commands:
			b.handleCommand(ctx, st, cmd)

		case ev := <-upstream:
			b.handleMutation(st, ev)
			b.cfg.Registry.Request(1)

		case sendCh <- sendVal:
			st.outbound = st.outbound[1:]
			st.demandOut--
		}
	}
}

func (b *ExecutionBroadcaster) handleCommand(ctx context.Context, st *actorState, cmd any) {
	switch c := cmd.(type) {
	case cmdBroadcastRequest:
		st.demandOut += c.n

	case cmdTimerFired:
		if st.armedAt == nil || !st.armedAt.Equal(c.armedAt) {
			return // stale timer, already superseded
		}
		b.fireDue(ctx, st)
		b.resetTimer(st)

	case cmdBeginHandoffB:
		jobs := make([]Job, 0)
		for _, bucket := range st.queue.snapshot() {
			jobs = append(jobs, bucket.jobs...)
		}
		c.reply <- BroadcasterSnapshot{Jobs: jobs, Watermark: st.watermark}

	case cmdMergeHandoffB:
		if c.snap.Watermark.Before(st.watermark) {
			st.watermark = c.snap.Watermark
		}
		for _, job := range c.snap.Jobs {
			b.scheduleJob(st, job)
		}
		b.resetTimer(st)

	default:
		b.cfg.Logger.Error("unknown broadcaster command", slog.Any("command", cmd))
	}
}

func (b *ExecutionBroadcaster) handleMutation(st *actorState, ev MutationEvent) {
	switch ev.Kind {
	case MutationAdd:
		if ev.Job.Reboot {
			st.outbound = append(st.outbound, ev.Job.clone())
			return
		}
		b.scheduleJob(st, ev.Job)
		b.resetTimer(st)

	case MutationRemove:
		st.queue.removeByName(ev.Name)
		b.resetTimer(st)
	}
}

// scheduleJob computes job's next firing against st.watermark and inserts
// it into the firing queue, per §4.2's "Applying add(job)". Zone and
// schedule errors are logged and the job is simply not inserted; JobInPast
// is a fatal invariant violation and panics (recovered in run()).
func (b *ExecutionBroadcaster) scheduleJob(st *actorState, job Job) {
	next, err := b.computeNextFiring(job, st.watermark)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidZone):
			b.cfg.Logger.Error("dropping job from firing queue: invalid timezone",
				slog.String("job", job.Name), slog.String("error", err.Error()))
		case errors.Is(err, ErrNoMatchingDate):
			b.cfg.Logger.Warn("dropping job from firing queue: no matching date",
				slog.String("job", job.Name), slog.String("error", err.Error()))
		default:
			b.cfg.Logger.Error("dropping job from firing queue",
				slog.String("job", job.Name), slog.String("error", err.Error()))
		}
		return
	}
	st.queue.insert(next, job)
}

// maxDSTBumps bounds the "bump 60s and retry" loop for jobs whose zone
// keeps producing invalid local instants. A real DST gap is at most a few
// hours; this generous cap only guards against a pathological evaluator
// that could otherwise spin forever.
const maxDSTBumps = 1500

func (b *ExecutionBroadcaster) computeNextFiring(job Job, watermark time.Time) (time.Time, error) {
	loc, err := loadZone(job.Timezone)
	if err != nil {
		return time.Time{}, err
	}

	probe := watermark
	for i := 0; i < maxDSTBumps; i++ {
		localFrom := toTZ(probe, loc)

		localNext, err := b.cfg.Evaluator.NextRunAfter(job.Schedule, localFrom)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %w", ErrNoMatchingDate, err)
		}

		utcNext, convErr := toUTC(localNext, loc)
		if convErr != nil {
			var dtErr *invalidDateTimeForTimezoneError
			if errors.As(convErr, &dtErr) {
				probe = probe.Add(60 * time.Second)
				continue
			}
			return time.Time{}, convErr
		}

		if utcNext.Before(watermark) {
			panic(fmt.Errorf("%w: job %q computed firing %s before watermark %s",
				ErrJobInPast, job.Name, utcNext.Format(time.RFC3339), watermark.Format(time.RFC3339)))
		}
		return utcNext, nil
	}

	return time.Time{}, fmt.Errorf("%w: timezone %q never left an invalid interval after %d bumps",
		ErrNoMatchingDate, job.Timezone, maxDSTBumps)
}

// fireDue persists the new watermark, pops the head bucket, and
// recomputes+reinserts each of its jobs, per §4.2's "Timer fires" steps
// 1-3. Emission (step 5) is deferred to the outbound buffer so it flows
// through the normal demand-gated send in run().
func (b *ExecutionBroadcaster) fireDue(ctx context.Context, st *actorState) {
	b.state.Store(StateFiringBroadcaster)
	defer func() {
		if st.queue.empty() {
			b.state.Store(StateIdleBroadcaster)
		} else {
			b.state.Store(StateWaitingBroadcaster)
		}
	}()

	bucket := st.queue.popHead()
	if bucket == nil {
		return
	}

	if err := b.cfg.Storage.UpdateLastExecutionDate(ctx, b.cfg.SchedulerName, bucket.at); err != nil {
		// §7: storage failures are fatal — the watermark must be durable
		// before anything is emitted, so there is nothing safe to do here
		// but crash and let the supervisor restart from the last
		// successfully persisted watermark.
		panic(fmt.Errorf("scheduler: persisting watermark: %w", err))
	}

	st.watermark = bucket.at.Add(time.Second)

	for _, job := range bucket.jobs {
		b.scheduleJob(st, job)
	}

	st.outbound = append(st.outbound, bucket.jobs...)
}

// resetTimer implements §4.2's timer management: drains any buckets that
// are already due (synchronously, in a loop rather than recursion) before
// arming a new timer for the new head, or disarming if the queue is empty.
func (b *ExecutionBroadcaster) resetTimer(st *actorState) {
	for {
		head := st.queue.head()
		if head == nil {
			b.cancelTimer(st)
			b.state.Store(StateIdleBroadcaster)
			return
		}

		now := b.cfg.Now().UTC()
		if head.at.After(now) {
			break
		}

		// run_date <= now: fire synchronously instead of arming a timer
		// for a time that has already passed.
		b.fireDue(context.Background(), st)
	}

	head := st.queue.head()
	if st.armedAt != nil && st.armedAt.Equal(head.at) {
		return
	}

	b.cancelTimer(st)

	at := head.at
	st.armedAt = &at
	d := at.Sub(b.cfg.Now().UTC())
	st.timer = time.AfterFunc(d, func() {
		select {
		case b.commands <- cmdTimerFired{armedAt: at}:
		case <-b.done:
		}
	})
	b.state.Store(StateWaitingBroadcaster)
}

func (b *ExecutionBroadcaster) cancelTimer(st *actorState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.armedAt = nil
}
