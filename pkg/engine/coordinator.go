package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/umpire-3/workflow-api/pkg/graph"
	"github.com/umpire-3/workflow-api/pkg/models"
	"github.com/umpire-3/workflow-api/pkg/storage"
)

// Config tunes the coordinator. The zero value is usable: workers
// default to the CPU count, tasks without a timeout run unbounded and
// runs keep going after task failures (fail-slow).
type Config struct {
	// Workers caps concurrent task attempts across all runs.
	Workers int
	// DefaultTaskTimeout applies to tasks whose spec has no timeout.
	// Zero leaves such tasks without a deadline.
	DefaultTaskTimeout time.Duration
	// FailFast is the policy for runs that do not choose one. A
	// fail-fast run stops dispatching after the first task failure; a
	// fail-slow run keeps executing every task not downstream of the
	// failure.
	FailFast bool
}

// StartOptions selects the definition version and per-run overrides.
type StartOptions struct {
	// Version pins a definition version; 0 uses the latest.
	Version int
	Params  models.Params
	// FailFast overrides the engine default when set.
	FailFast *bool
}

// runEvent is what wakes a run loop: a finished attempt, an elapsed
// retry timer or a cancellation request.
type runEvent struct {
	task    string
	attempt int
	status  models.AttemptStatus
	value   interface{}
	retry   bool
	cancel  bool
}

// activeRun is the coordinator's handle on a live run loop.
type activeRun struct {
	id         uuid.UUID
	ctx        context.Context
	cancel     context.CancelFunc
	events     chan runEvent
	done       chan struct{}
	cancelOnce sync.Once
}

// requestCancel wakes the run loop exactly once and signals in-flight
// handlers through the run context. The store flag must already be
// latched so no dispatch can slip through.
func (r *activeRun) requestCancel() {
	r.cancelOnce.Do(func() {
		select {
		case r.events <- runEvent{cancel: true}:
		case <-r.ctx.Done():
		}
		r.cancel()
	})
}

// Coordinator drives workflow runs end to end: it resolves
// definitions, dispatches eligible tasks to the worker pool, applies
// retry policies and records every state change in the store. All of
// its methods are safe for concurrent use.
type Coordinator struct {
	store    storage.Store
	registry *HandlerRegistry
	executor *Executor
	pool     *WorkerPool
	log      Logger
	cfg      Config

	mu           sync.Mutex
	runs         map[uuid.UUID]*activeRun
	wg           sync.WaitGroup
	shuttingDown bool
}

func NewCoordinator(store storage.Store, registry *HandlerRegistry, cfg Config, log Logger) *Coordinator {
	pool := NewWorkerPool(cfg.Workers, log)
	pool.Start()
	return &Coordinator{
		store:    store,
		registry: registry,
		executor: NewExecutor(registry, log),
		pool:     pool,
		log:      log,
		cfg:      cfg,
		runs:     make(map[uuid.UUID]*activeRun),
	}
}

// Start creates a run of the named workflow and begins executing it in
// the background. The returned run is in PENDING status; use Await or
// Status to follow it. Runs are detached from the caller: they keep
// executing after Start returns.
func (c *Coordinator) Start(name string, opts StartOptions) (models.WorkflowRun, error) {
	def, err := c.store.GetDefinition(name, opts.Version)
	if err != nil {
		return models.WorkflowRun{}, err
	}
	if def.Deprecated {
		return models.WorkflowRun{}, errors.Wrapf(ErrDefinitionDeprecated, "%s version %d", def.Name, def.Version)
	}
	g, err := graph.Compile(def)
	if err != nil {
		return models.WorkflowRun{}, errors.Wrapf(err, "definition %s version %d", def.Name, def.Version)
	}

	failFast := c.cfg.FailFast
	if opts.FailFast != nil {
		failFast = *opts.FailFast
	}
	run := models.WorkflowRun{
		ID:                uuid.New(),
		DefinitionName:    def.Name,
		DefinitionVersion: def.Version,
		Status:            models.PendingRunStatus,
		Params:            opts.Params,
		FailFast:          failFast,
		CreatedAt:         time.Now().UTC(),
	}

	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return models.WorkflowRun{}, ErrShuttingDown
	}
	if err := c.store.CreateRun(run); err != nil {
		c.mu.Unlock()
		return models.WorkflowRun{}, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	active := &activeRun{
		id:     run.ID,
		ctx:    runCtx,
		cancel: cancel,
		events: make(chan runEvent, 2*g.Len()+2),
		done:   make(chan struct{}),
	}
	c.runs[run.ID] = active
	c.wg.Add(1)
	c.mu.Unlock()

	go c.runLoop(active, run, g)
	return run, nil
}

// runLoop owns all scheduling state of one run. It dispatches whatever
// is eligible, then sleeps until an attempt finishes, a retry timer
// fires or cancellation arrives. Exactly one loop exists per run.
func (c *Coordinator) runLoop(active *activeRun, run models.WorkflowRun, g *graph.Graph) {
	defer c.wg.Done()

	if err := c.store.UpdateRunStatus(run.ID, models.RunningRunStatus); err != nil {
		c.log.Errorf("run %s: marking running: %v", run.ID, err)
	}
	c.log.Infof("run %s: workflow %s v%d started with %d tasks", run.ID, run.DefinitionName, run.DefinitionVersion, g.Len())

	sched := newRunScheduler(g, run.FailFast)
	for {
		for _, name := range sched.eligible() {
			c.dispatchTask(active, run, sched, name)
		}

		if status, done := sched.terminal(); done {
			c.finishRun(active, run.ID, status)
			return
		}

		ev := <-active.events
		switch {
		case ev.cancel:
			sched.markCancelled()
			c.log.Infof("run %s: cancellation requested", run.ID)
		case ev.retry:
			if !sched.halted() {
				c.dispatchTask(active, run, sched, ev.task)
			}
		default:
			c.applyOutcome(active, run, sched, ev)
		}
	}
}

// dispatchTask allocates the next attempt of a task and hands it to
// the worker pool. The PENDING record is written before the task can
// possibly execute, so an observer never sees a running task without
// its attempt row.
func (c *Coordinator) dispatchTask(active *activeRun, run models.WorkflowRun, sched *runScheduler, name string) {
	attempt, err := c.store.BeginAttempt(run.ID, name)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// A cancel latched between the eligibility check and the
			// dispatch; the wakeup event is already on its way.
			sched.markCancelled()
			c.log.Infof("run %s: dispatch of %s stopped by cancellation", run.ID, name)
			return
		}
		c.log.Errorf("run %s: beginning attempt of %s: %v", run.ID, name, err)
		sched.markDispatched(name)
		active.events <- runEvent{task: name, status: models.FailedAttemptStatus}
		return
	}
	sched.markDispatched(name)
	c.log.Infof("run %s: dispatching task %s (attempt %d)", run.ID, name, attempt.Attempt)

	spec := sched.spec(name)
	timeout := spec.Timeout.Std()
	if timeout == 0 {
		timeout = c.cfg.DefaultTaskTimeout
	}
	tc := TaskContext{
		RunID:    run.ID,
		TaskName: name,
		Attempt:  attempt.Attempt,
		Params:   run.Params,
		Results:  sched.resultsFor(name),
	}

	job := func() {
		if err := c.store.MarkAttemptRunning(run.ID, name, attempt.Attempt); err != nil {
			c.log.Errorf("run %s: marking %s attempt %d running: %v", run.ID, name, attempt.Attempt, err)
		}
		res := c.executor.Execute(active.ctx, spec, timeout, tc)
		detail := ""
		if res.Err != nil {
			detail = res.Err.Error()
		}
		if err := c.store.FinishAttempt(run.ID, name, attempt.Attempt, res.Status, detail); err != nil {
			c.log.Errorf("run %s: recording %s attempt %d: %v", run.ID, name, attempt.Attempt, err)
		}
		active.events <- runEvent{task: name, attempt: attempt.Attempt, status: res.Status, value: res.Value}
	}

	if err := c.pool.Submit(active.ctx, job); err != nil {
		c.log.Errorf("run %s: submitting task %s: %v", run.ID, name, err)
		if ferr := c.store.FinishAttempt(run.ID, name, attempt.Attempt, models.FailedAttemptStatus, "never started: "+err.Error()); ferr != nil {
			c.log.Errorf("run %s: recording %s attempt %d: %v", run.ID, name, attempt.Attempt, ferr)
		}
		active.events <- runEvent{task: name, attempt: attempt.Attempt, status: models.FailedAttemptStatus}
	}
}

// applyOutcome folds a finished attempt into the scheduler and arms
// the retry timer when the task has budget left.
func (c *Coordinator) applyOutcome(active *activeRun, run models.WorkflowRun, sched *runScheduler, ev runEvent) {
	switch ev.status {
	case models.SucceededAttemptStatus:
		c.log.Infof("run %s: task %s attempt %d succeeded", run.ID, ev.task, ev.attempt)
	case models.TimedOutAttemptStatus:
		c.log.Infof("run %s: task %s attempt %d timed out", run.ID, ev.task, ev.attempt)
	default:
		c.log.Infof("run %s: task %s attempt %d failed", run.ID, ev.task, ev.attempt)
	}

	if sched.applyOutcome(ev.task, ev.status, ev.value) != decisionRetry {
		return
	}

	policy := sched.spec(ev.task).Retry
	made := sched.attemptsMade(ev.task)
	delay := retryDelay(policy, made)
	c.log.Infof("run %s: task %s retrying in %s (attempt %d of %d)", run.ID, ev.task, delay, made+1, policy.MaxRetries+1)

	task := ev.task
	time.AfterFunc(delay, func() {
		select {
		case active.events <- runEvent{task: task, retry: true}:
		case <-active.ctx.Done():
		}
	})
}

func (c *Coordinator) finishRun(active *activeRun, id uuid.UUID, status models.RunStatus) {
	if err := c.store.UpdateRunStatus(id, status); err != nil {
		c.log.Errorf("run %s: recording final status: %v", id, err)
	}
	c.log.Infof("run %s: finished %s", id, status)

	active.cancel()
	c.mu.Lock()
	delete(c.runs, id)
	c.mu.Unlock()
	close(active.done)
}

// Cancel requests cooperative cancellation of a run. No new attempts
// are dispatched afterwards; attempts already in flight finish and are
// recorded, then the run settles in CANCELLED. Cancelling a terminal
// run is a no-op.
func (c *Coordinator) Cancel(id uuid.UUID) error {
	run, err := c.store.GetRun(id)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	if err := c.store.RequestCancel(id); err != nil {
		return err
	}

	c.mu.Lock()
	active, ok := c.runs[id]
	c.mu.Unlock()
	if ok {
		active.requestCancel()
	}
	return nil
}

// Await blocks until the run reaches a terminal status or ctx ends,
// then returns the final run record.
func (c *Coordinator) Await(ctx context.Context, id uuid.UUID) (models.WorkflowRun, error) {
	c.mu.Lock()
	active, ok := c.runs[id]
	c.mu.Unlock()
	if ok {
		select {
		case <-active.done:
		case <-ctx.Done():
			return models.WorkflowRun{}, ctx.Err()
		}
	}
	return c.store.GetRun(id)
}

// Status returns the run record together with all of its attempts.
func (c *Coordinator) Status(id uuid.UUID) (models.WorkflowRun, []models.TaskAttempt, error) {
	run, err := c.store.GetRun(id)
	if err != nil {
		return models.WorkflowRun{}, nil, err
	}
	attempts, err := c.store.GetAttempts(id)
	if err != nil {
		return models.WorkflowRun{}, nil, err
	}
	return run, attempts, nil
}

// ListRuns returns runs matching the filter, newest first.
func (c *Coordinator) ListRuns(filter storage.RunFilter) ([]models.WorkflowRun, error) {
	return c.store.ListRuns(filter)
}

// Purge removes a terminal run and its attempts from the store.
func (c *Coordinator) Purge(id uuid.UUID) error {
	return c.store.PurgeRun(id)
}

// PurgeTerminal removes every terminal run that completed more than
// age ago and reports how many were purged.
func (c *Coordinator) PurgeTerminal(age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	runs, err := c.store.ListRuns(storage.RunFilter{CompletedBefore: cutoff})
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, run := range runs {
		if err := c.store.PurgeRun(run.ID); err != nil {
			c.log.Errorf("retention: purging run %s: %v", run.ID, err)
			continue
		}
		purged++
	}
	return purged, nil
}

// RunRetention purges terminal runs older than age every interval
// until ctx ends. It is meant to be run as a background goroutine by
// the server.
func (c *Coordinator) RunRetention(ctx context.Context, interval, age time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			purged, err := c.PurgeTerminal(age)
			if err != nil {
				c.log.Errorf("retention: %v", err)
				continue
			}
			if purged > 0 {
				c.log.Infof("retention: purged %d terminal runs older than %s", purged, age)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops intake of new runs, cancels every active run and
// waits for them to drain. It returns the context error if draining
// does not finish in time.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shuttingDown = true
	actives := make([]*activeRun, 0, len(c.runs))
	for _, active := range c.runs {
		actives = append(actives, active)
	}
	c.mu.Unlock()

	for _, active := range actives {
		if err := c.store.RequestCancel(active.id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			c.log.Errorf("shutdown: cancelling run %s: %v", active.id, err)
		}
		active.requestCancel()
	}

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.pool.Stop()
	return nil
}
