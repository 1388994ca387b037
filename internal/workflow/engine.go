// Package workflow is a durable step executor. Runs are persisted in
// workflow_runs, each completed step's result in workflow_steps, and
// external events in workflow_signals. A run is executed by replaying its
// handler: completed steps return their recorded result instead of running
// again, so a handler resumes exactly where the previous execution stopped.
//
// Sleeping and waiting runs hold no goroutine. Tick claims due runs with a
// lease; a worker that dies mid-run leaves the lease to expire and the run
// is picked up again by the next Tick.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"ms-dealroom/internal/apperrors"
	"ms-dealroom/internal/clock"
	"ms-dealroom/internal/logger"
	"ms-dealroom/internal/models"
	"ms-dealroom/internal/store"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"golang.org/x/sync/errgroup"
)

type Handler func(wc *Context) error

type Definition struct {
	Name    string
	Version int
	// Trigger is the domain event that starts the workflow through Engine.Trigger.
	Trigger         string
	Handler         Handler
	MaxStepAttempts int
}

// StuckHook runs inside the transaction that marks a run failed.
type StuckHook func(ctx context.Context, tx bun.IDB, run *models.WorkflowRun, cause error) error

type Engine struct {
	db    *store.DB
	log   *logger.Logger
	clock clock.Clock

	owner         string
	lease         time.Duration
	retryBase     time.Duration
	maxRetryDelay time.Duration
	maxAttempts   int
	concurrency   int
	batchSize     int

	mu         sync.RWMutex
	defs       map[string]Definition
	stuckHooks []StuckHook

	wake chan struct{}
}

type Option func(*Engine)

func WithLogger(l *logger.Logger) Option { return func(e *Engine) { e.log = l } }
func WithClock(c clock.Clock) Option     { return func(e *Engine) { e.clock = c } }
func WithOwner(owner string) Option      { return func(e *Engine) { e.owner = owner } }

func WithLease(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lease = d
		}
	}
}

func WithRetryBase(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retryBase = d
		}
	}
}

func WithMaxStepAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

func WithStuckHook(h StuckHook) Option {
	return func(e *Engine) { e.stuckHooks = append(e.stuckHooks, h) }
}

func NewEngine(db *store.DB, opts ...Option) *Engine {
	host, _ := os.Hostname()
	e := &Engine{
		db:            db,
		log:           logger.Discard(),
		clock:         clock.Real{},
		owner:         fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		lease:         5 * time.Minute,
		retryBase:     2 * time.Second,
		maxRetryDelay: 10 * time.Minute,
		maxAttempts:   5,
		concurrency:   8,
		batchSize:     64,
		defs:          map[string]Definition{},
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Register(def Definition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("workflow definition needs a name and a handler")
	}
	if def.Version == 0 {
		def.Version = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.defs[def.Name]; exists {
		return fmt.Errorf("workflow %s already registered", def.Name)
	}
	e.defs[def.Name] = def
	return nil
}

func (e *Engine) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := e.Register(def); err != nil {
			panic(err)
		}
	}
}

func (e *Engine) definition(name string) (Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.defs[name]
	return def, ok
}

// Start creates the run for (name, correlationID) unless it already exists.
func (e *Engine) Start(ctx context.Context, name, correlationID, dealRoomID string, input any) (*models.WorkflowRun, error) {
	var run *models.WorkflowRun
	var created bool
	err := e.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		var err error
		run, created, err = e.StartTx(ctx, tx, name, correlationID, dealRoomID, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	if created {
		e.Kick()
	}
	return run, nil
}

// StartTx is Start inside the caller's transaction, so the run exists iff the caller commits.
func (e *Engine) StartTx(ctx context.Context, tx bun.IDB, name, correlationID, dealRoomID string, input any) (*models.WorkflowRun, bool, error) {
	def, ok := e.definition(name)
	if !ok {
		return nil, false, fmt.Errorf("unknown workflow %s", name)
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, false, fmt.Errorf("encode %s input: %w", name, err)
	}
	now := e.clock.Now()
	run := &models.WorkflowRun{
		ID:            uuid.NewString(),
		WorkflowName:  def.Name,
		Version:       def.Version,
		CorrelationID: correlationID,
		DealRoomID:    dealRoomID,
		Status:        models.RunPending,
		Input:         string(raw),
		WakeAt:        now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	stored, created, err := store.InsertRun(ctx, tx, run)
	if err != nil {
		return nil, false, err
	}
	if created {
		e.log.LogWorkflow(def.Name, stored.ID, fmt.Sprintf("started for %s", correlationID))
	}
	return stored, created, nil
}

// Trigger starts every workflow registered for event.
func (e *Engine) Trigger(ctx context.Context, tx bun.IDB, event, correlationID, dealRoomID string, input any) ([]*models.WorkflowRun, error) {
	e.mu.RLock()
	var names []string
	for name, def := range e.defs {
		if def.Trigger == event {
			names = append(names, name)
		}
	}
	e.mu.RUnlock()

	var runs []*models.WorkflowRun
	for _, name := range names {
		run, _, err := e.StartTx(ctx, tx, name, correlationID, dealRoomID, input)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Signal records an external event durably and wakes runs waiting on it.
// A signal recorded before a run starts waiting is still delivered.
func (e *Engine) Signal(ctx context.Context, event, key string, payload any) error {
	err := e.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		return e.SignalTx(ctx, tx, event, key, payload)
	})
	if err == nil {
		e.Kick()
	}
	return err
}

func (e *Engine) SignalTx(ctx context.Context, tx bun.IDB, event, key string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode signal payload: %w", err)
	}
	if err := store.LockSignalKey(ctx, tx, event, key); err != nil {
		return err
	}
	now := e.clock.Now()
	if err := store.InsertSignal(ctx, tx, &models.WorkflowSignal{
		Event:     event,
		Key:       key,
		Payload:   string(raw),
		CreatedAt: now,
	}); err != nil {
		return err
	}
	n, err := store.WakeWaitingRuns(ctx, tx, event, key, now)
	if err != nil {
		return err
	}
	e.log.Debug("WORKFLOW", fmt.Sprintf("signal %s/%s woke %d run(s)", event, key, n))
	return nil
}

// Cancel stops a run that is not currently executing. It reports whether a run was cancelled.
func (e *Engine) Cancel(ctx context.Context, tx bun.IDB, name, correlationID string) (bool, error) {
	now := e.clock.Now()
	res, err := tx.NewUpdate().Model((*models.WorkflowRun)(nil)).
		Set("status = ?", models.RunCancelled).
		Set("completed_at = ?", now).
		Set("wake_at = NULL").
		Set("updated_at = ?", now).
		Where("workflow_name = ?", name).
		Where("correlation_id = ?", correlationID).
		Where("status IN (?)", bun.In([]models.RunStatus{
			models.RunPending, models.RunSleeping, models.RunWaiting, models.RunRetrying,
		})).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("cancel %s/%s: %w", name, correlationID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Resume makes a suspended run due immediately.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	err := e.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		run, err := store.LockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run.Status.Finished() || run.Status == models.RunRunning {
			return apperrors.Conflict("RUN_NOT_SUSPENDED", fmt.Sprintf("run %s is %s", runID, run.Status))
		}
		run.WakeAt = e.clock.Now()
		return store.UpdateRun(ctx, tx, run, "wake_at")
	})
	if err == nil {
		e.Kick()
	}
	return err
}

// Retry re-queues a failed run and gives the failing step a fresh attempt budget.
func (e *Engine) Retry(ctx context.Context, runID string) error {
	err := e.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		run, err := store.LockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run.Status != models.RunFailed {
			return apperrors.Conflict("RUN_NOT_FAILED", fmt.Sprintf("run %s is %s", runID, run.Status))
		}
		if run.CurrentStep != "" {
			step, err := store.GetStep(ctx, tx, run.ID, run.CurrentStep)
			if err != nil {
				return err
			}
			if step != nil && step.Status != models.StepCompleted {
				step.Attempts = 0
				if err := store.UpdateStep(ctx, tx, step, "attempts"); err != nil {
					return err
				}
			}
		}
		run.Status = models.RunPending
		run.WakeAt = e.clock.Now()
		run.Attempts = 0
		return store.UpdateRun(ctx, tx, run, "status", "wake_at", "attempts")
	})
	if err == nil {
		e.log.LogWorkflow("retry", runID, "re-queued by operator")
		e.Kick()
	}
	return err
}

// Stuck lists runs that exhausted their retries.
func (e *Engine) Stuck(ctx context.Context) ([]models.WorkflowRun, error) {
	return store.ListRunsByStatus(ctx, e.db.Bun, models.RunFailed)
}

func (e *Engine) Get(ctx context.Context, runID string) (*models.WorkflowRun, []models.WorkflowStep, error) {
	run, err := store.GetRun(ctx, e.db.Bun, runID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := store.ListSteps(ctx, e.db.Bun, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, steps, nil
}

func (e *Engine) Find(ctx context.Context, name, correlationID string) (*models.WorkflowRun, error) {
	return store.RunByCorrelation(ctx, e.db.Bun, name, correlationID)
}

// Kick asks a running loop to tick now.
func (e *Engine) Kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Tick executes every due run once and returns how many it claimed.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	now := e.clock.Now()
	due, err := store.DueRuns(ctx, e.db.Bun, now, e.batchSize)
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	claimed := 0
	for i := range due {
		run := due[i]
		leaseUntil := now.Add(e.lease)
		ok, err := store.ClaimRun(ctx, e.db.Bun, run.ID, e.owner, now, leaseUntil)
		if err != nil {
			e.log.Error("WORKFLOW", fmt.Sprintf("claim %s: %v", run.ID, err))
			continue
		}
		if !ok {
			continue
		}
		claimed++
		run.Status = models.RunRunning
		run.LeaseOwner = e.owner
		run.LeaseUntil = leaseUntil
		g.Go(func() error {
			e.execute(ctx, &run)
			return nil
		})
	}
	_ = g.Wait()
	return claimed, nil
}

// Run ticks every interval, or sooner after Kick, until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	e.log.Info("WORKFLOW", fmt.Sprintf("engine %s polling every %s", e.owner, interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			e.log.Error("WORKFLOW", fmt.Sprintf("tick failed: %v", err))
		}
		select {
		case <-ctx.Done():
			e.log.Info("WORKFLOW", "engine stopped")
			return nil
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

func (e *Engine) execute(ctx context.Context, run *models.WorkflowRun) {
	def, ok := e.definition(run.WorkflowName)
	if !ok {
		e.fail(ctx, run, fmt.Errorf("no handler registered for %s", run.WorkflowName))
		return
	}
	steps, err := store.ListSteps(ctx, e.db.Bun, run.ID)
	if err != nil {
		e.log.Error("WORKFLOW", fmt.Sprintf("load steps of %s: %v", run.ID, err))
		return
	}

	wc := newContext(ctx, e, run, def, steps)
	err = invoke(def.Handler, wc)

	var susp *suspendError
	var retry *retryError
	switch {
	case err == nil:
		e.complete(ctx, run)
	case errors.As(err, &susp):
		e.suspend(ctx, run, susp)
	case errors.As(err, &retry):
		e.scheduleRetry(ctx, run, retry)
	case ctx.Err() != nil:
		e.log.Warn("WORKFLOW", fmt.Sprintf("run %s abandoned at %s: %v", run.ID, run.CurrentStep, err))
	case errors.Is(err, errLeaseLost):
		e.log.Warn("WORKFLOW", fmt.Sprintf("run %s lost its lease", run.ID))
	default:
		e.fail(ctx, run, err)
	}
}

func invoke(h Handler, wc *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()
	return h(wc)
}

func (e *Engine) complete(ctx context.Context, run *models.WorkflowRun) {
	ctx = context.WithoutCancel(ctx)
	run.Status = models.RunCompleted
	run.CompletedAt = e.clock.Now()
	run.UpdatedAt = run.CompletedAt
	run.WakeAt = time.Time{}
	run.WaitingEvent, run.WaitingKey, run.LastError = "", "", ""
	run.LeaseOwner, run.LeaseUntil = "", time.Time{}
	ok, err := store.UpdateOwnedRun(ctx, e.db.Bun, run, e.owner,
		"status", "completed_at", "wake_at", "waiting_event", "waiting_key", "last_error", "current_step", "lease_owner", "lease_until")
	if err != nil || !ok {
		e.log.Error("WORKFLOW", fmt.Sprintf("complete %s: ok=%v err=%v", run.ID, ok, err))
		return
	}
	e.log.LogWorkflow(run.WorkflowName, run.ID, "completed")
}

func (e *Engine) suspend(ctx context.Context, run *models.WorkflowRun, s *suspendError) {
	ctx = context.WithoutCancel(ctx)
	err := e.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if s.status == models.RunWaiting {
			if err := store.LockSignalKey(ctx, tx, s.event, s.key); err != nil {
				return err
			}
		}
		locked, err := store.LockRun(ctx, tx, run.ID)
		if err != nil {
			return err
		}
		if locked.LeaseOwner != e.owner {
			return errLeaseLost
		}
		locked.Status = s.status
		locked.WakeAt = s.wakeAt
		locked.WaitingEvent = s.event
		locked.WaitingKey = s.key
		locked.CurrentStep = s.step
		locked.LeaseOwner = ""
		locked.LeaseUntil = time.Time{}
		locked.LastError = ""
		locked.UpdatedAt = e.clock.Now()
		if s.status == models.RunWaiting {
			sig, err := store.FirstSignal(ctx, tx, s.event, s.key)
			if err != nil {
				return err
			}
			if sig != nil {
				locked.WakeAt = locked.UpdatedAt
			}
		}
		return store.UpdateRun(ctx, tx, locked,
			"status", "wake_at", "waiting_event", "waiting_key", "current_step", "lease_owner", "lease_until", "last_error")
	})
	if err != nil {
		e.log.Error("WORKFLOW", fmt.Sprintf("suspend %s: %v", run.ID, err))
		return
	}
	e.log.LogWorkflow(run.WorkflowName, run.ID, fmt.Sprintf("%s at %s until %s", s.status, s.step, formatWake(s.wakeAt)))
}

func (e *Engine) scheduleRetry(ctx context.Context, run *models.WorkflowRun, r *retryError) {
	ctx = context.WithoutCancel(ctx)
	run.Status = models.RunRetrying
	run.WakeAt = r.wakeAt
	run.Attempts = r.attempt
	run.CurrentStep = r.step
	run.LastError = r.err.Error()
	run.LeaseOwner, run.LeaseUntil = "", time.Time{}
	run.UpdatedAt = e.clock.Now()
	ok, err := store.UpdateOwnedRun(ctx, e.db.Bun, run, e.owner,
		"status", "wake_at", "attempts", "current_step", "last_error", "lease_owner", "lease_until")
	if err != nil || !ok {
		e.log.Error("WORKFLOW", fmt.Sprintf("schedule retry of %s: ok=%v err=%v", run.ID, ok, err))
		return
	}
	e.log.Warn("WORKFLOW", fmt.Sprintf("[%s] %s - step %s attempt %d failed, retry at %s: %v",
		run.WorkflowName, run.ID, r.step, r.attempt, formatWake(r.wakeAt), r.err))
}

// fail marks the run stuck. The last committed step stays as it is.
func (e *Engine) fail(ctx context.Context, run *models.WorkflowRun, cause error) {
	ctx = context.WithoutCancel(ctx)
	var stepErr *StepFailedError
	if errors.As(cause, &stepErr) {
		run.CurrentStep = stepErr.Step
		run.Attempts = stepErr.Attempts
	}
	stuck := apperrors.WorkflowStuck(run.ID, run.WorkflowName, cause)

	err := e.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		locked, err := store.LockRun(ctx, tx, run.ID)
		if err != nil {
			return err
		}
		if locked.LeaseOwner != e.owner {
			return errLeaseLost
		}
		now := e.clock.Now()
		locked.Status = models.RunFailed
		locked.LastError = cause.Error()
		locked.CurrentStep = run.CurrentStep
		locked.Attempts = run.Attempts
		locked.WakeAt = time.Time{}
		locked.LeaseOwner = ""
		locked.LeaseUntil = time.Time{}
		locked.UpdatedAt = now
		if err := store.UpdateRun(ctx, tx, locked,
			"status", "last_error", "current_step", "attempts", "wake_at", "lease_owner", "lease_until"); err != nil {
			return err
		}
		if locked.DealRoomID != "" {
			if _, err := store.AppendEvent(ctx, tx, locked.DealRoomID, models.SystemActorID, models.EventWorkflowStuck, map[string]any{
				"run_id":   locked.ID,
				"workflow": locked.WorkflowName,
				"step":     locked.CurrentStep,
				"error":    locked.LastError,
			}, now); err != nil {
				return err
			}
		}
		for _, hook := range e.stuckHooks {
			if err := hook(ctx, tx, locked, stuck); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.log.Error("WORKFLOW", fmt.Sprintf("mark %s stuck: %v", run.ID, err))
		return
	}
	e.log.Error("WORKFLOW", stuck.Error())
}

// retryDelay grows exponentially from retryBase and is capped at maxRetryDelay.
func (e *Engine) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryBase
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = e.maxRetryDelay
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func formatWake(t time.Time) string {
	if t.IsZero() {
		return "signal"
	}
	return t.Format(time.RFC3339)
}
