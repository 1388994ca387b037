package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ms-dealroom/internal/models"
	"ms-dealroom/internal/store"

	"github.com/uptrace/bun"
)

// Context is handed to a handler for one execution of a run.
type Context struct {
	ctx    context.Context
	engine *Engine
	run    *models.WorkflowRun
	def    Definition
	steps  map[string]*models.WorkflowStep
}

func newContext(ctx context.Context, e *Engine, run *models.WorkflowRun, def Definition, steps []models.WorkflowStep) *Context {
	wc := &Context{
		ctx:    ctx,
		engine: e,
		run:    run,
		def:    def,
		steps:  make(map[string]*models.WorkflowStep, len(steps)),
	}
	for i := range steps {
		wc.steps[steps[i].Name] = &steps[i]
	}
	return wc
}

func (c *Context) Context() context.Context { return c.ctx }
func (c *Context) RunID() string            { return c.run.ID }
func (c *Context) CorrelationID() string    { return c.run.CorrelationID }
func (c *Context) DealRoomID() string       { return c.run.DealRoomID }
func (c *Context) Now() time.Time           { return c.engine.clock.Now() }

// Input decodes the JSON input the run was started with.
func (c *Context) Input(v any) error {
	if c.run.Input == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(c.run.Input), v); err != nil {
		return Permanent(fmt.Errorf("decode %s input: %w", c.def.Name, err))
	}
	return nil
}

func (c *Context) maxAttempts() int {
	if c.def.MaxStepAttempts > 0 {
		return c.def.MaxStepAttempts
	}
	return c.engine.maxAttempts
}

// Step runs fn once and records its JSON result. On replay the recorded
// result is returned without calling fn. A failed fn is retried later with
// backoff; a side effect it performs must be safe to repeat.
func Step[T any](c *Context, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	raw, err := c.runStep(name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return out, err
	}
	if err := decodeResult(raw, &out); err != nil {
		return out, Permanent(fmt.Errorf("decode step %s: %w", name, err))
	}
	return out, nil
}

// StepTx runs fn in the same transaction that records the step, so its
// database writes and the step record commit together or not at all.
func StepTx[T any](c *Context, name string, fn func(ctx context.Context, tx bun.Tx) (T, error)) (T, error) {
	var out T
	raw, err := c.runStepTx(name, func(ctx context.Context, tx bun.Tx) (any, error) {
		return fn(ctx, tx)
	})
	if err != nil {
		return out, err
	}
	if err := decodeResult(raw, &out); err != nil {
		return out, Permanent(fmt.Errorf("decode step %s: %w", name, err))
	}
	return out, nil
}

func decodeResult(raw string, v any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

func (c *Context) completed(name string) (*models.WorkflowStep, bool) {
	st, ok := c.steps[name]
	if ok && st.Status == models.StepCompleted {
		return st, true
	}
	return st, false
}

func (c *Context) runStep(name string, fn func(ctx context.Context) (any, error)) (string, error) {
	if st, done := c.completed(name); done {
		return st.Result, nil
	}
	attempt, err := c.beginAttempt(name, models.StepAction)
	if err != nil {
		return "", err
	}

	val, err := fn(c.ctx)
	if err != nil {
		return "", c.stepError(name, attempt, err)
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return "", &StepFailedError{Step: name, Attempts: attempt, Err: err}
	}
	if err := c.completeStep(context.WithoutCancel(c.ctx), c.engine.db.Bun, name, string(raw)); err != nil {
		return "", err
	}
	return string(raw), nil
}

func (c *Context) runStepTx(name string, fn func(ctx context.Context, tx bun.Tx) (any, error)) (string, error) {
	if st, done := c.completed(name); done {
		return st.Result, nil
	}
	attempt, err := c.beginAttempt(name, models.StepAction)
	if err != nil {
		return "", err
	}

	var raw string
	err = c.engine.db.RunInTx(c.ctx, func(ctx context.Context, tx bun.Tx) error {
		locked, err := store.LockRun(ctx, tx, c.run.ID)
		if err != nil {
			return err
		}
		if locked.LeaseOwner != c.engine.owner {
			return errLeaseLost
		}
		existing, err := store.GetStep(ctx, tx, c.run.ID, name)
		if err != nil {
			return err
		}
		if existing != nil && existing.Status == models.StepCompleted {
			raw = existing.Result
			return nil
		}
		val, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		b, err := json.Marshal(val)
		if err != nil {
			return Permanent(err)
		}
		raw = string(b)
		return c.writeCompletion(ctx, tx, name, raw)
	})
	if errors.Is(err, errLeaseLost) {
		return "", err
	}
	if err != nil {
		return "", c.stepError(name, attempt, err)
	}
	c.markCompleted(name, raw)
	return raw, nil
}

// beginAttempt durably counts an attempt before the step body runs.
func (c *Context) beginAttempt(name string, kind models.StepKind) (int, error) {
	ctx := context.WithoutCancel(c.ctx)
	db := c.engine.db.Bun
	c.run.CurrentStep = name

	st := c.steps[name]
	if st == nil {
		st = &models.WorkflowStep{
			RunID:     c.run.ID,
			Name:      name,
			Kind:      kind,
			Status:    models.StepStarted,
			Attempts:  1,
			CreatedAt: c.engine.clock.Now(),
		}
		if err := store.InsertStep(ctx, db, st); err != nil {
			return 0, err
		}
		c.steps[name] = st
		return st.Attempts, nil
	}

	if st.Attempts >= c.maxAttempts() {
		cause := errors.New("attempts exhausted")
		if st.LastError != "" {
			cause = errors.New(st.LastError)
		}
		return st.Attempts, &StepFailedError{Step: name, Attempts: st.Attempts, Err: cause}
	}
	st.Attempts++
	if err := store.UpdateStep(ctx, db, st, "attempts"); err != nil {
		return 0, err
	}
	return st.Attempts, nil
}

func (c *Context) stepError(name string, attempt int, err error) error {
	if c.ctx.Err() != nil {
		return fmt.Errorf("step %s interrupted: %w", name, err)
	}
	if st := c.steps[name]; st != nil {
		st.LastError = err.Error()
		if uerr := store.UpdateStep(context.WithoutCancel(c.ctx), c.engine.db.Bun, st, "last_error"); uerr != nil {
			c.engine.log.Error("WORKFLOW", fmt.Sprintf("record error of step %s: %v", name, uerr))
		}
	}
	if isPermanent(err) || attempt >= c.maxAttempts() {
		return &StepFailedError{Step: name, Attempts: attempt, Err: err}
	}
	return &retryError{
		step:    name,
		attempt: attempt,
		wakeAt:  c.engine.clock.Now().Add(c.engine.retryDelay(attempt)),
		err:     err,
	}
}

func (c *Context) completeStep(ctx context.Context, db bun.IDB, name, result string) error {
	if err := c.writeCompletion(ctx, db, name, result); err != nil {
		return err
	}
	c.markCompleted(name, result)
	return nil
}

func (c *Context) writeCompletion(ctx context.Context, db bun.IDB, name, result string) error {
	st := *c.steps[name]
	st.Status = models.StepCompleted
	st.Result = result
	st.CompletedAt = c.engine.clock.Now()
	return store.UpdateStep(ctx, db, &st, "status", "result", "completed_at")
}

func (c *Context) markCompleted(name, result string) {
	st := c.steps[name]
	st.Status = models.StepCompleted
	st.Result = result
	st.CompletedAt = c.engine.clock.Now()
}

// ensureTimer creates the timer step on first encounter and returns its persisted deadline.
func (c *Context) ensureTimer(name string, kind models.StepKind, deadline func() time.Time) (*models.WorkflowStep, error) {
	if st := c.steps[name]; st != nil {
		return st, nil
	}
	st := &models.WorkflowStep{
		RunID:     c.run.ID,
		Name:      name,
		Kind:      kind,
		Status:    models.StepStarted,
		Attempts:  1,
		WakeAt:    deadline().UTC(),
		CreatedAt: c.engine.clock.Now(),
	}
	if err := store.InsertStep(context.WithoutCancel(c.ctx), c.engine.db.Bun, st); err != nil {
		return nil, err
	}
	c.steps[name] = st
	return st, nil
}

// SleepUntil suspends the run until wall-clock time reaches until.
func (c *Context) SleepUntil(name string, until time.Time) error {
	return c.sleep(name, func() time.Time { return until })
}

// Sleep suspends for d measured from the first time this step was reached.
func (c *Context) Sleep(name string, d time.Duration) error {
	return c.sleep(name, func() time.Time { return c.engine.clock.Now().Add(d) })
}

func (c *Context) sleep(name string, deadline func() time.Time) error {
	if _, done := c.completed(name); done {
		return nil
	}
	c.run.CurrentStep = name
	st, err := c.ensureTimer(name, models.StepSleep, deadline)
	if err != nil {
		return err
	}
	if !c.engine.clock.Now().Before(st.WakeAt) {
		return c.completeStep(context.WithoutCancel(c.ctx), c.engine.db.Bun, name, "null")
	}
	return &suspendError{status: models.RunSleeping, wakeAt: st.WakeAt, step: name}
}

type EventResult struct {
	Received   bool            `json:"received"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at,omitempty"`
}

func (r EventResult) Decode(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(r.Payload, v)
}

// WaitForEvent suspends until a signal (event, key) exists or timeout elapses
// from the first time this step was reached. A timeout <= 0 waits forever.
func (c *Context) WaitForEvent(name, event, key string, timeout time.Duration) (EventResult, error) {
	return c.wait(name, event, key, func() time.Time {
		if timeout <= 0 {
			return time.Time{}
		}
		return c.engine.clock.Now().Add(timeout)
	})
}

// WaitForEventUntil is WaitForEvent with an absolute deadline.
func (c *Context) WaitForEventUntil(name, event, key string, deadline time.Time) (EventResult, error) {
	return c.wait(name, event, key, func() time.Time { return deadline })
}

func (c *Context) wait(name, event, key string, deadline func() time.Time) (EventResult, error) {
	var res EventResult
	if st, done := c.completed(name); done {
		err := decodeResult(st.Result, &res)
		return res, err
	}
	c.run.CurrentStep = name
	st, err := c.ensureTimer(name, models.StepWait, deadline)
	if err != nil {
		return res, err
	}

	sig, err := store.FirstSignal(c.ctx, c.engine.db.Bun, event, key)
	if err != nil {
		return res, err
	}
	switch {
	case sig != nil:
		res = EventResult{Received: true, ReceivedAt: sig.CreatedAt}
		if sig.Payload != "" && sig.Payload != "null" {
			res.Payload = json.RawMessage(sig.Payload)
		}
	case !st.WakeAt.IsZero() && !c.engine.clock.Now().Before(st.WakeAt):
		res = EventResult{Received: false}
	default:
		return res, &suspendError{status: models.RunWaiting, wakeAt: st.WakeAt, event: event, key: key, step: name}
	}

	raw, err := json.Marshal(res)
	if err != nil {
		return res, err
	}
	if err := c.completeStep(context.WithoutCancel(c.ctx), c.engine.db.Bun, name, string(raw)); err != nil {
		return res, err
	}
	return res, nil
}
