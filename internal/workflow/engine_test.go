package workflow_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ms-dealroom/internal/apperrors"
	"ms-dealroom/internal/clock"
	"ms-dealroom/internal/models"
	"ms-dealroom/internal/store"
	"ms-dealroom/internal/store/storetest"
	"ms-dealroom/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

type fixture struct {
	db     *store.DB
	clock  *clock.Fake
	engine *workflow.Engine
}

func newFixture(t *testing.T, opts ...workflow.Option) *fixture {
	t.Helper()
	db := storetest.New(t)
	clk := storetest.Clock()
	base := []workflow.Option{
		workflow.WithClock(clk),
		workflow.WithOwner("test-worker"),
		workflow.WithLease(time.Minute),
		workflow.WithRetryBase(time.Second),
		workflow.WithConcurrency(1),
	}
	return &fixture{db: db, clock: clk, engine: workflow.NewEngine(db, append(base, opts...)...)}
}

func (f *fixture) tick(t *testing.T) int {
	t.Helper()
	n, err := f.engine.Tick(context.Background())
	require.NoError(t, err)
	return n
}

func (f *fixture) run(t *testing.T, id string) *models.WorkflowRun {
	t.Helper()
	run, _, err := f.engine.Get(context.Background(), id)
	require.NoError(t, err)
	return run
}

func TestSleepResumesAfterDeadline(t *testing.T) {
	f := newFixture(t)
	var before, after atomic.Int32

	f.engine.MustRegister(workflow.Definition{
		Name: "nap",
		Handler: func(wc *workflow.Context) error {
			if _, err := workflow.Step(wc, "before", func(ctx context.Context) (int, error) {
				return int(before.Add(1)), nil
			}); err != nil {
				return err
			}
			if err := wc.Sleep("nap", time.Hour); err != nil {
				return err
			}
			_, err := workflow.Step(wc, "after", func(ctx context.Context) (int, error) {
				return int(after.Add(1)), nil
			})
			return err
		},
	})

	run, err := f.engine.Start(context.Background(), "nap", "c-1", "", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, f.tick(t))
	got := f.run(t, run.ID)
	assert.Equal(t, models.RunSleeping, got.Status)
	assert.WithinDuration(t, storetest.Epoch.Add(time.Hour), got.WakeAt, 0)
	assert.Equal(t, "nap", got.CurrentStep)

	f.clock.Advance(59 * time.Minute)
	assert.Equal(t, 0, f.tick(t))

	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.tick(t))
	assert.Equal(t, models.RunCompleted, f.run(t, run.ID).Status)
	assert.Equal(t, int32(1), before.Load(), "completed step is replayed, not re-run")
	assert.Equal(t, int32(1), after.Load())
}

type deliveryPayload struct {
	ConfirmedBy string `json:"confirmed_by"`
}

func waitingDefinition(timeout time.Duration, results chan<- workflow.EventResult) workflow.Definition {
	return workflow.Definition{
		Name: "await",
		Handler: func(wc *workflow.Context) error {
			res, err := wc.WaitForEvent("delivery", "order.delivery_confirmed", wc.CorrelationID(), timeout)
			if err != nil {
				return err
			}
			results <- res
			return nil
		},
	}
}

func TestSignalBeforeWaitIsDelivered(t *testing.T) {
	f := newFixture(t)
	results := make(chan workflow.EventResult, 1)
	f.engine.MustRegister(waitingDefinition(time.Hour, results))
	ctx := context.Background()

	require.NoError(t, f.engine.Signal(ctx, "order.delivery_confirmed", "order-1", deliveryPayload{ConfirmedBy: "buyer-1"}))
	run, err := f.engine.Start(ctx, "await", "order-1", "", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, f.tick(t))
	assert.Equal(t, models.RunCompleted, f.run(t, run.ID).Status)

	res := <-results
	assert.True(t, res.Received)
	var p deliveryPayload
	require.NoError(t, res.Decode(&p))
	assert.Equal(t, "buyer-1", p.ConfirmedBy)
}

func TestSignalWakesWaitingRun(t *testing.T) {
	f := newFixture(t)
	results := make(chan workflow.EventResult, 1)
	f.engine.MustRegister(waitingDefinition(0, results))
	ctx := context.Background()

	run, err := f.engine.Start(ctx, "await", "order-2", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, f.tick(t))

	got := f.run(t, run.ID)
	assert.Equal(t, models.RunWaiting, got.Status)
	assert.True(t, got.WakeAt.IsZero(), "no deadline means wait for the signal only")

	f.clock.Advance(30 * 24 * time.Hour)
	assert.Equal(t, 0, f.tick(t))

	require.NoError(t, f.engine.Signal(ctx, "order.delivery_confirmed", "other-order", nil))
	assert.Equal(t, 0, f.tick(t), "signals for other keys do not wake the run")

	require.NoError(t, f.engine.Signal(ctx, "order.delivery_confirmed", "order-2", deliveryPayload{ConfirmedBy: "buyer-2"}))
	assert.Equal(t, 1, f.tick(t))
	assert.Equal(t, models.RunCompleted, f.run(t, run.ID).Status)
	assert.True(t, (<-results).Received)
}

func TestWaitTimesOut(t *testing.T) {
	f := newFixture(t)
	results := make(chan workflow.EventResult, 1)
	f.engine.MustRegister(waitingDefinition(2*time.Hour, results))

	run, err := f.engine.Start(context.Background(), "await", "order-3", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, f.tick(t))
	assert.WithinDuration(t, storetest.Epoch.Add(2*time.Hour), f.run(t, run.ID).WakeAt, 0)

	f.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, f.tick(t))
	assert.Equal(t, models.RunCompleted, f.run(t, run.ID).Status)
	assert.False(t, (<-results).Received)

	// A late signal changes nothing for a completed wait.
	require.NoError(t, f.engine.Signal(context.Background(), "order.delivery_confirmed", "order-3", nil))
	assert.Equal(t, 0, f.tick(t))
}

func TestStepRetriesWithBackoff(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32

	f.engine.MustRegister(workflow.Definition{
		Name: "flaky",
		Handler: func(wc *workflow.Context) error {
			_, err := workflow.Step(wc, "call-provider", func(ctx context.Context) (string, error) {
				if calls.Add(1) < 3 {
					return "", errors.New("provider unavailable")
				}
				return "ok", nil
			})
			return err
		},
	})

	run, err := f.engine.Start(context.Background(), "flaky", "c-1", "", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, f.tick(t))
	got := f.run(t, run.ID)
	assert.Equal(t, models.RunRetrying, got.Status)
	assert.WithinDuration(t, storetest.Epoch.Add(time.Second), got.WakeAt, 0)
	assert.Contains(t, got.LastError, "provider unavailable")

	f.clock.Advance(time.Second)
	assert.Equal(t, 1, f.tick(t))
	got = f.run(t, run.ID)
	assert.Equal(t, models.RunRetrying, got.Status)
	assert.WithinDuration(t, f.clock.Now().Add(2*time.Second), got.WakeAt, 0, "delay doubles")

	f.clock.Advance(2 * time.Second)
	assert.Equal(t, 1, f.tick(t))
	assert.Equal(t, models.RunCompleted, f.run(t, run.ID).Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExhaustedStepMarksRunStuck(t *testing.T) {
	var hooked atomic.Int32
	f := newFixture(t,
		workflow.WithMaxStepAttempts(2),
		workflow.WithStuckHook(func(ctx context.Context, tx bun.IDB, run *models.WorkflowRun, cause error) error {
			hooked.Add(1)
			assert.ErrorIs(t, cause, apperrors.ErrWorkflowStuck)
			return nil
		}),
	)
	var healthy atomic.Bool

	f.engine.MustRegister(workflow.Definition{
		Name: "capture",
		Handler: func(wc *workflow.Context) error {
			_, err := workflow.Step(wc, "capture-payment", func(ctx context.Context) (bool, error) {
				if !healthy.Load() {
					return false, errors.New("card network down")
				}
				return true, nil
			})
			return err
		},
	})

	ctx := context.Background()
	run, err := f.engine.Start(ctx, "capture", "order-9", "room-9", nil)
	require.NoError(t, err)

	f.tick(t)
	f.clock.Advance(time.Second)
	f.tick(t)

	got := f.run(t, run.ID)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, "capture-payment", got.CurrentStep)
	assert.Equal(t, 2, got.Attempts)
	assert.Contains(t, got.LastError, "card network down")
	assert.Equal(t, int32(1), hooked.Load())

	stuck, err := f.engine.Stuck(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, run.ID, stuck[0].ID)

	n, err := store.CountEvents(ctx, f.db.Bun, "room-9", models.EventWorkflowStuck)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.clock.Advance(time.Hour)
	assert.Equal(t, 0, f.tick(t), "stuck runs are not picked up again")

	healthy.Store(true)
	require.NoError(t, f.engine.Retry(ctx, run.ID))
	assert.Equal(t, 1, f.tick(t))
	assert.Equal(t, models.RunCompleted, f.run(t, run.ID).Status)

	err = f.engine.Retry(ctx, run.ID)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32

	f.engine.MustRegister(workflow.Definition{
		Name: "strict",
		Handler: func(wc *workflow.Context) error {
			_, err := workflow.Step(wc, "validate", func(ctx context.Context) (int, error) {
				calls.Add(1)
				return 0, workflow.Permanent(errors.New("order has no payment"))
			})
			return err
		},
	})

	run, err := f.engine.Start(context.Background(), "strict", "c-1", "", nil)
	require.NoError(t, err)
	f.tick(t)

	assert.Equal(t, models.RunFailed, f.run(t, run.ID).Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPanicInHandlerFailsRun(t *testing.T) {
	f := newFixture(t)
	f.engine.MustRegister(workflow.Definition{
		Name:    "boom",
		Handler: func(wc *workflow.Context) error { panic("nil order") },
	})

	run, err := f.engine.Start(context.Background(), "boom", "c-1", "", nil)
	require.NoError(t, err)
	f.tick(t)

	got := f.run(t, run.ID)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Contains(t, got.LastError, "nil order")
}

func TestCrashResumesAfterLeaseExpiry(t *testing.T) {
	f := newFixture(t)
	var first, second atomic.Int32
	var crash context.CancelFunc

	f.engine.MustRegister(workflow.Definition{
		Name: "two-steps",
		Handler: func(wc *workflow.Context) error {
			if _, err := workflow.Step(wc, "first", func(ctx context.Context) (int, error) {
				return int(first.Add(1)), nil
			}); err != nil {
				return err
			}
			_, err := workflow.Step(wc, "second", func(ctx context.Context) (int, error) {
				if second.Add(1) == 1 && crash != nil {
					crash()
					return 0, ctx.Err()
				}
				return 2, nil
			})
			return err
		},
	})

	run, err := f.engine.Start(context.Background(), "two-steps", "c-1", "", nil)
	require.NoError(t, err)

	crashCtx, cancel := context.WithCancel(context.Background())
	crash = cancel
	n, err := f.engine.Tick(crashCtx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.run(t, run.ID)
	assert.Equal(t, models.RunRunning, got.Status, "abandoned run keeps its lease")

	assert.Equal(t, 0, f.tick(t), "lease still held by the crashed worker")

	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, f.tick(t))
	assert.Equal(t, models.RunCompleted, f.run(t, run.ID).Status)
	assert.Equal(t, int32(1), first.Load(), "completed step is not repeated after a crash")
	assert.Equal(t, int32(2), second.Load())
}

func TestStartIsIdempotentPerCorrelation(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.engine.MustRegister(workflow.Definition{
		Name: "once",
		Handler: func(wc *workflow.Context) error {
			calls.Add(1)
			return nil
		},
	})
	ctx := context.Background()

	a, err := f.engine.Start(ctx, "once", "auction-1", "", nil)
	require.NoError(t, err)
	b, err := f.engine.Start(ctx, "once", "auction-1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	f.tick(t)
	f.tick(t)
	assert.Equal(t, int32(1), calls.Load())

	_, err = f.engine.Start(ctx, "missing", "x", "", nil)
	assert.Error(t, err)
}

func TestInputAndStepTx(t *testing.T) {
	f := newFixture(t)
	type input struct {
		RoomID string `json:"room_id"`
	}
	results := make(chan int, 1)

	f.engine.MustRegister(workflow.Definition{
		Name: "record",
		Handler: func(wc *workflow.Context) error {
			var in input
			if err := wc.Input(&in); err != nil {
				return err
			}
			n, err := workflow.StepTx(wc, "append", func(ctx context.Context, tx bun.Tx) (int, error) {
				if _, err := store.AppendEvent(ctx, tx, in.RoomID, models.SystemActorID, models.EventOrderCompleted, nil, wc.Now()); err != nil {
					return 0, err
				}
				return 7, nil
			})
			if err != nil {
				return err
			}
			results <- n
			return nil
		},
	})

	ctx := context.Background()
	_, err := f.engine.Start(ctx, "record", "order-1", "room-1", input{RoomID: "room-1"})
	require.NoError(t, err)
	f.tick(t)

	assert.Equal(t, 7, <-results)
	n, err := store.CountEvents(ctx, f.db.Bun, "room-1", models.EventOrderCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCancelStopsSuspendedRun(t *testing.T) {
	f := newFixture(t)
	var ran atomic.Bool
	f.engine.MustRegister(workflow.Definition{
		Name: "deadline",
		Handler: func(wc *workflow.Context) error {
			if err := wc.Sleep("wait", time.Hour); err != nil {
				return err
			}
			ran.Store(true)
			return nil
		},
	})
	ctx := context.Background()

	run, err := f.engine.Start(ctx, "deadline", "auction-7", "", nil)
	require.NoError(t, err)
	f.tick(t)

	cancelled, err := f.engine.Cancel(ctx, f.db.Bun, "deadline", "auction-7")
	require.NoError(t, err)
	assert.True(t, cancelled)

	f.clock.Advance(2 * time.Hour)
	assert.Equal(t, 0, f.tick(t))
	assert.Equal(t, models.RunCancelled, f.run(t, run.ID).Status)
	assert.False(t, ran.Load())

	cancelled, err = f.engine.Cancel(ctx, f.db.Bun, "deadline", "auction-7")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestResumeWakesSleepingRun(t *testing.T) {
	f := newFixture(t)
	f.engine.MustRegister(workflow.Definition{
		Name: "long-sleep",
		Handler: func(wc *workflow.Context) error {
			return wc.Sleep("wait", 24*time.Hour)
		},
	})
	ctx := context.Background()
	run, err := f.engine.Start(ctx, "long-sleep", "c-1", "", nil)
	require.NoError(t, err)
	f.tick(t)

	require.NoError(t, f.engine.Resume(ctx, run.ID))
	assert.Equal(t, 1, f.tick(t))
	assert.Equal(t, models.RunSleeping, f.run(t, run.ID).Status, "the sleep deadline was persisted and still holds")
}
