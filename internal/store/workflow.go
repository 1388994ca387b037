package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"ms-dealroom/internal/models"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// ---------------- WORKFLOW RUNS ----------------

// InsertRun → idempotent on (workflow_name, correlation_id); returns the stored run
// and whether this call created it
func InsertRun(ctx context.Context, db bun.IDB, run *models.WorkflowRun) (*models.WorkflowRun, bool, error) {
	res, err := db.NewInsert().Model(run).
		On("CONFLICT (workflow_name, correlation_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("insert workflow run: %w", err)
	}
	created := false
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		created = true
	}

	stored, err := RunByCorrelation(ctx, db, run.WorkflowName, run.CorrelationID)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func GetRun(ctx context.Context, db bun.IDB, id string) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	if err := db.NewSelect().Model(&run).Where("id = ?", id).Limit(1).Scan(ctx); err != nil {
		return nil, notFound(err, "workflow run", id)
	}
	return &run, nil
}

func LockRun(ctx context.Context, tx bun.IDB, id string) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	q := tx.NewSelect().Model(&run).Where("id = ?", id).Limit(1)
	if err := forUpdate(tx, q).Scan(ctx); err != nil {
		return nil, notFound(err, "workflow run", id)
	}
	return &run, nil
}

func RunByCorrelation(ctx context.Context, db bun.IDB, workflow, correlationID string) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	err := db.NewSelect().Model(&run).
		Where("workflow_name = ?", workflow).
		Where("correlation_id = ?", correlationID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, notFound(err, "workflow run", workflow+"/"+correlationID)
	}
	return &run, nil
}

var suspendedStatuses = []models.RunStatus{
	models.RunPending, models.RunSleeping, models.RunWaiting, models.RunRetrying,
}

// DueRuns → runs whose wake time has passed, plus running runs whose lease expired
func DueRuns(ctx context.Context, db bun.IDB, now time.Time, limit int) ([]models.WorkflowRun, error) {
	var out []models.WorkflowRun
	err := db.NewSelect().Model(&out).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
					return q.Where("status IN (?)", bun.In(suspendedStatuses)).Where("wake_at <= ?", now)
				}).
				WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
					return q.Where("status = ?", models.RunRunning).Where("lease_until < ?", now)
				})
		}).
		Order("wake_at ASC", "created_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list due runs: %w", err)
	}
	return out, nil
}

// ClaimRun → conditionally take the lease; false when another worker won
func ClaimRun(ctx context.Context, db bun.IDB, id, owner string, now, leaseUntil time.Time) (bool, error) {
	res, err := db.NewUpdate().Model((*models.WorkflowRun)(nil)).
		Set("status = ?", models.RunRunning).
		Set("lease_owner = ?", owner).
		Set("lease_until = ?", leaseUntil).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		WhereGroup(" AND ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.
				WhereGroup(" OR ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
					return q.Where("status IN (?)", bun.In(suspendedStatuses)).Where("wake_at <= ?", now)
				}).
				WhereGroup(" OR ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
					return q.Where("status = ?", models.RunRunning).Where("lease_until < ?", now)
				})
		}).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("claim run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateOwnedRun → write columns only while owner still holds the lease
func UpdateOwnedRun(ctx context.Context, db bun.IDB, run *models.WorkflowRun, owner string, columns ...string) (bool, error) {
	columns = append(columns, "updated_at")
	res, err := db.NewUpdate().Model(run).Column(columns...).
		WherePK().
		Where("lease_owner = ?", owner).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("update run %s: %w", run.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func UpdateRun(ctx context.Context, db bun.IDB, run *models.WorkflowRun, columns ...string) error {
	columns = append(columns, "updated_at")
	if _, err := db.NewUpdate().Model(run).Column(columns...).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	return nil
}

func ListRunsByStatus(ctx context.Context, db bun.IDB, status models.RunStatus) ([]models.WorkflowRun, error) {
	var out []models.WorkflowRun
	err := db.NewSelect().Model(&out).
		Where("status = ?", status).
		Order("updated_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s runs: %w", status, err)
	}
	return out, nil
}

// WakeWaitingRuns → make runs waiting on (event, key) due now
func WakeWaitingRuns(ctx context.Context, db bun.IDB, event, key string, now time.Time) (int64, error) {
	res, err := db.NewUpdate().Model((*models.WorkflowRun)(nil)).
		Set("wake_at = ?", now).
		Set("updated_at = ?", now).
		Where("status = ?", models.RunWaiting).
		Where("waiting_event = ?", event).
		Where("waiting_key = ?", key).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("wake waiting runs: %w", err)
	}
	return res.RowsAffected()
}

// ---------------- WORKFLOW STEPS ----------------

func ListSteps(ctx context.Context, db bun.IDB, runID string) ([]models.WorkflowStep, error) {
	var out []models.WorkflowStep
	err := db.NewSelect().Model(&out).
		Where("run_id = ?", runID).
		Order("created_at ASC", "name ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	return out, nil
}

func GetStep(ctx context.Context, db bun.IDB, runID, name string) (*models.WorkflowStep, error) {
	var step models.WorkflowStep
	err := db.NewSelect().Model(&step).
		Where("run_id = ?", runID).
		Where("name = ?", name).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load step %s: %w", name, err)
	}
	return &step, nil
}

func InsertStep(ctx context.Context, db bun.IDB, step *models.WorkflowStep) error {
	if _, err := db.NewInsert().Model(step).Exec(ctx); err != nil {
		return fmt.Errorf("insert step %s: %w", step.Name, err)
	}
	return nil
}

func UpdateStep(ctx context.Context, db bun.IDB, step *models.WorkflowStep, columns ...string) error {
	if _, err := db.NewUpdate().Model(step).Column(columns...).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("update step %s: %w", step.Name, err)
	}
	return nil
}

// ---------------- WORKFLOW SIGNALS ----------------

func InsertSignal(ctx context.Context, db bun.IDB, sig *models.WorkflowSignal) error {
	if _, err := db.NewInsert().Model(sig).Exec(ctx); err != nil {
		return fmt.Errorf("insert signal %s: %w", sig.Event, err)
	}
	return nil
}

// FirstSignal → earliest signal for (event, key), nil if none
func FirstSignal(ctx context.Context, db bun.IDB, event, key string) (*models.WorkflowSignal, error) {
	var sig models.WorkflowSignal
	err := db.NewSelect().Model(&sig).
		Where("event = ?", event).
		Where("signal_key = ?", key).
		Order("id ASC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load signal: %w", err)
	}
	return &sig, nil
}

// LockSignalKey serializes signal delivery against a waiter suspending on
// the same (event, key). SQLite already serializes on its one connection.
func LockSignalKey(ctx context.Context, tx bun.IDB, event, key string) error {
	if tx.Dialect().Name() != dialect.PG {
		return nil
	}
	h := fnv.New64a()
	h.Write([]byte(event))
	h.Write([]byte{0})
	h.Write([]byte(key))
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(?)", int64(h.Sum64())); err != nil {
		return fmt.Errorf("lock signal key: %w", err)
	}
	return nil
}
