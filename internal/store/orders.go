package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-dealroom/internal/models"

	"github.com/uptrace/bun"
)

// ---------------- ORDERS ----------------

// GetOrder → fetch one order by its ID
func GetOrder(ctx context.Context, db bun.IDB, id string) (*models.Order, error) {
	var o models.Order
	if err := db.NewSelect().Model(&o).Where("id = ?", id).Limit(1).Scan(ctx); err != nil {
		return nil, notFound(err, "order", id)
	}
	return &o, nil
}

func LockOrder(ctx context.Context, tx bun.IDB, id string) (*models.Order, error) {
	var o models.Order
	q := tx.NewSelect().Model(&o).Where("id = ?", id).Limit(1)
	if err := forUpdate(tx, q).Scan(ctx); err != nil {
		return nil, notFound(err, "order", id)
	}
	return &o, nil
}

// CreateOrder → insert new order
func CreateOrder(ctx context.Context, db bun.IDB, o *models.Order) error {
	if o.Metadata == nil {
		o.Metadata = map[string]any{}
	}
	if _, err := db.NewInsert().Model(o).Exec(ctx); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// UpdateOrder → update the given columns
func UpdateOrder(ctx context.Context, db bun.IDB, o *models.Order, columns ...string) error {
	columns = append(columns, "updated_at")
	if _, err := db.NewUpdate().Model(o).Column(columns...).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	return nil
}

// CurrentOrderForRoom → most recent order of the room that is not canceled
func CurrentOrderForRoom(ctx context.Context, db bun.IDB, roomID string) (*models.Order, error) {
	var o models.Order
	err := db.NewSelect().Model(&o).
		Where("deal_room_id = ?", roomID).
		Where("status != ?", models.OrderCanceled).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current order for room: %w", err)
	}
	return &o, nil
}

// ---------------- PAYMENTS ----------------

func GetPayment(ctx context.Context, db bun.IDB, id string) (*models.Payment, error) {
	var p models.Payment
	if err := db.NewSelect().Model(&p).Where("id = ?", id).Limit(1).Scan(ctx); err != nil {
		return nil, notFound(err, "payment", id)
	}
	return &p, nil
}

func LockPayment(ctx context.Context, tx bun.IDB, id string) (*models.Payment, error) {
	var p models.Payment
	q := tx.NewSelect().Model(&p).Where("id = ?", id).Limit(1)
	if err := forUpdate(tx, q).Scan(ctx); err != nil {
		return nil, notFound(err, "payment", id)
	}
	return &p, nil
}

func PaymentByProviderRef(ctx context.Context, db bun.IDB, ref string) (*models.Payment, error) {
	var p models.Payment
	if err := db.NewSelect().Model(&p).Where("provider_ref = ?", ref).Limit(1).Scan(ctx); err != nil {
		return nil, notFound(err, "payment", ref)
	}
	return &p, nil
}

func InsertPayment(ctx context.Context, db bun.IDB, p *models.Payment) error {
	if _, err := db.NewInsert().Model(p).Exec(ctx); err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func UpdatePayment(ctx context.Context, db bun.IDB, p *models.Payment, columns ...string) error {
	columns = append(columns, "updated_at")
	if _, err := db.NewUpdate().Model(p).Column(columns...).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("update payment %s: %w", p.ID, err)
	}
	return nil
}

// BlockingPayment → a payment of the order that is neither failed nor canceled
func BlockingPayment(ctx context.Context, db bun.IDB, orderID string) (*models.Payment, error) {
	var p models.Payment
	err := db.NewSelect().Model(&p).
		Where("order_id = ?", orderID).
		Where("status NOT IN (?)", bun.In([]models.PaymentStatus{models.PaymentFailed, models.PaymentCanceled})).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blocking payment: %w", err)
	}
	return &p, nil
}

// LatestPayment → newest payment of the order regardless of status
func LatestPayment(ctx context.Context, db bun.IDB, orderID string) (*models.Payment, error) {
	var p models.Payment
	err := db.NewSelect().Model(&p).
		Where("order_id = ?", orderID).
		Order("created_at DESC", "id DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest payment: %w", err)
	}
	return &p, nil
}

// ---------------- DISPUTES ----------------

func InsertDispute(ctx context.Context, db bun.IDB, d *models.Dispute) error {
	if _, err := db.NewInsert().Model(d).Exec(ctx); err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func LockDispute(ctx context.Context, tx bun.IDB, id string) (*models.Dispute, error) {
	var d models.Dispute
	q := tx.NewSelect().Model(&d).Where("id = ?", id).Limit(1)
	if err := forUpdate(tx, q).Scan(ctx); err != nil {
		return nil, notFound(err, "dispute", id)
	}
	return &d, nil
}

func UpdateDispute(ctx context.Context, db bun.IDB, d *models.Dispute, columns ...string) error {
	if _, err := db.NewUpdate().Model(d).Column(columns...).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("update dispute %s: %w", d.ID, err)
	}
	return nil
}

// OpenDisputeExists → true if the order has an unresolved dispute opened at or after since
func OpenDisputeExists(ctx context.Context, db bun.IDB, orderID string, since time.Time) (bool, error) {
	ok, err := db.NewSelect().Model((*models.Dispute)(nil)).
		Where("order_id = ?", orderID).
		Where("status = ?", models.DisputeOpen).
		Where("created_at >= ?", since).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check open dispute: %w", err)
	}
	return ok, nil
}
