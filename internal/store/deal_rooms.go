package store

import (
	"context"
	"fmt"
	"time"

	"ms-dealroom/internal/models"

	"github.com/uptrace/bun"
)

// ---------------- DEAL ROOMS ----------------

// GetDealRoom → fetch one deal room by its ID
func GetDealRoom(ctx context.Context, db bun.IDB, id string) (*models.DealRoom, error) {
	var room models.DealRoom
	err := db.NewSelect().Model(&room).Where("id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		return nil, notFound(err, "deal room", id)
	}
	return &room, nil
}

// LockDealRoom → re-read a deal room under a row lock inside tx
func LockDealRoom(ctx context.Context, tx bun.IDB, id string) (*models.DealRoom, error) {
	var room models.DealRoom
	q := tx.NewSelect().Model(&room).Where("id = ?", id).Limit(1)
	if err := forUpdate(tx, q).Scan(ctx); err != nil {
		return nil, notFound(err, "deal room", id)
	}
	return &room, nil
}

func InsertDealRoom(ctx context.Context, db bun.IDB, room *models.DealRoom) error {
	if room.Metadata == nil {
		room.Metadata = map[string]any{}
	}
	_, err := db.NewInsert().Model(room).Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert deal room: %w", err)
	}
	return nil
}

// UpdateDealRoom → write the given columns; updated_at is always written
func UpdateDealRoom(ctx context.Context, db bun.IDB, room *models.DealRoom, columns ...string) error {
	columns = append(columns, "updated_at")
	_, err := db.NewUpdate().Model(room).Column(columns...).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("update deal room %s: %w", room.ID, err)
	}
	return nil
}

// AddParticipants → idempotent insert of room participants
func AddParticipants(ctx context.Context, db bun.IDB, participants []models.DealRoomParticipant) error {
	if len(participants) == 0 {
		return nil
	}
	_, err := db.NewInsert().Model(&participants).On("CONFLICT DO NOTHING").Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert participants: %w", err)
	}
	return nil
}

func ListParticipants(ctx context.Context, db bun.IDB, roomID string) ([]models.DealRoomParticipant, error) {
	var out []models.DealRoomParticipant
	err := db.NewSelect().Model(&out).
		Where("deal_room_id = ?", roomID).
		Order("created_at ASC", "user_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return out, nil
}

// ---------------- DEAL EVENTS ----------------

// AppendEvent → add an audit row; it becomes visible with the enclosing transaction
func AppendEvent(ctx context.Context, db bun.IDB, roomID, actorID, eventType string, payload map[string]any, at time.Time) (*models.DealEvent, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	ev := &models.DealEvent{
		DealRoomID: roomID,
		ActorID:    actorID,
		EventType:  eventType,
		Payload:    payload,
		CreatedAt:  at,
	}
	if _, err := db.NewInsert().Model(ev).Exec(ctx); err != nil {
		return nil, fmt.Errorf("append %s event: %w", eventType, err)
	}
	return ev, nil
}

func ListEvents(ctx context.Context, db bun.IDB, roomID string) ([]models.DealEvent, error) {
	var out []models.DealEvent
	err := db.NewSelect().Model(&out).
		Where("deal_room_id = ?", roomID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

func CountEvents(ctx context.Context, db bun.IDB, roomID, eventType string) (int, error) {
	return db.NewSelect().Model((*models.DealEvent)(nil)).
		Where("deal_room_id = ?", roomID).
		Where("event_type = ?", eventType).
		Count(ctx)
}

// UnpublishedEvents → oldest events not yet handed to the notifier
func UnpublishedEvents(ctx context.Context, db bun.IDB, limit int) ([]models.DealEvent, error) {
	var out []models.DealEvent
	err := db.NewSelect().Model(&out).
		Where("published_at IS NULL").
		Order("id ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unpublished events: %w", err)
	}
	return out, nil
}

func MarkEventsPublished(ctx context.Context, db bun.IDB, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.NewUpdate().Model((*models.DealEvent)(nil)).
		Set("published_at = ?", at).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark events published: %w", err)
	}
	return nil
}
