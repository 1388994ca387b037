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

// ---------------- AUCTIONS ----------------

func GetAuction(ctx context.Context, db bun.IDB, id string) (*models.Auction, error) {
	var a models.Auction
	if err := db.NewSelect().Model(&a).Where("id = ?", id).Limit(1).Scan(ctx); err != nil {
		return nil, notFound(err, "auction", id)
	}
	return &a, nil
}

// LockAuction → lock the auction row; holders see every committed bid
func LockAuction(ctx context.Context, tx bun.IDB, id string) (*models.Auction, error) {
	var a models.Auction
	q := tx.NewSelect().Model(&a).Where("id = ?", id).Limit(1)
	if err := forUpdate(tx, q).Scan(ctx); err != nil {
		return nil, notFound(err, "auction", id)
	}
	return &a, nil
}

func InsertAuction(ctx context.Context, db bun.IDB, a *models.Auction) error {
	if _, err := db.NewInsert().Model(a).Exec(ctx); err != nil {
		return fmt.Errorf("insert auction: %w", err)
	}
	return nil
}

func UpdateAuction(ctx context.Context, db bun.IDB, a *models.Auction, columns ...string) error {
	columns = append(columns, "updated_at")
	if _, err := db.NewUpdate().Model(a).Column(columns...).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("update auction %s: %w", a.ID, err)
	}
	return nil
}

// ActiveAuctionForListing → the live auction for a listing, if any
func ActiveAuctionForListing(ctx context.Context, db bun.IDB, listingID string) (*models.Auction, error) {
	var a models.Auction
	err := db.NewSelect().Model(&a).
		Where("listing_id = ?", listingID).
		Where("state IN (?)", bun.In([]models.AuctionState{models.AuctionSetup, models.AuctionActive})).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active auction for listing: %w", err)
	}
	return &a, nil
}

// ExpiredActiveAuctions → active auctions whose end_at has passed
func ExpiredActiveAuctions(ctx context.Context, db bun.IDB, now time.Time, limit int) ([]models.Auction, error) {
	var out []models.Auction
	err := db.NewSelect().Model(&out).
		Where("state = ?", models.AuctionActive).
		Where("end_at <= ?", now).
		Order("end_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list expired auctions: %w", err)
	}
	return out, nil
}

// ---------------- BIDS ----------------

// HighestBidAmount → MAX(amount); ok is false when there are no bids
func HighestBidAmount(ctx context.Context, db bun.IDB, auctionID string) (int64, bool, error) {
	var max sql.NullInt64
	err := db.NewSelect().Model((*models.AuctionBid)(nil)).
		ColumnExpr("MAX(amount)").
		Where("auction_id = ?", auctionID).
		Scan(ctx, &max)
	if err != nil {
		return 0, false, fmt.Errorf("highest bid: %w", err)
	}
	return max.Int64, max.Valid, nil
}

func InsertBid(ctx context.Context, db bun.IDB, bid *models.AuctionBid) error {
	if _, err := db.NewInsert().Model(bid).Exec(ctx); err != nil {
		return fmt.Errorf("insert bid: %w", err)
	}
	return nil
}

// ListBids → bids in commit order
func ListBids(ctx context.Context, db bun.IDB, auctionID string) ([]models.AuctionBid, error) {
	var out []models.AuctionBid
	err := db.NewSelect().Model(&out).
		Where("auction_id = ?", auctionID).
		Order("seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}
	return out, nil
}

// WinningBid → highest amount; the earliest bid wins an exact tie
func WinningBid(ctx context.Context, db bun.IDB, auctionID string) (*models.AuctionBid, error) {
	var bid models.AuctionBid
	err := db.NewSelect().Model(&bid).
		Where("auction_id = ?", auctionID).
		Order("amount DESC", "created_at ASC", "seq ASC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("winning bid: %w", err)
	}
	return &bid, nil
}

// ---------------- INVITES ----------------

func InsertInvites(ctx context.Context, db bun.IDB, invites []models.AuctionInvite) error {
	if len(invites) == 0 {
		return nil
	}
	if _, err := db.NewInsert().Model(&invites).On("CONFLICT DO NOTHING").Exec(ctx); err != nil {
		return fmt.Errorf("insert invites: %w", err)
	}
	return nil
}

func IsInvited(ctx context.Context, db bun.IDB, auctionID, userID string) (bool, error) {
	ok, err := db.NewSelect().Model((*models.AuctionInvite)(nil)).
		Where("auction_id = ?", auctionID).
		Where("user_id = ?", userID).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check invite: %w", err)
	}
	return ok, nil
}

func ListInvites(ctx context.Context, db bun.IDB, auctionID string) ([]models.AuctionInvite, error) {
	var out []models.AuctionInvite
	err := db.NewSelect().Model(&out).
		Where("auction_id = ?", auctionID).
		Order("user_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	return out, nil
}
