//go:build integration

package app_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ms-dealroom/internal/app"
	"ms-dealroom/internal/apperrors"
	"ms-dealroom/internal/auction"
	"ms-dealroom/internal/config"
	"ms-dealroom/internal/database/migrations"
	"ms-dealroom/internal/deal"
	"ms-dealroom/internal/models"
	"ms-dealroom/internal/payment/paymenttest"
	"ms-dealroom/internal/store"
	"ms-dealroom/internal/store/storetest"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startContainer(t *testing.T, req testcontainers.ContainerRequest, port string) string {
	t.Helper()
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start %s container: %v", req.Image, err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	mapped, err := c.MappedPort(ctx, port)
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}

func startPostgres(t *testing.T) string {
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "dealroom",
			"POSTGRES_PASSWORD": "dealroom",
			"POSTGRES_DB":       "dealroom",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(time.Minute),
	}, "5432")
	return fmt.Sprintf("postgres://dealroom:dealroom@%s/dealroom?sslmode=disable", addr)
}

func TestPostgresMigrationsRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping Postgres integration test in short mode")
	}
	ctx := context.Background()
	dsn := startPostgres(t)

	db, err := app.OpenDatabase(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 4, AutoMigrate: true}, nil)
	require.NoError(t, err)

	runner := migrations.NewRunner(db.Bun.DB, nil)
	version, dirty, err := runner.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(4), version)
	assert.False(t, dirty)

	require.NoError(t, runner.MigrateDown())
	version, _, err = runner.Version()
	require.NoError(t, err)
	assert.Zero(t, version)

	require.NoError(t, runner.MigrateUp())
	version, _, err = runner.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(4), version)

	// Closing the runner closes the pool as well.
	require.NoError(t, runner.Close())
}

func TestConcurrentBiddingOnPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping Postgres integration test in short mode")
	}
	ctx := context.Background()
	dsn := startPostgres(t)
	redisAddr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}, "6379")

	db, err := app.OpenDatabase(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 16, AutoMigrate: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.True(t, db.IsPostgres())

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	t.Cleanup(func() { client.Close() })

	clk := storetest.Clock()
	core := app.NewCore(db, config.Load(), app.Deps{
		Provider: &paymenttest.Provider{},
		Cache:    auction.NewHighBidCache(client, nil),
		Clock:    clk,
		Owner:    "integration",
	}, nil)

	const bidders = 12
	invitees := make([]string, bidders)
	for i := range invitees {
		invitees[i] = fmt.Sprintf("bidder-%02d", i)
	}

	direct, err := core.Deals.Open(ctx, deal.OpenRequest{ListingID: "listing-race", BuyerID: "buyer-1", SellerID: "seller-1"})
	require.NoError(t, err)
	started, err := core.Auctions.Start(ctx, auction.StartRequest{
		DirectDealRoomID: direct.ID,
		SellerID:         "seller-1",
		StartPrice:       100,
		MinIncrement:     5,
		DurationMinutes:  15,
		InviteeIDs:       invitees,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := map[string]int64{}
	for i, bidder := range invitees {
		wg.Add(1)
		go func(bidder string, amount int64) {
			defer wg.Done()
			res, err := core.Auctions.PlaceBid(ctx, started.AuctionID, bidder, amount)
			if err != nil {
				assert.True(t, errors.Is(err, apperrors.ErrBidTooLow), "unexpected error for %s: %v", bidder, err)
				return
			}
			mu.Lock()
			accepted[bidder] = res.Bid.Amount
			mu.Unlock()
		}(bidder, int64(100+10*i))
	}
	wg.Wait()
	require.NotEmpty(t, accepted)

	bids, err := store.ListBids(ctx, db.Bun, started.AuctionID)
	require.NoError(t, err)
	require.Len(t, bids, len(accepted))
	for i := 1; i < len(bids); i++ {
		assert.Greater(t, bids[i].Seq, bids[i-1].Seq)
		assert.GreaterOrEqual(t, bids[i].Amount, bids[i-1].Amount+5, "accepted bids must respect the increment")
	}

	clk.Advance(16 * time.Minute)
	res, err := core.Auctions.CloseAndSelectWinner(ctx, started.AuctionID)
	require.NoError(t, err)
	require.True(t, res.Closed)
	top := bids[len(bids)-1]
	assert.Equal(t, top.BidderID, res.WinnerID)
	assert.Equal(t, top.Amount, res.WinningAmount)

	room, err := core.Deals.Get(ctx, res.DealRoomID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePaymentPending, room.CurrentState)

	again, err := core.Auctions.CloseAndSelectWinner(ctx, started.AuctionID)
	require.NoError(t, err)
	assert.False(t, again.Closed)
	assert.Equal(t, res.OrderID, again.OrderID)
}
