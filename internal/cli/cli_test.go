package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"ms-dealroom/internal/app"
	"ms-dealroom/internal/auction"
	"ms-dealroom/internal/auth"
	"ms-dealroom/internal/cli"
	"ms-dealroom/internal/config"
	"ms-dealroom/internal/deal"
	"ms-dealroom/internal/models"
	"ms-dealroom/internal/payment/paymenttest"
	"ms-dealroom/internal/store"
	"ms-dealroom/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := cli.NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "dealctl", cmd.Use)

	for _, path := range [][]string{
		{"migrate", "up"},
		{"migrate", "down"},
		{"migrate", "version"},
		{"workflows", "stuck"},
		{"workflows", "retry"},
		{"auctions", "close"},
		{"token"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
	require.NotNil(t, cmd.PersistentFlags().Lookup("dsn"))
}

// execute runs dealctl against dsn and returns stdout.
func execute(t *testing.T, dsn string, args ...string) (string, error) {
	t.Helper()
	cmd := cli.NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--dsn", dsn}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// seeded creates a file-backed SQLite database through dealctl and returns
// its DSN with a Core over the same file, clocked at storetest.Epoch.
func seeded(t *testing.T) (string, *app.Core) {
	t.Helper()
	dsn := store.SQLitePrefix + filepath.Join(t.TempDir(), "dealroom.db")
	out, err := execute(t, dsn, "migrate", "up")
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite schema")

	db, err := store.Open(dsn, store.PoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	core := app.NewCore(db, config.Load(), app.Deps{
		Provider: &paymenttest.Provider{},
		Clock:    storetest.Clock(),
		Owner:    "test-worker",
	}, nil)
	return dsn, core
}

func TestInvalidFormatIsRejected(t *testing.T) {
	_, err := execute(t, store.SQLitePrefix+":memory:", "--format", "yaml", "workflows", "stuck")
	assert.ErrorContains(t, err, "invalid format")
}

func TestMigrateDownNeedsPostgres(t *testing.T) {
	dsn, _ := seeded(t)
	_, err := execute(t, dsn, "migrate", "down")
	require.Error(t, err)
	assert.Equal(t, cli.ExitCommandError, cli.GetExitCode(err))
}

func TestStuckAndRetry(t *testing.T) {
	dsn, core := seeded(t)
	ctx := context.Background()

	out, err := execute(t, dsn, "workflows", "stuck")
	require.NoError(t, err)
	assert.Contains(t, out, "No stuck workflow runs")

	run, err := core.Workflows.Start(ctx, models.WorkflowPaymentRecovery, "order-1", "room-1", models.SettlementInput{OrderID: "order-1", DealRoomID: "room-1"})
	require.NoError(t, err)
	run.Status = models.RunFailed
	run.LastError = "provider unavailable"
	require.NoError(t, store.UpdateRun(ctx, core.DB.Bun, run, "status", "last_error"))

	out, err = execute(t, dsn, "workflows", "stuck")
	require.NoError(t, err)
	assert.Contains(t, out, run.ID)
	assert.Contains(t, out, models.WorkflowPaymentRecovery)
	assert.Contains(t, out, "provider unavailable")

	out, err = execute(t, dsn, "--format", "json", "workflows", "stuck")
	require.NoError(t, err)
	var runs []models.WorkflowRun
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	out, err = execute(t, dsn, "workflows", "retry", run.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "re-queued as pending")

	got, err := store.GetRun(ctx, core.DB.Bun, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, got.Status)

	_, err = execute(t, dsn, "workflows", "retry", run.ID)
	require.Error(t, err)
	assert.Equal(t, cli.ExitFailure, cli.GetExitCode(err))
}

func TestAuctionCloseSelectsWinner(t *testing.T) {
	dsn, core := seeded(t)
	ctx := context.Background()

	direct, err := core.Deals.Open(ctx, deal.OpenRequest{ListingID: "listing-1", BuyerID: "buyer-1", SellerID: "seller-1"})
	require.NoError(t, err)
	started, err := core.Auctions.Start(ctx, auction.StartRequest{
		DirectDealRoomID: direct.ID,
		SellerID:         "seller-1",
		StartPrice:       100,
		MinIncrement:     10,
		DurationMinutes:  30,
		InviteeIDs:       []string{"bidder-2"},
	})
	require.NoError(t, err)
	_, err = core.Auctions.PlaceBid(ctx, started.AuctionID, "bidder-2", 150)
	require.NoError(t, err)

	// The seeded auction ended 30 minutes after storetest.Epoch, well before
	// the wall clock dealctl runs on.
	require.True(t, time.Now().After(started.EndAt))

	out, err := execute(t, dsn, "--format", "json", "auctions", "close", started.AuctionID)
	require.NoError(t, err)
	var res auction.CloseResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Closed)
	assert.Equal(t, "bidder-2", res.WinnerID)
	assert.Equal(t, int64(150), res.WinningAmount)
	assert.NotEmpty(t, res.OrderID)

	out, err = execute(t, dsn, "auctions", "close", started.AuctionID)
	require.NoError(t, err)
	assert.Contains(t, out, "unchanged")

	_, err = execute(t, dsn, "auctions", "close", "missing")
	require.Error(t, err)
	assert.Equal(t, cli.ExitFailure, cli.GetExitCode(err))
}

func TestTokenIsAcceptedByVerifier(t *testing.T) {
	out, err := execute(t, store.SQLitePrefix+":memory:", "token", "buyer-1", "--secret", "s3cret", "--ttl", "5m")
	require.NoError(t, err)

	sub, err := auth.VerifyDevToken(string(bytes.TrimSpace([]byte(out))), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "buyer-1", sub)
}
