package app_test

import (
	"context"
	"testing"

	"ms-dealroom/internal/app"
	"ms-dealroom/internal/config"
	"ms-dealroom/internal/models"
	"ms-dealroom/internal/payment/paymenttest"
	"ms-dealroom/internal/store"
	"ms-dealroom/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDatabaseCreatesSQLiteSchema(t *testing.T) {
	ctx := context.Background()
	db, err := app.OpenDatabase(ctx, config.DatabaseConfig{
		DSN:         store.SQLitePrefix + ":memory:",
		AutoMigrate: true,
	}, nil)
	require.NoError(t, err)
	defer db.Close()

	count, err := db.Bun.NewSelect().Model((*models.DealRoom)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestOpenDatabaseRejectsMissingDSN(t *testing.T) {
	_, err := app.OpenDatabase(context.Background(), config.DatabaseConfig{}, nil)
	assert.Error(t, err)
}

func TestNewCoreRegistersEveryWorkflow(t *testing.T) {
	ctx := context.Background()
	db := storetest.New(t)
	core := app.NewCore(db, config.Load(), app.Deps{
		Provider: &paymenttest.Provider{},
		Clock:    storetest.Clock(),
		Owner:    "test-worker",
	}, nil)

	for _, name := range []string{
		models.WorkflowAuctionAutoClose,
		models.WorkflowPaymentRecovery,
		models.WorkflowEscrowAutoCapture,
		models.WorkflowEscrowRelease,
		models.WorkflowEscrowRefund,
	} {
		run, err := core.Workflows.Start(ctx, name, "corr-"+name, "", map[string]string{})
		require.NoError(t, err, name)
		assert.Equal(t, models.RunPending, run.Status)
	}

	_, err := core.Workflows.Start(ctx, "unknown", "corr", "", nil)
	assert.Error(t, err)
}
