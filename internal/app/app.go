// Package app assembles the domain services around one database and one
// workflow engine. The service binary and dealctl share it so both register
// the same workflow definitions.
package app

import (
	"context"
	"fmt"
	"time"

	"ms-dealroom/internal/auction"
	"ms-dealroom/internal/clock"
	"ms-dealroom/internal/config"
	"ms-dealroom/internal/database/migrations"
	"ms-dealroom/internal/deal"
	"ms-dealroom/internal/escrow"
	"ms-dealroom/internal/logger"
	"ms-dealroom/internal/models"
	"ms-dealroom/internal/payment"
	"ms-dealroom/internal/store"
	"ms-dealroom/internal/workflow"

	"github.com/uptrace/bun"
)

type Core struct {
	DB        *store.DB
	Clock     clock.Clock
	Workflows *workflow.Engine
	Machine   *deal.Machine
	Deals     *deal.Service
	Auctions  *auction.Engine
	Payments  *payment.Service
	Escrow    *escrow.Controller
}

// Deps are the collaborators that differ between the service, the CLI and tests.
type Deps struct {
	Provider payment.Provider
	// Cache may be nil; bids are then checked against the database only.
	Cache auction.BidCache
	Clock clock.Clock
	// Owner names this process in workflow leases.
	Owner string
}

// NewCore builds every service and registers all workflow definitions.
func NewCore(db *store.DB, cfg *config.Config, deps Deps, log *logger.Logger) *Core {
	if log == nil {
		log = logger.Discard()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	opts := []workflow.Option{
		workflow.WithClock(clk),
		workflow.WithLogger(log),
		workflow.WithLease(cfg.Workflow.Lease),
		workflow.WithRetryBase(cfg.Workflow.RetryBase),
		workflow.WithMaxStepAttempts(cfg.Workflow.MaxStepAttempts),
		workflow.WithConcurrency(cfg.Workflow.Concurrency),
		workflow.WithStuckHook(alertStuck(log)),
	}
	if deps.Owner != "" {
		opts = append(opts, workflow.WithOwner(deps.Owner))
	}
	engine := workflow.NewEngine(db, opts...)

	machine := deal.NewMachine(db, clk, log)
	deals := deal.NewService(db, machine, engine, clk, log, deal.Options{
		DisputeWindow: cfg.Escrow.DisputeWindow,
		Currency:      cfg.Stripe.Currency,
	})

	auctions := auction.NewEngine(db, deals, engine, deps.Cache, clk, log)

	payments := payment.NewService(db, deps.Provider, machine, engine, clk, log, payment.Options{
		RetryWindow: cfg.Payment.RetryWindow,
	})
	controller := escrow.NewController(db, deps.Provider, machine, engine, clk, log, escrow.Options{
		HoldBusinessDays: cfg.Escrow.HoldBusinessDays,
		HoldPeriod:       cfg.Escrow.HoldPeriod,
		DisputeWindow:    cfg.Escrow.DisputeWindow,
	})

	engine.MustRegister(payments.RecoveryDefinition(), auctions.AutoCloseDefinition())
	engine.MustRegister(controller.Definitions()...)

	return &Core{
		DB:        db,
		Clock:     clk,
		Workflows: engine,
		Machine:   machine,
		Deals:     deals,
		Auctions:  auctions,
		Payments:  payments,
		Escrow:    controller,
	}
}

// alertStuck logs every run that exhausted its retries. The engine has
// already recorded a workflow.stuck event in the same transaction.
func alertStuck(log *logger.Logger) workflow.StuckHook {
	return func(_ context.Context, _ bun.IDB, run *models.WorkflowRun, cause error) error {
		log.Error("ALERT", fmt.Sprintf("Workflow %s (%s) for deal room %s is stuck: %v", run.WorkflowName, run.ID, run.DealRoomID, cause))
		return nil
	}
}

// OpenDatabase connects with the configured pool and brings the schema up to
// date: migrations on Postgres, CreateSchema on SQLite.
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*store.DB, error) {
	db, err := store.Open(cfg.DSN, store.PoolConfig{
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
		MaxLifetime:  cfg.MaxLifetime,
	}, store.WithLogger(log))
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.Ping(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if !cfg.AutoMigrate {
		return db, nil
	}
	if !db.IsPostgres() {
		if err := store.CreateSchema(ctx, db.Bun); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	}

	// The runner is not closed: its driver would close the shared pool.
	runner := migrations.NewRunner(db.Bun.DB, log)
	if err := runner.Initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := runner.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
