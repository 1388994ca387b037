package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ms-dealroom/internal/api"
	"ms-dealroom/internal/app"
	"ms-dealroom/internal/auction"
	"ms-dealroom/internal/auth"
	"ms-dealroom/internal/config"
	dealkafka "ms-dealroom/internal/kafka"
	"ms-dealroom/internal/logger"
	"ms-dealroom/internal/notify"
	"ms-dealroom/internal/payment"
	"ms-dealroom/internal/sse"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Minute
	sweepBatch      = 50
)

func main() {
	envErr := godotenv.Load()
	cfg := config.Load()

	level := logger.INFO
	if cfg.Logging.Debug {
		level = logger.DEBUG
	}
	log := logger.New(logger.Options{Service: "dealroom", Dir: cfg.Logging.Dir, Console: os.Stdout, Level: level})
	defer log.Close()

	if envErr != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("APP", err.Error())
	}
	log.Info("APP", "Server exited gracefully")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("APP", "Starting Deal Room Service initialization")

	db, err := app.OpenDatabase(ctx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	log.Info("DATABASE", "✅ Database connection successful")

	provider, err := payment.NewStripeProvider(cfg.Stripe.SecretKey, nil, log)
	if err != nil {
		return err
	}

	broker := sse.NewBroker()
	var sinks notify.MultiSink
	var cache auction.BidCache
	var redisSink *notify.RedisSink

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection error: %w", err)
		}
		log.Info("REDIS", fmt.Sprintf("✅ Redis connection successful to %s", cfg.Redis.Addr))
		cache = auction.NewHighBidCache(client, log)
		redisSink = notify.NewRedisSink(client, log)
		sinks = append(sinks, redisSink)
	} else {
		// Without Redis this instance is the only SSE fan-out point.
		log.Warn("REDIS", "Redis disabled; bids are checked against the database only")
		sinks = append(sinks, broker)
	}

	var paymentEvents *payment.EventConsumer
	if cfg.Kafka.Enabled {
		topics := []string{cfg.Kafka.Topics.DealEvents, cfg.Kafka.Topics.PaymentEvents}
		if err := dealkafka.EnsureTopicsExist(cfg.Kafka.Brokers, topics, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		producer := dealkafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics.DealEvents, log)
		defer producer.Close()
		sinks = append(sinks, notify.NewKafkaSink(producer))
		log.Info("KAFKA", "Kafka producer initialized successfully")
	}

	host, _ := os.Hostname()
	core := app.NewCore(db, cfg, app.Deps{Provider: provider, Cache: cache, Owner: host}, log)

	if cfg.Kafka.Enabled {
		consumer := dealkafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics.PaymentEvents, cfg.Kafka.GroupID, log)
		paymentEvents = payment.NewEventConsumer(consumer, core.Payments, log)
		defer paymentEvents.Close()
	}

	authn, err := auth.NewAuthenticator(ctx, auth.Options{
		Issuer:    cfg.Auth.OIDCIssuer,
		DevSecret: cfg.Auth.DevSecret,
		Operators: cfg.Auth.Operators,
	}, log)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	handler := &api.Handler{
		Deals:               core.Deals,
		Auctions:            core.Auctions,
		Payments:            core.Payments,
		Escrow:              core.Escrow,
		Workflows:           core.Workflows,
		Broker:              broker,
		Auth:                authn,
		Logger:              log,
		StripeWebhookSecret: cfg.Stripe.WebhookSecret,
		Heartbeat:           cfg.Notify.SSEHeartbeat,
	}
	// Open SSE streams would otherwise hold Shutdown until its timeout.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}
	server.RegisterOnShutdown(cancelStreams)

	relay := notify.NewRelay(db, sinks, core.Clock, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP", fmt.Sprintf("🚀 Deal Room Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("APP", "Shutdown signal received. Cleaning up...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return core.Workflows.Run(gctx, cfg.Workflow.TickInterval) })
	g.Go(func() error { return relay.Run(gctx, cfg.Notify.RelayInterval) })
	g.Go(func() error { return sweepAuctions(gctx, core.Auctions, log) })
	if redisSink != nil {
		g.Go(func() error { return redisSink.Forward(gctx, broker) })
	}
	if paymentEvents != nil {
		g.Go(func() error { return paymentEvents.Run(gctx) })
	}

	return g.Wait()
}

// sweepAuctions closes auctions whose auto-close run never fired, for
// example because the run is stuck.
func sweepAuctions(ctx context.Context, auctions *auction.Engine, log *logger.Logger) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := auctions.CloseExpired(ctx, sweepBatch)
			if err != nil && ctx.Err() == nil {
				log.Error("AUCTION", fmt.Sprintf("Failed to close expired auctions: %v", err))
				continue
			}
			if n > 0 {
				log.Info("AUCTION", fmt.Sprintf("Closed %d expired auctions", n))
			}
		}
	}
}
