/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the fee ledger server. Handles configuration,
  dependency wiring, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load YAML config
  2. Build the zap logger
  3. Open the SQLite store
  4. Optional: Kafka event publisher, Stripe gateway
  5. Create billing service, API handler, default scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config path (default: $CONFIG_PATH or ./configs/ledger.yaml)
  -port    Overrides server.port
  -db      Overrides database.path (":memory:" for a throwaway ledger)
  -demo    Mounts the demo scenario routes

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the default scheduler (waits for an in-flight scan)
  2. Stop accepting new connections
  3. Wait for active requests (server.shutdown_timeout)
  4. Flush the event publisher, close the database
  5. Exit

ENVIRONMENT:
  CONFIG_PATH            Config file when -config is absent
  STRIPE_SECRET_KEY      Overrides stripe.secret_key
  STRIPE_WEBHOOK_SECRET  Overrides stripe.webhook_secret

SEE ALSO:
  - config/config.go: Configuration schema
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/warp/fee-ledger/api"
	"github.com/warp/fee-ledger/billing"
	"github.com/warp/fee-ledger/config"
	"github.com/warp/fee-ledger/events"
	"github.com/warp/fee-ledger/gateway/stripegw"
	"github.com/warp/fee-ledger/logger"
	"github.com/warp/fee-ledger/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fee-ledger: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "YAML config path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	demo := flag.Bool("demo", false, "Mount demo scenario routes")
	flag.Parse()

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *demo {
		cfg.Server.Demo = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []billing.Option{
		billing.WithLogger(log),
		billing.WithMetrics(billing.NewMetrics(reg)),
	}

	// Events
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Kafka.Enabled {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		if err != nil {
			return fmt.Errorf("failed to connect to kafka: %w", err)
		}
		publisher = kp
		log.Info("kafka publisher enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	defer publisher.Close()
	opts = append(opts, billing.WithPublisher(publisher))

	// Payment gateway
	var webhooks api.WebhookParser
	if cfg.Stripe.Enabled {
		gw, err := stripegw.New(stripegw.Config{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			BackendURL:    cfg.Stripe.BackendURL,
		}, log.Named("stripe"))
		if err != nil {
			return fmt.Errorf("failed to configure stripe: %w", err)
		}
		opts = append(opts, billing.WithGateway(gw))
		webhooks = gw
		log.Info("stripe gateway enabled")
	}

	svc, err := billing.NewService(store, cfg.Billing(), opts...)
	if err != nil {
		return err
	}

	// Scheduler
	scheduler := api.NewDefaultScheduler(svc, cfg.Scheduler.Interval, log)
	scheduler.Enabled = cfg.Scheduler.Enabled

	handler := api.NewHandler(svc, webhooks, log)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Demo:           cfg.Server.Demo,
		Registry:       reg,
		Scheduler:      scheduler,
		Logger:         log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("database", cfg.Database.Path),
			zap.Bool("demo", cfg.Server.Demo),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	scheduler.Start()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
