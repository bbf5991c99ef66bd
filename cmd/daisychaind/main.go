package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"daisychain/config"
	"daisychain/ledger"
	"daisychain/observability/logging"
	"daisychain/services/settlementd"
	"daisychain/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./config.toml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	var logOpts []logging.Option
	if cfg.LogFile != "" {
		logOpts = append(logOpts, logging.WithRotatingFile(cfg.LogFile))
	}
	logging.Setup("daisychaind", cfg.Environment, logOpts...)
	logger := slog.Default()

	if err := run(cfg, logger); err != nil {
		logger.Error("daisychaind exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := storage.NewLevelDB(cfg.DataDir + "/ledger")
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer db.Close()
	led := ledger.NewLedger(db)

	if cfg.SeedFile != "" {
		if err := applySeed(cfg.SeedFile, led, logger); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
	}

	queue, err := settlementd.NewQueue(cfg.QueuePath, cfg.WorkerMaxAttempts, cfg.WorkerBackoff(), logger)
	if err != nil {
		return fmt.Errorf("open settlement queue: %w", err)
	}
	defer queue.Close()

	audit, err := settlementd.NewAuditStore(cfg.AuditPath)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer audit.Close()

	processor := settlementd.NewProcessor(led, audit, cfg.ReferralDiscountInstance, logger)
	server := settlementd.NewServer(settlementd.ServerConfig{
		Environment:      cfg.Environment,
		WebhookSecret:    cfg.WebhookSecret,
		ReferralInstance: cfg.ReferralDiscountInstance,
		RequestTimeout:   cfg.RequestTimeout(),
		RatePerMinute:    float64(cfg.WebhookRatePerMinute),
		RateBurst:        cfg.WebhookRateBurst,
	}, led, queue, audit, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		queue.Run(ctx, cfg.WorkerPoll(), func(ctx context.Context, task settlementd.Task) error {
			event, err := settlementd.ParseCompletedOrderEvent(task.Payload)
			if err != nil {
				// A payload that passed webhook validation but fails now is
				// unrecoverable; retrying cannot fix it.
				logger.Error("dropping unparseable settlement task", "task_id", task.ID, "error", err)
				return nil
			}
			return processor.Process(ctx, event)
		})
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("daisychaind listening",
			"address", cfg.ListenAddress,
			"environment", cfg.Environment,
			"webhook_secret", logging.MaskValue(cfg.WebhookSecret),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		stop()
		wg.Wait()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	wg.Wait()
	logger.Info("daisychaind stopped")
	return nil
}

// applySeed bootstraps discount configurations and customer display names
// into the attribute store. Seeding is idempotent: entries overwrite any
// previous value for the same key.
func applySeed(path string, led *ledger.Ledger, logger *slog.Logger) error {
	seed, err := config.LoadSeed(path)
	if err != nil {
		return err
	}
	for _, discount := range seed.Discounts {
		raw, err := discount.ConfigJSON()
		if err != nil {
			return err
		}
		if err := led.PutDiscountConfig(discount.Instance, raw); err != nil {
			return fmt.Errorf("seed discount %s: %w", discount.Instance, err)
		}
		logger.Info("seeded discount config", "instance", discount.Instance)
	}
	for _, customer := range seed.Customers {
		if err := led.SetDisplayName(customer.ID, customer.Name); err != nil {
			return fmt.Errorf("seed customer %s: %w", customer.ID, err)
		}
	}
	if len(seed.Customers) > 0 {
		logger.Info("seeded customer display names", "count", len(seed.Customers))
	}
	return nil
}
