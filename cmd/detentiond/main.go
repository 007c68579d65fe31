package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"detentiond/internal/config"
	"detentiond/internal/eventstore"
	"detentiond/internal/location"
	"detentiond/internal/model"
	"detentiond/internal/queue"
	"detentiond/internal/storage"
	"detentiond/internal/tracker"
	"detentiond/internal/web"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	store, err := storage.Open(cfg.Storage.DatabasePath)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.InitSchema(ctx); err != nil {
		logger.Fatal("init schema", zap.Error(err))
	}
	if swept, err := store.RequeueInFlight(ctx); err != nil {
		logger.Fatal("requeue in-flight items", zap.Error(err))
	} else if swept > 0 {
		logger.Info("requeued items stranded by previous shutdown", zap.Int64("count", swept))
	}

	remote := &eventstore.Client{
		BaseURL:  cfg.Remote.BaseURL,
		APIToken: cfg.Remote.APIToken,
		Logger:   logger,
	}

	evidenceQueue := &queue.Queue{
		Store:       store,
		Remote:      remote,
		Logger:      logger,
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase,
		BackoffCap:  cfg.Queue.BackoffCap,
		OnDeadLetter: func(items []storage.Item) {
			logger.Error("evidence requires manual handling",
				zap.Int("count", len(items)),
				zap.String("event_id", items[0].EventID),
			)
		},
	}

	provider := &location.HTTPProvider{BaseURL: cfg.Location.ProviderURL}

	controller := tracker.New(remote, evidenceQueue, provider, store, logger, tracker.Config{
		UserID:           cfg.Tracking.UserID,
		TickInterval:     cfg.Tracking.TickInterval,
		SamplingInterval: cfg.Tracking.SamplingInterval,
		StopFlushTimeout: cfg.Tracking.StopFlushTimeout,
	})

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if recovered, err := controller.Recover(runCtx); err != nil {
		logger.Warn("recovery check failed", zap.Error(err))
	} else if recovered {
		logger.Info("resumed tracking after restart")
	}

	facilities, err := loadFacilities(cfg.Tracking.FacilitiesPath)
	if err != nil {
		logger.Warn("load facilities", zap.Error(err))
	}

	server := &web.Server{
		Controller:           controller,
		Queue:                evidenceQueue,
		Facilities:           facilities,
		Logger:               logger,
		DefaultGraceMinutes:  cfg.Tracking.DefaultGraceMinutes,
		DefaultHourlyRate:    cfg.Tracking.DefaultHourlyRate,
		GeofenceRadiusMeters: cfg.Tracking.GeofenceRadiusMeters,
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", zap.Error(err))
			stop()
		}
	}()

	go evidenceQueue.Run(runCtx, cfg.Queue.DrainInterval)
	go runFinalizationRetry(runCtx, controller, cfg.Tracking.FinalizationRetryGap, logger)

	<-runCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// runFinalizationRetry keeps re-attempting a stop that could not reach
// the remote store, so a computed detention amount is never lost to a
// transient outage.
func runFinalizationRetry(ctx context.Context, controller *tracker.Controller, gap time.Duration, logger *zap.Logger) {
	if gap <= 0 {
		gap = time.Minute
	}

	ticker := time.NewTicker(gap)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !controller.PendingFinalization() {
			continue
		}
		if err := controller.RetryFinalization(ctx); err != nil {
			if errors.Is(err, tracker.ErrFinalizationRejected) {
				logger.Error("finalization rejected, needs manual reconciliation", zap.Error(err))
			} else {
				logger.Warn("finalization retry failed", zap.Error(err))
			}
		} else {
			logger.Info("pending finalization delivered")
		}
	}
}

// Facility reference data ships as a JSON file next to the binary. A
// missing file just disables the nearest-facility lookup.
func loadFacilities(path string) ([]model.Facility, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var facilities []model.Facility
	if err := json.Unmarshal(raw, &facilities); err != nil {
		return nil, err
	}
	return facilities, nil
}
