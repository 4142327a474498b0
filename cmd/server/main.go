package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/propscope/compliance-service/internal/config"
	"github.com/propscope/compliance-service/internal/delivery"
	"github.com/propscope/compliance-service/internal/detect"
	"github.com/propscope/compliance-service/internal/domain"
	"github.com/propscope/compliance-service/internal/handler"
	"github.com/propscope/compliance-service/internal/hub"
	"github.com/propscope/compliance-service/internal/ingest"
	"github.com/propscope/compliance-service/internal/logger"
	"github.com/propscope/compliance-service/internal/repository/sqlite"
	"github.com/propscope/compliance-service/internal/source"
	"github.com/propscope/compliance-service/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Initialize logger
	log, err := logger.New(cfg.Service.Environment)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer func(log *zap.Logger) {
		err := log.Sync()
		if err != nil {
			log.Error("Failed to sync logger", zap.Error(err))
		}
	}(log)

	log.Info("Starting compliance service",
		zap.String("environment", cfg.Service.Environment),
		zap.String("port", cfg.Service.APIPort))

	ctx := context.Background()
	clock := clockwork.NewRealClock()

	// Initialize persistence
	db, err := sqlite.New(cfg.SQLite.Path, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Failed to close database", zap.Error(err))
		}
	}()

	// Initialize delivery queue and restore pending items
	queue := delivery.NewQueue(db, clock, delivery.Config{
		BackoffBase: time.Duration(cfg.Delivery.BackoffBaseSec) * time.Second,
		BackoffCap:  time.Duration(cfg.Delivery.BackoffCapSec) * time.Second,
		MaxAttempts: map[domain.Priority]int{
			domain.PriorityUrgent: cfg.Delivery.MaxAttemptsUrgent,
			domain.PriorityHigh:   cfg.Delivery.MaxAttemptsHigh,
			domain.PriorityNormal: cfg.Delivery.MaxAttemptsNormal,
			domain.PriorityLow:    cfg.Delivery.MaxAttemptsLow,
		},
	}, log)

	// Initialize broadcast hub
	h := hub.New(queue, clock, hub.Config{
		HistoryCapacity:  cfg.Hub.HistoryCapacity,
		SubscriberBuffer: cfg.Hub.SubscriberBuffer,
	}, log)

	if err := queue.Load(ctx); err != nil {
		log.Fatal("Failed to restore delivery queue", zap.Error(err))
	}

	// Initialize ingestion pipeline
	adapters := buildAdapters(cfg.Sources, log)
	if len(adapters) == 0 {
		log.Warn("No source endpoints configured, serving cached data only")
	}

	cache := store.New(time.Duration(cfg.Ingest.CacheTTLSec)*time.Second, clock)
	limiter := rate.NewLimiter(rate.Limit(float64(cfg.Ingest.RateLimitPerMinute)/60.0), cfg.Ingest.RateLimitPerMinute)

	ingestor := ingest.NewIngestor(adapters, cache, db, limiter, clock, ingest.Config{
		AdapterTimeout: time.Duration(cfg.Ingest.AdapterTimeoutSec) * time.Second,
		MaxRetries:     uint64(cfg.Ingest.MaxRetries),
		BackoffBase:    time.Duration(cfg.Ingest.BackoffBaseMs) * time.Millisecond,
	}, log)

	// Initialize change detector
	detector := detect.NewDetector(ingestor, h, clock, detect.Config{
		Intervals: map[detect.Tier]time.Duration{
			detect.TierCritical: time.Duration(cfg.Detect.CriticalIntervalSec) * time.Second,
			detect.TierStandard: time.Duration(cfg.Detect.StandardIntervalSec) * time.Second,
			detect.TierLow:      time.Duration(cfg.Detect.LowIntervalSec) * time.Second,
		},
		CriticalThreshold: cfg.Detect.CriticalThreshold,
	}, log)
	defer detector.Stop()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	for _, entry := range cfg.Detect.Watch {
		buildingID, tier, ok := parseWatch(entry)
		if !ok {
			log.Warn("Skipping malformed watch entry", zap.String("entry", entry))
			continue
		}
		detector.Watch(watchCtx, buildingID, tier)
	}

	// Periodic drain retries queued deliveries
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		ticker := clock.NewTicker(time.Duration(cfg.Hub.DrainIntervalSec) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.Chan():
				h.DrainQueue(watchCtx)
			}
		}
	}()

	// Initialize HTTP API
	api := handler.NewHandler(detector, h, db, clock, log)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Service.APIPort),
		Handler: api,
	}

	go func() {
		log.Info("API server starting", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start API server", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}

	cancelWatch()
	<-drainDone
}

// buildAdapters creates one HTTP adapter per configured source endpoint.
func buildAdapters(cfg config.Sources, log *zap.Logger) []source.Adapter {
	client := &http.Client{Timeout: 15 * time.Second}

	var adapters []source.Adapter
	if cfg.HousingURL != "" {
		adapters = append(adapters, source.NewHTTPAdapter("housing", domain.CategoryHousing, cfg.HousingURL, client, log))
	}
	if cfg.PermitsURL != "" {
		adapters = append(adapters, source.NewHTTPAdapter("permits", domain.CategoryPermits, cfg.PermitsURL, client, log))
	}
	if cfg.SanitationURL != "" {
		adapters = append(adapters, source.NewHTTPAdapter("sanitation", domain.CategorySanitation, cfg.SanitationURL, client, log))
	}
	if cfg.EmissionsURL != "" {
		adapters = append(adapters, source.NewHTTPAdapter("emissions", domain.CategoryEmissions, cfg.EmissionsURL, client, log))
	}
	return adapters
}

// parseWatch splits a "building:tier" entry. A bare building ID falls
// back to the standard tier.
func parseWatch(entry string) (string, detect.Tier, bool) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return "", "", false
	}

	buildingID, tierName, found := strings.Cut(entry, ":")
	if buildingID == "" {
		return "", "", false
	}
	if !found || tierName == "" {
		return buildingID, detect.TierStandard, true
	}

	switch detect.Tier(tierName) {
	case detect.TierCritical, detect.TierStandard, detect.TierLow:
		return buildingID, detect.Tier(tierName), true
	default:
		return "", "", false
	}
}
