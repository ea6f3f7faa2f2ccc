package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/ultrazend/internal/admission"
	"github.com/ignite/ultrazend/internal/config"
	"github.com/ignite/ultrazend/internal/deliverer"
	"github.com/ignite/ultrazend/internal/dkim"
	"github.com/ignite/ultrazend/internal/health"
	"github.com/ignite/ultrazend/internal/model"
	"github.com/ignite/ultrazend/internal/pkg/distlock"
	"github.com/ignite/ultrazend/internal/reputation"
	"github.com/ignite/ultrazend/internal/rollback"
	"github.com/ignite/ultrazend/internal/scheduler"
	"github.com/ignite/ultrazend/internal/store"
	"github.com/ignite/ultrazend/internal/suppression"
	"github.com/ignite/ultrazend/internal/tenant"
)

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  UltraZend Delivery Pipeline (cmd/server/main.go)          ║")
	log.Println("║  Durable queue + scheduler + DKIM signer + dispatcher      ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	model.PlanShare[model.PlanBasic] = cfg.Plans.BasicShare
	model.PlanShare[model.PlanProfessional] = cfg.Plans.ProfessionalShare
	model.PlanShare[model.PlanEnterprise] = cfg.Plans.EnterpriseShare

	db, err := sql.Open("postgres", cfg.Store.DSN)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Store.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Store.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Store.ConnMaxLifetime)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Database unreachable: %v", err)
	}
	pingCancel()
	log.Println("Database connection established")

	pgStore := store.NewPostgresStore(db)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Redis unreachable: %v", err)
	}
	log.Printf("Redis connected: %s", cfg.Redis.Addr)

	tenantCtx := tenant.NewContext(pgStore, redisClient, time.Minute)
	suppressionCache := suppression.NewCache(pgStore, cfg.Suppression.CacheTTL)
	if err := loadGlobalSuppressions(context.Background(), pgStore, suppressionCache); err != nil {
		log.Printf("Warning: initial global suppression list load failed: %v", err)
	}
	go refreshGlobalSuppressionsPeriodically(pgStore, suppressionCache, cfg.Suppression.CacheTTL)

	reputationEngine := reputation.NewEngine(pgStore, reputation.Config{
		RecentFailurePenalty: 5,
		RecentFailureWindow:  24 * time.Hour,
		SweepWindow:          cfg.Reputation.SweepWindow,
		AttemptRetention:     cfg.Reputation.AttemptRetention,
	})

	reputationSweeper := reputation.NewSweeper(reputationEngine,
		cfg.Reputation.SweepInterval, cfg.Reputation.SweepWindow, cfg.Reputation.AttemptRetention,
		func(ctx context.Context) ([]string, error) {
			return pgStore.RecentActiveDomains(ctx, time.Now().Add(-cfg.Reputation.SweepWindow))
		},
	)
	reputationSweeper.Start()
	log.Println("Reputation sweeper started")

	keystore := dkim.NewKeystore(pgStore, pgStore, func(key string) distlock.DistLock {
		return distlock.NewLock(redisClient, db, key, 30*time.Second)
	}, cfg.DKIM.DefaultKeySize, cfg.DKIM.InternalDomains)
	signer := dkim.NewSigner()

	metrics := health.NewMetrics(prometheus.DefaultRegisterer)

	sender := deliverer.NewSMTPSender(deliverer.Config{
		ConnectTimeout:  cfg.Deliverer.ConnectTimeout,
		GreetingTimeout: cfg.Deliverer.GreetingTimeout,
		SocketTimeout:   cfg.Deliverer.SocketTimeout,
		SmartHost:       cfg.Deliverer.SmartHost,
		AuthMethod:      cfg.Deliverer.AuthMethod,
		AuthUsername:    cfg.Deliverer.AuthUsername,
		AuthPassword:    cfg.Deliverer.AuthPassword,
	}, "mail.ultrazend.local")

	backoff := deliverer.BackoffPlan{
		Base: cfg.Retry.Base, Multiplier: cfg.Retry.Multiplier,
		MaxDelay: cfg.Retry.MaxDelay, JitterMax: cfg.Retry.JitterMax, Cap: cfg.Retry.Cap,
	}

	deliv := deliverer.New(pgStore, tenantCtx, reputationEngine, keystore, signer, suppressionCache, sender, backoff,
		deliverer.Config{
			ConnectTimeout:  cfg.Deliverer.ConnectTimeout,
			GreetingTimeout: cfg.Deliverer.GreetingTimeout,
			SocketTimeout:   cfg.Deliverer.SocketTimeout,
			SmartHost:       cfg.Deliverer.SmartHost,
			AuthMethod:      cfg.Deliverer.AuthMethod,
			AuthUsername:    cfg.Deliverer.AuthUsername,
			AuthPassword:    cfg.Deliverer.AuthPassword,
		}).WithMetrics(metrics)

	rollbackSource := rollback.NewStoreMetricsSource(pgStore, 2*time.Minute, cfg.Reputation.SweepWindow)
	rollbackCfg := rollback.Config{
		EvalInterval:          cfg.Rollback.EvalInterval,
		HealthCheckInterval:   cfg.Rollback.HealthCheckInterval,
		CriticalSuccessRate:   cfg.Rollback.CriticalSuccessRate,
		WarningSuccessRate:    cfg.Rollback.WarningSuccessRate,
		CriticalP50LatencyMs:  cfg.Rollback.CriticalP50LatencyMs,
		WarningLatencyMs:      cfg.Rollback.WarningLatencyMs,
		ErrorMultiplier:       cfg.Rollback.ErrorMultiplier,
		SimultaneousErrorCap:  cfg.Rollback.SimultaneousErrorCap,
		WarningErrorFloor:     cfg.Rollback.WarningErrorFloor,
		InitialRolloutPercent: cfg.Rollback.InitialRolloutPercent,
		RolloutFloorPercent:   cfg.Rollback.RolloutFloorPercent,
		AuditRingSize:         cfg.Rollback.AuditRingSize,
	}
	rollbackController := rollback.New(rollbackSource, rollbackCfg)
	go rollbackController.Start()
	log.Println("Auto-rollback controller started")

	admissionSvc := admission.NewService(pgStore, tenantCtx, suppressionCache, reputationEngine).
		WithRollout(rollbackController)

	sched := scheduler.New(pgStore, deliv, rollbackController, scheduler.Config{
		ConcurrencyCap:   cfg.Scheduler.ConcurrencyCap,
		TickInterval:     cfg.Scheduler.TickInterval,
		DrainTimeout:     cfg.Scheduler.DrainTimeout,
		HealthCheckEvery: cfg.Scheduler.HealthCheckEvery,
	}).WithMetrics(metrics)
	go sched.Start()
	log.Println("Scheduler started")

	inflightSweeper := scheduler.NewInflightSweeper(pgStore, cfg.Scheduler.InflightSweepInterval, cfg.Scheduler.InflightLeakWindow)
	inflightSweeper.Start()
	log.Println("Inflight-leak sweeper started")

	httpServer := health.NewServer(pgStore, admissionSvc, cfg.Deliverer.SmartHost)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: httpServer,
	}
	go func() {
		log.Printf("Starting server on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized — server is ready")

	<-done
	log.Println("Shutting down...")

	reputationSweeper.Stop()
	inflightSweeper.Stop()
	rollbackController.Stop()
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

// loadGlobalSuppressions seeds the cache's bloom filter + sorted MD5
// array fast path from the full global suppression list. An empty list
// is not an error here — a fresh deployment has no suppressions yet —
// it just leaves the cache's global list unset, falling through to the
// Store on every lookup until suppressions exist.
func loadGlobalSuppressions(ctx context.Context, s *store.PostgresStore, cache *suppression.Cache) error {
	emails, err := s.ListGlobalSuppressions(ctx)
	if err != nil {
		return fmt.Errorf("list global suppressions: %w", err)
	}
	if len(emails) == 0 {
		return nil
	}

	hashes := make([]suppression.MD5Hash, len(emails))
	for i, email := range emails {
		hashes[i] = suppression.MD5HashFromEmail(email)
	}
	if err := cache.LoadGlobalList(hashes); err != nil {
		return fmt.Errorf("load global suppression list: %w", err)
	}
	log.Printf("Loaded %d global suppression entries", len(emails))
	return nil
}

// refreshGlobalSuppressionsPeriodically keeps the in-memory global list
// current with suppressions recorded by other processes. Runs forever;
// intended to be launched in its own goroutine at startup.
func refreshGlobalSuppressionsPeriodically(s *store.PostgresStore, cache *suppression.Cache, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if err := loadGlobalSuppressions(context.Background(), s, cache); err != nil {
			log.Printf("Warning: periodic global suppression list refresh failed: %v", err)
		}
	}
}
