package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trailproof/core/pkg/api"
	"github.com/trailproof/core/pkg/approval"
	"github.com/trailproof/core/pkg/audit"
	"github.com/trailproof/core/pkg/blob"
	"github.com/trailproof/core/pkg/config"
	"github.com/trailproof/core/pkg/connector"
	"github.com/trailproof/core/pkg/export"
	"github.com/trailproof/core/pkg/gaps"
	"github.com/trailproof/core/pkg/mapping"
	"github.com/trailproof/core/pkg/normalizer"
	"github.com/trailproof/core/pkg/observability"
	"github.com/trailproof/core/pkg/packet"
	"github.com/trailproof/core/pkg/store"
	syncsvc "github.com/trailproof/core/pkg/sync"
)

func runServer() {
	cfg := config.Load()
	initLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "trailproof-core",
		ServiceVersion: "1.0.0",
		Environment:    envOr("ENVIRONMENT", "development"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
		Insecure:       os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	})
	if err != nil {
		log.Fatalf("observability init failed: %v", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database open failed: %v", err)
	}
	defer func() { _ = db.Close() }()

	sqlStore := store.NewSQLStore(db)
	if err := gaps.SeedBaseline(ctx, sqlStore); err != nil {
		log.Fatalf("control catalog seed failed: %v", err)
	}

	profiles := normalizer.DefaultProfiles()
	if cfg.ProfilesPath != "" {
		profiles, err = normalizer.LoadProfiles(cfg.ProfilesPath)
		if err != nil {
			log.Fatalf("profile load failed: %v", err)
		}
	}
	norm, err := normalizer.New(sqlStore, sqlStore, profiles)
	if err != nil {
		log.Fatalf("normalizer init failed: %v", err)
	}
	blobs, err := blob.NewStoreFromEnv(ctx)
	if err != nil {
		log.Fatalf("blob store init failed: %v", err)
	}
	norm.WithBlobStore(blobs)

	scorer, err := mapping.NewCELScorer(mapping.DefaultRules())
	if err != nil {
		log.Fatalf("scorer init failed: %v", err)
	}
	mapper := mapping.NewEngine(sqlStore, sqlStore, sqlStore, scorer, cfg.MappingThreshold)

	ledger := approval.NewLedger(sqlStore, sqlStore).WithMetrics(obs)
	detector := gaps.NewDetector(sqlStore, sqlStore, ledger)
	assembler := packet.NewAssembler(sqlStore, sqlStore, detector, ledger).WithMetrics(obs)

	var locker syncsvc.Locker
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis connect failed: %v", err)
		}
		locker = syncsvc.NewRedisLocker(client, 5*time.Minute)
		slog.Info("cross-node sync lock enabled", "addr", cfg.RedisAddr)
	}

	registry := connector.NewRegistry()
	syncService := syncsvc.NewService(sqlStore, registry, norm, mapper, locker).WithMetrics(obs)
	syncService.Start(ctx, cfg.SyncWorkers)

	dest, err := export.NewFilesystemDestination(cfg.ExportDir)
	if err != nil {
		log.Fatalf("export destination init failed: %v", err)
	}

	server := api.NewServer(sqlStore, norm, ledger, mapper, detector, assembler, syncService, dest, audit.NewLogger()).WithMetrics(obs)

	limiter := api.NewGlobalRateLimiter(50, 100)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           limiter.Middleware(server.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("server listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
	syncService.Stop()
}

func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return store.OpenPostgres(ctx, url)
	}
	return store.OpenSQLite(ctx, url)
}

func initLogger(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
