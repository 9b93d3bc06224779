package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ridedispatch/internal/config"
	"github.com/example/ridedispatch/internal/connregistry"
	"github.com/example/ridedispatch/internal/durable"
	"github.com/example/ridedispatch/internal/eta"
	"github.com/example/ridedispatch/internal/ingress"
	"github.com/example/ridedispatch/internal/logging"
	"github.com/example/ridedispatch/internal/nearby"
	"github.com/example/ridedispatch/internal/offer"
	"github.com/example/ridedispatch/internal/positionstore"
	"github.com/example/ridedispatch/internal/syncworker"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	positions := positionstore.NewRedisStore(redisClient, cfg.PositionTTL)
	offers := offer.NewRedisStore(redisClient, cfg.OfferTTL)

	durableStore, err := durable.NewPostgresStore(cfg.DurableStoreDSN)
	if err != nil {
		log.Fatalf("opening durable store: %v", err)
	}
	if cfg.RunMigrations {
		runMigrations(durableStore, logger)
	}
	driverLookup := durable.Lookup{Store: durableStore}

	etaClient := buildETAClient(cfg)

	nearbySvc := &nearby.Service{
		Store:           positions,
		Durable:         driverLookup,
		ETAClient:       etaClient,
		AssumedSpeedKmh: cfg.AssumedSpeedKmh,
	}

	registry := connregistry.New(logger, func(identity string) {
		logger.Info("channel closed", "identity", identity)
	})

	offersMgr := offer.NewManager(offers, registry, positions, driverLookup, cfg.OfferTTL, logger)

	auth := ingress.NewAuthenticator(cfg.AccessTokenSecret)
	wsServer := ingress.NewServer(auth, registry, positions, offersMgr, durableStore, logger)

	syncWorker := syncworker.New(positions, durableStore, cfg.SyncCadence, logger)

	httpServer := ingress.NewHTTPServer(auth, wsServer, nearbySvc, syncWorker, durableStore, cfg.MaxRings)
	httpServer.UseMiddleware(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go syncWorker.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpServer,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ridedispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	_ = redisClient.Close()
}

// runMigrations applies the bundled schema file, generalising the
// teacher's inline single-migration-file-exec main.go snippet to the
// durable driver-record schema.
func runMigrations(store *durable.PostgresStore, logger *slog.Logger) {
	path := filepath.Join("migrations", "001_create_drivers.sql")
	b, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("migration file unreadable, skipping", "path", path, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.RunMigration(ctx, string(b)); err != nil {
		logger.Warn("migration exec failed", "path", path, "error", err)
		return
	}
	logger.Info("migration applied", "path", path)
}

// buildETAClient wires either the OSRM or Google Maps Routing
// Collaborator behind the shared cache+fallback decorator, choosing
// by whichever endpoint/credential is present in the environment —
// the same "pick whichever backend is configured" shape the teacher's
// matcher used for its single ETA provider.
func buildETAClient(cfg config.ServerConfig) eta.Client {
	var inner eta.Client
	if apiKey := os.Getenv("GOOGLE_MAPS_API_KEY"); apiKey != "" {
		client, err := eta.NewMapsClient(apiKey)
		if err != nil {
			log.Printf("maps client unavailable, falling back to haversine only: %v", err)
		} else {
			inner = client
		}
	} else if endpoint := os.Getenv("OSRM_ENDPOINT"); endpoint != "" {
		inner = eta.NewOSRMClient(endpoint, cfg.RoutingTimeout)
	}
	return &eta.CachedClient{
		Inner:           inner,
		Cache:           eta.NewCache(30 * time.Second),
		AssumedSpeedKmh: cfg.AssumedSpeedKmh,
	}
}
