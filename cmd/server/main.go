package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/cardfall/backend/internal/api"
	"github.com/cardfall/backend/internal/battle"
	"github.com/cardfall/backend/internal/breaker"
	"github.com/cardfall/backend/internal/config"
	"github.com/cardfall/backend/internal/coordinator"
	"github.com/cardfall/backend/internal/database"
	"github.com/cardfall/backend/internal/logging"
	"github.com/cardfall/backend/internal/matchmaker"
	"github.com/cardfall/backend/internal/migrations"
	"github.com/cardfall/backend/internal/players"
	"github.com/cardfall/backend/internal/queue"
	redisconn "github.com/cardfall/backend/internal/redis"
	"github.com/cardfall/backend/internal/registry"
	"github.com/cardfall/backend/internal/router"
	"github.com/cardfall/backend/internal/ws"
)

func main() {
	// Initialization failures exit non-zero; a completed shutdown exits 0.
	cfg, err := config.Load()
	if err != nil {
		logging.Setup("development", "info", "unknown")
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Setup(cfg.Environment, cfg.LogLevel, cfg.PodID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// Run migrations on start if requested
	if os.Getenv("MIGRATE_ON_START") == "true" {
		if err := migrations.Run(cfg.DatabaseURL); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
	}

	// Initialize the shared store
	rdb, err := redisconn.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rdb.Close()

	// Core wiring: store-backed queue behind a breaker, local registry,
	// cross-pod router, one matchmaker per configured mode.
	storeBreaker := breaker.New("store", cfg.CircuitThreshold, cfg.CircuitCooldown)
	q := queue.New(rdb, storeBreaker, cfg.StoreTimeout)
	reg := registry.New()
	monitor := router.NewMonitor(cfg.PodDownThreshold)
	rtr := router.New(rdb, reg, cfg.PodID, cfg.PublishTimeout, monitor)
	invoker := battle.NewInvoker(battle.Auto, cfg.BattleTimeout)

	store := players.NewStore(db)
	coord := coordinator.New(cfg.PodID, store, cfg.RateLimitRPS)

	var workers sync.WaitGroup
	for _, mode := range cfg.Modes {
		m := matchmaker.New(matchmaker.Settings{
			ModeID:          mode.ModeID,
			RequiredPlayers: mode.RequiredPlayers,
			UsesMMRMatching: mode.UsesMMRMatching,
			TickInterval:    mode.TickInterval,
			BatchMultiplier: mode.BatchMultiplier,
			MMRWindowBase:   mode.MMRWindowBase,
		}, q, rtr, invoker)
		coord.Bind(m, mode.UsesMMRMatching)

		workers.Add(1)
		go func() {
			defer workers.Done()
			m.Run(ctx)
		}()
	}

	// Lifetime subscription on this pod's channel for cross-pod deliveries.
	// Pub/sub availability is a separate dependency from the queue store, so
	// it gets its own breaker.
	pubsubBreaker := breaker.New("pubsub", cfg.CircuitThreshold, cfg.CircuitCooldown)
	subscriber := router.NewSubscriber(rdb, reg, pubsubBreaker, cfg.PodID,
		cfg.SubscriberBackoffInitial, cfg.SubscriberBackoffMax)
	workers.Add(1)
	go func() {
		defer workers.Done()
		subscriber.Run(ctx)
	}()

	// HTTP surface
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	wsHandler := ws.NewHandler(ctx, coord, reg, store, cfg.JWTSecret)
	api.SetupRoutes(engine, cfg, q, reg, wsHandler)

	server := &http.Server{Addr: ":" + cfg.Port, Handler: engine}
	go func() {
		log.Info().Str("port", cfg.Port).Str("pod_id", cfg.PodID).Msg("matchmaking server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	// Stop accepting connections, then wait for workers to requeue and exit.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	workers.Wait()
	log.Info().Msg("shutdown complete")
}
