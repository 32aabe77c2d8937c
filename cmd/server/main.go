package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"fleet-server/internal/agentconn"
	"fleet-server/internal/agentlog"
	"fleet-server/internal/artifact"
	"fleet-server/internal/auth"
	"fleet-server/internal/bundle"
	"fleet-server/internal/cache"
	"fleet-server/internal/config"
	"fleet-server/internal/credential"
	"fleet-server/internal/gateway"
	"fleet-server/internal/handlers"
	"fleet-server/internal/hostsvc"
	"fleet-server/internal/hub"
	"fleet-server/internal/natsbus"
	"fleet-server/internal/storage"
	"fleet-server/internal/workers"
)

func main() {
	configPath := pflag.String("config", "", "path to YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	cfg.Log.ConfigureZerolog()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	// Database connection (with retries)
	var db *sqlx.DB
	for i := 0; i < cfg.Database.ConnectAttempts; i++ {
		db, err = sqlx.Connect("postgres", cfg.Database.DSN)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("DB connection attempt failed")
		time.Sleep(2 * time.Second)
	}
	if db == nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Connected to database")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.NewStorage(db)
	if err := store.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply schema")
	}
	if err := auth.SeedAdmin(ctx, store, cfg.Auth.AdminUser, cfg.Auth.AdminPassword); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed admin user")
	}

	// Redis cache (optional)
	var cacheClient cache.Client = cache.Nop{}
	if cfg.Redis.URL != "" {
		redisClient, err := cache.NewRedisClient(cfg.Redis.URL, cfg.Redis.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer redisClient.Close()
		cacheClient = redisClient
	} else {
		log.Warn().Msg("Redis disabled, last-seen cache and rate limits are inactive")
	}

	// NATS events (optional)
	var natsClient *natsbus.Client
	if cfg.NATS.URL != "" {
		natsClient, err = natsbus.Connect(cfg.NATS.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer natsClient.Close()
	}

	logs, err := agentlog.NewAppender(cfg.Agent.LogDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare agent log directory")
	}

	// Agent channel
	conns := agentconn.NewManager(store, logs, cfg.Agent.Connect)
	conns.SetCache(cacheClient)
	if natsClient != nil {
		conns.SetEventPublisher(natsClient)
	}
	consoles := hub.NewHub(logs, conns)
	conns.SetBroadcaster(consoles)

	var local fs.FS
	if cfg.Agent.LocalResourceDir != "" {
		local = os.DirFS(cfg.Agent.LocalResourceDir)
	}
	downloader := artifact.NewDownloader(store, credential.NewResolver(), local)
	hosts := hostsvc.NewService(store, conns, downloader, bundle.NewBuilder(),
		cfg.Agent.Connect.ProbeDuration(), cfg.Agent.ReleaseBaseURL)

	tokens := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	h := handlers.New(handlers.Deps{
		Catalog: store,
		Hosts:   hosts,
		Gateway: gateway.New(store, cacheClient),
		Hub:     consoles,
		Logs:    logs,
		Auth:    auth.NewHandler(store, tokens),
		Tokens:  tokens,
		Cache:   cacheClient,
		Ping:    store.Ping,
	})

	// Workers
	conns.Start()
	workers.StartReconnectLoop(ctx, cfg.Agent.ReconnectInterval, conns)
	if !workers.StartRedisKeyeventWorker(ctx, cacheClient, store, conns) {
		log.Warn().Msg("Redis keyspace notifications are not active; fallback reconciler will be used")
	}
	workers.StartHeartbeatReconciler(ctx, cacheClient, store, conns)

	// Router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	h.RegisterRoutes(r)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info().Msg("Shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		_ = server.Shutdown(shutdownCtx)
		conns.Shutdown()
	}()

	log.Info().Str("addr", cfg.HTTP.Addr).Msg("Server starting")
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server error")
	}
	<-done
	log.Info().Msg("Server stopped")
}
