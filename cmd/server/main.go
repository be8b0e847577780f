package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"msghub/internal/config"
	"msghub/internal/delivery"
	"msghub/internal/domain"
	"msghub/internal/httpserver"
	"msghub/internal/security"
	"msghub/internal/session"
	"msghub/internal/store/postgres"
	"msghub/internal/store/redis"
	"msghub/internal/store/sqlite"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Initialize the message store
	var db *sql.DB
	switch cfg.DBDriver {
	case "postgres":
		db, err = postgres.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		if err := postgres.Migrate(db); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
	default:
		db, err = sqlite.Open(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		if err := sqlite.Migrate(db); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
	}
	defer db.Close()

	// Repositories
	var (
		messages domain.MessageRepository
		markers  domain.ReadMarkerRepository
		groups   domain.GroupDirectory
		friends  domain.FriendDirectory
		unread   domain.UnreadRepository
	)
	if cfg.DBDriver == "postgres" {
		messages = postgres.NewMessageRepo(db)
		markers = postgres.NewMarkerRepo(db)
		dir := postgres.NewDirectoryRepo(db)
		groups, friends = dir, dir
		unread = postgres.NewUnreadRepo(db)
	} else {
		messages = sqlite.NewMessageRepo(db)
		markers = sqlite.NewMarkerRepo(db)
		dir := sqlite.NewDirectoryRepo(db)
		groups, friends = dir, dir
		unread = sqlite.NewUnreadRepo(db)
	}

	if cfg.UnreadBackend == "redis" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer client.Close()
		unread = redis.NewUnreadStore(client)
	}

	// Security components
	tokenSvc := security.NewTokenService(cfg.JWTSecret, 24*time.Hour)
	encryptor, err := security.NewEncryptor([]byte(cfg.EncryptKey))
	if err != nil {
		log.Fatalf("failed to initialize encryptor: %v", err)
	}

	// Session registry and delivery engine
	registry := session.NewRegistry()
	fanout := delivery.NewFanout(groups, cfg.FanoutCacheTTL)
	engine := delivery.NewEngine(delivery.Params{
		Messages:               messages,
		Unread:                 unread,
		Markers:                markers,
		Groups:                 groups,
		Friends:                friends,
		Presence:               registry,
		Fanout:                 fanout,
		Crypt:                  encryptor,
		CoupledCounters:        cfg.UnreadBackend == "sql",
		RecallWindow:           cfg.RecallWindow,
		AdminCanRecall:         cfg.AdminCanRecall,
		MuteSuppressesDelivery: cfg.MuteSuppressesDelivery,
		HistoryPageSize:        cfg.HistoryPageSize,
		MaxContentLength:       cfg.MaxContentLength,
	})

	// Redis counters are derived state; rebuild them from the message store
	// before serving traffic.
	if cfg.UnreadBackend == "redis" {
		if err := engine.Reconcile(context.Background()); err != nil {
			log.Fatalf("failed to reconcile unread counters: %v", err)
		}
	}

	// Build HTTP router
	router := httpserver.NewRouter(cfg, engine, registry, tokenSvc)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		log.Printf("Starting %s server on %s\n", cfg.AppName, cfg.HTTPAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
