package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	flag "github.com/spf13/pflag"

	"github.com/travelops/internal/clock"
	"github.com/travelops/internal/config"
	"github.com/travelops/internal/conversation"
	"github.com/travelops/internal/feed"
	feedmemory "github.com/travelops/internal/feed/memory"
	feedredis "github.com/travelops/internal/feed/redis"
	"github.com/travelops/internal/handler"
	"github.com/travelops/internal/logger"
	"github.com/travelops/internal/messaging"
	"github.com/travelops/internal/middleware"
	"github.com/travelops/internal/push"
	"github.com/travelops/internal/queue"
	"github.com/travelops/internal/repository"
	"github.com/travelops/internal/startup"
	"github.com/travelops/internal/storage"
	"github.com/travelops/internal/storage/memory"
	"github.com/travelops/internal/ws"
	"github.com/travelops/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "apply database migrations and exit")
	dev := flag.Bool("dev", false, "start embedded PostgreSQL and trust the X-User-Id header")
	flag.Parse()

	logger.Info("starting API service")
	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)

	if *dev {
		embeddedDB, err := startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConnections)
	poolCfg.MinConns = 2

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	pool, err := startup.ConnectDBWithRetry(rootCtx, poolCfg, 60*time.Second)
	if err != nil {
		logger.Errorf("database: %v", err)
		os.Exit(1)
	}
	defer pool.Close()

	migrateCtx, migrateCancel := context.WithTimeout(rootCtx, 30*time.Second)
	applied, err := migrations.Apply(migrateCtx, pool)
	migrateCancel()
	if err != nil {
		logger.Errorf("migrations: %v", err)
		os.Exit(1)
	}
	logger.Infof("database connected, migrations applied: %s", strings.Join(applied, ", "))
	if *migrate && !*dev {
		return
	}

	convRepo := repository.NewConversationRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	profileRepo := repository.NewProfileRepository(pool)
	health := map[string]handler.Pinger{"database": pool}

	// Redis is optional: without it the feed is in-process and push tasks
	// run inline, which limits the API to a single instance.
	var (
		liveFeed feed.Feed
		subs     storage.SubscriptionStore
		tasks    queue.Client
		inline   *queue.Inline
	)
	if cfg.Redis.URL != "" {
		rc, err := startup.ConnectRedisWithRetry(rootCtx, cfg.Redis.URL, 30*time.Second)
		if err != nil {
			logger.Errorf("redis: %v", err)
			os.Exit(1)
		}
		defer rc.Close()
		health["redis"] = rc
		liveFeed = feedredis.New(rc.Raw())
		subs = rc
		ac, err := queue.NewAsynqClient(cfg.Redis.URL)
		if err != nil {
			logger.Errorf("queue: %v", err)
			os.Exit(1)
		}
		defer ac.Close()
		tasks = ac
		logger.Info("redis connected: live feed and push queue enabled")
	} else {
		logger.Warnf("REDIS_URL not set: in-process feed, push subscriptions kept in memory")
		liveFeed = feedmemory.New()
		subs = memory.New()
		inline = queue.NewInline(true)
		tasks = inline
	}

	vapidPublic := ""
	if cfg.Push.Enabled {
		keys, err := loadVAPIDKeys(cfg)
		if err != nil {
			logger.Errorf("push disabled: %v", err)
		} else {
			vapidPublic = keys.PublicKey
			if inline != nil {
				sender := push.NewWebPush(*keys, cfg.Push.Subscriber, cfg.Push.TTL)
				push.NewWorker(convRepo, subs, sender).Register(inline)
			}
		}
	}

	var bgWg sync.WaitGroup
	if inline != nil {
		bgWg.Add(1)
		go func() {
			defer bgWg.Done()
			inline.Run(rootCtx)
		}()
	}
	var dispatcher *push.Dispatcher
	if vapidPublic != "" {
		dispatcher = push.NewDispatcher(liveFeed, tasks, cfg.Queue.Name, cfg.Queue.MaxRetry)
		if err := dispatcher.Start(rootCtx); err != nil {
			logger.Errorf("push dispatcher: %v", err)
			os.Exit(1)
		}
	}

	clk := clock.Real()
	deps := messaging.Deps{
		Conversations: convRepo,
		Messages:      feed.WithPublishing(msgRepo, liveFeed),
		Service:       conversation.NewService(convRepo, profileRepo, clk),
		Feed:          liveFeed,
		Clock:         clk,
		PollInterval:  cfg.Messaging.PollInterval,
		AckDelay:      cfg.Messaging.AckDelay,
		SettleDelay:   cfg.Messaging.SettleDelay,
		MaxLength:     cfg.Messaging.MaxMessageLength,
	}

	hubCtx, hubCancel := context.WithCancel(rootCtx)
	hub := ws.NewHub(deps, profileRepo, ws.Options{
		MaxConnections: cfg.WS.MaxConnections,
		SendBufferSize: cfg.WS.SendBufferSize,
		MaxMessageSize: int64(cfg.WS.MaxMessageSize),
	})
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	convH := handler.NewConversationHandler(deps, profileRepo)
	pushH := handler.NewPushHandler(subs)
	configH := handler.NewConfigHandler(cfg.Push.Enabled, vapidPublic, cfg.Messaging.MaxMessageLength)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)
	healthH := handler.NewHealthHandler(health)

	auth := middleware.AuthServiceValidate(cfg.AuthServiceURL, nil)
	if *dev {
		logger.Warnf("dev mode: requests are authenticated by the X-User-Id header")
		auth = middleware.DevUserHeader
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Origins(),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Session-Id", "X-Timestamp", "X-Signature", "X-User-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthH.Health)
	r.Get("/api/config/push", configH.GetPushConfig)
	r.Get("/api/config/messaging", configH.GetMessagingConfig)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Route("/api/conversations", func(r chi.Router) {
			r.Get("/", convH.List)
			r.Post("/", convH.Create)
			r.Get("/search", convH.Search)
			r.Get("/candidates", convH.Candidates)
			r.Get("/{id}/messages", convH.History)
			r.Post("/{id}/messages", convH.Send)
			r.Post("/{id}/read", convH.MarkRead)
		})
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("server listening on %s", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	if dispatcher != nil {
		dispatcher.Close()
	}
	rootCancel()
	bgWg.Wait()
	logger.Info("background tasks stopped")
}

// loadVAPIDKeys prefers keys from the environment, then the key file.
func loadVAPIDKeys(cfg *config.Config) (*push.VAPIDKeys, error) {
	if cfg.Push.VAPIDPublicKey != "" && cfg.Push.VAPIDPrivateKey != "" {
		return &push.VAPIDKeys{PublicKey: cfg.Push.VAPIDPublicKey, PrivateKey: cfg.Push.VAPIDPrivateKey}, nil
	}
	return push.EnsureVAPIDKeys(cfg.Push.VAPIDKeysFile)
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "travelops"
		password = "travelops_secret"
		database = "travelops"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable", user, password, port, database)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
