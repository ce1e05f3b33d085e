// Push worker: consumes new-message tasks from the queue and delivers Web
// Push notifications to the other participants of the conversation.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	flag "github.com/spf13/pflag"

	"github.com/travelops/internal/config"
	"github.com/travelops/internal/handler"
	"github.com/travelops/internal/logger"
	"github.com/travelops/internal/push"
	"github.com/travelops/internal/queue"
	"github.com/travelops/internal/repository"
	"github.com/travelops/internal/startup"
)

func main() {
	logger.SetPrefix("push")
	genVAPID := flag.Bool("gen-vapid", false, "print a new VAPID key pair and exit")
	addr := flag.String("addr", ":8082", "health check listen address")
	flag.Parse()

	if *genVAPID {
		priv, pub, err := webpush.GenerateVAPIDKeys()
		if err != nil {
			logger.Errorf("generate VAPID: %v", err)
			os.Exit(1)
		}
		logger.Infof("PUSH_VAPID_PUBLIC_KEY=%s", pub)
		logger.Infof("PUSH_VAPID_PRIVATE_KEY=%s", priv)
		return
	}

	logger.Info("starting push worker")
	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)
	if cfg.Redis.URL == "" {
		logger.Errorf("REDIS_URL is required: the push worker consumes the Redis task queue")
		os.Exit(1)
	}

	keys := &push.VAPIDKeys{PublicKey: cfg.Push.VAPIDPublicKey, PrivateKey: cfg.Push.VAPIDPrivateKey}
	if keys.PublicKey == "" || keys.PrivateKey == "" {
		keys, err = push.EnsureVAPIDKeys(cfg.Push.VAPIDKeysFile)
		if err != nil {
			logger.Errorf("VAPID keys: %v", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.Queue.Concurrency + 2)
	pool, err := startup.ConnectDBWithRetry(ctx, poolCfg, 60*time.Second)
	if err != nil {
		logger.Errorf("database: %v", err)
		os.Exit(1)
	}
	defer pool.Close()

	rc, err := startup.ConnectRedisWithRetry(ctx, cfg.Redis.URL, 30*time.Second)
	if err != nil {
		logger.Errorf("redis: %v", err)
		os.Exit(1)
	}
	defer rc.Close()

	srv, err := queue.NewAsynqServer(cfg.Redis.URL, cfg.Queue.Name, cfg.Queue.Concurrency)
	if err != nil {
		logger.Errorf("queue: %v", err)
		os.Exit(1)
	}
	sender := push.NewWebPush(*keys, cfg.Push.Subscriber, cfg.Push.TTL)
	push.NewWorker(repository.NewConversationRepository(pool), rc, sender).Register(srv)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil {
			logger.Errorf("queue server: %v", err)
			cancel()
		}
	}()

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Get("/health", handler.NewHealthHandler(map[string]handler.Pinger{"database": pool, "redis": rc}).Health)
	httpSrv := &http.Server{
		Addr:         *addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Infof("push health listening on %s", *addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("push health server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
	cancel()
	wg.Wait()
	logger.Info("push worker stopped")
}
