// Package main boots the mail ingestion extension: it loads configuration,
// wires the Redis-backed host capabilities, starts the Supervisor, and
// serves the tool-surface HTTP gateway until a termination signal arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mailext/ingestion/internal/config"
	"github.com/mailext/ingestion/internal/hostkv"
	"github.com/mailext/ingestion/internal/idlesession"
	"github.com/mailext/ingestion/internal/ingestion"
	"github.com/mailext/ingestion/internal/logging"
	"github.com/mailext/ingestion/internal/oauth2engine"
	"github.com/mailext/ingestion/internal/provider"
	"github.com/mailext/ingestion/internal/supervisor"
	httptransport "github.com/mailext/ingestion/internal/transport/http"
)

const defaultGracePeriod = 30 * time.Second

func main() {
	env := os.Getenv("ENV")
	if env == "" {
		env = "development"
	}

	cfg, err := config.Load(os.Getenv("MAILEXT_CONFIG_PATH"), env)
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer logging.Sync(log)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	storage := hostkv.NewRedisStorage(redisClient)
	vault := hostkv.NewRedisVault(redisClient)
	scheduler := hostkv.NewTickerScheduler()
	chatSink := hostkv.NewWebhookChatSink(cfg.Chat.WebhookURL)

	endpoints := oauth2engine.StaticEndpoints(cfg.Gmail.ClientID, cfg.Gmail.ClientSecret, cfg.Outlook.ClientID, cfg.Outlook.TenantID)
	oauth := oauth2engine.New(endpoints)
	oauth.RefreshBuffer = cfg.Ingestion.TokenRefreshBuffer

	resolver := provider.NewResolver(oauth)

	sup := supervisor.New(supervisor.Dependencies{
		Storage:      storage,
		Vault:        vault,
		Scheduler:    scheduler,
		Chat:         chatSink,
		Resolver:     resolver,
		Log:          log,
		PollInterval: cfg.Ingestion.PollInterval,
		TokenRefresh: cfg.Ingestion.TokenRefreshInterval,
		WorkerOptions: ingestion.Options{
			FetchLimit:  cfg.Ingestion.FetchLimit,
			TokenBuffer: cfg.Ingestion.TokenRefreshBuffer,
			Idle: idlesession.Options{
				RefreshInterval: cfg.Ingestion.IdleRefreshInterval,
				BackoffWait:     cfg.Ingestion.IdleBackoffWait,
				MaxReconnects:   cfg.Ingestion.IdleMaxReconnects,
			},
		},
	})

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := sup.Boot(bootCtx); err != nil {
		log.Warn("boot discovery failed", logging.Err(err))
	}
	bootCancel()

	accounts := ingestion.NewAccountStore(storage, vault)
	settings := ingestion.NewSettingsStore(storage)

	handler := httptransport.NewHandler(sup, accounts, settings, oauth, cfg.Security.JWTSigningKey, log)
	router := gin.New()
	router.Use(gin.Recovery())
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         httpAddr(cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info("starting tool-surface HTTP server", logging.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("http server error", logging.Err(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, starting graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracePeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", logging.Err(err))
	}
	sup.Shutdown(shutdownCtx)
	log.Info("shutdown complete")
}

func httpAddr(port int) string {
	if port <= 0 {
		port = 8080
	}
	return fmt.Sprintf(":%d", port)
}
