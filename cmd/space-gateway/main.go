package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/space-intake-api/internal/dispatch"
	"github.com/noah-isme/space-intake-api/internal/handler"
	"github.com/noah-isme/space-intake-api/internal/middleware"
	"github.com/noah-isme/space-intake-api/internal/notify"
	"github.com/noah-isme/space-intake-api/internal/payments"
	"github.com/noah-isme/space-intake-api/internal/provision"
	"github.com/noah-isme/space-intake-api/internal/relay"
	"github.com/noah-isme/space-intake-api/internal/repository"
	"github.com/noah-isme/space-intake-api/internal/service"
	"github.com/noah-isme/space-intake-api/internal/wire"
	"github.com/noah-isme/space-intake-api/pkg/cache"
	"github.com/noah-isme/space-intake-api/pkg/config"
	"github.com/noah-isme/space-intake-api/pkg/database"
	"github.com/noah-isme/space-intake-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/space-intake-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/space-intake-api/pkg/middleware/requestid"
	"github.com/noah-isme/space-intake-api/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("database connection failed", "error", err)
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		logr.Sugar().Fatalw("database migration failed", "error", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Warnw("redis unavailable, relay hints will not be cached", "error", err)
		} else {
			defer redisClient.Close()
		}
	}

	signer, err := wire.NewSigner(cfg.SecretKey)
	if err != nil {
		logr.Sugar().Fatalw("invalid secret key", "error", err)
	}
	logr.Sugar().Infow("bot identity ready", "pubkey", signer.Pubkey())

	pool := relay.NewPool(logr)
	defer pool.Close()

	metricsSvc := service.NewMetricsService()
	pool.SetMetrics(metricsSvc)

	notifier := notify.New(signer, pool, pool, redisClient, cfg, logr)
	if err := notifier.PublishProfile(ctx, cfg.Bot); err != nil {
		logr.Sugar().Warnw("bot profile publish failed", "error", err)
	}

	store, err := storage.NewLocalStorage(cfg.Provision.ConfigDir)
	if err != nil {
		logr.Sugar().Fatalw("config dir unavailable", "error", err)
	}
	materializer := provision.New(store, cfg.Relays.DomainSuffix, cfg.Admin.Pubkeys)
	rooms := provision.NewAsyncProvisioner(provision.NewRoomProvisioner(signer, pool, logr), logr)
	rooms.Start(ctx)
	defer rooms.Stop()

	repo := repository.NewApplicationRepository(db)
	validate := validator.New()

	var appSvc *service.ApplicationService
	if cfg.Payments.WalletConnectURL != "" {
		walletRelayURL, err := payments.RelayURL(cfg.Payments.WalletConnectURL)
		if err != nil {
			logr.Sugar().Fatalw("invalid wallet url", "error", err)
		}
		wallet, err := payments.NewWallet(cfg.Payments.WalletConnectURL, pool.Get(walletRelayURL), cfg.Payments.LookupTimeout)
		if err != nil {
			logr.Sugar().Fatalw("wallet setup failed", "error", err)
		}
		appSvc = service.NewApplicationService(repo, notifier, materializer, rooms, wallet, metricsSvc, cfg.Payments, cfg.Intake, validate, logr)
	} else {
		appSvc = service.NewApplicationService(repo, notifier, materializer, rooms, nil, metricsSvc, cfg.Payments, cfg.Intake, validate, logr)
	}

	dispatcher := dispatch.NewDispatcher(pool.Get(cfg.Admin.Relay), appSvc, notifier, metricsSvc, cfg.Admin.Room, signer.Pubkey(), cfg.Admin.Pubkeys, logr)
	go func() {
		if err := dispatcher.Run(ctx); err != nil {
			logr.Sugar().Errorw("dispatcher stopped", "error", err)
		}
	}()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	appHandler := handler.NewApplicationHandler(appSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)
	limiter := middleware.NewRateLimiter(cfg.Intake.RateLimit, cfg.Intake.RateWindow)

	api := r.Group(cfg.APIPrefix)
	api.POST("/apply", limiter.Handler(), appHandler.Apply)
	api.GET("/invoice", appHandler.Invoice)

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Errorw("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("server shutdown failed", "error", err)
	}
}
