package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"otcattendance/internal/attendance"
	"otcattendance/internal/auth"
	"otcattendance/internal/bus"
	"otcattendance/internal/config"
	"otcattendance/internal/feed"
	"otcattendance/internal/handler"
	"otcattendance/internal/httpmiddleware"
	"otcattendance/internal/logging"
	"otcattendance/internal/observability"
	"otcattendance/internal/otc"
	"otcattendance/internal/session"
	"otcattendance/internal/store"
	"otcattendance/internal/subject"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	flush, err := observability.InitSentry(cfg.SentryDSN, cfg.Env, version)
	if err != nil {
		logger.Warn("sentry disabled", zap.Error(err))
	}
	defer flush()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.App, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = stores.close() }()

	checks := map[string]handler.Checker{"store": stores.health}

	var redisClient *store.Redis
	if cfg.BusBackend == "redis" || cfg.RateLimitBackend == "redis" {
		redisClient = store.NewRedis(store.RedisOptions{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			PoolSize:    cfg.RedisPoolSize,
			DialTimeout: cfg.RedisDialTimeout,
			IOTimeout:   cfg.RedisIOTimeout,
		})
		defer func() { _ = redisClient.Close() }()
		checks["redis"] = redisClient
	}

	var changes bus.Bus
	switch cfg.BusBackend {
	case "redis":
		changes = bus.NewRedisBus(redisClient.Client, cfg.BusChannel, logger)
	case "memory", "":
		changes = bus.NewInMemory(1024)
	default:
		return fmt.Errorf("unknown BUS_BACKEND %q", cfg.BusBackend)
	}

	var limiter httpmiddleware.Limiter
	if cfg.RateLimitBackend == "redis" {
		limiter = httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin, "ratelimit")
	} else {
		limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	}

	validate := validator.New()
	loc := cfg.Location()
	notifier := feed.NewBusNotifier(changes, logger)

	authSvc := auth.NewService(stores.users, validate, logger, auth.Config{
		Issuer:     cfg.JWTIssuer,
		SigningKey: cfg.JWTSigningKey,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	})
	subjects := subject.NewService(stores.subjects, stores.sessions, notifier, validate, logger)
	hub := feed.NewHub(changes, stores.sessions, stores.attendance, subjects, cfg.FeedBuffer, logger.Named("feed"))
	issuer := otc.NewIssuer(stores.sessions, cfg.OTCLength, cfg.OTCMaxAttempts, logger)
	sessions := session.NewService(stores.sessions, stores.subjects, issuer, notifier, validate, logger, session.Config{
		Location:    loc,
		MaxDuration: cfg.SessionMaxDuration,
	})
	recorder := attendance.NewRecorder(stores.sessions, stores.attendance, stores.subjects, notifier, logger)
	records := attendance.NewService(stores.attendance, stores.sessions, logger)

	router := handler.NewRouter(handler.RouterConfig{
		SigningKey:     cfg.JWTSigningKey,
		Issuer:         cfg.JWTIssuer,
		AllowedOrigins: cfg.AllowedOrigins,
		Limiter:        limiter,
		Logger:         logger,
		Production:     cfg.Production(),
	}, handler.Handlers{
		Auth:       handler.NewAuthHandler(authSvc),
		Subjects:   handler.NewSubjectHandler(subjects, time.Now),
		Sessions:   handler.NewSessionHandler(sessions, cfg.PublicURL, time.Now),
		Attendance: handler.NewAttendanceHandler(recorder, records, loc, time.Now),
		Feed:       handler.NewFeedHandler(hub, sessions, cfg.AllowedOrigins, logger),
		Health:     handler.NewHealthHandler(checks),
	})

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		if err := hub.Run(hubCtx); err != nil {
			logger.Error("feed hub stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreBackend), zap.String("bus", cfg.BusBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		stopHub()
		<-hubDone
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	// Shutdown does not track hijacked connections, so feed streams are ended via the hub.
	stopHub()
	<-hubDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", zap.Error(err))
	}
	logger.Info("server exited")
	return nil
}
