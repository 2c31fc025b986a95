package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/yoga-python/coding-projects-todo/api"
	"github.com/yoga-python/coding-projects-todo/config"
	"github.com/yoga-python/coding-projects-todo/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		stop()
		log.WithError(err).Fatal("todo api stopped")
	}
}

// run returns once the server has stopped and every client it opened is
// closed.
func run(ctx context.Context) error {
	cfg, err := config.ServerFromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.JSONLogs {
		logger.SetFormatter(&log.JSONFormatter{})
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("tracer shutdown failed")
		}
	}()

	tables, err := storage.New(cfg.StorageConnectionString, cfg.TasksTable, cfg.EventsQueue, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	var (
		rc      *redis.Client
		deduper api.Deduper
	)
	if cfg.Redis != nil {
		rc = redis.NewClient(cfg.Redis)
		defer rc.Close()
		deduper = api.NewRedisDeduper(rc, cfg.IdempotencyTTL)
	} else {
		logger.Warn("REDIS_CONNECTION_STRING not set; list cache and idempotent replay disabled")
	}
	store := storage.NewCache(tables, rc, cfg.CacheTTL)

	authCfg := api.AuthConfig{
		Audience:    cfg.AuthAudience,
		Issuers:     cfg.AuthIssuers,
		KeyCacheTTL: cfg.JWKSCacheTTL,
	}
	if len(cfg.LocalAuthSecret) > 0 {
		logger.Warn("local auth mode enabled; tokens are verified with the shared secret")
		authCfg.SharedSecret = cfg.LocalAuthSecret
	} else {
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			RefreshInterval: time.Hour,
			RefreshErrorHandler: func(err error) {
				logger.WithError(err).Error("jwks refresh failed")
			},
		})
		if err != nil {
			return fmt.Errorf("jwks: %w", err)
		}
		defer jwks.EndBackground()
		authCfg.JWKS = jwks
	}
	auth := api.NewAuth(authCfg)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(api.DecompressRequest())

	api.Register(e, store, auth, deduper, logger)

	return serve(ctx, e, cfg.ListenAddr, logger)
}

// serve runs e until ctx is done, then drains in-flight requests.
func serve(ctx context.Context, e *echo.Echo, addr string, logger *log.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("todo api listening")
		errCh <- e.Start(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
