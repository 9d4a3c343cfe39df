package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"threatwatch-service/internal/broadcast"
	"threatwatch-service/internal/cache"
	"threatwatch-service/internal/classifier"
	"threatwatch-service/internal/config"
	"threatwatch-service/internal/db"
	"threatwatch-service/internal/detector"
	"threatwatch-service/internal/framestore"
	httpapi "threatwatch-service/internal/http"
	"threatwatch-service/internal/logging"
	"threatwatch-service/internal/messaging"
	"threatwatch-service/internal/metrics"
	"threatwatch-service/internal/repository"
	"threatwatch-service/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.Setup(cfg.Log)
	logger.Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.HTTP.Port).
		Str("strategy", cfg.Reasoning.Strategy).
		Str("detector", cfg.Detector.BaseURL).
		Msg("starting threatwatch")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg.Database, logging.NewServiceLogger(logger, "db"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	repo := repository.NewIncidentRepository(database, logging.NewServiceLogger(logger, "repository"))

	frames, err := framestore.NewDiskStore(cfg.Frames.Dir, logging.NewServiceLogger(logger, "framestore"))
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.Frames.Dir).Msg("failed to prepare frame directory")
	}

	det := detector.NewClient(cfg.Detector, logging.NewServiceLogger(logger, "detector"))
	cls, err := classifier.New(cfg.Reasoning, logging.NewServiceLogger(logger, "classifier"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build classifier")
	}

	m := metrics.New()
	recent := cache.NewRecentEvents(cfg.Cache.Capacity)

	hubOpts := []broadcast.Option{
		broadcast.WithObserver(m),
		broadcast.WithOriginPatterns(originHosts(cfg.HTTP.AllowedOrigins)),
	}
	var publisher *messaging.Publisher
	if cfg.NATS.Enabled {
		publisher, err = messaging.NewPublisher(cfg.NATS, logging.NewServiceLogger(logger, "nats"))
		if err != nil {
			logger.Warn().Err(err).Msg("NATS unavailable, live events stay local")
		} else {
			hubOpts = append(hubOpts, broadcast.WithMirror(publisher))
		}
	}
	hub := broadcast.NewHub(cfg.Broadcast, logging.NewServiceLogger(logger, "broadcast"), hubOpts...)
	go hub.Run(ctx)

	pipeline := service.NewPipeline(
		frames,
		det,
		cls,
		repo,
		recent,
		hub,
		service.PipelineConfig{
			MaxFrameBytes:     cfg.Pipeline.MaxFrameBytes,
			IdempotencyBucket: cfg.Pipeline.IdempotencyBucket,
		},
		logging.NewServiceLogger(logger, "pipeline"),
	).WithRecorder(m)

	incidents := service.NewIncidentService(repo, recent, logging.NewServiceLogger(logger, "incidents"))
	if cfg.Cache.WarmUp {
		warmCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, _ = incidents.WarmCache(warmCtx)
		cancel()
	}

	retention := service.NewRetentionService(repo, frames, cfg.Frames.Retention, logging.NewServiceLogger(logger, "retention"))
	go retention.Run(ctx, cfg.Frames.CleanupInterval)

	verifier := httpapi.NewTokenVerifier(cfg.Auth.JWTSecret)
	if cfg.Auth.JWTSecret == "" {
		logger.Warn().Msg("auth.jwt_secret is empty, every authenticated request will be rejected")
	}

	gin.SetMode(cfg.HTTP.Mode)
	r := gin.New()
	r.Use(
		httpapi.RequestID(),
		httpapi.RequestContext(),
		httpapi.Logger(),
		httpapi.Recovery(),
		httpapi.CORS(cfg.HTTP.AllowedOrigins),
	)
	r.GET("/metrics", gin.WrapH(m.Handler()))

	handler := httpapi.NewHandler(pipeline, incidents, det, repo, hub, verifier, cfg, logging.NewServiceLogger(logger, "http"))
	handler.Register(r, httpapi.AuthMiddleware(verifier))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server forced to shutdown")
	}
	if publisher != nil {
		if err := publisher.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to shutdown NATS publisher")
		}
	}
	if sqlDB, err := database.DB(); err == nil {
		_ = sqlDB.Close()
	}

	logger.Info().Msg("shutdown complete")
}

// originHosts turns configured CORS origins into the host patterns the
// websocket handshake checks against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, o)
	}
	return hosts
}
