package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	httphandlers "livecast/internal/handlers/http"
	"livecast/internal/infrastructure/middleware"
	"livecast/internal/infrastructure/monitoring"
	"livecast/internal/infrastructure/transport/websocket"
	"livecast/pkg/config"
	"livecast/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, path, err := config.LoadFirst(config.DefaultPaths...)
	if err != nil {
		logger.New("info", "json").Sugar().Fatalw("failed to load config", "path", path, "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("component", "relay")

	collector := monitoring.NewCollector(prometheus.DefaultRegisterer)

	opts := websocket.RelayOptions{
		PingInterval:   cfg.Relay.PingInterval,
		PongTimeout:    cfg.Relay.PongTimeout,
		WriteTimeout:   cfg.Relay.WriteTimeout,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}
	if cfg.RateLimiting.Enabled {
		opts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		opts.Burst = cfg.RateLimiting.WebSocket.Burst
		opts.MaxConnections = cfg.RateLimiting.WebSocket.MaxConcurrent
	}
	relay := websocket.NewRelay(opts, collector, log)

	health := monitoring.NewHealthChecker()
	health.AddCheck("relay", func(ctx context.Context) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Debugw("relay status",
			"connections", relay.ConnectionCount(),
			"channels", relay.ChannelCount(),
		)
		return nil
	}, 0)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		log.Fatalw("invalid trusted proxies", "error", err)
	}
	router.Use(middleware.RecoveryMiddleware(log))

	router.GET("/ws", gin.WrapH(relay))
	httphandlers.NewHealthHandler(health).SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:    cfg.Relay.Address,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling relay", "address", cfg.Relay.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatalw("relay server failed", "error", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer cancel()

	// hijacked websocket connections are not closed by srv.Shutdown
	if err := relay.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error closing relay connections", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		_ = srv.Close()
	}

	log.Info("relay stopped")
}
