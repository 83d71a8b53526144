package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livecast/internal/core/services"
	httphandlers "livecast/internal/handlers/http"
	"livecast/internal/infrastructure/middleware"
	"livecast/internal/infrastructure/monitoring"
	"livecast/internal/infrastructure/repositories"
	"livecast/internal/infrastructure/transport"
	webrtcinfra "livecast/internal/infrastructure/webrtc"
	"livecast/pkg/config"
	"livecast/pkg/logger"
	"livecast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// liveStatusCacheTTL bounds how stale /api/v1/live can be if a change
// notification is missed.
const liveStatusCacheTTL = 2 * time.Second

func main() {
	cfg, path, err := config.LoadFirst(config.DefaultPaths...)
	if err != nil {
		// logger is configured from cfg, so this one goes to stderr as-is
		logger.New("info", "json").Sugar().Fatalw("failed to load config", "path", path, "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("component", "broadcaster")
	if path != "" {
		log.Infow("loaded config", "path", path)
	} else {
		log.Info("no config file found, using defaults")
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "livecast-broadcaster",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to init tracing", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	statusRepo := repoFactory.LiveStatusRepository()

	signalTransport, err := transport.New(cfg, repoFactory.RedisClient(), log)
	if err != nil {
		log.Fatalw("failed to create signaling transport", "error", err)
	}

	pcFactory, err := webrtcinfra.NewFactory(webrtcinfra.FactoryConfigFrom(cfg), log)
	if err != nil {
		log.Fatalw("failed to create peer connection factory", "error", err)
	}

	collector := monitoring.NewCollector(prometheus.DefaultRegisterer)

	capture, err := webrtcinfra.NewRTPCaptureSource(webrtcinfra.CaptureOptions{
		ListenAddress: cfg.Capture.ListenAddress,
		Codec:         cfg.Capture.Codec,
		IdleTimeout:   cfg.Capture.IdleTimeout,
	}, log)
	if err != nil {
		log.Fatalw("failed to open capture source", "error", err)
	}

	broadcaster := services.NewBroadcasterService(
		services.BroadcasterConfig{Lease: repoFactory.BroadcastLease()},
		signalTransport,
		pcFactory,
		statusRepo,
		collector,
		log,
	)
	liveStatus := services.NewLiveStatusService(statusRepo, log, services.WithStatusCache(liveStatusCacheTTL))
	go func() {
		if err := liveStatus.Follow(ctx); err != nil {
			log.Warnw("live status updates unavailable", "error", err)
		}
	}()

	roomID, err := broadcaster.Start(ctx, capture)
	if err != nil {
		_ = capture.Stop()
		log.Fatalw("failed to start broadcast", "error", err)
	}
	if err := broadcaster.OnViewerCountChange(func(count int) {
		log.Infow("viewer count changed", "room_id", roomID, "viewer_count", count)
	}); err != nil {
		log.Warnw("failed to watch viewer count", "error", err)
	}

	health := monitoring.NewHealthChecker()
	health.AddRedisCheck(repoFactory.RedisClient(), 2*time.Second)
	health.AddOptionalCheck("broadcast", func(ctx context.Context) error {
		if !broadcaster.Snapshot().Active {
			return errors.New("not live")
		}
		return nil
	}, 0)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		log.Fatalw("invalid trusted proxies", "error", err)
	}
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLogger(logger.NewContextLogger(log)),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	httphandlers.NewHealthHandler(health).SetupRoutes(router)
	httphandlers.NewBroadcastHandler(broadcaster, liveStatus).SetupRoutes(router)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting http server", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	log.Infow("live",
		"room_id", roomID,
		"capture_address", capture.LocalAddr().String(),
		"transport", cfg.Transport.Kind,
	)

	exitCode := 0
	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
		exitCode = 1
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case <-broadcaster.Done():
		log.Info("broadcast ended, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := broadcaster.Stop(shutdownCtx); err != nil {
		log.Errorw("error stopping broadcast", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracing", "error", err)
	}

	log.Info("broadcaster stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
