package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"livecast/internal/core/domain"
	"livecast/internal/core/services"
	"livecast/internal/infrastructure/monitoring"
	"livecast/internal/infrastructure/repositories"
	"livecast/internal/infrastructure/transport"
	webrtcinfra "livecast/internal/infrastructure/webrtc"
	"livecast/pkg/config"
	"livecast/pkg/logger"
	"livecast/pkg/tracing"
	"livecast/pkg/validation"

	"github.com/prometheus/client_golang/prometheus"
)

// Exit codes: a clean leave, a setup problem before joining, and a session
// that ended in a failure status.
const (
	exitOK            = 0
	exitSetupError    = 1
	exitSessionFailed = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	roomFlag := flag.String("room", "", "room to join; defaults to the current live broadcast")
	forwardFlag := flag.String("forward", "", "udp address to forward received rtp to (overrides viewer.forward_address)")
	flag.Parse()

	cfg, path, err := config.LoadFirst(config.DefaultPaths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", path, err)
		return exitSetupError
	}
	if *forwardFlag != "" {
		cfg.Viewer.ForwardAddress = *forwardFlag
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("component", "viewer")

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "livecast-viewer",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Errorw("failed to init tracing", "error", err)
		return exitSetupError
	}
	defer tp.Shutdown(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	defer repoFactory.Close()

	roomID := domain.RoomID(*roomFlag)
	if roomID == "" {
		liveStatus := services.NewLiveStatusService(repoFactory.LiveStatusRepository(), log)
		roomID, err = liveStatus.LiveRoom(ctx)
		if errors.Is(err, domain.ErrNotLive) {
			fmt.Fprintln(os.Stderr, "nobody is live right now")
			return exitSetupError
		}
		if err != nil {
			log.Errorw("failed to read live status", "error", err)
			return exitSetupError
		}
	}
	if err := validation.ValidateRoomID(string(roomID)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid room: %v\n", err)
		return exitSetupError
	}

	signalTransport, err := transport.New(cfg, repoFactory.RedisClient(), log)
	if err != nil {
		log.Errorw("failed to create signaling transport", "error", err)
		return exitSetupError
	}

	pcFactory, err := webrtcinfra.NewFactory(webrtcinfra.FactoryConfigFrom(cfg), log)
	if err != nil {
		log.Errorw("failed to create peer connection factory", "error", err)
		return exitSetupError
	}

	collector := monitoring.NewCollector(prometheus.DefaultRegisterer)

	sink, err := webrtcinfra.NewRTPSink(webrtcinfra.SinkOptions{
		ForwardAddress: cfg.Viewer.ForwardAddress,
		PLIInterval:    cfg.Viewer.PLIInterval,
	}, collector, log)
	if err != nil {
		log.Errorw("failed to create render sink", "error", err)
		return exitSetupError
	}
	defer sink.Close()

	viewers := services.NewViewerService(
		services.ViewerConfig{ConnectTimeout: cfg.Viewer.ConnectTimeout},
		signalTransport,
		pcFactory,
		sink,
		collector,
		log,
	)

	statuses := make(chan domain.ViewerStatus, 8)
	session, err := viewers.Join(ctx, roomID, services.OnStatusChange(func(status domain.ViewerStatus) {
		select {
		case statuses <- status:
		default:
		}
	}))
	if err != nil {
		log.Errorw("failed to join room", "room_id", roomID, "error", err)
		return exitSetupError
	}

	for {
		select {
		case status := <-statuses:
			fmt.Printf("[%s] %s\n", status, status.Message())
		case <-ctx.Done():
			session.Leave()
			stats := sink.Stats()
			fmt.Printf("left room %s after %d packets (%d bytes)\n", roomID, stats.Packets, stats.Bytes)
			return exitOK
		case <-session.Done():
			// drain anything reported just before the session ended
			for len(statuses) > 0 {
				status := <-statuses
				fmt.Printf("[%s] %s\n", status, status.Message())
			}
			return exitCode(session.Status())
		}
	}
}

func exitCode(status domain.ViewerStatus) int {
	switch status {
	case domain.ViewerCouldNotConnect, domain.ViewerConnectionLost:
		return exitSessionFailed
	}
	return exitOK
}
