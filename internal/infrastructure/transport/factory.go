package transport

import (
	"fmt"

	"livecast/internal/core/ports"
	"livecast/internal/infrastructure/transport/memory"
	redistransport "livecast/internal/infrastructure/transport/redis"
	"livecast/internal/infrastructure/transport/websocket"
	"livecast/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// New builds the signaling transport named by cfg.Transport.Kind. The redis
// kind needs the client the repository factory connected; nil means Redis
// was not reachable.
func New(cfg *config.Config, redisClient *redis.Client, logger *zap.SugaredLogger) (ports.SignalTransport, error) {
	switch cfg.Transport.Kind {
	case config.TransportMemory:
		logger.Warn("using in-process signaling, only viewers in this process can join")
		return memory.NewHub(logger), nil

	case config.TransportRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("redis transport selected but redis is not connected")
		}
		logger.Infow("using redis signaling", "presence_heartbeat", cfg.Transport.PresenceHeartbeat.String())
		return redistransport.NewTransport(redisClient, redistransport.Options{
			PresenceHeartbeat: cfg.Transport.PresenceHeartbeat,
			PresenceTTL:       cfg.Transport.PresenceTTL,
		}, logger), nil

	case config.TransportWebSocket:
		logger.Infow("using websocket signaling", "relay_url", cfg.Transport.RelayURL)
		return websocket.NewTransport(cfg.Transport.RelayURL, logger), nil
	}
	return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
}
