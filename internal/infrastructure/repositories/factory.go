package repositories

import (
	"context"

	"livecast/internal/core/ports"
	"livecast/internal/infrastructure/repositories/memory"
	redisrepo "livecast/internal/infrastructure/repositories/redis"
	"livecast/pkg/circuitbreaker"
	"livecast/pkg/config"
	"livecast/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	redisClient *redis.Client
	liveStatus  ports.LiveStatusRepository
	breaker     circuitbreaker.Config
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when enabled. If Redis cannot be
// reached the factory falls back to in-process repositories.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		breaker: circuitbreaker.Config{
			FailureThreshold: cfg.Redis.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Redis.Breaker.SuccessThreshold,
			OpenTimeout:      cfg.Redis.Breaker.OpenTimeout,
			MaxTrials:        1,
		},
		logger: logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewClient(ctx, redisrepo.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Retry:    retry.DefaultConfig(),
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to redis, falling back to memory repositories",
				"error", err,
			)
		} else {
			factory.redisClient = client
			logger.Info("using redis repositories")
		}
	}

	if factory.redisClient == nil {
		logger.Info("using memory repositories")
	}

	return factory
}

// LiveStatusRepository returns the shared live-status repository. The same
// instance is returned on every call. The Redis repository is wrapped in a
// circuit breaker unless redis.breaker.failure_threshold is zero.
func (f *RepositoryFactory) LiveStatusRepository() ports.LiveStatusRepository {
	if f.liveStatus != nil {
		return f.liveStatus
	}
	if f.redisClient != nil {
		repo := redisrepo.NewLiveStatusRepository(f.redisClient, f.logger)
		if f.breaker.FailureThreshold > 0 {
			f.liveStatus = newGuardedLiveStatusRepository(repo, f.breaker, f.logger)
		} else {
			f.liveStatus = repo
		}
	} else {
		f.liveStatus = memory.NewLiveStatusRepository()
	}
	return f.liveStatus
}

// BroadcastLease returns the cross-instance broadcast lease, or nil when
// running on memory where exclusivity is per process only.
func (f *RepositoryFactory) BroadcastLease() ports.BroadcastLease {
	if f.redisClient == nil {
		return nil
	}
	return redisrepo.NewBroadcastLease(f.redisClient, redisrepo.DefaultLeaseTTL, f.logger)
}

// RedisClient returns the connected client, or nil when running on memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
