package repositories

import (
	"context"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/circuitbreaker"

	"go.uber.org/zap"
)

type watchingLiveStatusRepository interface {
	ports.LiveStatusRepository
	ports.LiveStatusWatcher
}

// guardedLiveStatusRepository fails fast with circuitbreaker.ErrOpen while
// the backing store keeps failing, so a broadcaster start does not hang on
// a dead Redis for every attempt.
type guardedLiveStatusRepository struct {
	inner   watchingLiveStatusRepository
	breaker *circuitbreaker.CircuitBreaker
}

func newGuardedLiveStatusRepository(inner watchingLiveStatusRepository, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *guardedLiveStatusRepository {
	breaker := circuitbreaker.New(cfg)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		if to == circuitbreaker.StateOpen {
			logger.Warnw("live status store unavailable, failing fast",
				"from", from.String(),
				"open_timeout", cfg.OpenTimeout,
			)
			return
		}
		logger.Infow("live status breaker changed state", "from", from.String(), "to", to.String())
	})
	return &guardedLiveStatusRepository{inner: inner, breaker: breaker}
}

func (r *guardedLiveStatusRepository) Load(ctx context.Context) (domain.LiveStatus, error) {
	return circuitbreaker.Do(ctx, r.breaker, r.inner.Load)
}

func (r *guardedLiveStatusRepository) Save(ctx context.Context, status domain.LiveStatus) error {
	return r.breaker.Execute(ctx, func(ctx context.Context) error {
		return r.inner.Save(ctx, status)
	})
}

// Watch is not guarded; a subscription is long lived and reconnects on its own.
func (r *guardedLiveStatusRepository) Watch(ctx context.Context) (<-chan domain.LiveStatus, error) {
	return r.inner.Watch(ctx)
}

func (r *guardedLiveStatusRepository) breakerState() circuitbreaker.State {
	return r.breaker.State()
}
