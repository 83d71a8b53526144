package services

import (
	"context"
	"fmt"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/cache"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const liveStatusKey = "live_status"

// LiveStatusService is the read side of the shared live-status record.
type LiveStatusService struct {
	repo   ports.LiveStatusRepository
	cache  *cache.Cache[string, domain.LiveStatus]
	loads  singleflight.Group
	logger *zap.SugaredLogger
}

type LiveStatusOption func(*LiveStatusService)

// WithStatusCache serves Current from memory for up to ttl. Pair it with
// Follow so that changes show up before the entry expires.
func WithStatusCache(ttl time.Duration) LiveStatusOption {
	return func(s *LiveStatusService) {
		if ttl > 0 {
			s.cache = cache.New[string, domain.LiveStatus](ttl)
		}
	}
}

func NewLiveStatusService(repo ports.LiveStatusRepository, logger *zap.SugaredLogger, opts ...LiveStatusOption) *LiveStatusService {
	s := &LiveStatusService{
		repo:   repo,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LiveStatusService) Current(ctx context.Context) (domain.LiveStatus, error) {
	if s.cache != nil {
		// Concurrent pollers share one repository read on a miss. The read
		// is detached from whichever caller started it; each caller still
		// stops waiting on its own ctx.
		loadCtx := context.WithoutCancel(ctx)
		ch := s.loads.DoChan(liveStatusKey, func() (any, error) {
			return s.cache.GetOrLoad(loadCtx, liveStatusKey, s.repo.Load)
		})
		select {
		case <-ctx.Done():
			return domain.LiveStatus{}, fmt.Errorf("failed to load live status: %w", ctx.Err())
		case res := <-ch:
			if res.Err != nil {
				return domain.LiveStatus{}, fmt.Errorf("failed to load live status: %w", res.Err)
			}
			return res.Val.(domain.LiveStatus), nil
		}
	}

	status, err := s.repo.Load(ctx)
	if err != nil {
		return domain.LiveStatus{}, fmt.Errorf("failed to load live status: %w", err)
	}
	return status, nil
}

// LiveRoom returns the room of the running broadcast, or ErrNotLive.
func (s *LiveStatusService) LiveRoom(ctx context.Context) (domain.RoomID, error) {
	status, err := s.Current(ctx)
	if err != nil {
		return "", err
	}
	if !status.Active || status.RoomReference == "" {
		return "", domain.ErrNotLive
	}
	return status.RoomReference, nil
}

// Follow keeps the cache in step with repository change notifications
// until ctx is done. It returns immediately when there is no cache or the
// repository cannot push changes.
func (s *LiveStatusService) Follow(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	watcher, ok := s.repo.(ports.LiveStatusWatcher)
	if !ok {
		s.logger.Debug("live status repository cannot push changes, relying on cache expiry")
		return nil
	}

	updates, err := watcher.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch live status: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case status, ok := <-updates:
			if !ok {
				s.cache.Delete(liveStatusKey)
				return nil
			}
			s.cache.Set(liveStatusKey, status)
			s.logger.Debugw("live status changed",
				"active", status.Active,
				"room_id", status.RoomReference,
			)
		}
	}
}
