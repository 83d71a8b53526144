package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultLeaseTTL = 15 * time.Second

// BroadcastLease allows a single broadcaster across all instances sharing
// one Redis. The lease outlives a crashed holder by at most one TTL.
type BroadcastLease struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.SugaredLogger
}

func NewBroadcastLease(client *redis.Client, ttl time.Duration, logger *zap.SugaredLogger) *BroadcastLease {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &BroadcastLease{client: client, ttl: ttl, logger: logger}
}

func (l *BroadcastLease) Acquire(ctx context.Context, holder domain.ParticipantID) (ports.Lease, error) {
	lock := distributed.NewLock(l.client, broadcastLeaseKey, string(holder), l.ttl)

	ok, err := lock.TryLock(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire broadcast lease: %w", err)
	}
	if !ok {
		current, _ := distributed.Holder(ctx, l.client, broadcastLeaseKey)
		l.logger.Infow("broadcast lease held elsewhere", "holder", current)
		return nil, domain.ErrAlreadyLive
	}
	return &heldLease{lock: lock, holder: holder, logger: l.logger}, nil
}

type heldLease struct {
	lock   *distributed.Lock
	holder domain.ParticipantID
	logger *zap.SugaredLogger

	once sync.Once
	err  error
}

func (h *heldLease) Lost() <-chan struct{} {
	return h.lock.Lost()
}

func (h *heldLease) Release(ctx context.Context) error {
	h.once.Do(func() {
		err := h.lock.Unlock(ctx)
		if errors.Is(err, distributed.ErrNotHeld) {
			h.logger.Warnw("broadcast lease expired before release", "participant_id", h.holder)
			return
		}
		h.err = err
	})
	return h.err
}
