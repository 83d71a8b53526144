package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"livecast/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LiveStatusRepository stores the live-status record under one key and
// announces every change on a pub/sub channel.
type LiveStatusRepository struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

func NewLiveStatusRepository(client *redis.Client, logger *zap.SugaredLogger) *LiveStatusRepository {
	return &LiveStatusRepository{
		client: client,
		logger: logger,
	}
}

func (r *LiveStatusRepository) Load(ctx context.Context) (domain.LiveStatus, error) {
	data, err := r.client.Get(ctx, liveStatusKey).Bytes()
	if err == redis.Nil {
		return domain.InactiveStatus(), nil
	}
	if err != nil {
		return domain.LiveStatus{}, fmt.Errorf("failed to get live status from Redis: %w", err)
	}
	return decodeStatus(data)
}

func (r *LiveStatusRepository) Save(ctx context.Context, status domain.LiveStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal live status: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, liveStatusKey, data, 0)
		pipe.Publish(ctx, liveStatusChannel, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save live status in Redis: %w", err)
	}

	r.logger.Debugw("saved live status",
		"active", status.Active,
		"room_id", status.RoomReference,
	)
	return nil
}

// Watch streams status changes published by any instance until ctx is done.
func (r *LiveStatusRepository) Watch(ctx context.Context) (<-chan domain.LiveStatus, error) {
	pubsub := r.client.Subscribe(ctx, liveStatusChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to live status updates: %w", err)
	}

	out := make(chan domain.LiveStatus, 8)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				status, err := decodeStatus([]byte(msg.Payload))
				if err != nil {
					r.logger.Warnw("failed to decode live status update", "error", err)
					continue
				}
				select {
				case out <- status:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func decodeStatus(data []byte) (domain.LiveStatus, error) {
	var status domain.LiveStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return domain.LiveStatus{}, fmt.Errorf("failed to unmarshal live status: %w", err)
	}
	if status.Mode == "" {
		status.Mode = domain.LiveModeNone
	}
	return status, nil
}
