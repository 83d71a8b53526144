package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"livecast/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

const presenceKeyPrefix = "livecast:presence:"

func presenceKey(channel string) string {
	return presenceKeyPrefix + channel
}

func presenceStateKey(channel string) string {
	return presenceKey(channel) + ":state"
}

// presenceStore keeps a sorted set of participant ids scored by expiry
// (unix ms) and a hash holding each participant's tracked state.
type presenceStore struct {
	client   *redis.Client
	key      string
	stateKey string
	ttl      time.Duration
	now      func() time.Time
}

func newPresenceStore(client *redis.Client, channel string, ttl time.Duration) *presenceStore {
	return &presenceStore{
		client:   client,
		key:      presenceKey(channel),
		stateKey: presenceStateKey(channel),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (p *presenceStore) expiry() float64 {
	return float64(p.now().Add(p.ttl).UnixMilli())
}

func (p *presenceStore) put(ctx context.Context, state domain.PresenceMember) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, p.key, redis.Z{Score: p.expiry(), Member: string(state.Key)})
		pipe.HSet(ctx, p.stateKey, string(state.Key), data)
		// Keys vanish on their own once the whole room is gone.
		pipe.Expire(ctx, p.key, 2*p.ttl)
		pipe.Expire(ctx, p.stateKey, 2*p.ttl)
		return nil
	})
	return err
}

func (p *presenceStore) refresh(ctx context.Context, id domain.ParticipantID) error {
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddXX(ctx, p.key, redis.Z{Score: p.expiry(), Member: string(id)})
		pipe.Expire(ctx, p.key, 2*p.ttl)
		pipe.Expire(ctx, p.stateKey, 2*p.ttl)
		return nil
	})
	return err
}

func (p *presenceStore) remove(ctx context.Context, id domain.ParticipantID) error {
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, p.key, string(id))
		pipe.HDel(ctx, p.stateKey, string(id))
		return nil
	})
	return err
}

// prune drops expired members and returns how many were removed.
func (p *presenceStore) prune(ctx context.Context) (int, error) {
	now := strconv.FormatInt(p.now().UnixMilli(), 10)
	expired, err := p.client.ZRangeByScore(ctx, p.key, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil || len(expired) == 0 {
		return 0, err
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members := make([]interface{}, len(expired))
		for i, id := range expired {
			members[i] = id
		}
		pipe.ZRem(ctx, p.key, members...)
		pipe.HDel(ctx, p.stateKey, expired...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(expired), nil
}

// list returns the live members. Entries whose state is missing or
// unreadable still count, keyed by id only.
func (p *presenceStore) list(ctx context.Context) ([]domain.PresenceMember, error) {
	now := strconv.FormatInt(p.now().UnixMilli(), 10)
	ids, err := p.client.ZRangeByScore(ctx, p.key, &redis.ZRangeBy{Min: "(" + now, Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []domain.PresenceMember{}, nil
	}

	states, err := p.client.HMGet(ctx, p.stateKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	return decodeMembers(ids, states), nil
}

func decodeMembers(ids []string, states []interface{}) []domain.PresenceMember {
	members := make([]domain.PresenceMember, 0, len(ids))
	for i, id := range ids {
		member := domain.PresenceMember{Key: domain.ParticipantID(id)}
		if i < len(states) {
			if raw, ok := states[i].(string); ok {
				var decoded domain.PresenceMember
				if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
					member = decoded
					member.Key = domain.ParticipantID(id)
				}
			}
		}
		members = append(members, member)
	}
	return members
}
