package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"livecast/internal/core/domain"
	"livecast/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const migrationLockTTL = 30 * time.Second

type migration struct {
	version int
	name    string
	up      func(ctx context.Context, client *redis.Client) error
}

var migrations = []migration{
	{
		version: 1,
		name:    "seed inactive live status",
		up: func(ctx context.Context, client *redis.Client) error {
			data, err := json.Marshal(domain.InactiveStatus())
			if err != nil {
				return err
			}
			return client.SetNX(ctx, liveStatusKey, data, 0).Err()
		},
	},
}

// pending returns the migrations newer than current, oldest first.
func pending(all []migration, current int) []migration {
	var out []migration
	for _, m := range all {
		if m.version > current {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out
}

// Migrate brings the Redis schema up to date. Instances starting together
// serialize on a lock; one that finds the lock taken skips migrating, since
// the holder is doing the same work.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	lock := distributed.NewLock(client, migrationLockKey, "migrate", migrationLockTTL)
	ok, err := lock.TryLock(ctx)
	if err != nil {
		return err
	}
	if !ok {
		logger.Infow("another instance is migrating the schema, skipping")
		return nil
	}
	defer func() {
		if err := lock.Unlock(context.Background()); err != nil {
			logger.Warnw("failed to release migration lock", "error", err)
		}
	}()

	current, err := schemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	todo := pending(migrations, current)
	if len(todo) == 0 {
		logger.Debugw("schema is up to date", "version", current)
		return nil
	}

	for _, m := range todo {
		if err := m.up(ctx, client); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.version, 0).Err(); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", m.version, err)
		}
		logger.Infow("applied migration", "version", m.version, "name", m.name)
	}
	return nil
}

func schemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	v, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}
