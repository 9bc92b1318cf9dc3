package config

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisConfigKey     = "eyeweb:config:settings"
	redisConfigChannel = "eyeweb:config:updates"
	redisOpTimeout     = 5 * time.Second
)

// syncEnvelope wraps a published configuration with the publishing instance,
// so an instance can skip its own updates.
type syncEnvelope struct {
	Origin string          `json:"origin"`
	Config json.RawMessage `json:"config"`
}

type redisSyncState struct {
	mu     sync.RWMutex
	client *redis.Client
	ctx    context.Context
	origin string
}

var globalRedisSync redisSyncState

// EnableRedisSynchronization shares settings changes between instances. The
// stored value wins over the local file on startup.
func EnableRedisSynchronization(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("Config synchronization disabled: redis client is nil")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	globalRedisSync.mu.Lock()
	if globalRedisSync.client != nil {
		globalRedisSync.mu.Unlock()
		return
	}
	globalRedisSync.client = client
	globalRedisSync.ctx = ctx
	globalRedisSync.origin = uuid.NewString()
	globalRedisSync.mu.Unlock()

	loaded, err := loadConfigFromRedis(ctx, client)
	if err != nil {
		log.Error("Config sync: failed to load configuration from redis", "error", err)
	}
	if !loaded {
		payload, err := json.Marshal(GetConfig())
		if err == nil {
			err = broadcastConfigUpdate(payload)
		}
		if err != nil {
			log.Error("Config sync: failed to publish configuration to redis", "error", err)
		}
	}

	go subscribeToConfigUpdates(ctx, client)
}

func loadConfigFromRedis(ctx context.Context, client *redis.Client) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	payload, err := client.Get(opCtx, redisConfigKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	cfg := Defaults()
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return true, err
	}
	return true, applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, source: "redis"})
}

func subscribeToConfigUpdates(ctx context.Context, client *redis.Client) {
	pubsub := client.Subscribe(ctx, redisConfigChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			log.Error("Config sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		var envelope syncEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
			log.Error("Config sync: invalid payload", "error", err)
			continue
		}
		if envelope.Origin == syncOrigin() {
			continue
		}

		cfg := Defaults()
		if err := json.Unmarshal(envelope.Config, &cfg); err != nil {
			log.Error("Config sync: invalid configuration", "error", err)
			continue
		}
		if err := applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, source: "redis"}); err != nil {
			log.Error("Config sync: failed to apply remote update", "error", err)
		}
	}
}

func syncOrigin() string {
	globalRedisSync.mu.RLock()
	defer globalRedisSync.mu.RUnlock()
	return globalRedisSync.origin
}

func broadcastConfigUpdate(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}

	globalRedisSync.mu.RLock()
	client := globalRedisSync.client
	ctx := globalRedisSync.ctx
	origin := globalRedisSync.origin
	globalRedisSync.mu.RUnlock()

	if client == nil {
		return nil
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	message, err := json.Marshal(syncEnvelope{Origin: origin, Config: payload})
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := client.Set(opCtx, redisConfigKey, payload, 0).Err(); err != nil {
		return err
	}
	return client.Publish(opCtx, redisConfigChannel, message).Err()
}
