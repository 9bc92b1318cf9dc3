package presence

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "eyeweb:presence:"

// Redis shares assertions across instances. Lookup failures are logged and
// reported as absent, so a Redis outage never grants anything.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis scopes keys by namespace, e.g. "admin" or "heartbeat".
func NewRedis(client *redis.Client, namespace string, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		prefix: keyPrefix + namespace + ":",
		ttl:    ttl,
	}
}

func (r *Redis) Assert(ctx context.Context, id Identity) error {
	pipe := r.client.Pipeline()
	if id.IP != "" {
		pipe.SetEx(ctx, r.prefix+ipKey(id.IP), "1", r.ttl)
	}
	if id.Fingerprint != "" {
		pipe.SetEx(ctx, r.prefix+deviceKeyPrefix+id.Fingerprint, "1", r.ttl)
	}
	if id.Empty() {
		return nil
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) HoldsIP(ctx context.Context, ip string) bool {
	return r.exists(ctx, r.prefix+ipKey(ip))
}

func (r *Redis) HoldsDevice(ctx context.Context, fingerprint string) bool {
	return r.exists(ctx, r.prefix+deviceKeyPrefix+fingerprint)
}

func (r *Redis) exists(ctx context.Context, key string) bool {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		log.Warn("Presence lookup failed", "key", key, "error", err)
		return false
	}
	return n > 0
}

func (r *Redis) IPs(ctx context.Context) ([]string, error) {
	match := r.prefix + ipKeyPrefix
	var (
		ips    []string
		cursor uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match+"*", 256).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			ips = append(ips, strings.TrimPrefix(key, match))
		}
		cursor = next
		if cursor == 0 {
			return ips, nil
		}
	}
}
