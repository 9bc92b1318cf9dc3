package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL = 45 * time.Second
	LeaderKeyPrefix      = "eyeweb:leader:"

	leadershipRetryDelay = time.Second
	renewalTimeout       = 5 * time.Second
	minRenewalInterval   = time.Second
	renewalFraction      = 3
)

var (
	leaderCounter atomic.Uint64

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

	errLockLost = errors.New("lock lost")
)

// RunWithLeader runs fn while this instance holds the named lock. Without a
// redis client the instance is assumed to be alone and fn runs immediately.
// fn receives a context that is cancelled when leadership is lost.
func RunWithLeader(ctx context.Context, client *redis.Client, name string, ttl time.Duration, fn func(context.Context)) error {
	if fn == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if client == nil {
		fn(ctx)
		return ctx.Err()
	}
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}

	key := LeaderKeyPrefix + name
	for {
		lease, err := acquireLease(ctx, client, key, ttl)
		if err != nil {
			return err
		}

		log.Debug("leader lock: acquired", "key", key)
		fn(lease.ctx)
		lease.release()
		log.Debug("leader lock: released", "key", key)

		if err := sleepCtx(ctx, leadershipRetryDelay); err != nil {
			return err
		}
	}
}

type lease struct {
	client  *redis.Client
	key     string
	owner   string
	ttl     time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	stop    chan struct{}
	release func()
}

// acquireLease blocks until the lock is taken or ctx is done.
func acquireLease(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*lease, error) {
	owner := leaderID()

	for {
		ok, err := client.SetNX(ctx, key, owner, ttl).Result()
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			log.Warn("leader lock: setnx failed", "key", key, "error", err)
		case ok:
			return newLease(ctx, client, key, owner, ttl), nil
		}

		if err := sleepCtx(ctx, leadershipRetryDelay); err != nil {
			return nil, err
		}
	}
}

func newLease(parent context.Context, client *redis.Client, key, owner string, ttl time.Duration) *lease {
	ctx, cancel := context.WithCancel(parent)
	l := &lease{
		client: client,
		key:    key,
		owner:  owner,
		ttl:    ttl,
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
	}

	var once sync.Once
	l.release = func() {
		once.Do(func() {
			close(l.stop)
			cancel()
			if err := l.runScript(releaseScript, l.owner); err != nil && !errors.Is(err, redis.Nil) {
				log.Warn("leader lock: release failed", "key", l.key, "error", err)
			}
		})
	}

	go l.keepAlive()
	return l
}

func (l *lease) keepAlive() {
	interval := l.ttl / renewalFraction
	if interval < minRenewalInterval {
		interval = minRenewalInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.renew(); err != nil {
				log.Warn("leader lock: renewal failed", "key", l.key, "error", err)
				l.cancel()
				return
			}
		}
	}
}

func (l *lease) renew() error {
	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()

	res, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if updated, ok := res.(int64); ok && updated == 0 {
		return errLockLost
	}
	return nil
}

func (l *lease) runScript(script *redis.Script, args ...any) error {
	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()
	return script.Run(ctx, l.client, []string{l.key}, args...).Err()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func leaderID() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d-%d", host, os.Getpid(), time.Now().UnixNano(), leaderCounter.Add(1))
}
