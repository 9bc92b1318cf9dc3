package support

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRunWithLeaderWithoutRedisRunsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ran := false
	err := RunWithLeader(ctx, nil, "retention", time.Second, func(context.Context) {
		ran = true
	})
	if err != nil {
		t.Fatalf("RunWithLeader returned %v, want nil", err)
	}
	if !ran {
		t.Fatal("leader function was not invoked")
	}
}

func TestRunWithLeaderHoldsLockWhileRunning(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	held := false
	err := RunWithLeader(ctx, client, "retention", 5*time.Second, func(leaderCtx context.Context) {
		held = srv.Exists(LeaderKeyPrefix + "retention")
		cancel()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunWithLeader returned %v, want context.Canceled", err)
	}
	if !held {
		t.Fatal("lock key was not present while the leader function ran")
	}
	if srv.Exists(LeaderKeyPrefix + "retention") {
		t.Fatal("lock key still present after release")
	}
}

func TestRunWithLeaderRejectsNilFunction(t *testing.T) {
	if err := RunWithLeader(context.Background(), nil, "x", time.Second, nil); err == nil {
		t.Fatal("expected error for nil function")
	}
}
