package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"eyeweb/internal/config"
	"eyeweb/internal/database"
	"eyeweb/internal/support"
)

const (
	retentionLockName = "retention"

	defaultRequestRetention = 30 * 24 * time.Hour
	defaultThreatRetention  = 90 * 24 * time.Hour
	defaultRetentionEvery   = 6 * time.Hour
)

// StartRetentionRoutine prunes old events on whichever instance holds the
// retention lock. It blocks until ctx is done.
func StartRetentionRoutine(ctx context.Context, client *redis.Client) {
	if ctx == nil {
		ctx = context.Background()
	}

	err := support.RunWithLeader(ctx, client, retentionLockName, support.DefaultLeadershipTTL, runRetentionLoop)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Retention routine stopped", "error", err)
	}
}

func runRetentionLoop(ctx context.Context) {
	updates := config.RetentionIntervalUpdates()
	interval := <-updates
	if interval <= 0 {
		interval = defaultRetentionEvery
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runRetention(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runRetention(ctx)
		case next := <-updates:
			if next <= 0 || next == interval {
				continue
			}
			interval = next
			ticker.Reset(interval)
		}
	}
}

func runRetention(ctx context.Context) {
	start := time.Now()
	requests, threats, err := PruneEvents(ctx, start)
	if err != nil {
		log.Error("Event retention failed", "error", err)
	}
	if requests == 0 && threats == 0 {
		return
	}

	log.Info(
		"Event retention completed",
		"request_events_removed", requests,
		"threat_events_removed", threats,
		"duration", time.Since(start),
	)
}

// PruneEvents deletes request and threat events older than their configured
// retention periods, measured from now.
func PruneEvents(ctx context.Context, now time.Time) (int64, int64, error) {
	cfg := config.GetConfig()
	requestCutoff := now.Add(-config.DurationOr(cfg.Retention.RequestEvents, defaultRequestRetention))
	threatCutoff := now.Add(-config.DurationOr(cfg.Retention.ThreatEvents, defaultThreatRetention))

	var errs []error
	requests, err := database.DeleteRequestEventsBefore(ctx, requestCutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("request events: %w", err))
	}
	threats, err := database.DeleteThreatEventsBefore(ctx, threatCutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("threat events: %w", err))
	}
	return requests, threats, errors.Join(errs...)
}
