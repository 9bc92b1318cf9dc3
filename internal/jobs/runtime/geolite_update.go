package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"eyeweb/internal/config"
	"eyeweb/internal/geolite"
	"eyeweb/internal/support"
)

const (
	geoLiteUpdateLockName      = "geolite_update"
	geoLiteUpdateFallbackEvery = 7 * 24 * time.Hour
)

type databaseUpdater interface {
	Update(ctx context.Context) error
}

// StartGeoLiteUpdateRoutine refreshes the GeoLite databases on the leader
// instance, once at startup and then every configured interval. It blocks
// until ctx is done.
func StartGeoLiteUpdateRoutine(ctx context.Context, client *redis.Client, updater databaseUpdater) {
	if ctx == nil {
		ctx = context.Background()
	}

	err := support.RunWithLeader(ctx, client, geoLiteUpdateLockName, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runGeoLiteUpdateLoop(leaderCtx, updater)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("GeoLite update routine stopped", "error", err)
	}
}

func geoLiteUpdateInterval() time.Duration {
	return config.DurationOr(config.GetConfig().GeoLite.UpdateInterval, geoLiteUpdateFallbackEvery)
}

func runGeoLiteUpdateLoop(ctx context.Context, updater databaseUpdater) {
	interval := geoLiteUpdateInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	triggerGeoLiteUpdate(ctx, updater, "startup", false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			triggerGeoLiteUpdate(ctx, updater, "scheduled", false)
			if next := geoLiteUpdateInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// triggerGeoLiteUpdate runs the updater. Unless force is set it only runs
// with auto updates enabled. It reports whether the databases were replaced.
func triggerGeoLiteUpdate(ctx context.Context, updater databaseUpdater, reason string, force bool) bool {
	if updater == nil {
		return false
	}
	if !force && !config.GetConfig().GeoLite.AutoUpdate {
		log.Debug("GeoLite update skipped: auto update disabled", "reason", reason)
		return false
	}

	err := updater.Update(ctx)
	switch {
	case errors.Is(err, geolite.ErrNoLicenseKey):
		log.Debug("GeoLite update skipped: license key missing", "reason", reason)
		return false
	case err != nil:
		log.Error("GeoLite update failed", "reason", reason, "error", err)
		return false
	default:
		log.Info("GeoLite databases updated", "reason", reason)
		return true
	}
}
