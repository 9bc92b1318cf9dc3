package monitor

import (
	"context"
	"time"

	"eyeweb/internal/database"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

type Stats struct {
	RequestsToday   int64 `json:"requestsToday"`
	ActiveIPs       int   `json:"activeIps5m"`
	SuspiciousToday int64 `json:"suspiciousToday"`
	BlockedTotal    int64 `json:"blockedTotal"`
}

func (m *Monitor) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	today := m.startOfDay()
	activeSince := m.clock.Now().Add(-m.settings.ActiveWindow)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := database.CountRequestEventsSince(gctx, today)
		stats.RequestsToday = n
		return err
	})
	g.Go(func() error {
		n, err := database.CountThreatEventsSince(gctx, today)
		stats.SuspiciousToday = n
		return err
	})
	g.Go(func() error {
		n, err := database.CountBlocks(gctx)
		stats.BlockedTotal = n
		return err
	})
	g.Go(func() error {
		n, err := m.activeIPs(gctx, activeSince)
		stats.ActiveIPs = n
		return err
	})

	if err := g.Wait(); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// activeIPs unions recently logged addresses with live heartbeats. A failing
// heartbeat registry only drops its share of the count.
func (m *Monitor) activeIPs(ctx context.Context, since time.Time) (int, error) {
	ips, err := database.DistinctIPsSince(ctx, since)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		if !m.ignored(ip) {
			seen[ip] = struct{}{}
		}
	}

	if m.visitors != nil {
		live, err := m.visitors.IPs(ctx)
		if err != nil {
			log.Warn("Heartbeat presence unavailable for active IP count", "error", err)
		}
		for _, ip := range live {
			if !m.ignored(ip) {
				seen[ip] = struct{}{}
			}
		}
	}
	return len(seen), nil
}
