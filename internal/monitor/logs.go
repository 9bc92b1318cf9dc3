package monitor

import (
	"context"
	"sort"
	"strconv"
	"time"

	"eyeweb/internal/database"
	"eyeweb/internal/domain"

	"golang.org/x/sync/errgroup"
)

// LogEntry is a request or threat event in the merged detailed feed.
type LogEntry struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	IP              string `json:"ip"`
	Method          string `json:"method,omitempty"`
	Path            string `json:"path"`
	StatusCode      int    `json:"status_code,omitempty"`
	UserAgent       string `json:"user_agent,omitempty"`
	Country         string `json:"country,omitempty"`
	City            string `json:"city,omitempty"`
	VPN             bool   `json:"is_vpn,omitempty"`
	ResponseTimeMs  int64  `json:"response_time_ms,omitempty"`
	FingerprintHash string `json:"fingerprint_hash,omitempty"`

	Category    domain.ThreatCategory `json:"category,omitempty"`
	Severity    domain.Severity       `json:"severity,omitempty"`
	Details     string                `json:"details,omitempty"`
	AutoBlocked bool                  `json:"auto_blocked,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func requestEntry(ev domain.RequestEvent) LogEntry {
	return LogEntry{
		ID:              requestLogIDPrefix + strconv.FormatUint(ev.ID, 10),
		Type:            logTypeRequest,
		IP:              ev.IP,
		Method:          ev.Method,
		Path:            ev.Path,
		StatusCode:      ev.StatusCode,
		UserAgent:       ev.UserAgent,
		Country:         ev.Country,
		City:            ev.City,
		VPN:             ev.VPN,
		ResponseTimeMs:  ev.ResponseTimeMs,
		FingerprintHash: ev.FingerprintHash,
		CreatedAt:       ev.CreatedAt,
	}
}

func threatEntry(ev domain.ThreatEvent) LogEntry {
	return LogEntry{
		ID:              threatLogIDPrefix + strconv.FormatUint(ev.ID, 10),
		Type:            logTypeThreat,
		IP:              ev.IP,
		Path:            ev.Path,
		FingerprintHash: ev.FingerprintHash,
		Category:        ev.Category,
		Severity:        ev.Severity,
		Details:         ev.Details,
		AutoBlocked:     ev.AutoBlocked,
		CreatedAt:       ev.CreatedAt,
	}
}

// DetailedLogs merges the newest request and threat events, newest first.
// limit is clamped to 1..500 and defaults to 200.
func (m *Monitor) DetailedLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	limit = clampLimit(limit, defaultLogLimit)

	var (
		requests []domain.RequestEvent
		threats  []domain.ThreatEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		requests, err = database.ListLatestRequestEvents(gctx, "", limit, 0)
		return err
	})
	g.Go(func() (err error) {
		threats, err = database.ListLatestThreatEvents(gctx, limit, 0)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make([]LogEntry, 0, len(requests)+len(threats))
	for _, ev := range requests {
		if !m.ignored(ev.IP) {
			entries = append(entries, requestEntry(ev))
		}
	}
	for _, ev := range threats {
		if !m.ignored(ev.IP) {
			entries = append(entries, threatEntry(ev))
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

type Page[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
}

// Logs pages through request events, optionally for one address.
func (m *Monitor) Logs(ctx context.Context, limit, offset int, ip string) (Page[domain.RequestEvent], error) {
	limit = clampLimit(limit, defaultPageLimit)
	offset = max(offset, 0)

	var page Page[domain.RequestEvent]
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		page.Items, err = database.ListLatestRequestEvents(gctx, ip, limit, offset)
		return err
	})
	g.Go(func() (err error) {
		page.Total, err = database.CountRequestEvents(gctx, ip)
		return err
	})
	if err := g.Wait(); err != nil {
		return Page[domain.RequestEvent]{}, err
	}

	if ip == "" {
		page.Items = filter(page.Items, func(ev domain.RequestEvent) bool { return !m.ignored(ev.IP) })
	}
	if page.Items == nil {
		page.Items = []domain.RequestEvent{}
	}
	return page, nil
}

// Suspicious pages through threat events.
func (m *Monitor) Suspicious(ctx context.Context, limit, offset int) (Page[domain.ThreatEvent], error) {
	limit = clampLimit(limit, defaultPageLimit)
	offset = max(offset, 0)

	var page Page[domain.ThreatEvent]
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		page.Items, err = database.ListLatestThreatEvents(gctx, limit, offset)
		return err
	})
	g.Go(func() (err error) {
		page.Total, err = database.CountThreatEvents(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return Page[domain.ThreatEvent]{}, err
	}
	if page.Items == nil {
		page.Items = []domain.ThreatEvent{}
	}
	return page, nil
}

func filter[T any](items []T, keep func(T) bool) []T {
	out := items[:0]
	for _, item := range items {
		if keep(item) {
			out = append(out, item)
		}
	}
	return out
}
