// Package monitor builds the operator views over recorded traffic: live
// connections, headline stats and log feeds.
package monitor

import (
	"net"
	"time"

	"eyeweb/internal/config"
	"eyeweb/internal/presence"
	"eyeweb/internal/support"
)

const (
	defaultLogLimit     = 200
	maxLogLimit         = 500
	defaultPageLimit    = 50
	defaultActivity     = 2 * time.Minute
	defaultActiveWindow = 5 * time.Minute
	defaultMaxEvents    = 20000
	ipGroupPrefix       = "ip:"
	requestLogIDPrefix  = "req_"
	threatLogIDPrefix   = "thr_"
	logTypeRequest      = "request"
	logTypeThreat       = "threat"
)

type Settings struct {
	ActivityWindow time.Duration
	ActiveWindow   time.Duration

	// MaxConnectionEvents caps the rows Connections reads, newest kept.
	MaxConnectionEvents int
}

func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		ActivityWindow: config.DurationOr(cfg.Presence.ActivityWindow, defaultActivity),
		ActiveWindow:   config.DurationOr(cfg.Monitor.ActiveWindow, defaultActiveWindow),

		MaxConnectionEvents: cfg.Monitor.MaxConnectionEvents,
	}
}

type Monitor struct {
	settings Settings
	clock    support.Clock
	admins   presence.Registry
	visitors presence.Registry
	hidden   func(ip string) bool
}

type Option func(*Monitor)

func WithClock(c support.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

func WithAdmins(r presence.Registry) Option {
	return func(m *Monitor) { m.admins = r }
}

// WithVisitors supplies heartbeat presence for online status and active IPs.
func WithVisitors(r presence.Registry) Option {
	return func(m *Monitor) { m.visitors = r }
}

// WithHiddenNetworks replaces the configured infrastructure ranges.
func WithHiddenNetworks(networks []*net.IPNet) Option {
	return func(m *Monitor) {
		m.hidden = func(ip string) bool { return config.ContainsIP(networks, ip) }
	}
}

func New(settings Settings, opts ...Option) *Monitor {
	if settings.ActivityWindow <= 0 {
		settings.ActivityWindow = defaultActivity
	}
	if settings.ActiveWindow <= 0 {
		settings.ActiveWindow = defaultActiveWindow
	}
	if settings.MaxConnectionEvents <= 0 {
		settings.MaxConnectionEvents = defaultMaxEvents
	}
	m := &Monitor{settings: settings, hidden: config.IsInfrastructureIP}
	for _, opt := range opts {
		opt(m)
	}
	m.clock = support.ClockOrSystem(m.clock)
	return m
}

// ignored reports addresses never shown to operators: loopback and hosting
// infrastructure.
func (m *Monitor) ignored(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed != nil && (parsed.IsLoopback() || parsed.IsUnspecified()) {
		return true
	}
	return m.hidden(ip)
}

func (m *Monitor) startOfDay() time.Time {
	now := m.clock.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func clampLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > maxLogLimit {
		return maxLogLimit
	}
	return limit
}
