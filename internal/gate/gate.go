// Package gate decides, for every inbound request, whether its origin may
// pass, and hands allowed traffic to the telemetry pipeline.
package gate

import (
	"context"
	"strings"
	"time"

	"eyeweb/internal/cache"
	"eyeweb/internal/config"
	"eyeweb/internal/domain"
	"eyeweb/internal/geolite"
	"eyeweb/internal/presence"
	"eyeweb/internal/reputation"
	"eyeweb/internal/support"
	"eyeweb/internal/telemetry"
	"eyeweb/internal/threat"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

type Checker interface {
	Check(ctx context.Context, id reputation.Identity) (bool, error)
}

type Sink interface {
	Submit(rec telemetry.Record) bool
}

type Settings struct {
	BlockCacheTTL     time.Duration
	VisitDedupTTL     time.Duration
	CheckTimeout      time.Duration
	CacheMaxEntries   int
	FingerprintCookie string
	HardwareCookie    string
	TrustedProxies    []string
	InternalPaths     []string
	AdminPaths        []string
	BodySampleBytes   int
}

func DefaultSettings() Settings {
	return SettingsFromConfig(config.Defaults())
}

func SettingsFromConfig(cfg config.Config) Settings {
	g := cfg.Gate
	s := Settings{
		BlockCacheTTL:     config.DurationOr(g.BlockCacheTTL, 15*time.Second),
		VisitDedupTTL:     config.DurationOr(g.VisitDedupTTL, time.Minute),
		CheckTimeout:      2500 * time.Millisecond,
		CacheMaxEntries:   g.CacheMaxEntries,
		FingerprintCookie: g.FingerprintCookie,
		HardwareCookie:    g.HardwareCookie,
		TrustedProxies:    g.TrustedProxies,
		InternalPaths:     g.InternalPaths,
		AdminPaths:        g.AdminPaths,
		BodySampleBytes:   g.BodySampleBytes,
	}
	if g.CheckTimeoutMs > 0 {
		s.CheckTimeout = time.Duration(g.CheckTimeoutMs) * time.Millisecond
	}
	if s.CacheMaxEntries <= 0 {
		s.CacheMaxEntries = 10000
	}
	if s.FingerprintCookie == "" {
		s.FingerprintCookie = "eyeweb_fp"
	}
	if s.HardwareCookie == "" {
		s.HardwareCookie = "eyeweb_hwfp"
	}
	return s
}

type Gate struct {
	checker  Checker
	settings Settings
	proxies  *TrustedProxies
	clock    support.Clock
	geo      geolite.Resolver
	sink     Sink
	admins   presence.Registry
	visitors presence.Registry

	blocked *cache.TTL[struct{}]
	visits  *cache.TTL[struct{}]
	checks  singleflight.Group
}

type Option func(*Gate)

func WithClock(c support.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

func WithGeo(r geolite.Resolver) Option {
	return func(g *Gate) { g.geo = r }
}

func WithSink(s Sink) Option {
	return func(g *Gate) { g.sink = s }
}

// WithAdmins exempts grant holders from blocking.
func WithAdmins(r presence.Registry) Option {
	return func(g *Gate) { g.admins = r }
}

// WithVisitors records CheckStatus callers as present.
func WithVisitors(r presence.Registry) Option {
	return func(g *Gate) { g.visitors = r }
}

func New(checker Checker, settings Settings, opts ...Option) *Gate {
	g := &Gate{
		checker:  checker,
		settings: settings,
		proxies:  NewTrustedProxies(settings.TrustedProxies),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.clock = support.ClockOrSystem(g.clock)
	if g.geo == nil {
		g.geo = geolite.Static{}
	}
	g.blocked = cache.New[struct{}](settings.BlockCacheTTL, settings.CacheMaxEntries, g.clock)
	g.visits = cache.New[struct{}](settings.VisitDedupTTL, settings.CacheMaxEntries, g.clock)
	return g
}

// blockKey joins the identity axes with "|" so IPv6 addresses stay intact.
func blockKey(id reputation.Identity) string {
	return id.IP + "|" + id.Fingerprint + "|" + id.HardwareHash
}

func splitBlockKey(key string) (ip, fingerprint string) {
	parts := strings.SplitN(key, "|", 3)
	if len(parts) < 2 {
		return key, ""
	}
	return parts[0], parts[1]
}

// Blocked answers from the cache or the reputation store. Only positive
// results are cached. A failing or slow check allows the request.
func (g *Gate) Blocked(ctx context.Context, id reputation.Identity) bool {
	if id.IP == "" && id.Fingerprint == "" && id.HardwareHash == "" {
		return false
	}
	if id.IP != "" {
		if _, ok := g.blocked.Get(blockKey(reputation.Identity{IP: id.IP})); ok {
			return true
		}
	}
	key := blockKey(id)
	if _, ok := g.blocked.Get(key); ok {
		return true
	}

	result, err, _ := g.checks.Do(key, func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.settings.CheckTimeout)
		defer cancel()
		return g.checker.Check(checkCtx, id)
	})
	if err != nil {
		log.Warn("Reputation check failed, allowing request", "ip", id.IP, "fingerprint", id.Fingerprint, "error", err)
		return false
	}
	blocked, _ := result.(bool)
	if blocked {
		g.blocked.Set(key, struct{}{})
	}
	return blocked
}

// Prime marks an address, and the address with a fingerprint, blocked
// without consulting the store.
func (g *Gate) Prime(ip, fingerprint string) {
	if ip != "" {
		g.blocked.Set(blockKey(reputation.Identity{IP: ip}), struct{}{})
	}
	if fingerprint != "" {
		g.blocked.Set(blockKey(reputation.Identity{IP: ip, Fingerprint: fingerprint}), struct{}{})
	}
}

// Invalidate drops cached positives for any of the addresses or fingerprints.
func (g *Gate) Invalidate(ips, fingerprints []string) int {
	if len(ips) == 0 && len(fingerprints) == 0 {
		return 0
	}
	ipSet := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		ipSet[ip] = struct{}{}
	}
	fpSet := make(map[string]struct{}, len(fingerprints))
	for _, fp := range fingerprints {
		fpSet[fp] = struct{}{}
	}

	return g.blocked.DeleteFunc(func(key string) bool {
		ip, fp := splitBlockKey(key)
		if _, ok := ipSet[ip]; ok {
			return true
		}
		_, ok := fpSet[fp]
		return ok && fp != ""
	})
}

// ApplyChange keeps the cache in step with reputation mutations. New blocks
// need nothing since negatives are never cached.
func (g *Gate) ApplyChange(change reputation.Change) {
	if change.Blocked {
		return
	}
	switch change.Kind {
	case domain.BlockKindIP:
		g.Invalidate([]string{change.Target}, nil)
	case domain.BlockKindDevice:
		g.Invalidate(change.IPs, []string{change.Target})
	}
}

func (g *Gate) exempt(ctx context.Context, ip, fingerprint string) bool {
	return presence.Holds(ctx, g.admins, presence.Identity{IP: ip, Fingerprint: fingerprint})
}

// firstVisit reports whether ip has not been logged on path within the dedup
// window, and starts the window when it has not.
func (g *Gate) firstVisit(ip, path string) bool {
	return g.visits.Add(ip+"|"+path, struct{}{})
}

type StatusQuery struct {
	IP           string
	Path         string
	UserAgent    string
	Fingerprint  string
	HardwareHash string
}

// CheckStatus is the gate decision for an external edge. An allowed query
// with a path is logged as a page visit.
func (g *Gate) CheckStatus(ctx context.Context, q StatusQuery) bool {
	ip := support.NormalizeIP(q.IP)
	if ip == "" || isLoopback(ip) {
		return false
	}

	if g.visitors != nil {
		if err := g.visitors.Assert(ctx, presence.Identity{IP: ip, Fingerprint: q.Fingerprint}); err != nil {
			log.Warn("Visitor presence not recorded", "ip", ip, "error", err)
		}
	}
	if g.exempt(ctx, ip, q.Fingerprint) {
		return false
	}

	if g.Blocked(ctx, reputation.Identity{IP: ip, Fingerprint: q.Fingerprint, HardwareHash: q.HardwareHash}) {
		return true
	}
	if q.Path != "" {
		g.RecordPage(ip, q.Fingerprint, q.UserAgent, q.Path)
	}
	return false
}

// Decide is CheckStatus without side effects: no presence, no page log.
func (g *Gate) Decide(ctx context.Context, q StatusQuery) bool {
	ip := support.NormalizeIP(q.IP)
	if ip == "" || isLoopback(ip) || g.exempt(ctx, ip, q.Fingerprint) {
		return false
	}
	return g.Blocked(ctx, reputation.Identity{IP: ip, Fingerprint: q.Fingerprint, HardwareHash: q.HardwareHash})
}

// RecordPage logs a client-side navigation once per dedup window.
func (g *Gate) RecordPage(ip, fingerprint, userAgent, path string) bool {
	if ip == "" || isLoopback(ip) || !g.firstVisit(ip, path) {
		return false
	}
	ev := g.event(ip, fingerprint, domain.MethodPage, path, userAgent)
	ev.StatusCode = 200
	return g.submit(telemetry.Record{Observation: threat.Observation{Event: ev}, Persist: true})
}

func (g *Gate) event(ip, fingerprint, method, path, userAgent string) domain.RequestEvent {
	loc := g.geo.Lookup(ip)
	return domain.RequestEvent{
		IP:              ip,
		Method:          method,
		Path:            path,
		UserAgent:       domain.TruncateUserAgent(userAgent),
		Country:         loc.Country,
		City:            loc.City,
		VPN:             loc.VPN,
		VPNProvider:     loc.Provider,
		FingerprintHash: fingerprint,
		CreatedAt:       g.clock.Now().UTC(),
	}
}

func (g *Gate) submit(rec telemetry.Record) bool {
	if g.sink == nil {
		return false
	}
	return g.sink.Submit(rec)
}
