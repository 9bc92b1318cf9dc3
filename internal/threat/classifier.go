// Package threat classifies observed requests into threat events using
// deterministic thresholds and signatures, and requests automatic blocks for
// the severe ones.
package threat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"eyeweb/internal/config"
	"eyeweb/internal/domain"
	"eyeweb/internal/presence"
	"eyeweb/internal/reputation"
	"eyeweb/internal/support"

	"github.com/charmbracelet/log"
)

const (
	rateWindow = time.Minute

	scannerPathStep = 2
	reconProbeStep  = 3
	genericUAStep   = 10
)

type Settings struct {
	RateLimitPerMinute    int
	EscalationWindow      time.Duration
	BruteForceMaxAttempts int
	BruteForceWindow      time.Duration
	ProbeDistinctPaths    int
	ProbeWindow           time.Duration
	MaxTrackedKeys        int
}

func DefaultSettings() Settings {
	return Settings{
		RateLimitPerMinute:    60,
		EscalationWindow:      10 * time.Minute,
		BruteForceMaxAttempts: 10,
		BruteForceWindow:      5 * time.Minute,
		ProbeDistinctPaths:    20,
		ProbeWindow:           10 * time.Second,
		MaxTrackedKeys:        50000,
	}
}

// SettingsFromConfig reads the classifier section, keeping defaults for unset
// values.
func SettingsFromConfig(cfg config.Config) Settings {
	s := DefaultSettings()
	c := cfg.Classifier
	if c.RateLimitPerMinute > 0 {
		s.RateLimitPerMinute = int(c.RateLimitPerMinute)
	}
	if c.BruteForceMaxAttempts > 0 {
		s.BruteForceMaxAttempts = int(c.BruteForceMaxAttempts)
	}
	if c.ProbeDistinctPaths > 0 {
		s.ProbeDistinctPaths = int(c.ProbeDistinctPaths)
	}
	if c.MaxTrackedKeys > 0 {
		s.MaxTrackedKeys = c.MaxTrackedKeys
	}
	s.EscalationWindow = config.DurationOr(c.EscalationWindow, s.EscalationWindow)
	s.BruteForceWindow = config.DurationOr(c.BruteForceWindow, s.BruteForceWindow)
	s.ProbeWindow = config.DurationOr(c.ProbeWindow, s.ProbeWindow)
	return s
}

// Observation is one request as seen by the classifier.
type Observation struct {
	Event domain.RequestEvent
	Query string
	Body  []byte
}

// Blocker applies automatic blocks.
type Blocker interface {
	BlockIP(ctx context.Context, req reputation.IPBlockRequest) (domain.BlockEntry, bool, error)
}

type Classifier struct {
	settings Settings
	clock    support.Clock
	blocker  Blocker
	admins   presence.Registry
	keys     *keyTable
}

type Option func(*Classifier)

func WithClock(c support.Clock) Option {
	return func(cl *Classifier) { cl.clock = c }
}

func WithBlocker(b Blocker) Option {
	return func(cl *Classifier) { cl.blocker = b }
}

// WithAdmins exempts identities holding an admin grant from classification.
func WithAdmins(r presence.Registry) Option {
	return func(cl *Classifier) { cl.admins = r }
}

func New(settings Settings, opts ...Option) *Classifier {
	c := &Classifier{settings: settings}
	for _, opt := range opts {
		opt(c)
	}
	c.clock = support.ClockOrSystem(c.clock)
	c.keys = newKeyTable(settings.MaxTrackedKeys)
	return c
}

// Inspect classifies obs and returns the resulting threat events. Severe events
// are auto-blocked before Inspect returns; AutoBlocked reports the outcome.
func (c *Classifier) Inspect(ctx context.Context, obs Observation) []domain.ThreatEvent {
	ev := obs.Event
	if ev.IP == "" {
		return nil
	}
	if presence.Holds(ctx, c.admins, presence.Identity{IP: ev.IP, Fingerprint: ev.FingerprintHash}) {
		return nil
	}

	now := c.clock.Now().UTC()
	key := ev.IP
	if ev.FingerprintHash != "" {
		key = "fp:" + ev.FingerprintHash
	}

	state := c.keys.get(key)
	state.mu.Lock()
	findings := c.stateful(state, obs, now)
	state.mu.Unlock()

	findings = append(findings, c.payload(obs)...)
	if len(findings) == 0 {
		return nil
	}

	target := ev.Path
	if obs.Query != "" {
		target += "?" + obs.Query
	}
	events := make([]domain.ThreatEvent, 0, len(findings))
	for _, f := range findings {
		events = append(events, domain.ThreatEvent{
			IP:              ev.IP,
			Category:        f.category,
			Severity:        f.severity,
			Details:         f.details,
			Path:            target,
			FingerprintHash: ev.FingerprintHash,
			CreatedAt:       now,
		})
	}

	c.autoBlock(ctx, events)
	return events
}

type finding struct {
	category domain.ThreatCategory
	severity domain.Severity
	details  string
}

func (c *Classifier) stateful(s *keyState, obs Observation, now time.Time) []finding {
	var out []finding
	ev := obs.Event

	if f, ok := c.rateLimit(s, now); ok {
		out = append(out, f...)
	}

	if sig := firstMatch(strings.ToLower(ev.Path), scannerPaths); sig != "" {
		if sev, ok := c.escalate(s, domain.CategoryScanner, domain.SeverityMedium, scannerPathStep, now); ok {
			out = append(out, finding{domain.CategoryScanner, sev, "Scanner signature path: " + sig})
		}
	}
	if f, ok := c.sequentialProbe(s, ev.Path, now); ok {
		out = append(out, f)
	}

	if tool := scannerTool(ev.UserAgent); tool != "" {
		// A single step per escalation window keeps this at one event.
		if _, ok := c.escalate(s, domain.CategorySuspiciousUA, domain.SeverityHigh, 0, now); ok {
			out = append(out, finding{domain.CategorySuspiciousUA, domain.SeverityHigh, "Attack tool user agent: " + tool})
		}
	} else if ev.Method != domain.MethodPage && isGenericAgent(ev.UserAgent) {
		if sev, ok := c.escalate(s, domain.CategorySuspiciousUA, domain.SeverityLow, genericUAStep, now); ok {
			out = append(out, finding{domain.CategorySuspiciousUA, sev, describeAgent(ev.UserAgent)})
		}
	}

	if ev.StatusCode == http.StatusNotFound && isReconPath(ev.Path) {
		if sev, ok := c.escalate(s, domain.CategoryReconProbe, domain.SeverityLow, reconProbeStep, now); ok {
			out = append(out, finding{domain.CategoryReconProbe, sev, "Probe of missing internal path"})
		}
	}

	if f, ok := c.bruteForce(s, ev, now); ok {
		out = append(out, f)
	}

	return out
}

// rateLimit counts requests in fixed one-minute windows. A window reports
// once when it crosses the limit and once more at twice the limit. Trips
// within the escalation window of the previous trip raise the severity.
func (c *Classifier) rateLimit(s *keyState, now time.Time) ([]finding, bool) {
	limit := c.settings.RateLimitPerMinute
	if limit <= 0 {
		return nil, false
	}

	if s.rateWindowStart.IsZero() || now.Sub(s.rateWindowStart) >= rateWindow {
		s.rateWindowStart = now
		s.rateCount = 0
	}
	s.rateCount++

	switch s.rateCount {
	case limit + 1:
		if !s.rateLastTrip.IsZero() && now.Sub(s.rateLastTrip) <= c.settings.EscalationWindow {
			s.rateLevel++
		} else {
			s.rateLevel = 0
		}
		s.rateLastTrip = now
		return []finding{{
			category: domain.CategoryRateLimit,
			severity: domain.SeverityMedium.Escalate(s.rateLevel),
			details:  fmt.Sprintf("%d requests in %s (limit %d)", s.rateCount, rateWindow, limit),
		}}, true
	case 2*limit + 1:
		return []finding{{
			category: domain.CategoryRateLimit,
			severity: domain.SeverityCritical,
			details:  fmt.Sprintf("%d requests in %s (twice the limit %d)", s.rateCount, rateWindow, limit),
		}}, true
	}
	return nil, false
}

// escalate counts hits of a rule within the escalation window. The severity
// rises one level every step hits; step <= 0 never escalates. It reports true
// on the first hit and whenever the severity changes.
func (c *Classifier) escalate(s *keyState, category domain.ThreatCategory, base domain.Severity, step int, now time.Time) (domain.Severity, bool) {
	h, ok := s.rules[category]
	if !ok || now.Sub(h.last) > c.settings.EscalationWindow {
		h = &ruleHits{emitted: -1}
		s.rules[category] = h
	}
	h.hits++
	h.last = now

	level := 0
	if step > 0 {
		level = (h.hits - 1) / step
	}
	severity := base.Escalate(level)
	if severity.Rank() == h.emitted {
		return "", false
	}
	h.emitted = severity.Rank()
	return severity, true
}

func (c *Classifier) sequentialProbe(s *keyState, path string, now time.Time) (finding, bool) {
	threshold := c.settings.ProbeDistinctPaths
	if threshold <= 0 || path == "" {
		return finding{}, false
	}

	for p, seen := range s.probePaths {
		if now.Sub(seen) > c.settings.ProbeWindow {
			delete(s.probePaths, p)
		}
	}
	s.probePaths[path] = now

	if len(s.probePaths) < threshold {
		return finding{}, false
	}
	if !s.probeReported.IsZero() && now.Sub(s.probeReported) <= c.settings.ProbeWindow {
		return finding{}, false
	}
	s.probeReported = now
	return finding{
		category: domain.CategoryScanner,
		severity: domain.SeverityHigh,
		details:  fmt.Sprintf("%d distinct paths in %s", len(s.probePaths), c.settings.ProbeWindow),
	}, true
}

func (c *Classifier) bruteForce(s *keyState, ev domain.RequestEvent, now time.Time) (finding, bool) {
	if ev.Method != http.MethodPost || !isAuthPath(ev.Path) || !failedAuth(ev.StatusCode) {
		return finding{}, false
	}

	kept := s.authFailures[:0]
	for _, at := range s.authFailures {
		if now.Sub(at) < c.settings.BruteForceWindow {
			kept = append(kept, at)
		}
	}
	s.authFailures = append(kept, now)

	if len(s.authFailures) <= c.settings.BruteForceMaxAttempts {
		return finding{}, false
	}
	attempts := len(s.authFailures)
	s.authFailures = s.authFailures[:0]
	return finding{
		category: domain.CategoryBruteForce,
		severity: domain.SeverityCritical,
		details:  fmt.Sprintf("%d failed authentication attempts in %s", attempts, c.settings.BruteForceWindow),
	}, true
}

// failedAuth treats a missing status as a failure.
func failedAuth(status int) bool {
	switch status {
	case 0, http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return false
}

// payload checks the request content itself; these rules need no history.
func (c *Classifier) payload(obs Observation) []finding {
	var out []finding
	raw := strings.ToLower(obs.Event.Path + "?" + obs.Query)
	target := decoded(obs.Event.Path) + "?" + decoded(obs.Query)
	body := decoded(string(obs.Body))

	if p := firstMatch(target, sqlPatterns); p != "" {
		out = append(out, finding{domain.CategorySQLInjection, domain.SeverityCritical, "SQL injection pattern: " + p})
	} else if p := firstMatch(body, sqlBodyPatterns); p != "" {
		out = append(out, finding{domain.CategorySQLInjection, domain.SeverityCritical, "SQL injection pattern in body: " + p})
	}

	p := firstMatch(raw, traversalPatterns)
	if p == "" {
		p = firstMatch(target, traversalPatterns)
	}
	if p == "" {
		p = firstMatch(body, traversalPatterns[:2])
	}
	if p != "" {
		out = append(out, finding{domain.CategoryPathTraversal, domain.SeverityCritical, "Path traversal pattern: " + p})
	}
	return out
}

func describeAgent(ua string) string {
	if strings.TrimSpace(ua) == "" {
		return "Empty user agent"
	}
	return "Generic client user agent: " + domain.TruncateUserAgent(ua)
}

func autoBlockEligible(ev domain.ThreatEvent) bool {
	return ev.Category.InherentlySevere() || ev.Severity.AtLeast(domain.SeverityHigh)
}

func (c *Classifier) autoBlock(ctx context.Context, events []domain.ThreatEvent) {
	first := -1
	for i := range events {
		if autoBlockEligible(events[i]) {
			first = i
			break
		}
	}
	if first < 0 || c.blocker == nil {
		return
	}

	ev := events[first]
	_, created, err := c.blocker.BlockIP(ctx, reputation.IPBlockRequest{
		IP:        ev.IP,
		Reason:    "Auto: " + string(ev.Category),
		BlockedBy: domain.BlockedBySystem,
	})
	switch {
	case errors.Is(err, reputation.ErrAdminProtected):
		log.Debug("Auto-block skipped for admin identity", "ip", ev.IP)
		return
	case err != nil:
		log.Error("Auto-block failed", "ip", ev.IP, "category", ev.Category, "error", err)
		return
	}
	if created {
		log.Warn("Auto-blocked IP", "ip", ev.IP, "category", ev.Category, "severity", ev.Severity)
	}

	for i := range events {
		if autoBlockEligible(events[i]) {
			events[i].AutoBlocked = true
		}
	}
}
