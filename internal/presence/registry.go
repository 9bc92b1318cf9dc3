// Package presence tracks short-lived identity assertions: operator grants
// proven by the admin heartbeat, and visitor heartbeats used for the online
// indicator. Both expire on their own; nothing is ever revoked explicitly.
package presence

import (
	"context"
	"strings"
	"time"

	"eyeweb/internal/cache"
	"eyeweb/internal/support"
)

// Identity is the pair of axes an assertion can be keyed by. Either may be
// empty.
type Identity struct {
	IP          string
	Fingerprint string
}

func (id Identity) Empty() bool {
	return id.IP == "" && id.Fingerprint == ""
}

// Registry stores assertions with a fixed lifetime.
type Registry interface {
	Assert(ctx context.Context, id Identity) error
	HoldsIP(ctx context.Context, ip string) bool
	HoldsDevice(ctx context.Context, fingerprint string) bool
	IPs(ctx context.Context) ([]string, error)
}

// Holds reports whether either axis of id is currently asserted.
func Holds(ctx context.Context, r Registry, id Identity) bool {
	if r == nil {
		return false
	}
	if id.IP != "" && r.HoldsIP(ctx, id.IP) {
		return true
	}
	return id.Fingerprint != "" && r.HoldsDevice(ctx, id.Fingerprint)
}

const (
	ipKeyPrefix     = "ip:"
	deviceKeyPrefix = "fp:"
)

// ipKey stores addresses in canonical form so that grants asserted and looked
// up through different spellings of one address agree.
func ipKey(ip string) string {
	return ipKeyPrefix + support.CanonicalIP(ip)
}

// Memory is an in-process Registry.
type Memory struct {
	entries *cache.TTL[struct{}]
}

func NewMemory(ttl time.Duration, maxEntries int, clock support.Clock) *Memory {
	return &Memory{entries: cache.New[struct{}](ttl, maxEntries, clock)}
}

func (m *Memory) Assert(_ context.Context, id Identity) error {
	if id.IP != "" {
		m.entries.Set(ipKey(id.IP), struct{}{})
	}
	if id.Fingerprint != "" {
		m.entries.Set(deviceKeyPrefix+id.Fingerprint, struct{}{})
	}
	return nil
}

func (m *Memory) HoldsIP(_ context.Context, ip string) bool {
	_, ok := m.entries.Get(ipKey(ip))
	return ok
}

func (m *Memory) HoldsDevice(_ context.Context, fingerprint string) bool {
	_, ok := m.entries.Get(deviceKeyPrefix + fingerprint)
	return ok
}

func (m *Memory) IPs(context.Context) ([]string, error) {
	var ips []string
	for _, key := range m.entries.Keys() {
		if ip, ok := strings.CutPrefix(key, ipKeyPrefix); ok {
			ips = append(ips, ip)
		}
	}
	return ips, nil
}
