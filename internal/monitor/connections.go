package monitor

import (
	"context"
	"net/http"
	"sort"
	"time"

	"eyeweb/internal/database"
	"eyeweb/internal/domain"
	"eyeweb/internal/presence"
)

type ConnectionIP struct {
	IP  string `json:"ip"`
	VPN bool   `json:"is_vpn"`
}

// Connection is one visitor today: a fingerprint, or a bare address when no
// fingerprint was ever seen from it.
type Connection struct {
	Key             string         `json:"key"`
	FingerprintHash string         `json:"fingerprint_hash,omitempty"`
	IPs             []ConnectionIP `json:"ips"`
	VPN             bool           `json:"is_vpn"`
	VPNProvider     string         `json:"vpn_provider,omitempty"`
	Country         string         `json:"country"`
	City            string         `json:"city"`
	LastMethod      string         `json:"last_method"`
	RequestCount    int            `json:"request_count"`
	Online          bool           `json:"online"`
	Admin           bool           `json:"is_admin"`
	LastSeen        time.Time      `json:"last_seen"`

	ipIndex map[string]int
}

func newConnection(key, fingerprint string) *Connection {
	return &Connection{Key: key, FingerprintHash: fingerprint, ipIndex: make(map[string]int)}
}

func (c *Connection) add(ev domain.RequestEvent) {
	c.RequestCount++
	if i, ok := c.ipIndex[ev.IP]; ok {
		c.IPs[i].VPN = c.IPs[i].VPN || ev.VPN
	} else {
		c.ipIndex[ev.IP] = len(c.IPs)
		c.IPs = append(c.IPs, ConnectionIP{IP: ev.IP, VPN: ev.VPN})
	}
	if ev.VPN {
		c.VPN = true
		if ev.VPNProvider != "" {
			c.VPNProvider = ev.VPNProvider
		}
	}
	if !ev.CreatedAt.Before(c.LastSeen) {
		c.LastSeen = ev.CreatedAt
		c.LastMethod = ev.Method
		if ev.Country != "" {
			c.Country = ev.Country
		}
		if ev.City != "" {
			c.City = ev.City
		}
	}
}

// absorb folds an address-only group into this one.
func (c *Connection) absorb(other *Connection) {
	for _, ip := range other.IPs {
		if i, ok := c.ipIndex[ip.IP]; ok {
			c.IPs[i].VPN = c.IPs[i].VPN || ip.VPN
			continue
		}
		c.ipIndex[ip.IP] = len(c.IPs)
		c.IPs = append(c.IPs, ip)
	}
	c.RequestCount += other.RequestCount
	c.VPN = c.VPN || other.VPN
	if c.VPNProvider == "" {
		c.VPNProvider = other.VPNProvider
	}
	if other.LastSeen.After(c.LastSeen) {
		c.LastSeen = other.LastSeen
		c.LastMethod = other.LastMethod
		c.Country = other.Country
		c.City = other.City
	}
}

// Connections groups today's traffic by device. An event without a
// fingerprint joins the fingerprint most recently seen on its address, and an
// address group is merged away once a fingerprint shows up on it.
func (m *Monitor) Connections(ctx context.Context) ([]Connection, error) {
	events, err := database.ListRequestEventsSince(ctx, m.startOfDay(), m.settings.MaxConnectionEvents)
	if err != nil {
		return nil, err
	}

	groups := make(map[string]*Connection)
	order := make([]string, 0)
	owner := make(map[string]string)

	group := func(key, fingerprint string) *Connection {
		c, ok := groups[key]
		if !ok {
			c = newConnection(key, fingerprint)
			groups[key] = c
			order = append(order, key)
		}
		return c
	}

	for _, ev := range events {
		if m.ignored(ev.IP) {
			continue
		}
		fp := ev.FingerprintHash
		if fp == "" && ev.Method == http.MethodOptions {
			continue
		}

		if fp == "" {
			if known, ok := owner[ev.IP]; ok {
				fp = known
			}
		}
		if fp == "" {
			group(ipGroupPrefix+ev.IP, "").add(ev)
			continue
		}

		owner[ev.IP] = fp
		c := group(fp, fp)
		if orphan, ok := groups[ipGroupPrefix+ev.IP]; ok {
			c.absorb(orphan)
			delete(groups, ipGroupPrefix+ev.IP)
		}
		c.add(ev)
	}

	now := m.clock.Now()
	out := make([]Connection, 0, len(groups))
	for _, key := range order {
		c, ok := groups[key]
		if !ok {
			continue
		}
		c.Online = now.Sub(c.LastSeen) <= m.settings.ActivityWindow || m.heartbeating(ctx, c)
		c.Admin = m.isAdmin(ctx, c)
		out = append(out, *c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Online != out[j].Online {
			return out[i].Online
		}
		if out[i].RequestCount != out[j].RequestCount {
			return out[i].RequestCount > out[j].RequestCount
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out, nil
}

func (m *Monitor) heartbeating(ctx context.Context, c *Connection) bool {
	if m.visitors == nil {
		return false
	}
	if c.FingerprintHash != "" && m.visitors.HoldsDevice(ctx, c.FingerprintHash) {
		return true
	}
	for _, ip := range c.IPs {
		if m.visitors.HoldsIP(ctx, ip.IP) {
			return true
		}
	}
	return false
}

func (m *Monitor) isAdmin(ctx context.Context, c *Connection) bool {
	if c.FingerprintHash != "" {
		return presence.Holds(ctx, m.admins, presence.Identity{Fingerprint: c.FingerprintHash})
	}
	return len(c.IPs) > 0 && presence.Holds(ctx, m.admins, presence.Identity{IP: c.IPs[0].IP})
}
