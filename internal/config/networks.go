package config

import (
	"net"
	"strings"
	"sync/atomic"
)

// infrastructureNets holds the parsed hosting ranges hidden from operator views.
var infrastructureNets atomic.Value

func init() {
	infrastructureNets.Store([]*net.IPNet(nil))
}

// ParseNetworks accepts CIDRs and bare addresses; invalid entries are skipped.
func ParseNetworks(entries []string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))

	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				continue
			}
			if ip.To4() != nil {
				entry += "/32"
			} else {
				entry += "/128"
			}
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			continue
		}
		key := network.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, network)
	}

	return out
}

func updateNetworks(cfg Config) {
	infrastructureNets.Store(ParseNetworks(cfg.Monitor.InfrastructureCIDRs))
}

// IsInfrastructureIP reports whether ip belongs to a configured hosting range.
func IsInfrastructureIP(ip string) bool {
	return ContainsIP(infrastructureNets.Load().([]*net.IPNet), ip)
}

func ContainsIP(networks []*net.IPNet, ip string) bool {
	if len(networks) == 0 {
		return false
	}
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	for _, network := range networks {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}
