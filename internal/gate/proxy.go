package gate

import (
	"net"
	"net/http"
	"strings"

	"eyeweb/internal/support"
)

// TrustedProxies resolves the client address, honoring forwarding headers only
// when the direct peer is a configured proxy.
type TrustedProxies struct {
	nets []*net.IPNet
	ips  []net.IP
}

// NewTrustedProxies accepts literal addresses and CIDR ranges. Malformed
// entries are ignored.
func NewTrustedProxies(entries []string) *TrustedProxies {
	tp := &TrustedProxies{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, network, err := net.ParseCIDR(entry); err == nil {
				tp.nets = append(tp.nets, network)
			}
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			tp.ips = append(tp.ips, ip)
		}
	}
	return tp
}

func (tp *TrustedProxies) IsTrusted(addr string) bool {
	ip := net.ParseIP(addr)
	if tp == nil || ip == nil {
		return false
	}
	for _, trusted := range tp.ips {
		if trusted.Equal(ip) {
			return true
		}
	}
	for _, network := range tp.nets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, when the peer
// is trusted, else the peer address.
func (tp *TrustedProxies) ClientIP(r *http.Request) string {
	peer := peerIP(r.RemoteAddr)
	if !tp.IsTrusted(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := support.NormalizeIP(first); ip != "" {
			return ip
		}
	}
	if ip := support.NormalizeIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return peer
}

func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return support.NormalizeIP(host)
}

// isLoopback reports whether the address is this machine.
func isLoopback(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}
