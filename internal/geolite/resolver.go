// Package geolite resolves addresses to a coarse location and a VPN/hosting
// flag using the MaxMind GeoLite2 City and ASN databases.
package geolite

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"

	"eyeweb/internal/cache"
	"eyeweb/internal/support"

	"github.com/charmbracelet/log"
	"github.com/oschwald/geoip2-golang"
)

const (
	lookupCacheTTL     = 24 * time.Hour
	lookupCacheEntries = 10000

	CountryLocal   = "Local"
	CountryUnknown = "Unknown"
)

var (
	datacenterRegex = regexp.MustCompile(`(?i)(amazon|google|microsoft|digitalocean|linode|akamai|hetzner|ovh|vultr|choopa|ibm|alibaba|tencent|cloudflare|rackspace|hostinger|upcloud|azure|gcp|aws|oracle|scaleway|contabo|leaseweb)`)
	vpnRegex        = regexp.MustCompile(`(?i)(vpn|proxy|tor exit|m247|datacamp|packethub|nordvpn|expressvpn|surfshark|mullvad|proton|private internet access|cyberghost|windscribe)`)
)

type Location struct {
	Country  string `json:"country"`
	City     string `json:"city"`
	VPN      bool   `json:"is_vpn"`
	Provider string `json:"provider,omitempty"`
}

// Resolver looks up an address. It never fails; unknown addresses resolve to
// a Location with Country set to CountryUnknown.
type Resolver interface {
	Lookup(ip string) Location
}

// Service is a Resolver over on-disk GeoLite databases. Either database may be
// missing, in which case the fields it provides stay empty.
type Service struct {
	mu       sync.RWMutex
	city     *geoip2.Reader
	asn      *geoip2.Reader
	cityPath string
	asnPath  string

	results *cache.TTL[Location]
}

func NewService(cityPath, asnPath string, clock support.Clock) *Service {
	s := &Service{
		cityPath: cityPath,
		asnPath:  asnPath,
		results:  cache.New[Location](lookupCacheTTL, lookupCacheEntries, clock),
	}
	if err := s.Reload(); err != nil {
		log.Warn("GeoLite databases unavailable, locations will be unknown", "error", err)
	}
	return s
}

// Reload reopens both databases from disk, keeping the previous reader for a
// database that fails to open.
func (s *Service) Reload() error {
	var errs []error

	city, err := openReader(s.cityPath)
	if err != nil {
		errs = append(errs, fmt.Errorf("city: %w", err))
	}
	asn, err := openReader(s.asnPath)
	if err != nil {
		errs = append(errs, fmt.Errorf("asn: %w", err))
	}

	s.mu.Lock()
	if city != nil {
		if s.city != nil {
			_ = s.city.Close()
		}
		s.city = city
	}
	if asn != nil {
		if s.asn != nil {
			_ = s.asn.Close()
		}
		s.asn = asn
	}
	s.mu.Unlock()

	s.results.Clear()
	return errors.Join(errs...)
}

func openReader(path string) (*geoip2.Reader, error) {
	if path == "" {
		return nil, errors.New("no path configured")
	}
	return geoip2.Open(path)
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.city != nil {
		errs = append(errs, s.city.Close())
		s.city = nil
	}
	if s.asn != nil {
		errs = append(errs, s.asn.Close())
		s.asn = nil
	}
	return errors.Join(errs...)
}

func (s *Service) Lookup(ip string) Location {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Location{Country: CountryUnknown}
	}
	if isLocal(parsed) {
		return Location{Country: CountryLocal}
	}
	if cached, ok := s.results.Get(ip); ok {
		return cached
	}

	loc := s.lookup(parsed)
	s.results.Set(ip, loc)
	return loc
}

func (s *Service) lookup(ip net.IP) Location {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loc := Location{Country: CountryUnknown}
	if s.city != nil {
		if record, err := s.city.City(ip); err == nil {
			if name := record.Country.Names["en"]; name != "" {
				loc.Country = name
			}
			loc.City = record.City.Names["en"]
			loc.VPN = record.Traits.IsAnonymousProxy
		}
	}
	if s.asn != nil {
		if record, err := s.asn.ASN(ip); err == nil {
			if hosted := classifyOrganization(record.AutonomousSystemOrganization); hosted || loc.VPN {
				loc.VPN = true
				loc.Provider = record.AutonomousSystemOrganization
			}
		}
	}
	return loc
}

// classifyOrganization reports whether an ASN organization is a hosting or VPN
// provider rather than an access network.
func classifyOrganization(org string) bool {
	if org == "" {
		return false
	}
	return datacenterRegex.MatchString(org) || vpnRegex.MatchString(org)
}

func isLocal(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

// Static is a fixed Resolver, mostly for tests and for running without
// GeoLite data.
type Static map[string]Location

func (s Static) Lookup(ip string) Location {
	if loc, ok := s[ip]; ok {
		return loc
	}
	if parsed := net.ParseIP(ip); parsed != nil && isLocal(parsed) {
		return Location{Country: CountryLocal}
	}
	return Location{Country: CountryUnknown}
}
