// Package fingerprint turns client fingerprint submissions into device
// identities and catches blocked devices returning under a new fingerprint.
package fingerprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"eyeweb/internal/database"
	"eyeweb/internal/domain"
	"eyeweb/internal/geolite"
	"eyeweb/internal/presence"
	"eyeweb/internal/reputation"
	"eyeweb/internal/support"

	"github.com/charmbracelet/log"
)

const (
	maxComponents     = 64
	maxComponentBytes = 2048
	defaultIPHistory  = 32
)

var (
	ErrInvalidRegistration = errors.New("fingerprint: invalid registration")

	hashPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,128}$`)
)

type Registration struct {
	Hash         string            `json:"hash"`
	HardwareHash string            `json:"hardwareHash"`
	Components   domain.Components `json:"components"`
	IP           string            `json:"ip"`
}

type Result struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
}

// Store is the slice of the reputation store the registrar needs.
type Store interface {
	Device(ctx context.Context, fingerprint string) (*domain.BlockedDevice, error)
	BlockedDevices(ctx context.Context) ([]domain.BlockedDevice, error)
	BlockDevice(ctx context.Context, req reputation.DeviceBlockRequest) (domain.BlockEntry, bool, error)
	AssociateIP(ctx context.Context, fingerprint, ip string) error
}

// Primer marks an identity blocked in the edge cache.
type Primer interface {
	Prime(ip, fingerprint string)
}

type Registrar struct {
	store        Store
	geo          geolite.Resolver
	matcher      Matcher
	primer       Primer
	admins       presence.Registry
	clock        support.Clock
	historyLimit int
}

type Option func(*Registrar)

func WithMatcher(m Matcher) Option {
	return func(r *Registrar) { r.matcher = m }
}

func WithPrimer(p Primer) Option {
	return func(r *Registrar) { r.primer = p }
}

func WithAdmins(a presence.Registry) Option {
	return func(r *Registrar) { r.admins = a }
}

func WithClock(c support.Clock) Option {
	return func(r *Registrar) { r.clock = c }
}

func WithHistoryLimit(n int) Option {
	return func(r *Registrar) { r.historyLimit = n }
}

func NewRegistrar(store Store, geo geolite.Resolver, opts ...Option) *Registrar {
	r := &Registrar{
		store:        store,
		geo:          geo,
		matcher:      NewWeightedMatcher(0),
		historyLimit: defaultIPHistory,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.clock = support.ClockOrSystem(r.clock)
	if r.geo == nil {
		r.geo = geolite.Static{}
	}
	return r
}

// Validate rejects malformed submissions before anything is written.
func (reg Registration) Validate() error {
	if !hashPattern.MatchString(reg.Hash) {
		return fmt.Errorf("%w: hash must be 3-128 characters of [A-Za-z0-9_-]", ErrInvalidRegistration)
	}
	if reg.HardwareHash != "" && !hashPattern.MatchString(reg.HardwareHash) {
		return fmt.Errorf("%w: malformed hardware hash", ErrInvalidRegistration)
	}
	if net.ParseIP(strings.TrimSpace(reg.IP)) == nil {
		return fmt.Errorf("%w: ip %q", ErrInvalidRegistration, reg.IP)
	}
	if len(reg.Components) > maxComponents {
		return fmt.Errorf("%w: %d components, at most %d", ErrInvalidRegistration, len(reg.Components), maxComponents)
	}
	for key, value := range reg.Components {
		data, err := json.Marshal(value)
		if err != nil || len(data) > maxComponentBytes {
			return fmt.Errorf("%w: component %q too large", ErrInvalidRegistration, key)
		}
	}
	return nil
}

// Register records the device and reports whether it is blocked, directly or
// through a similarity match with a blocked device.
func (r *Registrar) Register(ctx context.Context, reg Registration) (Result, error) {
	if err := reg.Validate(); err != nil {
		return Result{}, err
	}
	ip := support.NormalizeIP(reg.IP)

	hardwareHash := reg.HardwareHash
	if hardwareHash == "" {
		hardwareHash = HardwareHash(reg.Components)
	}

	if err := r.upsertIdentity(ctx, reg, ip, hardwareHash); err != nil {
		return Result{}, err
	}

	if presence.Holds(ctx, r.admins, presence.Identity{IP: ip, Fingerprint: reg.Hash}) {
		return Result{}, nil
	}

	device, err := r.store.Device(ctx, reg.Hash)
	if err != nil {
		return Result{}, err
	}
	if device != nil {
		if err := r.store.AssociateIP(ctx, reg.Hash, ip); err != nil {
			log.Warn("Blocked device address not recorded on block", "fingerprint", reg.Hash, "ip", ip, "error", err)
		}
		r.prime(ip, reg.Hash)
		return Result{Blocked: true, Reason: device.Reason}, nil
	}

	blocked, err := r.store.BlockedDevices(ctx)
	if err != nil {
		return Result{}, err
	}
	match, ok := r.matcher.Match(Candidate{
		Fingerprint:  reg.Hash,
		HardwareHash: hardwareHash,
		Components:   reg.Components,
	}, blocked)
	if !ok {
		return Result{}, nil
	}

	entry, _, err := r.store.BlockDevice(ctx, reputation.DeviceBlockRequest{
		Fingerprint:  reg.Hash,
		HardwareHash: hardwareHash,
		Reason:       match.Reason(),
		BlockedBy:    domain.BlockedBySystem,
		MatchedFrom:  match.Device.FingerprintHash,
	})
	if errors.Is(err, reputation.ErrAdminProtected) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}

	log.Warn("Blocked device returned under a new fingerprint", "fingerprint", reg.Hash, "matched_from", match.Device.FingerprintHash, "tier", match.Tier, "score", match.Score, "ip", ip)
	r.prime(ip, reg.Hash)
	return Result{Blocked: true, Reason: entry.Device.Reason}, nil
}

func (r *Registrar) upsertIdentity(ctx context.Context, reg Registration, ip, hardwareHash string) error {
	now := r.clock.Now().UTC()
	vpn := r.geo.Lookup(ip).VPN

	identity, err := database.GetDeviceIdentity(ctx, reg.Hash)
	if err != nil {
		return fmt.Errorf("fingerprint: load identity: %w", err)
	}
	if identity == nil {
		identity = &domain.DeviceIdentity{FingerprintHash: reg.Hash, FirstSeenAt: now}
	}
	identity.LastSeenAt = now
	identity.RecentIPs = identity.RecentIPs.Touch(ip, vpn, now.Unix(), r.historyLimit)
	if hardwareHash != "" {
		identity.HardwareHash = hardwareHash
	}
	if len(reg.Components) > 0 {
		identity.Components = reg.Components
	}

	if err := database.SaveDeviceIdentity(ctx, identity); err != nil {
		return fmt.Errorf("fingerprint: save identity: %w", err)
	}
	if err := database.UpsertDeviceIP(ctx, reg.Hash, ip, vpn, now); err != nil {
		return fmt.Errorf("fingerprint: save device address: %w", err)
	}
	return nil
}

func (r *Registrar) prime(ip, fingerprint string) {
	if r.primer != nil {
		r.primer.Prime(ip, fingerprint)
	}
}
