// Package reputation is the registry of blocked addresses and devices. It is
// the only writer of blocking state; everything else reads through Check.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"eyeweb/internal/database"
	"eyeweb/internal/domain"
	"eyeweb/internal/presence"
	"eyeweb/internal/support"

	"github.com/charmbracelet/log"
)

const logSnapshotSize = 20

var (
	ErrAdminProtected = errors.New("reputation: identity holds an admin grant")
	ErrNotFound       = errors.New("reputation: block not found")
	ErrInvalidTarget  = errors.New("reputation: invalid block target")
)

// Identity is what a request is checked against. Empty axes are ignored.
type Identity struct {
	IP           string
	Fingerprint  string
	HardwareHash string
}

type IPBlockRequest struct {
	IP        string
	Reason    string
	BlockedBy string
}

type DeviceBlockRequest struct {
	Fingerprint  string
	HardwareHash string
	Reason       string
	BlockedBy    string
	// MatchedFrom names the blocked fingerprint a similarity match hit.
	MatchedFrom string
}

type BlockList struct {
	IPBlocks     []domain.BlockedIP     `json:"ipBlocks"`
	DeviceBlocks []domain.BlockedDevice `json:"deviceBlocks"`
}

// Change describes a mutation of blocking state. IPs lists the addresses a
// device change covers.
type Change struct {
	Kind    domain.BlockKind `json:"kind"`
	Target  string           `json:"target"`
	Blocked bool             `json:"blocked"`
	IPs     []string         `json:"ips,omitempty"`
}

// Publisher fans changes out to other instances.
type Publisher interface {
	Publish(ctx context.Context, change Change) error
}

type Store struct {
	locks     *keyedMutex
	admins    presence.Registry
	clock     support.Clock
	publisher Publisher

	listenersMu sync.RWMutex
	listeners   []func(Change)
}

type Option func(*Store)

// WithAdmins makes identities holding an admin grant unblockable.
func WithAdmins(r presence.Registry) Option {
	return func(s *Store) { s.admins = r }
}

func WithClock(c support.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithPublisher(p Publisher) Option {
	return func(s *Store) { s.publisher = p }
}

func NewStore(opts ...Option) *Store {
	s := &Store{locks: newKeyedMutex()}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = support.ClockOrSystem(s.clock)
	return s
}

// OnChange registers fn for every local or remote change.
func (s *Store) OnChange(fn func(Change)) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

// Apply delivers a change received from another instance to local listeners.
func (s *Store) Apply(change Change) {
	s.listenersMu.RLock()
	listeners := slices.Clone(s.listeners)
	s.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(change)
	}
}

func (s *Store) notify(ctx context.Context, change Change) {
	s.Apply(change)
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), change); err != nil {
		log.Warn("Reputation change not published, other instances keep stale cache", "kind", change.Kind, "target", change.Target, "error", err)
	}
}

// Check reports whether any axis of id is blocked.
func (s *Store) Check(ctx context.Context, id Identity) (bool, error) {
	blocked, err := database.IsBlocked(ctx, database.BlockLookup{
		IP:           support.CanonicalIP(id.IP),
		Fingerprint:  id.Fingerprint,
		HardwareHash: id.HardwareHash,
	})
	if err != nil {
		return false, fmt.Errorf("reputation: check: %w", err)
	}
	return blocked, nil
}

// BlockIP blocks a literal address. Blocking an already blocked address
// returns the existing entry with created set to false.
func (s *Store) BlockIP(ctx context.Context, req IPBlockRequest) (domain.BlockEntry, bool, error) {
	ip := support.NormalizeIP(req.IP)
	if ip == "" {
		return domain.BlockEntry{}, false, fmt.Errorf("%w: ip %q", ErrInvalidTarget, req.IP)
	}
	if s.admins != nil && s.admins.HoldsIP(ctx, ip) {
		return domain.BlockEntry{}, false, ErrAdminProtected
	}

	unlock := s.locks.Lock("ip:" + ip)
	defer unlock()

	if existing, err := database.GetBlockedIP(ctx, ip); err != nil {
		return domain.BlockEntry{}, false, fmt.Errorf("reputation: load ip block: %w", err)
	} else if existing != nil {
		return domain.IPBlockEntry(*existing), false, nil
	}

	block := domain.BlockedIP{
		IP:        ip,
		Reason:    strings.TrimSpace(req.Reason),
		BlockedBy: req.BlockedBy,
		CreatedAt: s.clock.Now().UTC(),
	}
	block.UpdatedAt = block.CreatedAt
	s.snapshotTraffic(ctx, &block)

	created, err := database.InsertBlockedIP(ctx, &block)
	if err != nil {
		return domain.BlockEntry{}, false, fmt.Errorf("reputation: insert ip block: %w", err)
	}
	if !created {
		// Another instance won the insert.
		existing, err := database.GetBlockedIP(ctx, ip)
		if err != nil || existing == nil {
			return domain.BlockEntry{}, false, fmt.Errorf("reputation: read back ip block: %w", errors.Join(err, ErrNotFound))
		}
		return domain.IPBlockEntry(*existing), false, nil
	}

	log.Info("IP blocked", "ip", ip, "blocked_by", block.BlockedBy, "reason", block.Reason)
	s.notify(ctx, Change{Kind: domain.BlockKindIP, Target: ip, Blocked: true, IPs: []string{ip}})
	return domain.IPBlockEntry(block), true, nil
}

// snapshotTraffic copies what is known about the address into the block. It
// never fails the block.
func (s *Store) snapshotTraffic(ctx context.Context, block *domain.BlockedIP) {
	count, err := database.CountRequestEvents(ctx, block.IP)
	if err != nil {
		log.Warn("Block snapshot: request count unavailable", "ip", block.IP, "error", err)
	}
	block.RequestCount = count

	recent, err := database.ListLatestRequestEvents(ctx, block.IP, logSnapshotSize, 0)
	if err != nil {
		log.Warn("Block snapshot: recent events unavailable", "ip", block.IP, "error", err)
		return
	}
	if len(recent) > 0 {
		block.Country = recent[0].Country
		for _, event := range recent {
			block.VPN = block.VPN || event.VPN
		}
	}
	block.LogSnapshot = recent
}

// BlockDevice blocks a fingerprint and, through it, every address the device
// was or will be seen from.
func (s *Store) BlockDevice(ctx context.Context, req DeviceBlockRequest) (domain.BlockEntry, bool, error) {
	fp := strings.TrimSpace(req.Fingerprint)
	if fp == "" {
		return domain.BlockEntry{}, false, fmt.Errorf("%w: empty fingerprint", ErrInvalidTarget)
	}
	if s.admins != nil && s.admins.HoldsDevice(ctx, fp) {
		return domain.BlockEntry{}, false, ErrAdminProtected
	}

	unlock := s.locks.Lock("fp:" + fp)
	defer unlock()

	if existing, err := database.GetBlockedDevice(ctx, fp); err != nil {
		return domain.BlockEntry{}, false, fmt.Errorf("reputation: load device block: %w", err)
	} else if existing != nil {
		return domain.DeviceBlockEntry(*existing), false, nil
	}

	block := domain.BlockedDevice{
		FingerprintHash: fp,
		HardwareHash:    req.HardwareHash,
		Reason:          strings.TrimSpace(req.Reason),
		BlockedBy:       req.BlockedBy,
		MatchedFrom:     req.MatchedFrom,
		CreatedAt:       s.clock.Now().UTC(),
	}
	block.UpdatedAt = block.CreatedAt

	identity, err := database.GetDeviceIdentity(ctx, fp)
	if err != nil {
		return domain.BlockEntry{}, false, fmt.Errorf("reputation: load device identity: %w", err)
	}
	if identity != nil {
		block.Components = identity.Components
		if block.HardwareHash == "" {
			block.HardwareHash = identity.HardwareHash
		}
	}
	ips, err := database.ListDeviceIPs(ctx, fp)
	if err != nil {
		return domain.BlockEntry{}, false, fmt.Errorf("reputation: load device addresses: %w", err)
	}
	block.AssociatedIPs = domain.StringList(nil).With(ips...)

	created, err := database.InsertBlockedDevice(ctx, &block)
	if err != nil {
		return domain.BlockEntry{}, false, fmt.Errorf("reputation: insert device block: %w", err)
	}
	if !created {
		existing, err := database.GetBlockedDevice(ctx, fp)
		if err != nil || existing == nil {
			return domain.BlockEntry{}, false, fmt.Errorf("reputation: read back device block: %w", errors.Join(err, ErrNotFound))
		}
		return domain.DeviceBlockEntry(*existing), false, nil
	}

	log.Info("Device blocked", "fingerprint", fp, "blocked_by", block.BlockedBy, "matched_from", block.MatchedFrom, "ips", len(block.AssociatedIPs))
	s.notify(ctx, Change{Kind: domain.BlockKindDevice, Target: fp, Blocked: true, IPs: block.AssociatedIPs})
	return domain.DeviceBlockEntry(block), true, nil
}

// UnblockIP lifts an address block. It does not touch device blocks that
// cover the address.
func (s *Store) UnblockIP(ctx context.Context, ip string) (bool, error) {
	ip = support.CanonicalIP(ip)
	unlock := s.locks.Lock("ip:" + ip)
	defer unlock()

	removed, err := database.DeleteBlockedIP(ctx, ip)
	if err != nil {
		return false, fmt.Errorf("reputation: delete ip block: %w", err)
	}
	if removed {
		log.Info("IP unblocked", "ip", ip)
	}
	s.notify(ctx, Change{Kind: domain.BlockKindIP, Target: ip, IPs: []string{ip}})
	return removed, nil
}

// UnblockDevice lifts the device block and every IP block on its associated
// addresses in one transaction.
func (s *Store) UnblockDevice(ctx context.Context, fingerprint string) (bool, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	unlock := s.locks.Lock("fp:" + fingerprint)
	defer unlock()

	removed, lifted, err := database.DeleteBlockedDevice(ctx, fingerprint)
	if err != nil {
		return false, fmt.Errorf("reputation: delete device block: %w", err)
	}
	if removed {
		log.Info("Device unblocked", "fingerprint", fingerprint, "ips", len(lifted))
	}
	s.notify(ctx, Change{Kind: domain.BlockKindDevice, Target: fingerprint, IPs: lifted})
	return removed, nil
}

func (s *Store) UpdateDeviceReason(ctx context.Context, fingerprint, reason string) error {
	unlock := s.locks.Lock("fp:" + fingerprint)
	defer unlock()

	updated, err := database.UpdateBlockedDeviceReason(ctx, fingerprint, strings.TrimSpace(reason))
	if err != nil {
		return fmt.Errorf("reputation: update device reason: %w", err)
	}
	if !updated {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateIPReason(ctx context.Context, ip, reason string) error {
	ip = support.CanonicalIP(ip)
	unlock := s.locks.Lock("ip:" + ip)
	defer unlock()

	updated, err := database.UpdateBlockedIPReason(ctx, ip, strings.TrimSpace(reason))
	if err != nil {
		return fmt.Errorf("reputation: update ip reason: %w", err)
	}
	if !updated {
		return ErrNotFound
	}
	return nil
}

func (s *Store) List(ctx context.Context) (BlockList, error) {
	ips, err := database.ListBlockedIPs(ctx)
	if err != nil {
		return BlockList{}, fmt.Errorf("reputation: list ip blocks: %w", err)
	}
	devices, err := database.ListBlockedDevices(ctx)
	if err != nil {
		return BlockList{}, fmt.Errorf("reputation: list device blocks: %w", err)
	}
	return BlockList{IPBlocks: ips, DeviceBlocks: devices}, nil
}

// Device returns the block on fingerprint, or nil.
func (s *Store) Device(ctx context.Context, fingerprint string) (*domain.BlockedDevice, error) {
	block, err := database.GetBlockedDevice(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("reputation: load device block: %w", err)
	}
	return block, nil
}

// BlockedDevices lists every device block, newest first.
func (s *Store) BlockedDevices(ctx context.Context) ([]domain.BlockedDevice, error) {
	devices, err := database.ListBlockedDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("reputation: list device blocks: %w", err)
	}
	return devices, nil
}

// AssociateIP records a blocked device showing up from ip on the block's
// denormalized address list. Unblocked devices are left alone.
func (s *Store) AssociateIP(ctx context.Context, fingerprint, ip string) error {
	ip = support.NormalizeIP(ip)
	unlock := s.locks.Lock("fp:" + fingerprint)
	defer unlock()

	block, err := database.GetBlockedDevice(ctx, fingerprint)
	if err != nil {
		return fmt.Errorf("reputation: load device block: %w", err)
	}
	if block == nil || ip == "" || block.AssociatedIPs.Contains(ip) {
		return nil
	}
	if err := database.UpdateBlockedDeviceIPs(ctx, fingerprint, block.AssociatedIPs.With(ip)); err != nil {
		return fmt.Errorf("reputation: update device addresses: %w", err)
	}
	s.notify(ctx, Change{Kind: domain.BlockKindDevice, Target: fingerprint, Blocked: true, IPs: []string{ip}})
	return nil
}
