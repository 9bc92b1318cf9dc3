package fingerprint

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"eyeweb/internal/database"
	"eyeweb/internal/database/dbtest"
	"eyeweb/internal/domain"
	"eyeweb/internal/geolite"
	"eyeweb/internal/presence"
	"eyeweb/internal/reputation"
)

type primed struct {
	mu    sync.Mutex
	calls []string
}

func (p *primed) Prime(ip, fingerprint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, ip+"|"+fingerprint)
}

func (p *primed) has(ip, fingerprint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.calls {
		if c == ip+"|"+fingerprint {
			return true
		}
	}
	return false
}

func laptop() domain.Components {
	return domain.Components{
		"canvas":   "canvas-a",
		"webgl":    "ANGLE (Intel Iris Xe)",
		"audio":    "124.0434",
		"screen":   "1920x1080x24",
		"cpu":      float64(8),
		"ram":      float64(16),
		"tz":       "Europe/Berlin",
		"platform": "Win32",
		"ua":       "Mozilla/5.0 Firefox/131.0",
	}
}

func TestRegisterBlockedDeviceFromNewIP(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()
	store := reputation.NewStore()
	primer := &primed{}
	registrar := NewRegistrar(store, geolite.Static{}, WithPrimer(primer))

	if _, err := registrar.Register(ctx, Registration{Hash: "abc123", Components: laptop(), IP: "203.0.113.5"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, _, err := store.BlockDevice(ctx, reputation.DeviceBlockRequest{Fingerprint: "abc123", Reason: "test", BlockedBy: domain.OperatorBlockedBy("ops")}); err != nil {
		t.Fatalf("block device: %v", err)
	}
	if blocked, _ := store.Check(ctx, reputation.Identity{IP: "203.0.113.5"}); !blocked {
		t.Fatal("original address should be blocked through the device")
	}

	result, err := registrar.Register(ctx, Registration{Hash: "abc123", Components: laptop(), IP: "203.0.113.9"})
	if err != nil {
		t.Fatalf("register from new ip: %v", err)
	}
	if !result.Blocked || result.Reason != "test" {
		t.Fatalf("result = %+v, want blocked with reason test", result)
	}
	if blocked, _ := store.Check(ctx, reputation.Identity{IP: "203.0.113.9"}); !blocked {
		t.Fatal("new address should be blocked through the device")
	}
	if !primer.has("203.0.113.9", "abc123") {
		t.Fatalf("gate cache not primed: %v", primer.calls)
	}

	device, err := store.Device(ctx, "abc123")
	if err != nil || device == nil {
		t.Fatalf("device lookup: %v %v", device, err)
	}
	if !device.AssociatedIPs.Contains("203.0.113.9") {
		t.Fatalf("associated ips not updated: %v", device.AssociatedIPs)
	}
}

func TestRegisterRejectsInvalidPayloads(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()
	registrar := NewRegistrar(reputation.NewStore(), nil)

	tooMany := domain.Components{}
	for i := 0; i < maxComponents+1; i++ {
		tooMany[strings.Repeat("k", i+1)] = "v"
	}

	cases := []struct {
		name string
		reg  Registration
	}{
		{"short hash", Registration{Hash: "ab", IP: "203.0.113.5"}},
		{"bad characters", Registration{Hash: "abc/../123", IP: "203.0.113.5"}},
		{"long hash", Registration{Hash: strings.Repeat("a", 129), IP: "203.0.113.5"}},
		{"bad hardware hash", Registration{Hash: "abc123", HardwareHash: "x y", IP: "203.0.113.5"}},
		{"missing ip", Registration{Hash: "abc123"}},
		{"bad ip", Registration{Hash: "abc123", IP: "not-an-ip"}},
		{"too many components", Registration{Hash: "abc123", IP: "203.0.113.5", Components: tooMany}},
		{"oversized component", Registration{Hash: "abc123", IP: "203.0.113.5", Components: domain.Components{"canvas": strings.Repeat("x", maxComponentBytes)}}},
	}

	for _, tc := range cases {
		_, err := registrar.Register(ctx, tc.reg)
		if !errors.Is(err, ErrInvalidRegistration) {
			t.Fatalf("%s: err = %v, want ErrInvalidRegistration", tc.name, err)
		}
	}

	identity, err := database.GetDeviceIdentity(ctx, "abc123")
	if err != nil || identity != nil {
		t.Fatalf("invalid registrations left an identity: %+v %v", identity, err)
	}
}

func TestRegisterUpsertsIdentity(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()
	geo := geolite.Static{"198.51.100.7": {Country: "NL", VPN: true, Provider: "M247"}}
	registrar := NewRegistrar(reputation.NewStore(), geo, WithHistoryLimit(2))

	for _, ip := range []string{"203.0.113.5", "198.51.100.7", "203.0.113.9"} {
		if _, err := registrar.Register(ctx, Registration{Hash: "abc123", Components: laptop(), IP: ip}); err != nil {
			t.Fatalf("register %s: %v", ip, err)
		}
	}

	identity, err := database.GetDeviceIdentity(ctx, "abc123")
	if err != nil || identity == nil {
		t.Fatalf("identity: %+v %v", identity, err)
	}
	if len(identity.RecentIPs) != 2 || identity.RecentIPs[0].IP != "198.51.100.7" || !identity.RecentIPs[0].VPN {
		t.Fatalf("recent ips = %+v", identity.RecentIPs)
	}
	if identity.HardwareHash != HardwareHash(laptop()) || len(identity.HardwareHash) != 64 {
		t.Fatalf("hardware hash = %q", identity.HardwareHash)
	}

	ips, err := database.ListDeviceIPs(ctx, "abc123")
	if err != nil || len(ips) != 3 {
		t.Fatalf("device ips = %v %v, history must stay unbounded", ips, err)
	}
}

func TestRegisterHardwareMatchBlocksNewFingerprint(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()
	store := reputation.NewStore()
	primer := &primed{}
	registrar := NewRegistrar(store, nil, WithPrimer(primer))

	original := "0123456789abcdef"
	if _, err := registrar.Register(ctx, Registration{Hash: original, Components: laptop(), IP: "203.0.113.5"}); err != nil {
		t.Fatalf("register original: %v", err)
	}
	if _, _, err := store.BlockDevice(ctx, reputation.DeviceBlockRequest{Fingerprint: original, BlockedBy: domain.OperatorBlockedBy("ops")}); err != nil {
		t.Fatalf("block original: %v", err)
	}

	reset := laptop()
	reset["canvas"] = "canvas-b"
	reset["audio"] = "99.1"
	reset["ua"] = "Mozilla/5.0 Chrome/129.0"
	result, err := registrar.Register(ctx, Registration{Hash: "fresh-browser-01", Components: reset, IP: "203.0.113.20"})
	if err != nil {
		t.Fatalf("register reset browser: %v", err)
	}
	if !result.Blocked || result.Reason != "Auto: hardware match with 0123456789ab" {
		t.Fatalf("result = %+v", result)
	}

	device, err := store.Device(ctx, "fresh-browser-01")
	if err != nil || device == nil {
		t.Fatalf("matched device not blocked: %v", err)
	}
	if device.MatchedFrom != original || device.BlockedBy != domain.BlockedBySystem {
		t.Fatalf("device block = %+v", device)
	}
	if !primer.has("203.0.113.20", "fresh-browser-01") {
		t.Fatalf("gate cache not primed: %v", primer.calls)
	}
}

func TestRegisterSkipsAdminDevices(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()
	admins := presence.NewMemory(5*time.Minute, 0, nil)
	store := reputation.NewStore(reputation.WithAdmins(admins))
	registrar := NewRegistrar(store, nil, WithAdmins(admins))

	if _, err := registrar.Register(ctx, Registration{Hash: "blocked-device", Components: laptop(), IP: "203.0.113.5"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, _, err := store.BlockDevice(ctx, reputation.DeviceBlockRequest{Fingerprint: "blocked-device", BlockedBy: domain.OperatorBlockedBy("ops")}); err != nil {
		t.Fatalf("block: %v", err)
	}

	_ = admins.Assert(ctx, presence.Identity{IP: "198.51.100.1", Fingerprint: "operator-laptop"})
	result, err := registrar.Register(ctx, Registration{Hash: "operator-laptop", Components: laptop(), IP: "198.51.100.1"})
	if err != nil {
		t.Fatalf("register admin: %v", err)
	}
	if result.Blocked {
		t.Fatal("admin device must not be blocked by similarity")
	}
	if device, _ := store.Device(ctx, "operator-laptop"); device != nil {
		t.Fatalf("admin device was blocked: %+v", device)
	}
}

func TestRegisterStoresCanonicalAddress(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()
	store := reputation.NewStore()
	registrar := NewRegistrar(store, geolite.Static{})

	if _, err := registrar.Register(ctx, Registration{Hash: "abc123", Components: laptop(), IP: "::ffff:203.0.113.9"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ips, err := database.ListDeviceIPs(ctx, "abc123")
	if err != nil {
		t.Fatalf("list device ips: %v", err)
	}
	if len(ips) != 1 || ips[0] != "203.0.113.9" {
		t.Fatalf("device ips = %v, want [203.0.113.9]", ips)
	}

	if _, _, err := store.BlockDevice(ctx, reputation.DeviceBlockRequest{Fingerprint: "abc123", BlockedBy: domain.BlockedBySystem}); err != nil {
		t.Fatalf("block device: %v", err)
	}
	if blocked, _ := store.Check(ctx, reputation.Identity{IP: "203.0.113.9"}); !blocked {
		t.Fatal("plain IPv4 form should be covered by the device block")
	}
}
