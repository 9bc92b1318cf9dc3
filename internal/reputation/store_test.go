package reputation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"eyeweb/internal/database"
	"eyeweb/internal/database/dbtest"
	"eyeweb/internal/domain"
	"eyeweb/internal/presence"
	"eyeweb/internal/support"
)

func TestBlockIPIsIdempotent(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()
	store := NewStore()

	first, created, err := store.BlockIP(ctx, IPBlockRequest{IP: "203.0.113.5", Reason: "test", BlockedBy: domain.OperatorBlockedBy("ops")})
	if err != nil || !created {
		t.Fatalf("first block created=%v err=%v", created, err)
	}
	second, created, err := store.BlockIP(ctx, IPBlockRequest{IP: "203.0.113.5", Reason: "other", BlockedBy: domain.BlockedBySystem})
	if err != nil {
		t.Fatalf("second block: %v", err)
	}
	if created {
		t.Fatalf("second block must return the existing entry")
	}
	if second.IP.ID != first.IP.ID || second.IP.Reason != "test" {
		t.Fatalf("second block returned %+v, want existing %+v", second.IP, first.IP)
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.IPBlocks) != 1 {
		t.Fatalf("expected one ip block, got %d", len(list.IPBlocks))
	}
}

func TestConcurrentBlocksCreateOneEntry(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()
	store := NewStore()

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.BlockDevice(ctx, DeviceBlockRequest{Fingerprint: "abc123", BlockedBy: domain.BlockedBySystem})
			if err != nil {
				t.Errorf("block device: %v", err)
				return
			}
			if ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Fatalf("created %d entries, want 1", created.Load())
	}
	if store.locks.size() != 0 {
		t.Fatalf("key locks leaked: %d", store.locks.size())
	}
}

func TestBlockIPSnapshotsTraffic(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

	var events []domain.RequestEvent
	for i := 0; i < 25; i++ {
		events = append(events, domain.RequestEvent{
			IP:        "198.51.100.7",
			Method:    "GET",
			Path:      "/",
			Country:   "Norway",
			VPN:       i == 20,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		})
	}
	if err := database.InsertRequestEvents(ctx, events); err != nil {
		t.Fatalf("seed events: %v", err)
	}

	store := NewStore(WithClock(support.NewManualClock(now)))
	entry, _, err := store.BlockIP(ctx, IPBlockRequest{IP: "198.51.100.7", BlockedBy: domain.BlockedBySystem})
	if err != nil {
		t.Fatalf("block: %v", err)
	}

	stored, err := database.GetBlockedIP(ctx, "198.51.100.7")
	if err != nil || stored == nil {
		t.Fatalf("load block: %v", err)
	}
	if stored.RequestCount != 25 || stored.Country != "Norway" || !stored.VPN {
		t.Fatalf("unexpected snapshot: count=%d country=%q vpn=%v", stored.RequestCount, stored.Country, stored.VPN)
	}
	if len(stored.LogSnapshot) != logSnapshotSize {
		t.Fatalf("log snapshot has %d events, want %d", len(stored.LogSnapshot), logSnapshotSize)
	}
	if entry.Kind != domain.BlockKindIP || entry.Target() != "198.51.100.7" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestDeviceBlockCoversAssociatedAddresses(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()
	now := time.Now().UTC()
	store := NewStore()

	if err := database.UpsertDeviceIP(ctx, "abc123", "203.0.113.5", false, now); err != nil {
		t.Fatalf("seed device ip: %v", err)
	}

	entry, _, err := store.BlockDevice(ctx, DeviceBlockRequest{Fingerprint: "abc123", Reason: "test", BlockedBy: domain.OperatorBlockedBy("ops")})
	if err != nil {
		t.Fatalf("block device: %v", err)
	}
	if !entry.Device.AssociatedIPs.Contains("203.0.113.5") {
		t.Fatalf("associated ips = %v", entry.Device.AssociatedIPs)
	}

	blocked, err := store.Check(ctx, Identity{IP: "203.0.113.5"})
	if err != nil || !blocked {
		t.Fatalf("expected associated ip to be blocked, got %v err=%v", blocked, err)
	}

	if err := database.UpsertDeviceIP(ctx, "abc123", "203.0.113.9", false, now); err != nil {
		t.Fatalf("seed second ip: %v", err)
	}
	if err := store.AssociateIP(ctx, "abc123", "203.0.113.9"); err != nil {
		t.Fatalf("associate: %v", err)
	}
	device, err := store.Device(ctx, "abc123")
	if err != nil || device == nil || !device.AssociatedIPs.Contains("203.0.113.9") {
		t.Fatalf("device block not updated: %+v err=%v", device, err)
	}

	blocked, err = store.Check(ctx, Identity{IP: "192.0.2.200"})
	if err != nil || blocked {
		t.Fatalf("unrelated ip blocked=%v err=%v", blocked, err)
	}
}

func TestIPBlockDoesNotCascadeToDevice(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()
	store := NewStore()

	if err := database.UpsertDeviceIP(ctx, "fp-shared", "192.0.2.8", false, time.Now().UTC()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, _, err := store.BlockIP(ctx, IPBlockRequest{IP: "192.0.2.8", BlockedBy: domain.BlockedBySystem}); err != nil {
		t.Fatalf("block ip: %v", err)
	}

	blocked, err := store.Check(ctx, Identity{IP: "192.0.2.9", Fingerprint: "fp-shared"})
	if err != nil || blocked {
		t.Fatalf("device blocked through ip block: %v err=%v", blocked, err)
	}
}

func TestUnblockDeviceLiftsAllCoveredAddresses(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()
	store := NewStore()

	var changes []Change
	store.OnChange(func(c Change) { changes = append(changes, c) })

	now := time.Now().UTC()
	for _, ip := range []string{"203.0.113.5", "203.0.113.9"} {
		if err := database.UpsertDeviceIP(ctx, "abc123", ip, false, now); err != nil {
			t.Fatalf("seed %s: %v", ip, err)
		}
	}
	if _, _, err := store.BlockDevice(ctx, DeviceBlockRequest{Fingerprint: "abc123", BlockedBy: domain.BlockedBySystem}); err != nil {
		t.Fatalf("block device: %v", err)
	}
	if _, _, err := store.BlockIP(ctx, IPBlockRequest{IP: "203.0.113.9", BlockedBy: domain.BlockedBySystem}); err != nil {
		t.Fatalf("block ip: %v", err)
	}

	removed, err := store.UnblockDevice(ctx, "abc123")
	if err != nil || !removed {
		t.Fatalf("unblock removed=%v err=%v", removed, err)
	}

	for _, ip := range []string{"203.0.113.5", "203.0.113.9"} {
		blocked, err := store.Check(ctx, Identity{IP: ip, Fingerprint: "abc123"})
		if err != nil || blocked {
			t.Fatalf("check %s after unblock = %v err=%v", ip, blocked, err)
		}
	}

	last := changes[len(changes)-1]
	if last.Kind != domain.BlockKindDevice || last.Blocked || len(last.IPs) != 2 {
		t.Fatalf("unexpected unblock change %+v", last)
	}
}

func TestAdminIdentitiesCannotBeBlocked(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()
	admins := presence.NewMemory(5*time.Minute, 0, nil)
	if err := admins.Assert(ctx, presence.Identity{IP: "192.0.2.50", Fingerprint: "fp-admin"}); err != nil {
		t.Fatalf("assert: %v", err)
	}
	store := NewStore(WithAdmins(admins))

	if _, _, err := store.BlockIP(ctx, IPBlockRequest{IP: "192.0.2.50", BlockedBy: domain.OperatorBlockedBy("ops")}); !errors.Is(err, ErrAdminProtected) {
		t.Fatalf("block admin ip err = %v", err)
	}
	if _, _, err := store.BlockDevice(ctx, DeviceBlockRequest{Fingerprint: "fp-admin", BlockedBy: domain.OperatorBlockedBy("ops")}); !errors.Is(err, ErrAdminProtected) {
		t.Fatalf("block admin device err = %v", err)
	}
}

func TestInvalidTargetsAndMissingReasons(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()
	store := NewStore()

	if _, _, err := store.BlockIP(ctx, IPBlockRequest{IP: "not-an-ip"}); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("invalid ip err = %v", err)
	}
	if _, _, err := store.BlockDevice(ctx, DeviceBlockRequest{Fingerprint: "  "}); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("empty fingerprint err = %v", err)
	}
	if err := store.UpdateDeviceReason(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing device reason err = %v", err)
	}

	if _, _, err := store.BlockDevice(ctx, DeviceBlockRequest{Fingerprint: "fp-1", BlockedBy: domain.BlockedBySystem}); err != nil {
		t.Fatalf("block: %v", err)
	}
	if err := store.UpdateDeviceReason(ctx, "fp-1", "chargeback fraud"); err != nil {
		t.Fatalf("update reason: %v", err)
	}
	device, _ := store.Device(ctx, "fp-1")
	if device == nil || device.Reason != "chargeback fraud" {
		t.Fatalf("reason not updated: %+v", device)
	}
}

func TestIPBlocksUseCanonicalAddress(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()
	store := NewStore()

	entry, _, err := store.BlockIP(ctx, IPBlockRequest{IP: "2001:DB8::1", BlockedBy: domain.BlockedBySystem})
	if err != nil {
		t.Fatalf("block ip: %v", err)
	}
	if entry.IP.IP != "2001:db8::1" {
		t.Fatalf("stored ip = %q, want 2001:db8::1", entry.IP.IP)
	}

	for _, spelling := range []string{"2001:db8::1", "2001:DB8::1", "2001:0db8::0001"} {
		if blocked, _ := store.Check(ctx, Identity{IP: spelling}); !blocked {
			t.Errorf("check %q not blocked", spelling)
		}
	}

	if err := store.UpdateIPReason(ctx, "2001:DB8:0::1", "renamed"); err != nil {
		t.Fatalf("update reason through another spelling: %v", err)
	}

	if _, _, err := store.BlockIP(ctx, IPBlockRequest{IP: "::ffff:203.0.113.9", BlockedBy: domain.BlockedBySystem}); err != nil {
		t.Fatalf("block mapped ip: %v", err)
	}
	if blocked, _ := store.Check(ctx, Identity{IP: "203.0.113.9"}); !blocked {
		t.Fatal("mapped address should block the plain IPv4 form")
	}

	removed, err := store.UnblockIP(ctx, "2001:DB8::1")
	if err != nil || !removed {
		t.Fatalf("unblock removed=%v err=%v", removed, err)
	}
	if blocked, _ := store.Check(ctx, Identity{IP: "2001:db8::1"}); blocked {
		t.Fatal("address still blocked after unblock")
	}
}
