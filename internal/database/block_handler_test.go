package database_test

import (
	"context"
	"testing"
	"time"

	"eyeweb/internal/database"
	"eyeweb/internal/database/dbtest"
	"eyeweb/internal/domain"
)

func TestInsertBlockedIPKeepsFirstRow(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()

	created, err := database.InsertBlockedIP(ctx, &domain.BlockedIP{IP: "203.0.113.9", Reason: "first", BlockedBy: domain.BlockedBySystem})
	if err != nil || !created {
		t.Fatalf("first insert created=%v err=%v", created, err)
	}
	created, err = database.InsertBlockedIP(ctx, &domain.BlockedIP{IP: "203.0.113.9", Reason: "second", BlockedBy: domain.BlockedBySystem})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Fatalf("expected duplicate insert to be ignored")
	}

	block, err := database.GetBlockedIP(ctx, "203.0.113.9")
	if err != nil || block == nil {
		t.Fatalf("get block: %v %v", block, err)
	}
	if block.Reason != "first" {
		t.Fatalf("reason = %q, want first", block.Reason)
	}
}

func TestIsBlockedAxes(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := database.InsertBlockedDevice(ctx, &domain.BlockedDevice{
		FingerprintHash: "fp-blocked",
		HardwareHash:    "hw-blocked",
		BlockedBy:       domain.BlockedBySystem,
	}); err != nil {
		t.Fatalf("insert device: %v", err)
	}
	if err := database.UpsertDeviceIP(ctx, "fp-blocked", "198.51.100.4", false, now); err != nil {
		t.Fatalf("upsert device ip: %v", err)
	}
	if _, err := database.InsertBlockedIP(ctx, &domain.BlockedIP{IP: "192.0.2.1", BlockedBy: domain.BlockedBySystem}); err != nil {
		t.Fatalf("insert ip: %v", err)
	}

	cases := []struct {
		name   string
		lookup database.BlockLookup
		want   bool
	}{
		{"ip block", database.BlockLookup{IP: "192.0.2.1"}, true},
		{"fingerprint", database.BlockLookup{IP: "10.9.9.9", Fingerprint: "fp-blocked"}, true},
		{"hardware", database.BlockLookup{Fingerprint: "fp-other", HardwareHash: "hw-blocked"}, true},
		{"associated ip", database.BlockLookup{IP: "198.51.100.4"}, true},
		{"clean", database.BlockLookup{IP: "192.0.2.77", Fingerprint: "fp-clean", HardwareHash: "hw-clean"}, false},
		{"empty", database.BlockLookup{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := database.IsBlocked(ctx, tc.lookup)
			if err != nil {
				t.Fatalf("IsBlocked: %v", err)
			}
			if got != tc.want {
				t.Fatalf("IsBlocked(%+v) = %v, want %v", tc.lookup, got, tc.want)
			}
		})
	}
}

func TestDeleteBlockedDeviceLiftsAssociatedIPBlocks(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := database.InsertBlockedDevice(ctx, &domain.BlockedDevice{
		FingerprintHash: "fp-1",
		BlockedBy:       domain.OperatorBlockedBy("ops"),
		AssociatedIPs:   domain.StringList{"192.0.2.10"},
	}); err != nil {
		t.Fatalf("insert device: %v", err)
	}
	if err := database.UpsertDeviceIP(ctx, "fp-1", "192.0.2.11", false, now); err != nil {
		t.Fatalf("upsert device ip: %v", err)
	}
	for _, ip := range []string{"192.0.2.10", "192.0.2.11", "192.0.2.99"} {
		if _, err := database.InsertBlockedIP(ctx, &domain.BlockedIP{IP: ip, BlockedBy: domain.BlockedBySystem}); err != nil {
			t.Fatalf("insert ip %s: %v", ip, err)
		}
	}

	removed, lifted, err := database.DeleteBlockedDevice(ctx, "fp-1")
	if err != nil || !removed {
		t.Fatalf("delete device removed=%v err=%v", removed, err)
	}
	if len(lifted) != 2 {
		t.Fatalf("lifted = %v, want two addresses", lifted)
	}

	for ip, want := range map[string]bool{"192.0.2.10": false, "192.0.2.11": false, "192.0.2.99": true} {
		block, err := database.GetBlockedIP(ctx, ip)
		if err != nil {
			t.Fatalf("get %s: %v", ip, err)
		}
		if (block != nil) != want {
			t.Fatalf("block for %s present=%v, want %v", ip, block != nil, want)
		}
	}

	removed, _, err = database.DeleteBlockedDevice(ctx, "fp-1")
	if err != nil || removed {
		t.Fatalf("second delete removed=%v err=%v", removed, err)
	}
}

func TestUpdateReasonsReportMissingRows(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()

	ok, err := database.UpdateBlockedIPReason(ctx, "192.0.2.5", "nope")
	if err != nil || ok {
		t.Fatalf("update missing ip ok=%v err=%v", ok, err)
	}
	ok, err = database.UpdateBlockedDeviceReason(ctx, "missing", "nope")
	if err != nil || ok {
		t.Fatalf("update missing device ok=%v err=%v", ok, err)
	}

	if _, err := database.InsertBlockedIP(ctx, &domain.BlockedIP{IP: "192.0.2.5", BlockedBy: domain.BlockedBySystem}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	ok, err = database.UpdateBlockedIPReason(ctx, "192.0.2.5", "abuse")
	if err != nil || !ok {
		t.Fatalf("update ip ok=%v err=%v", ok, err)
	}

	total, err := database.CountBlocks(ctx)
	if err != nil || total != 1 {
		t.Fatalf("CountBlocks = %d err=%v", total, err)
	}
}
