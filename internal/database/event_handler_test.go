package database_test

import (
	"context"
	"testing"
	"time"

	"eyeweb/internal/database"
	"eyeweb/internal/database/dbtest"
	"eyeweb/internal/domain"
)

func TestRequestEventQueries(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []domain.RequestEvent{
		{IP: "192.0.2.1", Method: "GET", Path: "/a", StatusCode: 200, CreatedAt: base.Add(-48 * time.Hour)},
		{IP: "192.0.2.1", Method: "GET", Path: "/b", StatusCode: 200, CreatedAt: base.Add(-time.Minute)},
		{IP: "192.0.2.2", Method: "POST", Path: "/c", StatusCode: 404, CreatedAt: base},
	}
	if err := database.InsertRequestEvents(ctx, events); err != nil {
		t.Fatalf("insert: %v", err)
	}

	since, err := database.ListRequestEventsSince(ctx, base.Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(since) != 2 || since[0].Path != "/b" {
		t.Fatalf("unexpected events since cutoff: %+v", since)
	}

	capped, err := database.ListRequestEventsSince(ctx, base.Add(-48*time.Hour), 1)
	if err != nil {
		t.Fatalf("list since capped: %v", err)
	}
	if len(capped) != 1 || capped[0].Path != "/c" {
		t.Fatalf("capped list kept %+v, want only the newest event", capped)
	}

	latest, err := database.ListLatestRequestEvents(ctx, "192.0.2.1", 1, 0)
	if err != nil || len(latest) != 1 || latest[0].Path != "/b" {
		t.Fatalf("latest = %+v err=%v", latest, err)
	}

	count, err := database.CountRequestEvents(ctx, "192.0.2.1")
	if err != nil || count != 2 {
		t.Fatalf("count = %d err=%v", count, err)
	}

	ips, err := database.DistinctIPsSince(ctx, base.Add(-time.Hour))
	if err != nil || len(ips) != 2 {
		t.Fatalf("distinct ips = %v err=%v", ips, err)
	}

	deleted, err := database.DeleteRequestEventsBefore(ctx, base.Add(-24*time.Hour))
	if err != nil || deleted != 1 {
		t.Fatalf("deleted = %d err=%v", deleted, err)
	}
}

func TestThreatEventQueries(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := database.InsertThreatEvents(ctx, []domain.ThreatEvent{
		{IP: "192.0.2.1", Category: domain.CategoryScanner, Severity: domain.SeverityHigh, CreatedAt: now.Add(-time.Hour)},
		{IP: "192.0.2.1", Category: domain.CategorySQLInjection, Severity: domain.SeverityCritical, CreatedAt: now},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	latest, err := database.ListLatestThreatEvents(ctx, 10, 0)
	if err != nil || len(latest) != 2 || latest[0].Category != domain.CategorySQLInjection {
		t.Fatalf("latest = %+v err=%v", latest, err)
	}

	count, err := database.CountThreatEventsSince(ctx, now.Add(-time.Minute))
	if err != nil || count != 1 {
		t.Fatalf("count since = %d err=%v", count, err)
	}
}

func TestDeviceIdentityUpsert(t *testing.T) {
	dbtest.Open(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if got, err := database.GetDeviceIdentity(ctx, "fp"); err != nil || got != nil {
		t.Fatalf("expected unknown device, got %+v err=%v", got, err)
	}

	identity := &domain.DeviceIdentity{FingerprintHash: "fp", HardwareHash: "hw-1", FirstSeenAt: now, LastSeenAt: now}
	if err := database.SaveDeviceIdentity(ctx, identity); err != nil {
		t.Fatalf("save: %v", err)
	}
	again := &domain.DeviceIdentity{FingerprintHash: "fp", HardwareHash: "hw-2", FirstSeenAt: now.Add(time.Hour), LastSeenAt: now.Add(time.Hour)}
	if err := database.SaveDeviceIdentity(ctx, again); err != nil {
		t.Fatalf("save again: %v", err)
	}

	stored, err := database.GetDeviceIdentity(ctx, "fp")
	if err != nil || stored == nil {
		t.Fatalf("get: %+v err=%v", stored, err)
	}
	if stored.HardwareHash != "hw-2" {
		t.Fatalf("hardware hash = %q, want hw-2", stored.HardwareHash)
	}
	if !stored.FirstSeenAt.Equal(now) {
		t.Fatalf("first seen changed to %v", stored.FirstSeenAt)
	}

	for i := 0; i < 2; i++ {
		if err := database.UpsertDeviceIP(ctx, "fp", "192.0.2.1", false, now); err != nil {
			t.Fatalf("upsert ip: %v", err)
		}
	}
	ips, err := database.ListDeviceIPs(ctx, "fp")
	if err != nil || len(ips) != 1 {
		t.Fatalf("device ips = %v err=%v", ips, err)
	}
}
