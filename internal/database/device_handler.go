package database

import (
	"context"
	"errors"
	"time"

	"eyeweb/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetDeviceIdentity returns the identity for a fingerprint, or nil when unknown.
func GetDeviceIdentity(ctx context.Context, fingerprint string) (*domain.DeviceIdentity, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var identity domain.DeviceIdentity
	err = db.Where("fingerprint_hash = ?", fingerprint).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

// SaveDeviceIdentity inserts or refreshes the identity by fingerprint.
func SaveDeviceIdentity(ctx context.Context, identity *domain.DeviceIdentity) error {
	db, err := conn(ctx)
	if err != nil {
		return err
	}

	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "fingerprint_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"hardware_hash",
			"recent_ips",
			"components",
			"last_seen_at",
		}),
	}).Create(identity).Error
}

// UpsertDeviceIP records that fingerprint was seen from ip at seenAt.
func UpsertDeviceIP(ctx context.Context, fingerprint, ip string, vpn bool, seenAt time.Time) error {
	db, err := conn(ctx)
	if err != nil {
		return err
	}

	row := domain.DeviceIP{
		FingerprintHash: fingerprint,
		IP:              ip,
		VPN:             vpn,
		FirstSeenAt:     seenAt,
		LastSeenAt:      seenAt,
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint_hash"}, {Name: "ip"}},
		DoUpdates: clause.AssignmentColumns([]string{"vpn", "last_seen_at"}),
	}).Create(&row).Error
}

// ListDeviceIPs returns every address ever associated with fingerprint.
func ListDeviceIPs(ctx context.Context, fingerprint string) ([]string, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var ips []string
	err = db.Model(&domain.DeviceIP{}).
		Where("fingerprint_hash = ?", fingerprint).
		Order("first_seen_at ASC, id ASC").
		Pluck("ip", &ips).Error
	return ips, err
}
