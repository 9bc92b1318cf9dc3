package database

import (
	"context"
	"errors"

	"eyeweb/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BlockLookup carries the identity axes checked by IsBlocked. Empty fields are
// skipped.
type BlockLookup struct {
	IP           string
	Fingerprint  string
	HardwareHash string
}

// IsBlocked reports whether any axis of the lookup matches a stored block. An
// address is also blocked when a blocked device was ever seen from it.
func IsBlocked(ctx context.Context, lookup BlockLookup) (bool, error) {
	db, err := conn(ctx)
	if err != nil {
		return false, err
	}

	if lookup.IP != "" {
		if found, err := exists(db.Model(&domain.BlockedIP{}).Where("ip = ?", lookup.IP)); err != nil || found {
			return found, err
		}
	}
	if lookup.Fingerprint != "" {
		if found, err := exists(db.Model(&domain.BlockedDevice{}).Where("fingerprint_hash = ?", lookup.Fingerprint)); err != nil || found {
			return found, err
		}
	}
	if lookup.HardwareHash != "" {
		if found, err := exists(db.Model(&domain.BlockedDevice{}).Where("hardware_hash = ?", lookup.HardwareHash)); err != nil || found {
			return found, err
		}
	}
	if lookup.IP != "" {
		return exists(db.Model(&domain.BlockedDevice{}).
			Joins("JOIN device_ips ON device_ips.fingerprint_hash = blocked_devices.fingerprint_hash").
			Where("device_ips.ip = ?", lookup.IP))
	}
	return false, nil
}

func exists(query *gorm.DB) (bool, error) {
	var count int64
	if err := query.Limit(1).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// InsertBlockedIP creates the block unless one already exists for the address.
// The returned flag is false when the existing row was kept.
func InsertBlockedIP(ctx context.Context, block *domain.BlockedIP) (bool, error) {
	db, err := conn(ctx)
	if err != nil {
		return false, err
	}

	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}},
		DoNothing: true,
	}).Create(block)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func GetBlockedIP(ctx context.Context, ip string) (*domain.BlockedIP, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var block domain.BlockedIP
	err = db.Where("ip = ?", ip).First(&block).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func DeleteBlockedIP(ctx context.Context, ip string) (bool, error) {
	db, err := conn(ctx)
	if err != nil {
		return false, err
	}

	result := db.Where("ip = ?", ip).Delete(&domain.BlockedIP{})
	return result.RowsAffected > 0, result.Error
}

func UpdateBlockedIPReason(ctx context.Context, ip, reason string) (bool, error) {
	db, err := conn(ctx)
	if err != nil {
		return false, err
	}

	result := db.Model(&domain.BlockedIP{}).Where("ip = ?", ip).Update("reason", reason)
	return result.RowsAffected > 0, result.Error
}

func ListBlockedIPs(ctx context.Context) ([]domain.BlockedIP, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var blocks []domain.BlockedIP
	err = db.Omit("log_snapshot").Order("created_at DESC, id DESC").Find(&blocks).Error
	return blocks, err
}

// InsertBlockedDevice creates the device block unless the fingerprint is
// already blocked.
func InsertBlockedDevice(ctx context.Context, block *domain.BlockedDevice) (bool, error) {
	db, err := conn(ctx)
	if err != nil {
		return false, err
	}

	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint_hash"}},
		DoNothing: true,
	}).Create(block)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func GetBlockedDevice(ctx context.Context, fingerprint string) (*domain.BlockedDevice, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var block domain.BlockedDevice
	err = db.Where("fingerprint_hash = ?", fingerprint).First(&block).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func UpdateBlockedDeviceReason(ctx context.Context, fingerprint, reason string) (bool, error) {
	db, err := conn(ctx)
	if err != nil {
		return false, err
	}

	result := db.Model(&domain.BlockedDevice{}).
		Where("fingerprint_hash = ?", fingerprint).
		Update("reason", reason)
	return result.RowsAffected > 0, result.Error
}

func UpdateBlockedDeviceIPs(ctx context.Context, fingerprint string, ips domain.StringList) error {
	db, err := conn(ctx)
	if err != nil {
		return err
	}

	return db.Model(&domain.BlockedDevice{}).
		Where("fingerprint_hash = ?", fingerprint).
		Update("associated_ips", ips).Error
}

func ListBlockedDevices(ctx context.Context) ([]domain.BlockedDevice, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var blocks []domain.BlockedDevice
	err = db.Order("created_at DESC, id DESC").Find(&blocks).Error
	return blocks, err
}

// DeleteBlockedDevice removes the device block together with the IP blocks of
// every address associated with the device, in one transaction. It returns the
// addresses that were lifted.
func DeleteBlockedDevice(ctx context.Context, fingerprint string) (bool, []string, error) {
	db, err := conn(ctx)
	if err != nil {
		return false, nil, err
	}

	var (
		removed bool
		lifted  []string
	)
	err = db.Transaction(func(tx *gorm.DB) error {
		var block domain.BlockedDevice
		err := tx.Where("fingerprint_hash = ?", fingerprint).First(&block).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var known []string
		if err := tx.Model(&domain.DeviceIP{}).
			Where("fingerprint_hash = ?", fingerprint).
			Pluck("ip", &known).Error; err != nil {
			return err
		}
		lifted = block.AssociatedIPs.With(known...)

		if len(lifted) > 0 {
			if err := tx.Where("ip IN ?", []string(lifted)).Delete(&domain.BlockedIP{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Delete(&block).Error; err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return removed, lifted, nil
}

func CountBlocks(ctx context.Context) (int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	var ips, devices int64
	if err := db.Model(&domain.BlockedIP{}).Count(&ips).Error; err != nil {
		return 0, err
	}
	if err := db.Model(&domain.BlockedDevice{}).Count(&devices).Error; err != nil {
		return 0, err
	}
	return ips + devices, nil
}
