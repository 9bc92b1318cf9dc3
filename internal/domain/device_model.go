package domain

import "time"

// DeviceIdentity is the server-side record of a client fingerprint.
type DeviceIdentity struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	FingerprintHash string `gorm:"size:128;not null;uniqueIndex" json:"fingerprint_hash"`
	HardwareHash    string `gorm:"size:128;not null;default:'';index" json:"hardware_hash"`

	// RecentIPs is bounded and only used for display. DeviceIP is the full
	// association used for enforcement.
	RecentIPs  IPHistory  `gorm:"type:text" json:"recent_ips"`
	Components Components `gorm:"type:text" json:"components"`

	FirstSeenAt time.Time `gorm:"not null" json:"first_seen_at"`
	LastSeenAt  time.Time `gorm:"not null" json:"last_seen_at"`
}

// DeviceIP records that a fingerprint was seen from an address.
type DeviceIP struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	FingerprintHash string `gorm:"size:128;not null;uniqueIndex:idx_device_ip_pair"`
	IP              string `gorm:"size:45;not null;uniqueIndex:idx_device_ip_pair;index"`
	VPN             bool   `gorm:"not null;default:false"`

	FirstSeenAt time.Time `gorm:"not null"`
	LastSeenAt  time.Time `gorm:"not null"`
}

func (DeviceIP) TableName() string { return "device_ips" }
