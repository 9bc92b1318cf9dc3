package domain

import (
	"strings"
	"time"
)

const (
	BlockedBySystem        = "system"
	blockedByOperatorScope = "operator:"
)

// OperatorBlockedBy formats the blocked_by value for an operator subject.
func OperatorBlockedBy(subject string) string {
	return blockedByOperatorScope + subject
}

func IsSystemBlock(blockedBy string) bool {
	return blockedBy == BlockedBySystem
}

func IsOperatorBlock(blockedBy string) bool {
	return strings.HasPrefix(blockedBy, blockedByOperatorScope)
}

// BlockedIP blocks a single literal address.
type BlockedIP struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	IP           string      `gorm:"size:45;not null;uniqueIndex" json:"ip"`
	Reason       string      `gorm:"size:512;not null;default:''" json:"reason"`
	BlockedBy    string      `gorm:"size:160;not null" json:"blocked_by"`
	RequestCount int64       `gorm:"not null;default:0" json:"request_count"`
	Country      string      `gorm:"size:64;not null;default:''" json:"country"`
	VPN          bool        `gorm:"not null;default:false" json:"is_vpn"`
	LogSnapshot  LogSnapshot `gorm:"type:text" json:"log_snapshot,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BlockedDevice blocks a fingerprint and every address associated with it.
type BlockedDevice struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	FingerprintHash string     `gorm:"size:128;not null;uniqueIndex" json:"fingerprint_hash"`
	HardwareHash    string     `gorm:"size:128;not null;default:'';index" json:"hardware_hash,omitempty"`
	Reason          string     `gorm:"size:512;not null;default:''" json:"reason"`
	BlockedBy       string     `gorm:"size:160;not null" json:"blocked_by"`
	Components      Components `gorm:"type:text" json:"components,omitempty"`
	AssociatedIPs   StringList `gorm:"type:text" json:"associated_ips"`
	MatchedFrom     string     `gorm:"size:128;not null;default:''" json:"matched_from,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type BlockKind string

const (
	BlockKindIP     BlockKind = "ip"
	BlockKindDevice BlockKind = "device"
)

// BlockEntry is either an IP block or a device block.
type BlockEntry struct {
	Kind   BlockKind      `json:"kind"`
	IP     *BlockedIP     `json:"ip_block,omitempty"`
	Device *BlockedDevice `json:"device_block,omitempty"`
}

func IPBlockEntry(b BlockedIP) BlockEntry {
	return BlockEntry{Kind: BlockKindIP, IP: &b}
}

func DeviceBlockEntry(b BlockedDevice) BlockEntry {
	return BlockEntry{Kind: BlockKindDevice, Device: &b}
}

// Target returns the blocked IP or fingerprint.
func (e BlockEntry) Target() string {
	switch {
	case e.IP != nil:
		return e.IP.IP
	case e.Device != nil:
		return e.Device.FingerprintHash
	default:
		return ""
	}
}
