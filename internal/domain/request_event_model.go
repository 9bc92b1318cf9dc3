package domain

import "time"

// MethodPage marks client-side navigation pings that never reached the server
// as a real request.
const MethodPage = "PAGE"

const maxUserAgentLength = 500

// RequestEvent is one logged inbound request or page visit.
type RequestEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	IP              string `gorm:"size:45;not null;index" json:"ip"`
	Method          string `gorm:"size:16;not null" json:"method"`
	Path            string `gorm:"size:2048;not null;default:''" json:"path"`
	StatusCode      int    `gorm:"not null;default:0" json:"status_code"`
	UserAgent       string `gorm:"size:500;not null;default:''" json:"user_agent"`
	Country         string `gorm:"size:64;not null;default:''" json:"country"`
	City            string `gorm:"size:128;not null;default:''" json:"city"`
	VPN             bool   `gorm:"not null;default:false" json:"is_vpn"`
	VPNProvider     string `gorm:"size:128;not null;default:''" json:"vpn_provider"`
	ResponseTimeMs  int64  `gorm:"not null;default:0" json:"response_time_ms"`
	FingerprintHash string `gorm:"size:128;not null;default:'';index" json:"fingerprint_hash,omitempty"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}

// TruncateUserAgent caps the stored user agent length.
func TruncateUserAgent(ua string) string {
	if len(ua) <= maxUserAgentLength {
		return ua
	}
	return ua[:maxUserAgentLength]
}
