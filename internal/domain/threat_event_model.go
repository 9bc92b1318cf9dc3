package domain

import "time"

type ThreatCategory string

const (
	CategoryRateLimit     ThreatCategory = "rate_limit"
	CategoryScanner       ThreatCategory = "scanner"
	CategorySQLInjection  ThreatCategory = "sql_injection"
	CategoryPathTraversal ThreatCategory = "path_traversal"
	CategoryBruteForce    ThreatCategory = "brute_force"
	CategoryReconProbe    ThreatCategory = "recon_probe"
	CategorySuspiciousUA  ThreatCategory = "suspicious_ua"
)

// InherentlySevere categories are blocked on the first occurrence.
func (c ThreatCategory) InherentlySevere() bool {
	switch c {
	case CategorySQLInjection, CategoryPathTraversal, CategoryBruteForce:
		return true
	default:
		return false
	}
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityOrder = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank orders severities from 0 (low) to 3 (critical). Unknown values rank -1.
func (s Severity) Rank() int {
	for i, candidate := range severityOrder {
		if candidate == s {
			return i
		}
	}
	return -1
}

// Escalate raises the severity by steps levels, capped at critical.
func (s Severity) Escalate(steps int) Severity {
	rank := s.Rank()
	if rank < 0 {
		rank = 0
	}
	rank += steps
	if rank < 0 {
		rank = 0
	}
	if rank >= len(severityOrder) {
		rank = len(severityOrder) - 1
	}
	return severityOrder[rank]
}

func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ThreatEvent is a classified suspicious observation.
type ThreatEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	IP              string         `gorm:"size:45;not null;index" json:"ip"`
	Category        ThreatCategory `gorm:"size:32;not null;index" json:"category"`
	Severity        Severity       `gorm:"size:16;not null" json:"severity"`
	Details         string         `gorm:"size:1024;not null;default:''" json:"details"`
	Path            string         `gorm:"size:2048;not null;default:''" json:"path"`
	AutoBlocked     bool           `gorm:"not null;default:false" json:"auto_blocked"`
	FingerprintHash string         `gorm:"size:128;not null;default:''" json:"fingerprint_hash,omitempty"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}
