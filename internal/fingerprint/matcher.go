package fingerprint

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"eyeweb/internal/domain"

	"golang.org/x/crypto/blake2b"
)

// Stable signals survive a browser profile reset on the same hardware.
var stableSignals = []string{"webgl", "screen", "cpu", "ram", "platform"}

const minStableSignals = 3

// DefaultWeights scores component agreement out of 100.
var DefaultWeights = map[string]int{
	"canvas":   25,
	"webgl":    30,
	"audio":    20,
	"screen":   10,
	"cpu":      5,
	"ram":      3,
	"tz":       3,
	"platform": 2,
	"ua":       2,
}

type Tier string

const (
	TierHardware Tier = "hardware"
	TierFuzzy    Tier = "fuzzy"
)

// Candidate is the device being registered.
type Candidate struct {
	Fingerprint  string
	HardwareHash string
	Components   domain.Components
}

type Match struct {
	Tier   Tier
	Score  int
	Device domain.BlockedDevice
}

// Reason is the block reason recorded for a matched device.
func (m Match) Reason() string {
	ref := short(m.Device.FingerprintHash)
	if m.Tier == TierHardware {
		return "Auto: hardware match with " + ref
	}
	return fmt.Sprintf("Auto: fuzzy match (%d%%) with %s", m.Score, ref)
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// Matcher decides whether a candidate is a blocked device under another
// fingerprint.
type Matcher interface {
	Match(candidate Candidate, blocked []domain.BlockedDevice) (Match, bool)
}

// WeightedMatcher tries a hardware match first, then the best weighted
// component score at or above Threshold.
type WeightedMatcher struct {
	Weights   map[string]int
	Threshold int
}

func NewWeightedMatcher(threshold int) WeightedMatcher {
	if threshold <= 0 {
		threshold = 70
	}
	return WeightedMatcher{Weights: DefaultWeights, Threshold: threshold}
}

func (m WeightedMatcher) Match(candidate Candidate, blocked []domain.BlockedDevice) (Match, bool) {
	for _, device := range blocked {
		if device.FingerprintHash == candidate.Fingerprint {
			continue
		}
		if hardwareMatch(candidate, device) {
			return Match{Tier: TierHardware, Score: 100, Device: device}, true
		}
	}

	var (
		best  Match
		found bool
	)
	for _, device := range blocked {
		if device.FingerprintHash == candidate.Fingerprint {
			continue
		}
		score := m.score(candidate.Components, device.Components)
		if score >= m.Threshold && score > best.Score {
			best = Match{Tier: TierFuzzy, Score: score, Device: device}
			found = true
		}
	}
	return best, found
}

func hardwareMatch(candidate Candidate, device domain.BlockedDevice) bool {
	if candidate.HardwareHash != "" && candidate.HardwareHash == device.HardwareHash {
		return true
	}

	compared := 0
	for _, key := range stableSignals {
		a, b := candidate.Components.String(key), device.Components.String(key)
		if a == "" || b == "" {
			continue
		}
		if a != b {
			return false
		}
		compared++
	}
	return compared >= minStableSignals
}

// score sums the weights of components present and equal on both sides.
func (m WeightedMatcher) score(a, b domain.Components) int {
	total := 0
	for key, weight := range m.Weights {
		va, vb := a.String(key), b.String(key)
		if va != "" && va == vb {
			total += weight
		}
	}
	return total
}

// HardwareHash derives a hash of the stable signals, or "" when fewer than
// three are present.
func HardwareHash(components domain.Components) string {
	parts := make([]string, 0, len(stableSignals))
	for _, key := range stableSignals {
		if value := components.String(key); value != "" {
			parts = append(parts, key+"="+value)
		}
	}
	if len(parts) < minStableSignals {
		return ""
	}
	sort.Strings(parts)
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}
