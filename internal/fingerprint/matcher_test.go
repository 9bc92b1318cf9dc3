package fingerprint

import (
	"testing"

	"eyeweb/internal/domain"
)

func TestWeightedMatcherTiers(t *testing.T) {
	blocked := domain.BlockedDevice{FingerprintHash: "blockeddevice-0001", Components: laptop()}
	m := NewWeightedMatcher(70)

	cases := []struct {
		name   string
		edit   func(domain.Components)
		tier   Tier
		score  int
		reason string
	}{
		{
			name:   "stable signals equal",
			edit:   func(c domain.Components) { c["canvas"] = "other"; c["audio"] = "other" },
			tier:   TierHardware,
			score:  100,
			reason: "Auto: hardware match with blockeddevic",
		},
		{
			name:   "fuzzy above threshold",
			edit:   func(c domain.Components) { c["screen"] = "2560x1440x24"; c["ua"] = "other"; c["tz"] = "UTC" },
			tier:   TierFuzzy,
			score:  85,
			reason: "Auto: fuzzy match (85%) with blockeddevic",
		},
		{
			name: "below threshold",
			edit: func(c domain.Components) { c["webgl"] = "other"; c["screen"] = "800x600x24" },
		},
	}

	for _, tc := range cases {
		components := laptop()
		tc.edit(components)
		match, ok := m.Match(Candidate{Fingerprint: "candidate-0001", Components: components}, []domain.BlockedDevice{blocked})
		if tc.tier == "" {
			if ok {
				t.Fatalf("%s: unexpected match %+v", tc.name, match)
			}
			continue
		}
		if !ok || match.Tier != tc.tier || match.Score != tc.score || match.Reason() != tc.reason {
			t.Fatalf("%s: got %+v ok=%v reason=%q", tc.name, match, ok, match.Reason())
		}
	}
}

func TestWeightedMatcherHardwareHash(t *testing.T) {
	blocked := domain.BlockedDevice{FingerprintHash: "blocked", HardwareHash: "feedface"}
	match, ok := NewWeightedMatcher(0).Match(Candidate{Fingerprint: "other", HardwareHash: "feedface"}, []domain.BlockedDevice{blocked})
	if !ok || match.Tier != TierHardware {
		t.Fatalf("hardware hash match = %+v %v", match, ok)
	}
}

func TestWeightedMatcherNeedsThreeStableSignals(t *testing.T) {
	sparse := domain.Components{"webgl": "ANGLE", "platform": "Win32"}
	blocked := domain.BlockedDevice{FingerprintHash: "blocked", Components: sparse}
	if match, ok := NewWeightedMatcher(0).Match(Candidate{Fingerprint: "other", Components: sparse}, []domain.BlockedDevice{blocked}); ok {
		t.Fatalf("two stable signals matched: %+v", match)
	}
	if HardwareHash(sparse) != "" {
		t.Fatal("hardware hash derived from two signals")
	}
}

func TestWeightedMatcherIgnoresSelf(t *testing.T) {
	blocked := domain.BlockedDevice{FingerprintHash: "same", Components: laptop()}
	if _, ok := NewWeightedMatcher(0).Match(Candidate{Fingerprint: "same", Components: laptop()}, []domain.BlockedDevice{blocked}); ok {
		t.Fatal("a device must not match its own block")
	}
}
