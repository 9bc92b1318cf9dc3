package app

import (
	"testing"

	"github.com/charmbracelet/log"

	"eyeweb/internal/config"
	"eyeweb/internal/presence"
	"eyeweb/internal/support"
)

func TestReadPort(t *testing.T) {
	t.Setenv("EYEWEB_PORT_VALID", "12345")
	if got := readPort("EYEWEB_PORT_VALID"); got != 12345 {
		t.Fatalf("readPort returned %d, want 12345", got)
	}

	t.Setenv("EYEWEB_PORT_INVALID", "not-a-number")
	if got := readPort("EYEWEB_PORT_INVALID"); got != 0 {
		t.Fatalf("readPort with invalid value returned %d, want 0", got)
	}

	t.Setenv("EYEWEB_PORT_ZERO", "0")
	if got := readPort("EYEWEB_PORT_ZERO"); got != 0 {
		t.Fatalf("readPort with zero value returned %d, want 0", got)
	}
}

func TestResolvePort(t *testing.T) {
	t.Run("primary env overrides fallback", func(t *testing.T) {
		t.Setenv("PRIMARY_PORT", "5050")
		if got := resolvePort("PRIMARY_PORT", "LEGACY_PORT", 8080); got != 5050 {
			t.Fatalf("resolvePort returned %d, want 5050", got)
		}
	})

	t.Run("legacy env used when primary missing", func(t *testing.T) {
		t.Setenv("LEGACY_PORT", "6060")
		if got := resolvePort("PRIMARY_MISSING", "LEGACY_PORT", 8080); got != 6060 {
			t.Fatalf("resolvePort returned %d, want 6060", got)
		}
	})

	t.Run("fallback used when env unset", func(t *testing.T) {
		if got := resolvePort("UNSET_PRIMARY", "UNSET_LEGACY", 9090); got != 9090 {
			t.Fatalf("resolvePort returned %d, want 9090", got)
		}
	})
}

func TestNewRegistriesFallsBackToMemory(t *testing.T) {
	admins, visitors := newRegistries(config.Defaults(), nil, support.SystemClock())
	if _, ok := admins.(*presence.Memory); !ok {
		t.Fatalf("admins = %T, want in-process registry", admins)
	}
	if _, ok := visitors.(*presence.Memory); !ok {
		t.Fatalf("visitors = %T, want in-process registry", visitors)
	}
}

func TestLogLevel(t *testing.T) {
	if got := logLevel(true); got != log.InfoLevel {
		t.Fatalf("production level = %v, want info", got)
	}
	if got := logLevel(false); got != log.DebugLevel {
		t.Fatalf("development level = %v, want debug", got)
	}

	t.Setenv("LOG_LEVEL", "warn")
	if got := logLevel(false); got != log.WarnLevel {
		t.Fatalf("LOG_LEVEL=warn gave %v", got)
	}

	t.Setenv("LOG_LEVEL", "loud")
	if got := logLevel(true); got != log.InfoLevel {
		t.Fatalf("invalid LOG_LEVEL gave %v, want fallback", got)
	}
}
