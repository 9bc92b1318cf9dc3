package geolite

import (
	"path/filepath"
	"testing"
)

func TestLookupWithoutDatabases(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(filepath.Join(dir, "missing-city.mmdb"), filepath.Join(dir, "missing-asn.mmdb"), nil)
	t.Cleanup(func() { _ = svc.Close() })

	cases := map[string]string{
		"127.0.0.1":   CountryLocal,
		"10.1.2.3":    CountryLocal,
		"::1":         CountryLocal,
		"203.0.113.5": CountryUnknown,
		"garbage":     CountryUnknown,
	}
	for ip, want := range cases {
		if got := svc.Lookup(ip).Country; got != want {
			t.Fatalf("Lookup(%q).Country = %q, want %q", ip, got, want)
		}
	}
}

func TestClassifyOrganization(t *testing.T) {
	cases := []struct {
		org  string
		want bool
	}{
		{"AMAZON-02", true},
		{"DigitalOcean, LLC", true},
		{"M247 Europe SRL", true},
		{"Proton AG", true},
		{"Telenor Norge AS", false},
		{"Comcast Cable Communications, LLC", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := classifyOrganization(tc.org); got != tc.want {
			t.Fatalf("classifyOrganization(%q) = %v, want %v", tc.org, got, tc.want)
		}
	}
}

func TestStaticResolver(t *testing.T) {
	r := Static{"198.51.100.1": {Country: "Brazil", City: "Recife", VPN: true, Provider: "M247"}}

	if loc := r.Lookup("198.51.100.1"); loc.City != "Recife" || !loc.VPN {
		t.Fatalf("unexpected location %+v", loc)
	}
	if loc := r.Lookup("192.168.0.10"); loc.Country != CountryLocal {
		t.Fatalf("private address resolved to %+v", loc)
	}
}
