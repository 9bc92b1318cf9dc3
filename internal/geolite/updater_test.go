package geolite

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func archive(t *testing.T, name string, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{Name: "GeoLite2_20260101/" + name, Mode: 0o644, Size: int64(len(payload)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatalf("tar header: %v", err)
	}
	if _, err := tw.Write(payload); err != nil {
		t.Fatalf("tar write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestUpdaterWritesEditionsToConfiguredPaths(t *testing.T) {
	var requested []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		edition := r.URL.Query().Get("edition_id")
		requested = append(requested, edition)
		if r.URL.Query().Get("license_key") != "secret" {
			http.Error(w, "bad key", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write(archive(t, edition+".mmdb", []byte("not a real database "+edition)))
	}))
	t.Cleanup(server.Close)

	dir := t.TempDir()
	svc := NewService(filepath.Join(dir, "city.mmdb"), filepath.Join(dir, "asn.mmdb"), nil)
	t.Cleanup(func() { _ = svc.Close() })

	u := NewUpdater("secret", svc)
	u.baseURL = server.URL

	// The payloads are not valid mmdb files, so the reload fails after the
	// files have been written.
	err := u.Update(context.Background())
	if err == nil {
		t.Fatal("expected reload error for invalid databases")
	}

	data, readErr := os.ReadFile(filepath.Join(dir, "asn.mmdb"))
	if readErr != nil {
		t.Fatalf("asn file not written: %v", readErr)
	}
	if string(data) != "not a real database GeoLite2-ASN" {
		t.Fatalf("unexpected asn payload %q", data)
	}
	if len(requested) != 2 {
		t.Fatalf("requested editions %v", requested)
	}
}

func TestUpdaterRequiresLicenseKey(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(filepath.Join(dir, "city.mmdb"), filepath.Join(dir, "asn.mmdb"), nil)
	t.Cleanup(func() { _ = svc.Close() })

	if err := NewUpdater("  ", svc).Update(context.Background()); !errors.Is(err, ErrNoLicenseKey) {
		t.Fatalf("err = %v, want ErrNoLicenseKey", err)
	}
}

func TestUpdaterReportsHTTPFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)

	dir := t.TempDir()
	svc := NewService(filepath.Join(dir, "city.mmdb"), filepath.Join(dir, "asn.mmdb"), nil)
	t.Cleanup(func() { _ = svc.Close() })

	u := NewUpdater("secret", svc)
	u.baseURL = server.URL
	if err := u.Update(context.Background()); err == nil {
		t.Fatal("expected download error")
	}
	if _, err := os.Stat(filepath.Join(dir, "city.mmdb")); !os.IsNotExist(err) {
		t.Fatalf("city file should not exist, stat err = %v", err)
	}
}
