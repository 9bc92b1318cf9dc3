package geolite

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

const (
	maxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"
	userAgent          = "eyeweb-geolite-updater/1.0"
)

// ErrNoLicenseKey indicates that no MaxMind license key has been configured.
var ErrNoLicenseKey = errors.New("geolite: license key is not configured")

type downloadTarget struct {
	editionID string
	path      string
}

// Updater downloads fresh GeoLite databases and reloads a Service.
type Updater struct {
	licenseKey string
	baseURL    string
	client     *http.Client
	targets    []downloadTarget
	service    *Service

	group singleflight.Group
}

func NewUpdater(licenseKey string, service *Service) *Updater {
	return &Updater{
		licenseKey: strings.TrimSpace(licenseKey),
		baseURL:    maxMindDownloadURL,
		client:     &http.Client{Timeout: 2 * time.Minute},
		targets: []downloadTarget{
			{editionID: "GeoLite2-City", path: service.cityPath},
			{editionID: "GeoLite2-ASN", path: service.asnPath},
		},
		service: service,
	}
}

// Update downloads every edition and reloads the service. Concurrent calls
// share one download.
func (u *Updater) Update(ctx context.Context) error {
	_, err, _ := u.group.Do("update", func() (any, error) {
		if u.licenseKey == "" {
			return nil, ErrNoLicenseKey
		}
		for _, target := range u.targets {
			if err := u.downloadEdition(ctx, target); err != nil {
				return nil, err
			}
		}
		if err := u.service.Reload(); err != nil {
			return nil, fmt.Errorf("reload geolite: %w", err)
		}
		log.Info("GeoLite databases updated")
		return nil, nil
	})
	return err
}

func (u *Updater) downloadEdition(ctx context.Context, target downloadTarget) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.downloadURL(target.editionID), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", target.editionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download %s: unexpected status %d: %s", target.editionID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	gzipReader, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: open gzip: %w", target.editionID, err)
	}
	defer gzipReader.Close()

	wanted := target.editionID + ".mmdb"
	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: read tar: %w", target.editionID, err)
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != wanted {
			continue
		}
		if err := writeToFile(target.path, tarReader); err != nil {
			return fmt.Errorf("%s: write file: %w", target.editionID, err)
		}
		return nil
	}

	return fmt.Errorf("%s: mmdb file not found in archive", target.editionID)
}

func writeToFile(destPath string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	return os.Rename(tmpFile.Name(), destPath)
}

func (u *Updater) downloadURL(edition string) string {
	return fmt.Sprintf("%s?edition_id=%s&license_key=%s&suffix=tar.gz", u.baseURL, edition, u.licenseKey)
}
