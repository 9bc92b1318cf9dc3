package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

type Config struct {
	Gate struct {
		BlockCacheTTL     Timer    `json:"block_cache_ttl"`
		VisitDedupTTL     Timer    `json:"visit_dedup_ttl"`
		CheckTimeoutMs    uint32   `json:"check_timeout_ms"`
		CacheMaxEntries   int      `json:"cache_max_entries"`
		FingerprintCookie string   `json:"fingerprint_cookie"`
		HardwareCookie    string   `json:"hardware_cookie"`
		TrustedProxies    []string `json:"trusted_proxies"`
		InternalPaths     []string `json:"internal_paths"`
		AdminPaths        []string `json:"admin_paths"`
		BodySampleBytes   int      `json:"body_sample_bytes"`
	} `json:"gate"`

	Classifier struct {
		RateLimitPerMinute    uint32 `json:"rate_limit_per_minute"`
		EscalationWindow      Timer  `json:"escalation_window"`
		BruteForceMaxAttempts uint32 `json:"brute_force_max_attempts"`
		BruteForceWindow      Timer  `json:"brute_force_window"`
		ProbeDistinctPaths    uint32 `json:"probe_distinct_paths"`
		ProbeWindow           Timer  `json:"probe_window"`
		MaxTrackedKeys        int    `json:"max_tracked_keys"`
	} `json:"classifier"`

	Registrar struct {
		IPHistoryLimit int `json:"ip_history_limit"`
		FuzzyThreshold int `json:"fuzzy_threshold"`
	} `json:"registrar"`

	Presence struct {
		AdminGrantTTL   Timer `json:"admin_grant_ttl"`
		HeartbeatWindow Timer `json:"heartbeat_window"`
		ActivityWindow  Timer `json:"activity_window"`
	} `json:"presence"`

	PublicAPI struct {
		RequestsPerMinute uint32 `json:"requests_per_minute"`
		Burst             int    `json:"burst"`
	} `json:"public_api"`

	Monitor struct {
		ActiveWindow        Timer    `json:"active_window"`
		MaxConnectionEvents int      `json:"max_connection_events"`
		InfrastructureCIDRs []string `json:"infrastructure_cidrs"`
	} `json:"monitor"`

	Retention struct {
		RequestEvents Timer `json:"request_events"`
		ThreatEvents  Timer `json:"threat_events"`
		Interval      Timer `json:"interval"`
	} `json:"retention"`

	GeoLite struct {
		CityDBPath     string `json:"city_db_path"`
		ASNDBPath      string `json:"asn_db_path"`
		AutoUpdate     bool   `json:"auto_update"`
		UpdateInterval Timer  `json:"update_interval"`
	} `json:"geolite"`
}

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

const defaultSettingsFilePath = "data/settings.json"

var (
	//go:embed default_settings.json
	defaultConfig []byte

	configValue      atomic.Value
	settingsFilePath atomic.Value
	configMu         sync.Mutex

	InProductionMode bool
)

func init() {
	configValue.Store(Config{})
	settingsFilePath.Store(defaultSettingsFilePath)
}

// Defaults returns the embedded default configuration.
func Defaults() Config {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		log.Error("Error unmarshalling embedded default settings", "error", err)
	}
	return cfg
}

func SetSettingsPath(path string) {
	if path == "" {
		path = defaultSettingsFilePath
	}
	settingsFilePath.Store(path)
}

func getSettingsPath() string {
	return settingsFilePath.Load().(string)
}

func ReadSettings() {
	path := getSettingsPath()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error("Error reading settings file", "path", path, "error", err)
			return
		}

		log.Warn("Settings file not found, creating with default configuration", "path", path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			log.Error("Error creating directory for settings file", "error", err)
			return
		}
		if err := os.WriteFile(path, defaultConfig, 0o644); err != nil {
			log.Error("Error writing default settings file", "error", err)
			return
		}
		data = defaultConfig
	}

	newConfig := Defaults()
	if err := json.Unmarshal(data, &newConfig); err != nil {
		log.Error("Error unmarshalling settings file", "error", err)
		return
	}

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		log.Error("Error applying configuration from settings file", "error", err)
		return
	}

	log.Debug("Settings file loaded successfully", "path", path)
}

func SetConfig(newConfig Config) error {
	return applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"})
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	configMu.Lock()
	defer configMu.Unlock()

	configValue.Store(newConfig)
	refreshRetentionInterval()
	updateNetworks(newConfig)

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			errs = append(errs, err)
		} else if err := os.WriteFile(getSettingsPath(), data, 0o644); err != nil {
			errs = append(errs, err)
		}
	}

	if opts.broadcast {
		payload, err := json.Marshal(newConfig)
		if err != nil {
			errs = append(errs, err)
		} else if err := broadcastConfigUpdate(payload); err != nil {
			errs = append(errs, err)
		}
	}

	log.Debug("Configuration applied", "source", opts.source)

	return errors.Join(errs...)
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

func SetProductionMode(productionMode bool) {
	InProductionMode = productionMode
}
