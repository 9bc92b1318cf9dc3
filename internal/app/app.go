package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"eyeweb/internal/app/server"
	"eyeweb/internal/config"
	"eyeweb/internal/database"
	"eyeweb/internal/fingerprint"
	"eyeweb/internal/gate"
	"eyeweb/internal/geolite"
	"eyeweb/internal/jobs/maintenance"
	"eyeweb/internal/jobs/runtime"
	"eyeweb/internal/monitor"
	"eyeweb/internal/presence"
	"eyeweb/internal/reputation"
	"eyeweb/internal/support"
	"eyeweb/internal/telemetry"
	"eyeweb/internal/threat"
)

const (
	defaultBackendPort    = 8082
	defaultMaxConnections = 2048
	presenceMaxEntries    = 50000
	subscribeReadyTimeout = 5 * time.Second
)

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	backendPortFlag := flag.Int("backend-port", defaultBackendPort, "Port for API server")
	productionFlag := flag.Bool("production", false, "Run in production mode")
	settingsFlag := flag.String("settings", "", "Path to the settings file")
	flag.Parse()

	config.SetProductionMode(*productionFlag)
	log.SetLevel(logLevel(*productionFlag))
	config.SetSettingsPath(*settingsFlag)
	config.ReadSettings()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := database.SetupDB(); err != nil {
		return fmt.Errorf("failed to set up database: %w", err)
	}

	redisClient, err := support.GetRedisClient()
	switch {
	case errors.Is(err, support.ErrRedisNotConfigured):
		log.Warn("REDIS_URL not set, running as a single instance")
	case err != nil:
		return fmt.Errorf("failed to get redis client: %w", err)
	default:
		defer func() {
			if err := support.CloseRedisClient(); err != nil {
				log.Warn("error closing redis client", "error", err)
			}
		}()
		config.EnableRedisSynchronization(ctx, redisClient)
	}

	cfg := config.GetConfig()
	clock := support.SystemClock()
	admins, visitors := newRegistries(cfg, redisClient, clock)

	geo := geolite.NewService(
		support.GetEnv("GEOLITE_CITY_DB", cfg.GeoLite.CityDBPath),
		support.GetEnv("GEOLITE_ASN_DB", cfg.GeoLite.ASNDBPath),
		clock,
	)
	defer func() {
		if err := geo.Close(); err != nil {
			log.Warn("error closing GeoLite databases", "error", err)
		}
	}()

	store := newReputationStore(ctx, redisClient, admins)

	classifier := threat.New(threat.SettingsFromConfig(cfg),
		threat.WithBlocker(store),
		threat.WithAdmins(admins),
	)
	recorder := telemetry.NewRecorder(classifier)
	recorder.Start()
	defer recorder.Close()

	gateSettings := gate.SettingsFromConfig(cfg)
	gateSettings.TrustedProxies = support.GetEnvList("TRUSTED_PROXIES", gateSettings.TrustedProxies)
	edge := gate.New(store, gateSettings,
		gate.WithGeo(geo),
		gate.WithSink(recorder),
		gate.WithAdmins(admins),
		gate.WithVisitors(visitors),
	)
	store.OnChange(edge.ApplyChange)

	registrar := fingerprint.NewRegistrar(store, geo,
		fingerprint.WithMatcher(fingerprint.NewWeightedMatcher(cfg.Registrar.FuzzyThreshold)),
		fingerprint.WithPrimer(edge),
		fingerprint.WithAdmins(admins),
		fingerprint.WithHistoryLimit(cfg.Registrar.IPHistoryLimit),
	)

	mon := monitor.New(monitor.SettingsFromConfig(cfg),
		monitor.WithAdmins(admins),
		monitor.WithVisitors(visitors),
	)

	go maintenance.StartRetentionRoutine(ctx, redisClient)
	if cfg.GeoLite.AutoUpdate {
		updater := geolite.NewUpdater(os.Getenv("GEOLITE_LICENSE_KEY"), geo)
		go runtime.StartGeoLiteUpdateRoutine(ctx, redisClient, updater)
	}

	handler := server.NewRouter(server.Services{
		Gate:       edge,
		Reputation: store,
		Registrar:  registrar,
		Monitor:    mon,
		Admins:     admins,
		Visitors:   visitors,
		Limiter:    server.NewRateLimiter(int(cfg.PublicAPI.RequestsPerMinute), cfg.PublicAPI.Burst, edge.ClientIP, clock),
	})

	port := resolvePort("BACKEND_PORT", "PORT", *backendPortFlag)
	maxConns := support.GetEnvInt("MAX_CONNECTIONS", defaultMaxConnections)
	return server.Serve(ctx, port, maxConns, handler)
}

// logLevel reads LOG_LEVEL, defaulting to debug outside production.
func logLevel(production bool) log.Level {
	fallback := log.DebugLevel
	if production {
		fallback = log.InfoLevel
	}
	raw := support.GetEnv("LOG_LEVEL", "")
	if raw == "" {
		return fallback
	}
	level, err := log.ParseLevel(raw)
	if err != nil {
		log.Warn("invalid LOG_LEVEL, using default", "value", raw, "default", fallback)
		return fallback
	}
	return level
}

// newRegistries shares grants and heartbeats through Redis when available and
// keeps them in process otherwise.
func newRegistries(cfg config.Config, client *redis.Client, clock support.Clock) (admins, visitors presence.Registry) {
	grantTTL := config.DurationOr(cfg.Presence.AdminGrantTTL, 5*time.Minute)
	heartbeatTTL := config.DurationOr(cfg.Presence.HeartbeatWindow, time.Minute)
	if client == nil {
		return presence.NewMemory(grantTTL, presenceMaxEntries, clock), presence.NewMemory(heartbeatTTL, presenceMaxEntries, clock)
	}
	return presence.NewRedis(client, "admin", grantTTL), presence.NewRedis(client, "heartbeat", heartbeatTTL)
}

func newReputationStore(ctx context.Context, client *redis.Client, admins presence.Registry) *reputation.Store {
	if client == nil {
		return reputation.NewStore(reputation.WithAdmins(admins))
	}

	broadcaster := reputation.NewBroadcaster(client)
	store := reputation.NewStore(reputation.WithAdmins(admins), reputation.WithPublisher(broadcaster))

	ready := make(chan struct{})
	go broadcaster.Subscribe(ctx, store.Apply, ready)
	select {
	case <-ready:
	case <-time.After(subscribeReadyTimeout):
		log.Warn("Reputation change subscription not ready, remote unblocks may lag", "timeout", subscribeReadyTimeout)
	}
	return store
}

func resolvePort(primaryEnv, legacyEnv string, fallback int) int {
	if port := readPort(primaryEnv); port != 0 {
		return port
	}
	if port := readPort(legacyEnv); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port == 0 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
