package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/net/netutil"

	"eyeweb/internal/app/version"
	"eyeweb/internal/auth"
	"eyeweb/internal/fingerprint"
	"eyeweb/internal/gate"
	"eyeweb/internal/monitor"
	"eyeweb/internal/presence"
	"eyeweb/internal/reputation"
)

const (
	adminPrefix     = "/api/admin/traffic"
	maxRequestBody  = 64 << 10
	shutdownTimeout = 10 * time.Second
)

// Services are the components the HTTP surface drives.
type Services struct {
	Gate       *gate.Gate
	Reputation *reputation.Store
	Registrar  *fingerprint.Registrar
	Monitor    *monitor.Monitor
	Admins     presence.Registry
	Visitors   presence.Registry
	Limiter    *RateLimiter
}

type handlers struct {
	Services
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(dst); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter builds the full handler chain: CORS, then the edge gate, then
// the routes.
func NewRouter(s Services) http.Handler {
	h := handlers{Services: s}
	public := func(next http.Handler) http.Handler {
		if s.Limiter == nil {
			return next
		}
		return s.Limiter.Middleware(next)
	}
	admin := func(fn http.HandlerFunc) http.Handler {
		return auth.RequireAdmin(fn)
	}

	router := http.NewServeMux()
	router.HandleFunc("GET /health", h.health)
	router.HandleFunc("GET /check-ip", h.checkIP)
	router.HandleFunc("POST /register-fingerprint", h.registerFingerprint)
	router.Handle("POST /visit", public(http.HandlerFunc(h.visit)))
	router.Handle("POST /heartbeat", public(http.HandlerFunc(h.heartbeat)))
	router.Handle("POST /admin-heartbeat", public(admin(h.adminHeartbeat)))

	router.Handle("POST "+adminPrefix+"/block-ip", admin(h.blockIP))
	router.Handle("POST "+adminPrefix+"/block-device", admin(h.blockDevice))
	router.Handle("POST "+adminPrefix+"/unblock-ip", admin(h.unblockIP))
	router.Handle("POST "+adminPrefix+"/unblock-device", admin(h.unblockDevice))
	router.Handle("POST "+adminPrefix+"/device-reason", admin(h.deviceReason))
	router.Handle("POST "+adminPrefix+"/ip-reason", admin(h.ipReason))
	router.Handle("GET "+adminPrefix+"/stats", admin(h.stats))
	router.Handle("GET "+adminPrefix+"/connections", admin(h.connections))
	router.Handle("GET "+adminPrefix+"/detailed-logs", admin(h.detailedLogs))
	router.Handle("GET "+adminPrefix+"/blocked", admin(h.blocked))
	router.Handle("GET "+adminPrefix+"/logs", admin(h.logs))
	router.Handle("GET "+adminPrefix+"/suspicious", admin(h.suspicious))

	var handler http.Handler = router
	if s.Gate != nil {
		handler = s.Gate.Middleware(handler)
	}
	return enableCORS(handler)
}

// Serve listens on port with at most maxConns concurrent connections until
// ctx is cancelled.
func Serve(ctx context.Context, port, maxConns int, handler http.Handler) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	if maxConns > 0 {
		listener = netutil.LimitListener(listener, maxConns)
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP server shutdown incomplete", "error", err)
		}
	}()

	log.Infof("Starting eyeweb backend on port :%d", port)
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

func (h handlers) health(w http.ResponseWriter, _ *http.Request) {
	info := version.Get()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "ok",
		"buildVersion": info.BuildVersion,
		"builtAt":      info.BuiltAt,
	})
}
