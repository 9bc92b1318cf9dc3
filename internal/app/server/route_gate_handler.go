package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"eyeweb/internal/fingerprint"
	"eyeweb/internal/gate"
	"eyeweb/internal/presence"
	"eyeweb/internal/support"
)

// clientIP resolves the caller through the gate's trusted proxies.
func (h handlers) clientIP(r *http.Request) string {
	if h.Gate == nil {
		return r.RemoteAddr
	}
	return h.Gate.ClientIP(r)
}

// visitorAllowed charges a relayed call to the visitor it is about, so an edge
// relaying for many visitors is not limited as one caller.
func (h handlers) visitorAllowed(ip string) bool {
	return h.Limiter == nil || h.Limiter.Allow(support.CanonicalIP(ip))
}

// writeLimited answers a rate limited status call with the read-only decision.
func (h handlers) writeLimited(w http.ResponseWriter, r *http.Request, q gate.StatusQuery) {
	log.Debug("Public status call rate limited", "ip", q.IP)
	writeJSON(w, http.StatusOK, map[string]bool{
		"blocked":      h.Gate.Decide(r.Context(), q),
		"rate_limited": true,
	})
}

func (h handlers) checkIP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ip := strings.TrimSpace(q.Get("ip"))
	if ip == "" {
		ip = h.clientIP(r)
	}

	query := gate.StatusQuery{
		IP:           ip,
		Path:         q.Get("path"),
		UserAgent:    q.Get("ua"),
		Fingerprint:  q.Get("fp"),
		HardwareHash: q.Get("hwfp"),
	}
	if !h.visitorAllowed(ip) {
		h.writeLimited(w, r, query)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"blocked": h.Gate.CheckStatus(r.Context(), query)})
}

// registerFingerprint takes the visitor address from the body only when an
// edge relays the call; direct callers register their own address.
func (h handlers) registerFingerprint(w http.ResponseWriter, r *http.Request) {
	var reg fingerprint.Registration
	if !decodeJSON(w, r, &reg) {
		return
	}
	if strings.TrimSpace(reg.IP) == "" || !h.Gate.FromEdge(r) {
		reg.IP = h.clientIP(r)
	}

	if !h.visitorAllowed(reg.IP) {
		h.writeLimited(w, r, gate.StatusQuery{IP: reg.IP, Fingerprint: reg.Hash, HardwareHash: reg.HardwareHash})
		return
	}

	result, err := h.Registrar.Register(r.Context(), reg)
	switch {
	case errors.Is(err, fingerprint.ErrInvalidRegistration):
		writeError(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		log.Error("Fingerprint registration failed", "ip", reg.IP, "error", err)
		writeError(w, "Registration failed", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"blocked": result.Blocked})
	}
}

type visitRequest struct {
	Page string `json:"page"`
	FP   string `json:"fp"`
}

func (h handlers) visit(w http.ResponseWriter, r *http.Request) {
	var req visitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	page := strings.TrimSpace(req.Page)
	if page == "" {
		writeError(w, "page is required", http.StatusBadRequest)
		return
	}

	id := h.Gate.Identity(r)
	if id.Fingerprint == "" {
		id.Fingerprint = strings.TrimSpace(req.FP)
	}
	h.Gate.RecordPage(id.IP, id.Fingerprint, r.UserAgent(), page)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type heartbeatRequest struct {
	IP string `json:"ip"`
	FP string `json:"fp"`
}

func (h handlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.assert(w, r, h.Visitors, presence.Identity{IP: h.clientIP(r), Fingerprint: strings.TrimSpace(req.FP)})
}

// adminHeartbeat grants the operator's address and device the admin
// exemption for one grant window.
func (h handlers) adminHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ip := strings.TrimSpace(req.IP)
	if ip == "" {
		ip = h.clientIP(r)
	}
	h.assert(w, r, h.Admins, presence.Identity{IP: ip, Fingerprint: strings.TrimSpace(req.FP)})
}

func (h handlers) assert(w http.ResponseWriter, r *http.Request, registry presence.Registry, id presence.Identity) {
	if registry == nil || id.Empty() {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": false})
		return
	}
	if err := registry.Assert(r.Context(), id); err != nil {
		log.Warn("Presence assertion failed", "ip", id.IP, "fingerprint", id.Fingerprint, "error", err)
		writeError(w, "Presence unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
