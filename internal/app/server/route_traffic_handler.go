package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"eyeweb/internal/auth"
	"eyeweb/internal/domain"
	"eyeweb/internal/reputation"
)

type ipRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

type deviceRequest struct {
	FingerprintHash string `json:"fingerprint_hash"`
	Reason          string `json:"reason"`
}

func operatorBlockedBy(r *http.Request) string {
	op, ok := auth.OperatorFromContext(r.Context())
	if !ok {
		return domain.OperatorBlockedBy("unknown")
	}
	return domain.OperatorBlockedBy(op.Subject)
}

// writeStoreError maps reputation errors to statuses.
func writeStoreError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, reputation.ErrAdminProtected):
		writeError(w, "Target holds an active admin session", http.StatusForbidden)
	case errors.Is(err, reputation.ErrInvalidTarget):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, reputation.ErrNotFound):
		writeError(w, "Block not found", http.StatusNotFound)
	default:
		log.Error("Reputation update failed", "action", action, "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h handlers) blockIP(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	entry, _, err := h.Reputation.BlockIP(r.Context(), reputation.IPBlockRequest{
		IP:        req.IP,
		Reason:    req.Reason,
		BlockedBy: operatorBlockedBy(r),
	})
	if err != nil {
		writeStoreError(w, "block-ip", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h handlers) blockDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	entry, _, err := h.Reputation.BlockDevice(r.Context(), reputation.DeviceBlockRequest{
		Fingerprint: req.FingerprintHash,
		Reason:      req.Reason,
		BlockedBy:   operatorBlockedBy(r),
	})
	if err != nil {
		writeStoreError(w, "block-device", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h handlers) unblockIP(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	removed, err := h.Reputation.UnblockIP(r.Context(), strings.TrimSpace(req.IP))
	if err != nil {
		writeStoreError(w, "unblock-ip", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "removed": removed})
}

func (h handlers) unblockDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	removed, err := h.Reputation.UnblockDevice(r.Context(), strings.TrimSpace(req.FingerprintHash))
	if err != nil {
		writeStoreError(w, "unblock-device", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "removed": removed})
}

func (h handlers) deviceReason(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.Reputation.UpdateDeviceReason(r.Context(), strings.TrimSpace(req.FingerprintHash), req.Reason); err != nil {
		writeStoreError(w, "device-reason", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h handlers) ipReason(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.Reputation.UpdateIPReason(r.Context(), strings.TrimSpace(req.IP), req.Reason); err != nil {
		writeStoreError(w, "ip-reason", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h handlers) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Monitor.Stats(r.Context())
	if err != nil {
		log.Error("Traffic stats failed", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h handlers) connections(w http.ResponseWriter, r *http.Request) {
	conns, err := h.Monitor.Connections(r.Context())
	if err != nil {
		log.Error("Connection listing failed", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

func (h handlers) detailedLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Monitor.DetailedLogs(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		log.Error("Detailed logs failed", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

func (h handlers) blocked(w http.ResponseWriter, r *http.Request) {
	list, err := h.Reputation.List(r.Context())
	if err != nil {
		log.Error("Block listing failed", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h handlers) logs(w http.ResponseWriter, r *http.Request) {
	page, err := h.Monitor.Logs(r.Context(), queryInt(r, "limit", 0), queryInt(r, "offset", 0), strings.TrimSpace(r.URL.Query().Get("ip")))
	if err != nil {
		log.Error("Request log listing failed", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h handlers) suspicious(w http.ResponseWriter, r *http.Request) {
	page, err := h.Monitor.Suspicious(r.Context(), queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		log.Error("Threat listing failed", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
