package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Columns below are stored as JSON text so the same models work on postgres
// and sqlite.

func jsonValue(v any, empty string) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func jsonScan(value any, dst any, typeName string) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("domain.%s: unsupported type %T", typeName, value)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// Components holds the raw client-side signals a fingerprint was derived from.
type Components map[string]any

func (c Components) Value() (driver.Value, error) {
	return jsonValue(map[string]any(c), "{}")
}

func (c *Components) Scan(value any) error {
	*c = nil
	return jsonScan(value, (*map[string]any)(c), "Components")
}

// String renders a component for comparison. Missing, empty and zero values
// render as the empty string.
func (c Components) String(key string) string {
	raw, ok := c[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case bool:
		if !v {
			return ""
		}
		return "true"
	case float64:
		if v == 0 {
			return ""
		}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Sprint(raw)
	}
	return string(data)
}

// IPSighting is one entry of a device's IP history.
type IPSighting struct {
	IP     string `json:"ip"`
	VPN    bool   `json:"vpn"`
	SeenAt int64  `json:"seen_at"`
}

type IPHistory []IPSighting

func (h IPHistory) Value() (driver.Value, error) {
	return jsonValue([]IPSighting(h), "[]")
}

func (h *IPHistory) Scan(value any) error {
	*h = nil
	return jsonScan(value, (*[]IPSighting)(h), "IPHistory")
}

// Touch moves ip to the end of the history, appending it when new, and trims
// the oldest entries beyond limit.
func (h IPHistory) Touch(ip string, vpn bool, seenAt int64, limit int) IPHistory {
	out := make(IPHistory, 0, len(h)+1)
	for _, s := range h {
		if s.IP != ip {
			out = append(out, s)
		}
	}
	out = append(out, IPSighting{IP: ip, VPN: vpn, SeenAt: seenAt})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// LogSnapshot is a frozen copy of recent request events saved with a block.
type LogSnapshot []RequestEvent

func (l LogSnapshot) Value() (driver.Value, error) {
	return jsonValue([]RequestEvent(l), "[]")
}

func (l *LogSnapshot) Scan(value any) error {
	*l = nil
	return jsonScan(value, (*[]RequestEvent)(l), "LogSnapshot")
}
