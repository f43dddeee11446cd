package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status         string   `json:"status"`
	Uptime         string   `json:"uptime"`
	ActiveSessions int      `json:"active_sessions"`
	RuleCount      int      `json:"rule_count"`
	Version        string   `json:"version"`
	Timestamp      string   `json:"timestamp"`
	Details        *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	TotalSessions int64   `json:"total_sessions"`
	MemoryMB      float64 `json:"memory_mb"`
}

// Handler serves the health check endpoint, reporting the rule engine's
// state instead of a single upstream gateway's reachability — in this
// domain every rule dials its own upstream, so there is no one gateway
// to probe.
type Handler struct {
	startTime time.Time
	version   string
	detailed  bool

	activeSessions func() int
	totalSessions  func() int64
	ruleCount      func() int
}

// NewHandler creates a new health check handler. activeSessions,
// ruleCount, and totalSessions are closures over the running
// dispatcher/metrics state rather than concrete types, so this package
// does not need to import wsproxy or metrics.
func NewHandler(version string, detailed bool, activeSessions, ruleCount func() int, totalSessions func() int64) *Handler {
	return &Handler{
		startTime:      time.Now(),
		version:        version,
		detailed:       detailed,
		activeSessions: activeSessions,
		ruleCount:      ruleCount,
		totalSessions:  totalSessions,
	}
}

// ServeHTTP handles health check requests. The health listener runs on
// its own loopback address, separate from the proxy listener, so local
// monitoring tools can check health without traversing the same network
// path as intercepted traffic.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := Response{
		Status:         "ok",
		Uptime:         time.Since(h.startTime).Round(time.Second).String(),
		ActiveSessions: h.safeActiveSessions(),
		RuleCount:      h.safeRuleCount(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			TotalSessions: h.safeTotalSessions(),
			MemoryMB:      float64(memStats.Alloc) / 1024 / 1024,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) safeActiveSessions() int {
	if h.activeSessions == nil {
		return 0
	}
	return h.activeSessions()
}

func (h *Handler) safeRuleCount() int {
	if h.ruleCount == nil {
		return 0
	}
	return h.ruleCount()
}

func (h *Handler) safeTotalSessions() int64 {
	if h.totalSessions == nil {
		return 0
	}
	return h.totalSessions()
}
