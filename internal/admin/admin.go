// Package admin exposes the HTTP introspection surface over the rule
// engine: rule listing, exchange-record inspection, live session counts,
// config, and log tailing. There is no embedded static dashboard, only
// a JSON API.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"golang.org/x/time/rate"

	"github.com/mockwire/wsintercept/internal/config"
	"github.com/mockwire/wsintercept/internal/logring"
	"github.com/mockwire/wsintercept/internal/security"
	"github.com/mockwire/wsintercept/internal/wsproxy"
)

// Dependencies holds everything the admin API surface needs, injected
// rather than constructed so this package stays decoupled from the
// service's wiring order.
type Dependencies struct {
	RuleSet     *wsproxy.RuleSet
	RateLimiter *security.RateLimiter
	RingBuffer  *logring.RingBuffer
	Version     string
	BuildTime   string
	GitCommit   string
	StartTime   time.Time
	ReloadFunc  func() error
	GetConfig   func() *config.Config
	// ActiveSessions/TotalSessions read live counters maintained by the
	// dispatch loop; nil is treated as "0".
	ActiveSessions func() int
	TotalSessions  func() int64
}

// Admin provides HTTP handlers for the admin API.
type Admin struct {
	deps Dependencies
}

// New creates an Admin instance.
func New(deps Dependencies) *Admin {
	return &Admin{deps: deps}
}

// APIHandler returns an http.Handler for /api/v1/ endpoints, gated by a
// bearer-token check when Security.AuthToken is configured.
func (a *Admin) APIHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", a.handleStatus)
	mux.HandleFunc("GET /api/v1/rules", a.handleRules)
	mux.HandleFunc("GET /api/v1/rules/{id}/records", a.handleRuleRecords)
	mux.HandleFunc("DELETE /api/v1/rules/{id}", a.handleRuleDelete)
	mux.HandleFunc("GET /api/v1/config", a.handleConfigGet)
	mux.HandleFunc("PUT /api/v1/config", a.handleConfigPut)
	mux.HandleFunc("GET /api/v1/logs", a.handleLogs)
	mux.HandleFunc("POST /api/v1/reload", a.handleReload)
	mux.HandleFunc("POST /api/v1/restart", a.handleRestart)
	return a.requireAuth(mux)
}

func (a *Admin) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := a.deps.GetConfig().Security.AuthToken
		if expected == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := security.ExtractBearerToken(r.Header.Get("Authorization"))
		if !security.TokenMatch(token, expected) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing bearer token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusResponse struct {
	Uptime         string  `json:"uptime"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	ActiveSessions int     `json:"active_sessions"`
	TotalSessions  int64   `json:"total_sessions"`
	RuleCount      int     `json:"rule_count"`
	MemoryMB       float64 `json:"memory_mb"`
	Goroutines     int     `json:"goroutines"`
	Version        string  `json:"version"`
	BuildTime      string  `json:"build_time"`
	GitCommit      string  `json:"git_commit"`
}

func (a *Admin) handleStatus(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(a.deps.StartTime)

	resp := statusResponse{
		Uptime:         uptime.Round(time.Second).String(),
		UptimeSeconds:  uptime.Seconds(),
		ActiveSessions: callOrZeroInt(a.deps.ActiveSessions),
		TotalSessions:  callOrZeroInt64(a.deps.TotalSessions),
		RuleCount:      len(a.deps.RuleSet.All()),
		MemoryMB:       float64(memStats.Alloc) / 1024 / 1024,
		Goroutines:     runtime.NumGoroutine(),
		Version:        a.deps.Version,
		BuildTime:      a.deps.BuildTime,
		GitCommit:      a.deps.GitCommit,
	}

	writeJSON(w, http.StatusOK, resp)
}

// ruleSummary is the list-view projection of a Rule
// explain() — rendered here as structured fields instead of one string
// so API consumers don't need to parse prose.
type ruleSummary struct {
	ID          string `json:"id"`
	Handler     string `json:"handler"`
	RequestCount uint64 `json:"request_count"`
	Complete    *bool  `json:"complete,omitempty"`
	Explain     string `json:"explain"`
}

func (a *Admin) handleRules(w http.ResponseWriter, r *http.Request) {
	rules := a.deps.RuleSet.All()
	out := make([]ruleSummary, len(rules))
	for i, rule := range rules {
		summary := ruleSummary{
			ID:           rule.ID,
			Handler:      string(rule.Handler.Tag()),
			RequestCount: rule.Count(),
			Explain:      rule.Explain(false),
		}
		if complete, ok := rule.IsComplete(); ok {
			summary.Complete = &complete
		}
		out[i] = summary
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *Admin) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.deps.RuleSet.Remove(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disposed"})
}

// recordSummary is the JSON projection of an exchange record: pending
// records resolve most fields to zero values
// "concurrent queries observe in-flight exchanges as pending".
type recordSummary struct {
	Pending bool   `json:"pending"`
	Method  string `json:"method,omitempty"`
	URL     string `json:"url,omitempty"`
	Variant string `json:"variant,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (a *Admin) handleRuleRecords(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var target *wsproxy.Rule
	for _, rule := range a.deps.RuleSet.All() {
		if rule.ID == id {
			target = rule
			break
		}
	}
	if target == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule not found"})
		return
	}

	records := target.Records()
	out := make([]recordSummary, len(records))
	for i, rec := range records {
		if rec.Pending() {
			out[i] = recordSummary{Pending: true}
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		snapshot, err := rec.Wait(ctx)
		cancel()
		if err != nil {
			out[i] = recordSummary{Pending: true}
			continue
		}
		summary := recordSummary{Method: snapshot.Method, URL: snapshot.URL, Variant: string(snapshot.Variant)}
		if snapshot.Err != nil {
			summary.Error = snapshot.Err.Error()
		}
		out[i] = summary
	}
	writeJSON(w, http.StatusOK, out)
}

type configResponse struct {
	Reloadable configReloadable `json:"reloadable"`
	ReadOnly   configReadOnly   `json:"read_only"`
}

type configReloadable struct {
	LogLevel            string `json:"log_level"`
	MaxConnections      int    `json:"max_connections"`
	MaxConnectionsPerIP int    `json:"max_connections_per_ip"`
	MaxMessageSize      int64  `json:"max_message_size"`
	RateLimitEnabled    bool   `json:"rate_limit_enabled"`
	ConnectionsPerMin   int    `json:"connections_per_minute"`
	AuthTokenSet        bool   `json:"auth_token_set"`
}

type configReadOnly struct {
	ListenAddress string `json:"listen_address"`
	HealthAddress string `json:"health_address"`
	TLSEnabled    bool   `json:"tls_enabled"`
}

func (a *Admin) handleConfigGet(w http.ResponseWriter, _ *http.Request) {
	cfg := a.deps.GetConfig()
	resp := configResponse{
		Reloadable: configReloadable{
			LogLevel:            cfg.Logging.Level,
			MaxConnections:      cfg.Security.MaxConnections,
			MaxConnectionsPerIP: cfg.Security.MaxConnectionsPerIP,
			MaxMessageSize:      cfg.Server.MaxMessageSize,
			RateLimitEnabled:    cfg.Security.RateLimit.Enabled,
			ConnectionsPerMin:   cfg.Security.RateLimit.ConnectionsPerMinute,
			AuthTokenSet:        cfg.Security.AuthToken != "",
		},
		ReadOnly: configReadOnly{
			ListenAddress: cfg.Server.ListenAddress,
			HealthAddress: cfg.Health.ListenAddress,
			TLSEnabled:    cfg.Server.TLS.Enabled,
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

type configUpdateRequest struct {
	LogLevel            *string `json:"log_level,omitempty"`
	MaxConnections      *int    `json:"max_connections,omitempty"`
	MaxConnectionsPerIP *int    `json:"max_connections_per_ip,omitempty"`
	MaxMessageSize      *int64  `json:"max_message_size,omitempty"`
	RateLimitEnabled    *bool   `json:"rate_limit_enabled,omitempty"`
	ConnectionsPerMin   *int    `json:"connections_per_minute,omitempty"`
}

func (a *Admin) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}

	var req configUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	cfg := a.deps.GetConfig()
	updated := *cfg

	if req.LogLevel != nil {
		switch *req.LogLevel {
		case "debug", "info", "warn", "error":
			updated.Logging.Level = *req.LogLevel
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "log_level must be debug, info, warn, or error"})
			return
		}
	}
	if req.MaxConnections != nil {
		if *req.MaxConnections <= 0 || *req.MaxConnections > 65535 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max_connections must be 1-65535"})
			return
		}
		updated.Security.MaxConnections = *req.MaxConnections
	}
	if req.MaxConnectionsPerIP != nil {
		if *req.MaxConnectionsPerIP <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max_connections_per_ip must be positive"})
			return
		}
		updated.Security.MaxConnectionsPerIP = *req.MaxConnectionsPerIP
	}
	if req.MaxMessageSize != nil {
		if *req.MaxMessageSize <= 0 || *req.MaxMessageSize > 67108864 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max_message_size must be 1 to 67108864"})
			return
		}
		updated.Server.MaxMessageSize = *req.MaxMessageSize
	}
	if req.RateLimitEnabled != nil {
		updated.Security.RateLimit.Enabled = *req.RateLimitEnabled
	}
	if req.ConnectionsPerMin != nil {
		if *req.ConnectionsPerMin <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "connections_per_minute must be positive"})
			return
		}
		updated.Security.RateLimit.ConnectionsPerMinute = *req.ConnectionsPerMin
	}

	if updated.Security.MaxConnectionsPerIP > updated.Security.MaxConnections {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max_connections_per_ip must not exceed max_connections"})
		return
	}

	*cfg = updated

	if a.deps.RateLimiter != nil && req.ConnectionsPerMin != nil {
		perSecond := rate.Limit(float64(updated.Security.RateLimit.ConnectionsPerMinute) / 60)
		a.deps.RateLimiter.UpdateRate(perSecond, updated.Security.RateLimit.ConnectionsPerMinute)
	}

	slog.Info("config updated via admin API",
		"log_level", updated.Logging.Level,
		"max_connections", updated.Security.MaxConnections,
	)

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type logEntryResponse struct {
	Time    string         `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

func (a *Admin) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	minLevel := slog.LevelDebug
	switch r.URL.Query().Get("level") {
	case "info":
		minLevel = slog.LevelInfo
	case "warn":
		minLevel = slog.LevelWarn
	case "error":
		minLevel = slog.LevelError
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			since = t
		}
	}

	entries := a.deps.RingBuffer.Entries(limit, minLevel, since)
	resp := make([]logEntryResponse, len(entries))
	for i, e := range entries {
		resp[i] = logEntryResponse{
			Time:    e.Time.Format(time.RFC3339Nano),
			Level:   e.Level.String(),
			Message: e.Message,
			Attrs:   e.Attrs,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *Admin) handleReload(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	if a.deps.ReloadFunc == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "reload not available"})
		return
	}
	if err := a.deps.ReloadFunc(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (a *Admin) handleRestart(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}

	slog.Warn("restart requested via admin API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting"})

	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	go func() {
		time.Sleep(500 * time.Millisecond)
		os.Exit(1)
	}()
}

func callOrZeroInt(f func() int) int {
	if f == nil {
		return 0
	}
	return f()
}

func callOrZeroInt64(f func() int64) int64 {
	if f == nil {
		return 0
	}
	return f()
}

func parsePositiveInt(s string) (int, error) {
	var v int
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func requireJSON(w http.ResponseWriter, r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct != "application/json" {
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Content-Type must be application/json"})
		return false
	}
	return true
}
