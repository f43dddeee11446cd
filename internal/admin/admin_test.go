package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mockwire/wsintercept/internal/config"
	"github.com/mockwire/wsintercept/internal/logring"
	"github.com/mockwire/wsintercept/internal/wsproxy"
)

func testAdmin(t *testing.T, cfg *config.Config) (*Admin, *wsproxy.RuleSet) {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	rules := wsproxy.NewRuleSet()
	a := New(Dependencies{
		RuleSet:    rules,
		RingBuffer: logring.NewRingBuffer(100),
		StartTime:  time.Now(),
		Version:    "test",
		GetConfig:  func() *config.Config { return cfg },
	})
	return a, rules
}

func TestRequireAuth_NoTokenConfigured(t *testing.T) {
	a, _ := testAdmin(t, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)

	a.APIHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRequireAuth_TokenConfigured(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Security.AuthToken = "secret-token"
	a, _ := testAdmin(t, cfg)

	unauthenticated := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	a.APIHandler().ServeHTTP(rec, unauthenticated)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	authenticated := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	authenticated.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	a.APIHandler().ServeHTTP(rec, authenticated)
	if rec.Code != http.StatusOK {
		t.Errorf("status with valid token = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHandleRules_ListsAndDeletes(t *testing.T) {
	a, rules := testAdmin(t, nil)
	rules.Add(wsproxy.NewRule("rule-1", nil, &wsproxy.EchoHandler{}, nil, true))

	rec := httptest.NewRecorder()
	a.APIHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var summaries []ruleSummary
	if err := json.NewDecoder(rec.Body).Decode(&summaries); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(summaries) != 1 || summaries[0].ID != "rule-1" {
		t.Fatalf("summaries = %+v, want one entry for rule-1", summaries)
	}
	if summaries[0].Handler != string(wsproxy.TagEcho) {
		t.Errorf("handler = %q, want %q", summaries[0].Handler, wsproxy.TagEcho)
	}

	rec = httptest.NewRecorder()
	a.APIHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/rules/rule-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want %d", rec.Code, http.StatusOK)
	}
	if len(rules.All()) != 0 {
		t.Errorf("len(rules.All()) = %d, want 0 after delete", len(rules.All()))
	}

	rec = httptest.NewRecorder()
	a.APIHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/rules/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete-missing status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleConfig_GetAndPut(t *testing.T) {
	a, _ := testAdmin(t, nil)

	rec := httptest.NewRecorder()
	a.APIHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/config", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d", rec.Code, http.StatusOK)
	}

	body := bytes.NewBufferString(`{"log_level": "debug"}`)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/config", body)
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	a.APIHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d, want %d, body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}

	badBody := bytes.NewBufferString(`{"max_connections": -1}`)
	badReq := httptest.NewRequest(http.MethodPut, "/api/v1/config", badBody)
	badReq.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	a.APIHandler().ServeHTTP(rec, badReq)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("put invalid status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleConfigPut_RequiresJSONContentType(t *testing.T) {
	a, _ := testAdmin(t, nil)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/config", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()

	a.APIHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnsupportedMediaType)
	}
}

func TestHandleLogs_RespectsLimit(t *testing.T) {
	a, _ := testAdmin(t, nil)
	a.deps.RingBuffer.Add(logring.LogEntry{Time: time.Now(), Level: 0, Message: "hello"})

	rec := httptest.NewRecorder()
	a.APIHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/logs?limit=1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var entries []logEntryResponse
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "hello" {
		t.Fatalf("entries = %+v, want one entry with message hello", entries)
	}
}

func TestHandleReload_NoFuncConfigured(t *testing.T) {
	a, _ := testAdmin(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reload", nil)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	a.APIHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}
