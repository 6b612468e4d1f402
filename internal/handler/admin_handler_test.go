package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"admission-service/internal/service"
)

// envelope mirrors Response with the payload left raw.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, data interface{}) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	if data != nil {
		if err := json.Unmarshal(env.Data, data); err != nil {
			t.Fatalf("decode data %s: %v", env.Data, err)
		}
	}
	return env
}

func TestAdminRequiresToken(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"missing", nil},
		{"wrong", map[string]string{"Authorization": "Bearer nope"}},
		{"wrong scheme", map[string]string{"Authorization": "Basic " + testAdminToken}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(http.MethodGet, "/admin/v1/stats", "", nil, tt.headers)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestAdminEmptyTokenDisablesAPI(t *testing.T) {
	h := NewAdminHandler(nil, "", zap.NewNop())

	r := httptest.NewRequest(http.MethodGet, "/admin/v1/stats", nil)
	r.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	h.requireToken(okHandler).ServeHTTP(rec, r)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAdminBanLifecycle(t *testing.T) {
	e := newTestEnv(t)

	rec := e.admin(http.MethodPost, "/admin/v1/blacklist", service.BanRequest{IP: "203.0.113.50", Reason: "scanner"})
	var res changeResult
	decodeEnvelope(t, rec, &res)
	if rec.Code != http.StatusOK || !res.Changed {
		t.Fatalf("ban: %d %+v", rec.Code, res)
	}

	rec = e.admin(http.MethodPost, "/admin/v1/blacklist", service.BanRequest{IP: "203.0.113.51", Duration: 5})
	if rec.Code != http.StatusOK {
		t.Fatalf("temporary ban: %d %s", rec.Code, rec.Body.String())
	}

	var bans []struct {
		IP   string `json:"ip"`
		Kind string `json:"kind"`
	}
	decodeEnvelope(t, e.admin(http.MethodGet, "/admin/v1/blacklist", nil), &bans)
	if len(bans) != 2 || bans[0].Kind != "PERMANENT" || bans[1].Kind != "TEMPORARY" {
		t.Errorf("bans = %+v", bans)
	}

	rec = e.admin(http.MethodDelete, "/admin/v1/blacklist/203.0.113.50", nil)
	decodeEnvelope(t, rec, &res)
	if !res.Changed {
		t.Errorf("unban: %+v", res)
	}
	rec = e.admin(http.MethodDelete, "/admin/v1/blacklist/203.0.113.50", nil)
	decodeEnvelope(t, rec, &res)
	if rec.Code != http.StatusOK || res.Changed {
		t.Errorf("second unban: %d %+v, want a no-op", rec.Code, res)
	}

	var log []struct {
		Action string `json:"action"`
	}
	decodeEnvelope(t, e.admin(http.MethodGet, "/admin/v1/blacklist/log?limit=10", nil), &log)
	if len(log) != 3 {
		t.Errorf("audit log = %+v, want 3 entries", log)
	}
}

func TestAdminBadRequests(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
	}{
		{"ban invalid ip", http.MethodPost, "/admin/v1/blacklist", service.BanRequest{IP: "nope"}},
		{"ban body not json", http.MethodPost, "/admin/v1/blacklist", "just a string"},
		{"whitelist missing ip", http.MethodPost, "/admin/v1/whitelist", service.WhitelistRequest{}},
		{"revoke without expiry", http.MethodPost, "/admin/v1/revocations", service.RevokeRequest{Token: "t"}},
		{"restore malformed hash", http.MethodDelete, "/admin/v1/revocations/xyz", nil},
		{"events limit zero", http.MethodGet, "/admin/v1/events?limit=0", nil},
		{"events limit too large", http.MethodGet, "/admin/v1/events?limit=5000", nil},
		{"stats days invalid", http.MethodGet, "/admin/v1/stats?days=abc", nil},
		{"stats days too large", http.MethodGet, "/admin/v1/stats?days=400", nil},
		{"reset foreign key", http.MethodDelete, "/admin/v1/ratelimit?key=admission:whitelist", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.admin(tt.method, tt.path, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", rec.Code, rec.Body.String())
			}
			if env := decodeEnvelope(t, rec, nil); env.Success || env.Error == "" {
				t.Errorf("body = %s", rec.Body.String())
			}
		})
	}
}

func TestAdminStatsAndEvents(t *testing.T) {
	e := newTestEnv(t)

	for i := 0; i < 4; i++ {
		e.do(http.MethodPost, "/api/auth/register", "198.51.100.30", nil, nil)
	}

	var report service.StatsReport
	rec := e.admin(http.MethodGet, "/admin/v1/stats?days=2", nil)
	decodeEnvelope(t, rec, &report)
	if rec.Code != http.StatusOK || report.TodayTotal != 1 || len(report.Days) != 2 {
		t.Fatalf("stats: %d %+v", rec.Code, report)
	}
	if len(report.TodayByKey) != 1 || report.TodayByKey[0].Key != "ratelimit:ip:198.51.100.30:register" {
		t.Errorf("today by key = %+v", report.TodayByKey)
	}

	var events []struct {
		Key string `json:"key"`
		IP  string `json:"ip"`
	}
	decodeEnvelope(t, e.admin(http.MethodGet, "/admin/v1/events?limit=10", nil), &events)
	if len(events) != 1 || events[0].IP != "198.51.100.30" {
		t.Errorf("events = %+v", events)
	}
}

func TestAdminRevocationEndpoints(t *testing.T) {
	e := newTestEnv(t)
	tokenHash := e.hasher.HashToken("token-z")

	rec := e.admin(http.MethodPost, "/admin/v1/revocations", service.RevokeRequest{TokenHash: tokenHash, TTLSeconds: 60})
	var result service.RevokeResult
	decodeEnvelope(t, rec, &result)
	if !result.Revoked || result.TokenHash != tokenHash {
		t.Fatalf("revoke: %+v", result)
	}

	var count map[string]int64
	decodeEnvelope(t, e.admin(http.MethodGet, "/admin/v1/revocations/count", nil), &count)
	if count["count"] != 1 {
		t.Errorf("count = %v, want 1", count)
	}

	var restored map[string]bool
	decodeEnvelope(t, e.admin(http.MethodDelete, "/admin/v1/revocations/"+tokenHash, nil), &restored)
	if !restored["restored"] {
		t.Errorf("restore = %v", restored)
	}
}

func TestAdminResetWindow(t *testing.T) {
	e := newTestEnv(t)

	for i := 0; i < 4; i++ {
		e.do(http.MethodPost, "/api/auth/register", "198.51.100.40", nil, nil)
	}
	rec := e.admin(http.MethodDelete, "/admin/v1/ratelimit?key=ratelimit:ip:198.51.100.40:register", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: %d %s", rec.Code, rec.Body.String())
	}
	if rec := e.do(http.MethodPost, "/api/auth/register", "198.51.100.40", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("after reset: status = %d, want 200", rec.Code)
	}
}
