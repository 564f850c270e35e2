package rest

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestRouter_RoutesRegistered verifies every API route is mounted; an
// unmounted route would answer 404 or 405 from chi itself.
func TestRouter_RoutesRegistered(t *testing.T) {
	env := newTestEnv()
	env.alerts.alert = sampleAlert("active")

	routes := []struct {
		method, path, body string
	}{
		{http.MethodGet, "/healthz", ""},
		{http.MethodGet, "/metrics", ""},
		{http.MethodGet, "/api/v1/alerts", ""},
		{http.MethodGet, "/api/v1/alerts/stats", ""},
		{http.MethodGet, "/api/v1/alerts/A-1", ""},
		{http.MethodPatch, "/api/v1/alerts/A-1", `{"actor":"admin"}`},
		{http.MethodPost, "/api/v1/alerts/A-1/acknowledge", `{"actor":"ops"}`},
		{http.MethodPost, "/api/v1/alerts/A-1/resolve", `{"actor":"ops"}`},
		{http.MethodGet, "/api/v1/sensors/S-1/trend", ""},
		{http.MethodGet, "/api/v1/sensors/S-1/prediction", ""},
		{http.MethodPost, "/api/v1/sensors/S-1/control", `{"reboot":true}`},
		{http.MethodGet, "/api/v1/deadletters", ""},
		{http.MethodDelete, "/api/v1/deadletters/1", ""},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			rec := do(t, env.handler, rt.method, rt.path, rt.body)
			if rec.Code == http.StatusNotFound || rec.Code == http.StatusMethodNotAllowed {
				t.Errorf("route not mounted: got %d", rec.Code)
			}
		})
	}
}

// TestRouter_StatsNotShadowedByID verifies /alerts/stats reaches the stats
// handler rather than being read as an alert id.
func TestRouter_StatsNotShadowedByID(t *testing.T) {
	env := newTestEnv()
	do(t, env.handler, http.MethodGet, "/api/v1/alerts/stats", "")

	if env.alerts.gotID != "" {
		t.Errorf("stats request reached Get with id %q", env.alerts.gotID)
	}
	if env.alerts.gotDays != 30 {
		t.Errorf("Stats not called with default days, got %d", env.alerts.gotDays)
	}
}

func TestRouter_NilDependenciesLeaveRoutesUnmounted(t *testing.T) {
	srv := NewServer(Deps{}, discardLogger())
	h := NewRouter(srv, RouterOptions{})

	for _, path := range []string{"/api/v1/alerts", "/api/v1/sensors/S-1/trend", "/api/v1/deadletters", "/ws"} {
		rec := do(t, h, http.MethodGet, path, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
	}
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("/healthz: expected 200, got %d", rec.Code)
	}
}

func TestRouter_WebSocketMounted(t *testing.T) {
	called := false
	ws := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	h := NewRouter(NewServer(Deps{}, discardLogger()), RouterOptions{WebSocket: ws})

	do(t, h, http.MethodGet, "/ws", "")
	if !called {
		t.Error("websocket handler was not invoked")
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	h := NewRouter(NewServer(Deps{Alerts: &mockAlerts{}}, discardLogger()), RouterOptions{
		CORSOrigins: []string{"https://dashboard.example.com"},
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/alerts", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dashboard.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/alerts", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin allowed: %q", got)
	}
}

func TestRouter_RateLimitPerIP(t *testing.T) {
	h := NewRouter(NewServer(Deps{Alerts: &mockAlerts{}}, discardLogger()), RouterOptions{RateLimit: 2})

	for i := range 2 {
		if rec := do(t, h, http.MethodGet, "/api/v1/alerts", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/alerts", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after budget, got %d", rec.Code)
	}
	// /healthz sits outside the limited group.
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("/healthz: expected 200, got %d", rec.Code)
	}
}
