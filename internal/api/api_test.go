package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/rcourtman/meterd/internal/api"
	"github.com/rcourtman/meterd/internal/config"
	"github.com/rcourtman/meterd/internal/gateway"
	"github.com/rcourtman/meterd/internal/ledger"
	"github.com/rcourtman/meterd/internal/payments"
	"github.com/rcourtman/meterd/internal/registry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminKey      = "admin-secret"
	webhookSecret = "hook-secret"
)

func testConfig() *config.Config {
	return &config.Config{
		EnforcePayment:                  true,
		RequireLicenseServer:            true,
		SessionTimeoutSeconds:           300,
		MaxConcurrentSessionsPerLicense: 1,
		SessionLimitPolicy:              "close_oldest",
		FlushIntervalSeconds:            60,
		MaxHeartbeatGapSeconds:          90,
		SweepIntervalSeconds:            30,
		SessionRetentionSeconds:         3600,
		BalanceCacheTTLSeconds:          10,
		BalanceCacheSize:                100,
		LedgerTimeoutMS:                 2000,
		RequestTimeoutSeconds:           15,
		BindAddress:                     "127.0.0.1",
		Port:                            8080,
		StoreDriver:                     "sqlite",
		PaymentProvider:                 "hmac",
		PaymentWebhookSecret:            webhookSecret,
		HourPackages:                    "5:1000,10:1800",
		Currency:                        "usd",
		SignupBonusHours:                "0",
		AdminAPIKey:                     adminKey,
		RateLimitPerMinute:              1000,
		LogLevel:                        "info",
		LogFormat:                       "json",
	}
}

type env struct {
	t    *testing.T
	reg  *registry.Registry
	deps *api.Deps
	srv  *httptest.Server
}

func newEnv(t *testing.T, mutate func(*config.Config)) *env {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	reg, err := registry.NewRegistry(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	deps, err := api.Wire(cfg, reg, "test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = deps.Hub.Run(ctx) }()

	srv := httptest.NewServer(api.NewRouter(deps))
	t.Cleanup(srv.Close)
	return &env{t: t, reg: reg, deps: deps, srv: srv}
}

func (e *env) license(key, hours string) {
	e.t.Helper()
	_, err := e.deps.Licenses.Create(context.Background(), key, "", "")
	require.NoError(e.t, err)
	if h := decimal.RequireFromString(hours); h.IsPositive() {
		_, err = e.deps.Ledger.Credit(context.Background(), key, h, ledger.ReasonPurchase, "seed")
		require.NoError(e.t, err)
	}
}

func (e *env) do(method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	e.t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(e.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp, out
}

func (e *env) webhook(payload string) (*http.Response, map[string]any) {
	e.t.Helper()
	v := &payments.HMACVerifier{Secret: webhookSecret}
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/payments/webhook", strings.NewReader(payload))
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(v.SignatureHeader(), v.Sign([]byte(payload)))
	resp, err := e.srv.Client().Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func hoursOf(t *testing.T, v any) string {
	t.Helper()
	n, ok := v.(float64)
	require.True(t, ok, "expected a JSON number, got %T", v)
	return decimal.NewFromFloat(n).String()
}

func TestBalanceUnknownLicenseIsForbidden(t *testing.T) {
	e := newEnv(t, nil)

	resp, body := e.do(http.MethodGet, "/balance?license_key=lk_UNKNOWN", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Invalid license", body["error"])

	resp, body = e.do(http.MethodGet, "/balance", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "DENY_NO_KEY", body["code"])
}

func TestBalanceReportsHours(t *testing.T) {
	e := newEnv(t, nil)
	e.license("L1", "5")

	resp, body := e.do(http.MethodGet, "/balance", nil, map[string]string{gateway.LicenseKeyHeader: "L1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "L1", body["license_key"])
	assert.Equal(t, "5", hoursOf(t, body["hours_remaining"]))
	assert.Equal(t, "0", hoursOf(t, body["used_hours"]))
	assert.Equal(t, "5", hoursOf(t, body["purchased_hours"]))
}

func TestHeartbeatWithoutHoursIsDenied(t *testing.T) {
	e := newEnv(t, nil)
	e.license("L0", "0")

	resp, body := e.do(http.MethodPost, "/usage/heartbeat", map[string]string{"license_key": "L0"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "No hours remaining", body["error"])
	assert.Equal(t, "DENY_NO_BALANCE", resp.Header.Get(gateway.DecisionHeader))
}

func TestHeartbeatAndClose(t *testing.T) {
	e := newEnv(t, nil)
	e.license("L1", "5")

	resp, body := e.do(http.MethodPost, "/usage/heartbeat", map[string]string{"license_key": "L1"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id, _ := body["session_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "active", body["status"])

	resp, body = e.do(http.MethodPost, "/usage/heartbeat", map[string]string{"license_key": "L1", "session_id": id}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["session_id"])

	resp, body = e.do(http.MethodPost, "/usage/close", map[string]string{"license_key": "L1", "session_id": id}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "flushed", body["status"])

	// Closing again is a no-op, heartbeating a closed session is a conflict.
	resp, _ = e.do(http.MethodPost, "/usage/close", map[string]string{"license_key": "L1", "session_id": id}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = e.do(http.MethodPost, "/usage/heartbeat", map[string]string{"license_key": "L1", "session_id": id}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "session_closed", body["code"])

	resp, _ = e.do(http.MethodPost, "/usage/close", map[string]string{"license_key": "L1", "session_id": "nope"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookCreditsOnce(t *testing.T) {
	e := newEnv(t, nil)
	e.license("L1", "0")

	payload := `{"event_id":"evt_1","type":"payment.succeeded","license_key":"L1","hours":5,"amount":1000,"currency":"usd"}`
	resp, body := e.webhook(payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["received"])

	resp, body = e.webhook(payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["duplicate"])

	_, bal := e.do(http.MethodGet, "/balance?license_key=L1", nil, nil)
	assert.Equal(t, "5", hoursOf(t, bal["hours_remaining"]))

	resp, _ = e.do(http.MethodPost, "/payments/webhook", map[string]string{"event_id": "evt_2"}, map[string]string{"X-Signature": "sha256=00"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCacheSeesWritesImmediately(t *testing.T) {
	e := newEnv(t, nil)
	e.license("L1", "1")

	_, bal := e.do(http.MethodGet, "/balance?license_key=L1", nil, nil)
	assert.Equal(t, "1", hoursOf(t, bal["hours_remaining"]))

	e.webhook(`{"event_id":"evt_9","type":"payment.succeeded","license_key":"L1","hours":2,"amount":400,"currency":"usd"}`)

	_, bal = e.do(http.MethodGet, "/balance?license_key=L1", nil, nil)
	assert.Equal(t, "3", hoursOf(t, bal["hours_remaining"]), "a write must not wait for the cache TTL")
}

func TestRegisterAndPackages(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.SignupBonusHours = "0.5" })

	resp, body := e.do(http.MethodPost, "/register", map[string]string{"email": "dev@example.com"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	key, _ := body["license_key"].(string)
	assert.True(t, strings.HasPrefix(key, "lk_"))
	assert.Equal(t, "0.5", hoursOf(t, body["hours_remaining"]))

	resp, _ = e.do(http.MethodPost, "/register", map[string]string{"email": "not-an-email"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(http.MethodGet, "/packages", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pkgs, _ := body["packages"].([]any)
	assert.Len(t, pkgs, 2)
}

func TestCheckoutWithoutStripeKey(t *testing.T) {
	e := newEnv(t, nil)
	e.license("L1", "1")

	resp, body := e.do(http.MethodPost, "/payments/create-checkout", map[string]any{"license_key": "L1", "hours": 5}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "checkout_unavailable", body["code"])

	resp, _ = e.do(http.MethodPost, "/payments/create-checkout", map[string]any{"license_key": "L1", "hours": 0}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAccessFailsOpenWhenStoreDown(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.RequireLicenseServer = false })
	require.NoError(t, e.reg.Close())

	resp, body := e.do(http.MethodGet, "/api/access", nil, map[string]string{gateway.LicenseKeyHeader: "L1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ALLOW_FAIL_OPEN", body["decision"])
}

func TestAccessFailsClosedWhenStoreDown(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.reg.Close())

	resp, body := e.do(http.MethodGet, "/api/access", nil, map[string]string{gateway.LicenseKeyHeader: "L1"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "DENY_UNAVAILABLE", body["code"])

	resp, _ = e.do(http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAccessStartsSession(t *testing.T) {
	e := newEnv(t, nil)
	e.license("L1", "5")

	resp, body := e.do(http.MethodGet, "/api/access", nil, map[string]string{gateway.LicenseKeyHeader: "L1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ALLOW", body["decision"])
	assert.Len(t, e.deps.Sessions.Active("L1"), 1)
}

func TestAdminRoutes(t *testing.T) {
	e := newEnv(t, nil)
	auth := map[string]string{"X-Admin-Key": adminKey}

	resp, _ := e.do(http.MethodGet, "/admin/licenses", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := e.do(http.MethodPost, "/admin/licenses", map[string]any{"license_key": "L7", "hours": 2}, auth)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	balance, _ := body["balance"].(map[string]any)
	assert.Equal(t, "2", hoursOf(t, balance["hours_remaining"]))

	resp, body = e.do(http.MethodPost, "/admin/licenses/L7/adjust", map[string]any{"hours": -0.5, "note": "refund"}, map[string]string{"Authorization": "Bearer " + adminKey})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1.5", hoursOf(t, body["hours_remaining"]))

	resp, _ = e.do(http.MethodPost, "/admin/licenses/L7/adjust", map[string]any{"hours": -5, "note": "too much"}, auth)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = e.do(http.MethodGet, "/admin/licenses/L7/ledger", nil, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report, _ := body["report"].(map[string]any)
	assert.Equal(t, true, report["consistent"])
	entries, _ := body["entries"].([]any)
	assert.Len(t, entries, 2)

	resp, _ = e.do(http.MethodPost, "/admin/licenses/L7/revoke", nil, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = e.do(http.MethodGet, "/balance?license_key=L7", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Invalid license", body["error"])

	resp, body = e.do(http.MethodGet, "/admin/payments", nil, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "events")
}

func TestAdminDisabledWithoutKey(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.AdminAPIKey = "" })
	resp, _ := e.do(http.MethodGet, "/admin/licenses", nil, map[string]string{"X-Admin-Key": ""})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShadowModeServesDeniedRequests(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.EnforcePayment = false })
	e.license("L0", "0")

	resp, body := e.do(http.MethodGet, "/api/access", nil, map[string]string{gateway.LicenseKeyHeader: "L0"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "DENY_NO_BALANCE", resp.Header.Get(gateway.DecisionHeader))
	assert.Equal(t, "DENY_NO_BALANCE", body["decision"])
}

func TestUpstreamProxy(t *testing.T) {
	var gotKey, gotQuery, gotDecision string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(gateway.LicenseKeyHeader)
		gotQuery = r.URL.RawQuery
		gotDecision = r.Header.Get(gateway.DecisionHeader)
		_, _ = io.WriteString(w, `{"upstream":true,"path":"`+r.URL.Path+`"}`)
	}))
	t.Cleanup(upstream.Close)

	e := newEnv(t, func(c *config.Config) { c.UpstreamURL = upstream.URL })
	e.license("L1", "5")
	e.license("L0", "0")

	resp, body := e.do(http.MethodGet, "/api/models?license_key=L1&page=2", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["upstream"])
	assert.Equal(t, "/api/models", body["path"])
	assert.Empty(t, gotKey)
	assert.Equal(t, "page=2", gotQuery)
	assert.Equal(t, "ALLOW", gotDecision)

	resp, _ = e.do(http.MethodGet, "/api/models", nil, map[string]string{gateway.LicenseKeyHeader: "L0"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestBalanceStream(t *testing.T) {
	e := newEnv(t, nil)
	e.license("L1", "1")

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/balance/stream?license_key=L1"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	readBalance := func() string {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg struct {
			Type string `json:"type"`
			Data struct {
				HoursRemaining float64 `json:"hours_remaining"`
			} `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "balance", msg.Type)
		return decimal.NewFromFloat(msg.Data.HoursRemaining).String()
	}
	assert.Equal(t, "1", readBalance())

	require.Eventually(t, func() bool { return e.deps.Hub.ClientCount("L1") == 1 }, 2*time.Second, 10*time.Millisecond)
	_, err = e.deps.Ledger.Credit(context.Background(), "L1", decimal.NewFromInt(4), ledger.ReasonPurchase, "evt_stream")
	require.NoError(t, err)
	assert.Equal(t, "5", readBalance())
}

func TestRateLimiter(t *testing.T) {
	rl := api.NewIPRateLimiter(2, nil)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "limits are per IP")
}

func TestRateLimiterIgnoresSpoofedForwardedFor(t *testing.T) {
	rl := api.NewIPRateLimiter(1, nil)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i, hop := range []string{"198.51.100.1", "198.51.100.2"} {
		req := httptest.NewRequest(http.MethodPost, "/register", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		req.Header.Set("X-Forwarded-For", hop)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if i == 0 {
			assert.Equal(t, http.StatusNoContent, rec.Code)
		} else {
			assert.Equal(t, http.StatusTooManyRequests, rec.Code, "rotating X-Forwarded-For must not reset the limit")
		}
	}
}

func TestClientIP(t *testing.T) {
	proxies, invalid := api.ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.7", "bogus"})
	require.NotNil(t, proxies)
	assert.Equal(t, []string{"bogus"}, invalid)

	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"untrusted peer", "203.0.113.9:4000", "198.51.100.1", "203.0.113.9"},
		{"trusted peer", "10.1.2.3:4000", "198.51.100.1", "198.51.100.1"},
		{"right-most untrusted hop", "192.0.2.7:4000", "198.51.100.66, 198.51.100.1, 10.0.0.5", "198.51.100.1"},
		{"only trusted hops", "10.1.2.3:4000", "10.0.0.5", "10.1.2.3"},
		{"no header", "10.1.2.3:4000", "", "10.1.2.3"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			assert.Equal(t, tc.want, api.ClientIP(req, proxies))
		})
	}

	none, invalid := api.ParseTrustedProxies(nil)
	assert.Nil(t, none)
	assert.Empty(t, invalid)
}

func TestRequestIDIsEchoed(t *testing.T) {
	e := newEnv(t, nil)
	resp, _ := e.do(http.MethodGet, "/healthz", nil, map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, nil)
	e.license("L1", "1")
	e.do(http.MethodGet, "/balance?license_key=L1", nil, nil)

	resp, err := e.srv.Client().Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(raw)
	assert.Contains(t, text, `meterd_gateway_decisions_total{decision="ALLOW"}`)
	assert.Contains(t, text, `meterd_http_requests_total{method="GET",route="/balance",status="200"}`)
	assert.Contains(t, text, "meterd_cache_requests_total")
}
