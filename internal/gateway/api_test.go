package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AlexKimmel/accountgate/internal/auth"
	"github.com/AlexKimmel/accountgate/internal/controlplane"
	"github.com/AlexKimmel/accountgate/internal/obs"
	"github.com/AlexKimmel/accountgate/internal/probe"
	"github.com/AlexKimmel/accountgate/internal/ratelimit"
	"github.com/AlexKimmel/accountgate/internal/ratelimit/memory"
	"github.com/AlexKimmel/accountgate/internal/recovery"
	"github.com/AlexKimmel/accountgate/internal/risk"
	"github.com/AlexKimmel/accountgate/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoSender delivers every canary straight back through the API under test.
type echoSender struct {
	srv  *httptest.Server
	drop bool
}

func (s *echoSender) SendCanary(ctx context.Context, _, _, payload string) (time.Time, error) {
	now := time.Now()
	if s.drop {
		return now, nil
	}
	body, _ := json.Marshal(map[string]string{"text": "fwd: " + payload})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.srv.URL+"/v1/canary/receipts", strings.NewReader(string(body)))
	if err != nil {
		return time.Time{}, err
	}
	req.Header.Set("X-API-Key", "s3cret")
	resp, err := s.srv.Client().Do(req)
	if err != nil {
		return time.Time{}, err
	}
	_ = resp.Body.Close()
	return now, nil
}

type harness struct {
	srv     *httptest.Server
	metrics *obs.Metrics
	sender  *echoSender
}

func newHarness(t *testing.T, apiLimit ratelimit.Limit) *harness {
	t.Helper()
	cfg := controlplane.Config{
		Risk:     risk.DefaultConfig(),
		Recovery: recovery.DefaultPolicy(),
		Actions: map[string]ratelimit.Limit{
			"send": {Strategy: ratelimit.SlidingWindow, Max: 2, Window: time.Hour},
		},
	}
	h := &harness{metrics: obs.NewMetrics(prometheus.NewRegistry())}
	inbox := probe.NewInbox(time.Minute)
	h.sender = &echoSender{}
	prober := probe.New(h.sender, inbox, probe.WithTimeout(time.Second))
	plane, err := controlplane.New(cfg, memory.New(), store.NewMemory(), zerolog.Nop(),
		controlplane.WithProber(prober), controlplane.WithMetrics(h.metrics))
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewAPI(plane, inbox, "v-test").Register(mux)
	keys := auth.NewStatic("X-API-Key", map[string]string{"s3cret": "orchestrator"})

	handler := Chain(mux,
		obs.Logger(zerolog.Nop()),
		BodyLimit(1<<10),
		keys.Middleware(OpsPaths),
		RateLimit(memory.New(memory.WithDefault(apiLimit)), OpsPaths, nil),
		h.metrics.Middleware(nil),
	)
	h.srv = httptest.NewServer(handler)
	h.sender.srv = h.srv
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "s3cret")
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

var generous = ratelimit.Limit{Strategy: ratelimit.TokenBucket, Max: 1000, Window: time.Minute}

func TestAdmissionEndpoint(t *testing.T) {
	h := newHarness(t, generous)

	for i := 0; i < 2; i++ {
		resp, body := h.do(t, http.MethodPost, "/v1/admission", `{"account":"a1","kind":"send"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "allow", body["verdict"])
		assert.Equal(t, "account:a1:send", body["key"])
	}

	resp, body := h.do(t, http.MethodPost, "/v1/admission", `{"account":"a1","kind":"send"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "deny", body["verdict"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Greater(t, body["retry_after_ms"], 0.0)

	resp, body = h.do(t, http.MethodPost, "/v1/admission", `{"account":"","kind":"send"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_argument", body["error"].(map[string]any)["code"])

	resp, _ = h.do(t, http.MethodPost, "/v1/admission", `{"account":"a1","kind":"send","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Admissions.WithLabelValues("send", "allow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues("POST /v1/admission", "POST", "429")))
}

func TestOutcomeEndpoint_QuarantineLocksAdmission(t *testing.T) {
	h := newHarness(t, generous)

	var body map[string]any
	for i := 0; i < 4; i++ {
		var resp *http.Response
		resp, body = h.do(t, http.MethodPost, "/v1/outcome", `{"account":"a1","outcome":"throttle"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, true, body["quarantine"])

	resp, body := h.do(t, http.MethodPost, "/v1/admission", `{"account":"a1","kind":"send"}`)
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
	assert.Equal(t, "quarantined", body["verdict"])
	assert.Equal(t, "cooldown", body["stage"])

	resp, body = h.do(t, http.MethodGet, "/v1/accounts/a1/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	plan := body["plan"].(map[string]any)
	assert.Equal(t, "severe", plan["severity"])

	resp, _ = h.do(t, http.MethodPost, "/v1/outcome", `{"account":"a1","outcome":"meteor"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProbeEndpoint_RoundTripsThroughReceipts(t *testing.T) {
	h := newHarness(t, generous)

	resp, body := h.do(t, http.MethodPost, "/v1/probe", `{"account":"a1","canary":"c1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "received", body["outcome"])

	resp, body = h.do(t, http.MethodPost, "/v1/canary/receipts", `{"text":"nothing to see"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = h.do(t, http.MethodPost, "/v1/canary/receipts", `{"probe_id":"late"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, false, body["matched"])
}

func TestAPIRateLimitAndOpsPaths(t *testing.T) {
	h := newHarness(t, ratelimit.Limit{Strategy: ratelimit.SlidingWindow, Max: 1, Window: time.Hour})

	resp, _ := h.do(t, http.MethodGet, "/v1/accounts/a1/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-RateLimit-Limit"))

	resp, body := h.do(t, http.MethodGet, "/v1/accounts/a1/health", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", body["error"].(map[string]any)["code"])

	for i := 0; i < 3; i++ {
		resp, body = h.do(t, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["ok"])
	}
}

func TestBodyLimit(t *testing.T) {
	h := newHarness(t, generous)
	big := `{"account":"` + strings.Repeat("a", 2048) + `","kind":"send"}`
	resp, body := h.do(t, http.MethodPost, "/v1/admission", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, "body_too_large", body["error"].(map[string]any)["code"])
}

// downStore fails every signal load.
type downStore struct{ *store.Memory }

func (downStore) LoadSignals(context.Context, string) (risk.State, error) {
	return risk.State{}, errors.New("database is locked")
}

func TestAdmissionEndpoint_StateUnavailable(t *testing.T) {
	cfg := controlplane.Config{Risk: risk.DefaultConfig(), Recovery: recovery.DefaultPolicy()}
	plane, err := controlplane.New(cfg, memory.New(), downStore{store.NewMemory()}, zerolog.Nop())
	require.NoError(t, err)
	mux := http.NewServeMux()
	NewAPI(plane, nil, "v-test").Register(mux)
	srv := httptest.NewServer(obs.Logger(zerolog.Nop())(mux))
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Post(srv.URL+"/v1/admission", "application/json", strings.NewReader(`{"account":"a1","kind":"send"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "state_unavailable", body["error"].(map[string]any)["code"])
}

func TestUnauthenticated(t *testing.T) {
	h := newHarness(t, generous)
	resp, err := h.srv.Client().Post(h.srv.URL+"/v1/admission", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
