package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/propstream/propstream/internal/admission"
	"github.com/propstream/propstream/internal/bus"
	"github.com/propstream/propstream/internal/domain"
	"github.com/propstream/propstream/internal/provider"
	"github.com/propstream/propstream/internal/resilience"
	"github.com/propstream/propstream/internal/settlement"
	"github.com/propstream/propstream/internal/store"
	"github.com/propstream/propstream/internal/streamer"
)

type testEnv struct {
	srv  *httptest.Server
	deps Deps
	gw   *Server
}

func newTestEnv(t *testing.T, policies *admission.PolicySet, guardCfg admission.GuardConfig) *testEnv {
	t.Helper()

	st := store.NewMemory()
	b := bus.New(bus.DefaultConfig())
	t.Cleanup(b.Close)

	res := resilience.NewManager(resilience.DefaultConfig())
	res.SetPublisher(func(ev domain.Event) { b.Publish(ev) })

	str := streamer.New(streamer.DefaultConfig(), res, b)
	str.AddProvider(provider.NewSyntheticClient("synthbook", "nba", 7, 0, 0), []string{"nba"})

	mgr := settlement.NewManager(settlement.DefaultConfig())
	mgr.SetPublisher(func(ev domain.Event) { b.Publish(ev) })

	deps := Deps{
		Resilience:  res,
		Streamer:    str,
		Settlements: mgr,
		Limiter:     admission.NewLimiter(policies, st),
		Guard:       admission.NewGuard(guardCfg),
		Bus:         b,
		Store:       st,
	}

	gw := newServer(DefaultConfig(), deps)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(gw.hub.Shutdown)

	return &testEnv{srv: srv, deps: deps, gw: gw}
}

func newDefaultEnv(t *testing.T) *testEnv {
	return newTestEnv(t, admission.DefaultPolicies(), admission.DefaultGuardConfig())
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (e *testEnv) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return doc
}

func TestHealthEndpoint(t *testing.T) {
	env := newDefaultEnv(t)

	resp, doc := env.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if doc["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", doc["status"])
	}
	components, ok := doc["components"].(map[string]any)
	if !ok {
		t.Fatalf("components missing: %v", doc)
	}
	if components["store"] != "up" {
		t.Errorf("store = %v, want up", components["store"])
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestStatusDocumentAggregates(t *testing.T) {
	env := newDefaultEnv(t)

	env.post(t, "/api/stream/cycle", nil)

	resp, doc := env.get(t, "/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	for _, key := range []string{"bus", "last_cycle", "settlements", "rate_limiter", "queue_guard", "providers", "ws", "gateway"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("status document missing %q", key)
		}
	}

	// The cycle POST preceding this request must already show up in the
	// gathered request counters.
	gw, ok := doc["gateway"].(map[string]any)
	if !ok {
		t.Fatalf("gateway section = %T", doc["gateway"])
	}
	if total, _ := gw["http_requests_total"].(float64); total < 1 {
		t.Errorf("http_requests_total = %v, want >= 1", gw["http_requests_total"])
	}
}

func TestProvidersSnapshotAndToggle(t *testing.T) {
	env := newDefaultEnv(t)

	resp, doc := env.get(t, "/api/providers")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if count := doc["count"].(float64); count != 1 {
		t.Fatalf("count = %v, want 1", count)
	}

	resp, snap := env.post(t, "/api/providers/synthbook/disable", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable status = %d, want 200", resp.StatusCode)
	}
	if snap["enabled"] != false {
		t.Errorf("enabled = %v after disable, want false", snap["enabled"])
	}

	resp, snap = env.post(t, "/api/providers/synthbook/enable", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enable status = %d, want 200", resp.StatusCode)
	}
	if snap["enabled"] != true {
		t.Errorf("enabled = %v after enable, want true", snap["enabled"])
	}

	resp, _ = env.post(t, "/api/providers/nope/disable", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown provider status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamCycleEndpoint(t *testing.T) {
	env := newDefaultEnv(t)

	resp, doc := env.post(t, "/api/stream/cycle", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ok := doc["providers_ok"].(float64); ok != 1 {
		t.Errorf("providers_ok = %v, want 1", ok)
	}
	if seen := doc["quotes_seen"].(float64); seen == 0 {
		t.Error("quotes_seen = 0, want > 0")
	}
	if resp.Header.Get("X-RateLimit-Limit") == "" {
		t.Error("X-RateLimit-Limit header missing on guarded route")
	}
	if resp.Header.Get("X-RateLimit-Remaining") == "" {
		t.Error("X-RateLimit-Remaining header missing on guarded route")
	}
}

func TestSettlementFlowOverHTTP(t *testing.T) {
	env := newDefaultEnv(t)

	resp, doc := env.post(t, "/api/settlements", map[string]any{
		"prop_id":      "nba-001:j.allen:points",
		"actual_value": 31.0,
		"line":         28.5,
		"side":         "OVER",
		"source":       "LIVE_EVENT",
		"actor":        "ops",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("initiate status = %d, want 201: %v", resp.StatusCode, doc)
	}
	settlementID, _ := doc["settlement_id"].(string)
	if settlementID == "" {
		t.Fatalf("settlement_id missing: %v", doc)
	}

	resp, doc = env.get(t, "/api/settlements/nba-001:j.allen:points")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status fetch = %d, want 200", resp.StatusCode)
	}
	if doc["lifecycle"] != "SETTLING" {
		t.Errorf("lifecycle = %v, want SETTLING", doc["lifecycle"])
	}

	resp, doc = env.post(t, "/api/settlements/"+settlementID+"/process", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("process status = %d, want 200: %v", resp.StatusCode, doc)
	}
	if doc["processed"] != true {
		t.Errorf("processed = %v, want true", doc["processed"])
	}

	resp, doc = env.get(t, "/api/settlements/nba-001:j.allen:points")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status fetch = %d, want 200", resp.StatusCode)
	}
	rec, _ := doc["settlement"].(map[string]any)
	if rec == nil || rec["status"] != "SETTLED" {
		t.Fatalf("settlement = %v, want status SETTLED", doc["settlement"])
	}
	if rec["outcome"] != "WIN" {
		t.Errorf("outcome = %v, want WIN", rec["outcome"])
	}

	resp, doc = env.post(t, "/api/settlements/"+settlementID+"/dispute", map[string]any{
		"reason":          "video review shows 29",
		"disputing_party": "book-ops",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dispute status = %d, want 200: %v", resp.StatusCode, doc)
	}

	resp, doc = env.post(t, "/api/settlements/"+settlementID+"/resolve", map[string]any{
		"resolution": "LOSE",
		"resolver":   "senior-ops",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d, want 200: %v", resp.StatusCode, doc)
	}
	if doc["resolved"] != true {
		t.Errorf("resolved = %v, want true", doc["resolved"])
	}
}

func TestSettlementErrorMapping(t *testing.T) {
	env := newDefaultEnv(t)

	resp, _ := env.post(t, "/api/settlements/does-not-exist/process", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown settlement = %d, want 404", resp.StatusCode)
	}

	body := map[string]any{
		"prop_id": "nba-002:s.curry:points", "actual_value": 30.0, "line": 29.5,
		"side": "OVER", "source": "API_FEED",
	}
	resp, _ = env.post(t, "/api/settlements", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("initiate = %d, want 201", resp.StatusCode)
	}
	resp, doc := env.post(t, "/api/settlements", body)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("re-initiate while in progress = %d, want 409: %v", resp.StatusCode, doc)
	}

	resp, _ = env.post(t, "/api/settlements", map[string]any{"actual_value": 1.0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing prop_id = %d, want 400", resp.StatusCode)
	}

	resp, _ = env.get(t, "/api/settlements/never-initiated")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown prop = %d, want 404", resp.StatusCode)
	}
}

func TestRateLimitDenialWritesHeadersAndBody(t *testing.T) {
	policies := admission.NewPolicySet(
		map[string]admission.Policy{
			"/api/stream/cycle": {Requests: 2, WindowSeconds: 300, Strategy: admission.FixedWindow},
		},
		map[string]admission.Policy{
			"public": {Requests: 100, WindowSeconds: 3600, Strategy: admission.SlidingWindow},
		},
		admission.Policy{Requests: 1000, WindowSeconds: 3600, Strategy: admission.SlidingWindow},
	)
	env := newTestEnv(t, policies, admission.DefaultGuardConfig())

	for i := 0; i < 2; i++ {
		resp, _ := env.post(t, "/api/stream/cycle", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("call %d status = %d, want 200", i+1, resp.StatusCode)
		}
	}

	resp, doc := env.post(t, "/api/stream/cycle", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header missing on denial")
	}
	if resp.Header.Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", resp.Header.Get("X-RateLimit-Remaining"))
	}
	status, _ := doc["current_status"].(map[string]any)
	if status == nil || status["allowed"] != false {
		t.Errorf("denial body missing current_status.allowed=false: %v", doc)
	}
	limit, _ := doc["rate_limit"].(map[string]any)
	if limit == nil || limit["requests"].(float64) != 2 {
		t.Errorf("denial body missing rate_limit policy: %v", doc)
	}
}

func TestQueueGuardShedsOverCapacity(t *testing.T) {
	guardCfg := admission.DefaultGuardConfig()
	guardCfg.Capacity = 1
	env := newTestEnv(t, admission.DefaultPolicies(), guardCfg)

	// Occupy the only slot so the HTTP request arrives over capacity.
	if err := env.deps.Guard.Admit(admission.PriorityCritical); err != nil {
		t.Fatalf("admit: %v", err)
	}
	defer env.deps.Guard.Done(admission.PriorityCritical)

	resp, doc := env.post(t, "/api/stream/cycle", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503: %v", resp.StatusCode, doc)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header missing on shed")
	}
	if reason, _ := doc["reason"].(string); reason == "" {
		t.Errorf("shed body missing reason: %v", doc)
	}
}

func TestRateLimitStatusContract(t *testing.T) {
	env := newDefaultEnv(t)

	resp, doc := env.get(t, "/api/ratelimit/status?endpoint=/api/settlements")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if doc["endpoint"] != "/api/settlements" {
		t.Errorf("endpoint = %v", doc["endpoint"])
	}
	if doc["user_tier"] != "public" {
		t.Errorf("user_tier = %v, want public", doc["user_tier"])
	}
	limit, _ := doc["rate_limit"].(map[string]any)
	if limit == nil || limit["requests"].(float64) != 50 {
		t.Errorf("rate_limit = %v, want the settlements policy", doc["rate_limit"])
	}
	status, _ := doc["current_status"].(map[string]any)
	if status == nil || status["allowed"] != true {
		t.Errorf("current_status = %v, want allowed", doc["current_status"])
	}

	resp, _ = env.get(t, "/api/ratelimit/status")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing endpoint param = %d, want 400", resp.StatusCode)
	}
}

func TestIdentityHeadersPickTier(t *testing.T) {
	env := newDefaultEnv(t)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/ratelimit/status?endpoint=/api/export", nil)
	req.Header.Set(headerAPIKey, "k-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	doc := decodeBody(t, resp)
	if doc["user_tier"] != "authenticated" {
		t.Errorf("tier with API key = %v, want authenticated", doc["user_tier"])
	}

	req, _ = http.NewRequest(http.MethodGet, env.srv.URL+"/api/ratelimit/status?endpoint=/api/export", nil)
	req.Header.Set(headerAPIKey, "k-123")
	req.Header.Set(headerUserTier, "premium")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	doc = decodeBody(t, resp)
	if doc["user_tier"] != "premium" {
		t.Errorf("tier with explicit header = %v, want premium", doc["user_tier"])
	}
	limit, _ := doc["rate_limit"].(map[string]any)
	if limit == nil || limit["requests"].(float64) != 5000 {
		t.Errorf("premium tier policy not applied: %v", doc["rate_limit"])
	}
}

func TestNotFoundReturnsJSON(t *testing.T) {
	env := newDefaultEnv(t)

	resp, doc := env.get(t, "/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if doc["error"] != "not found" {
		t.Errorf("body = %v", doc)
	}
}

func TestArchiveEndpointValidatesCutoff(t *testing.T) {
	env := newDefaultEnv(t)

	resp, doc := env.post(t, "/api/settlements/archive", map[string]any{"cutoff_days": -1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative cutoff = %d, want 400: %v", resp.StatusCode, doc)
	}

	resp, doc = env.post(t, "/api/settlements/archive", map[string]any{"cutoff_days": 30})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archive = %d, want 200: %v", resp.StatusCode, doc)
	}
	if doc["archived"].(float64) != 0 {
		t.Errorf("archived = %v, want 0 on empty manager", doc["archived"])
	}
}

func TestMetricsEndpointExposesGatewayFamilies(t *testing.T) {
	env := newDefaultEnv(t)

	env.get(t, "/health")

	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	body := string(raw)
	if !strings.Contains(body, "propstream_http_requests_total") {
		t.Error("metrics output missing propstream_http_requests_total")
	}
	if !strings.Contains(body, "propstream_ws_clients") {
		t.Error("metrics output missing propstream_ws_clients")
	}
}

func TestRequestTimeoutBoundsHandlers(t *testing.T) {
	env := newDefaultEnv(t)

	// The timeout context must be attached for the API subtree; a normal
	// request simply completes well inside it.
	start := time.Now()
	resp, _ := env.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed > DefaultConfig().RequestTimeout {
		t.Errorf("health took %v, exceeding the request timeout", elapsed)
	}
}
