package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/latencypoison/poisond/internal/keystore"
	"github.com/latencypoison/poisond/internal/model"
	"github.com/latencypoison/poisond/internal/quota"
	"github.com/latencypoison/poisond/internal/ratelimit"
	"github.com/latencypoison/poisond/internal/rule"
	"github.com/latencypoison/poisond/internal/usagelog"
)

type fakeKeys struct {
	keys map[string]model.ConfigKey
}

func (f *fakeKeys) GetBySlug(slug string) (model.ConfigKey, error) {
	k, ok := f.keys[slug]
	if !ok {
		return model.ConfigKey{}, keystore.ErrNotFound
	}
	return k, nil
}

type stubPlans struct {
	quota model.PlanQuota
}

func (s stubPlans) QuotaFor(string) (model.PlanQuota, error) {
	return s.quota, nil
}

type testEnv struct {
	keys      *fakeKeys
	usageRepo *usagelog.Repo
	usageSvc  *usagelog.Service
	handler   http.Handler
}

// newTestEnv builds a key-routing handler over a fake key lookup, a real
// sqlite-backed usage recorder, and a permissive (or restrictive) quota.
func newTestEnv(t *testing.T, requestsLimit int) *testEnv {
	t.Helper()

	db, err := keystore.OpenDB(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("open usage db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	usageRepo, err := usagelog.NewRepo(db)
	if err != nil {
		t.Fatalf("init usage db: %v", err)
	}
	usageSvc := usagelog.NewService(usagelog.ServiceConfig{
		Repo:          usageRepo,
		QueueSize:     64,
		FlushBatch:    32,
		FlushInterval: time.Hour,
	})
	usageSvc.Start()

	keys := &fakeKeys{keys: map[string]model.ConfigKey{}}
	resolver := rule.NewResolver(keys, rule.Limits{
		MaxTargetURLLen:     2048,
		MaxInjectLatencyMs:  5000,
		DefaultMaxLatencyMs: 1000,
	})
	gate := quota.NewGate(
		stubPlans{quota: model.PlanQuota{Plan: "test", KeysLimit: 10, RequestsLimit: requestsLimit}},
		usageRepo, 0,
	)
	forwarder := NewForwarder(http.DefaultTransport, 5*time.Second)
	keyHandler := NewKeyHandler(resolver, gate, forwarder, usageSvc, nil)

	mux := http.NewServeMux()
	mux.Handle("/{key}", keyHandler)
	mux.Handle("/{key}/{rest...}", keyHandler)

	return &testEnv{keys: keys, usageRepo: usageRepo, usageSvc: usageSvc, handler: mux}
}

// drainUsage stops the recorder so every queued entry is flushed to sqlite.
func (e *testEnv) drainUsage() {
	e.usageSvc.Stop()
}

func (e *testEnv) addKey(slug, target string, mutate func(*model.ConfigKey)) {
	k := model.ConfigKey{
		ID:            "id-" + slug,
		Key:           slug,
		OwnerID:       "owner-1",
		TargetURL:     target,
		FailCodesJSON: "[500,503]",
		Method:        "ANY",
		IsActive:      true,
	}
	if mutate != nil {
		mutate(&k)
	}
	e.keys.keys[slug] = k
}

func newSandbox(t *testing.T, limiter ratelimit.Limiter) http.Handler {
	t.Helper()
	resolver := rule.NewResolver(nil, rule.Limits{
		MaxTargetURLLen:     2048,
		MaxInjectLatencyMs:  5000,
		DefaultMaxLatencyMs: 1000,
	})
	forwarder := NewForwarder(http.DefaultTransport, 5*time.Second)
	mux := http.NewServeMux()
	mux.Handle("GET /sandbox", NewSandboxHandler(resolver, limiter, forwarder))
	return mux
}

func TestSandboxPassThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusMultiStatus)
		io.WriteString(w, "upstream body")
	}))
	defer upstream.Close()

	srv := httptest.NewServer(newSandbox(t, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sandbox?url=" + upstream.URL)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus {
		t.Fatalf("status = %d, want 207", resp.StatusCode)
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Error("upstream header not relayed")
	}
	if resp.Header.Get("X-Poison-Synthetic") != "" {
		t.Error("pass-through response carries the synthetic marker")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "upstream body" {
		t.Errorf("body = %q", body)
	}
}

func TestSandboxInjectsLatency(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	srv := httptest.NewServer(newSandbox(t, nil))
	defer srv.Close()

	start := time.Now()
	resp, err := http.Get(srv.URL + "/sandbox?url=" + upstream.URL + "&minLatency=100&maxLatency=100")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("elapsed = %v, want >= 100ms of injected delay", elapsed)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestSandboxSyntheticFailureSkipsUpstream(t *testing.T) {
	srv := httptest.NewServer(newSandbox(t, nil))
	defer srv.Close()

	// Target is unreachable; a synthetic failure must short-circuit before
	// any dial happens.
	resp, err := http.Get(srv.URL + "/sandbox?url=http://127.0.0.1:1&failrate=1&failCodes=418")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", resp.StatusCode)
	}
	if resp.Header.Get("X-Poison-Synthetic") != "1" {
		t.Error("missing synthetic marker header")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "418 I'm a teapot" {
		t.Errorf("body = %q", body)
	}
}

func TestSandboxRejectsBadParams(t *testing.T) {
	srv := httptest.NewServer(newSandbox(t, nil))
	defer srv.Close()

	tests := []struct {
		name     string
		query    string
		wantCode string
	}{
		{name: "MissingURL", query: "", wantCode: "INVALID_TARGET_URL"},
		{name: "FTPScheme", query: "?url=ftp://example.com", wantCode: "INVALID_TARGET_URL"},
		{name: "MalformedFailRate", query: "?url=http://example.com&failrate=abc", wantCode: "INVALID_PARAMETER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/sandbox" + tt.query)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if got := resp.Header.Get("X-Poison-Error"); got != tt.wantCode {
				t.Errorf("X-Poison-Error = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestSandboxRateLimited(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	srv := httptest.NewServer(newSandbox(t, ratelimit.NewLocalLimiter(0.001, 1)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sandbox?url=" + upstream.URL)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/sandbox?url=" + upstream.URL)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Poison-Error"); got != "RATE_LIMITED" {
		t.Errorf("X-Poison-Error = %q, want RATE_LIMITED", got)
	}
}

func TestKeyRoutingForwardsAndRecords(t *testing.T) {
	var gotPath, gotQuery, gotMethod string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotMethod = r.Method
		w.WriteHeader(http.StatusAccepted)
	}))
	defer upstream.Close()

	env := newTestEnv(t, 1000)
	env.addKey("lp_test", upstream.URL, nil)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/lp_test/v1/users?page=2", "application/json", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if gotPath != "/v1/users" || gotQuery != "page=2" || gotMethod != http.MethodPost {
		t.Errorf("upstream saw %s %s?%s", gotMethod, gotPath, gotQuery)
	}

	env.drainUsage()
	sum, err := env.usageRepo.Summarize("owner-1")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.TotalRequests != 1 {
		t.Fatalf("usage entries = %d, want 1", sum.TotalRequests)
	}
	if sum.ByKey[0].KeyID != "id-lp_test" {
		t.Errorf("usage key = %q", sum.ByKey[0].KeyID)
	}
}

func TestKeyNotFoundAndInactiveAreDistinct(t *testing.T) {
	env := newTestEnv(t, 1000)
	env.addKey("lp_off", "https://example.com", func(k *model.ConfigKey) {
		k.IsActive = false
	})
	srv := httptest.NewServer(env.handler)
	defer srv.Close()
	defer env.drainUsage()

	resp, err := http.Get(srv.URL + "/lp_missing")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound || resp.Header.Get("X-Poison-Error") != "KEY_NOT_FOUND" {
		t.Fatalf("missing key: status=%d code=%q", resp.StatusCode, resp.Header.Get("X-Poison-Error"))
	}

	resp, err = http.Get(srv.URL + "/lp_off")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden || resp.Header.Get("X-Poison-Error") != "KEY_INACTIVE" {
		t.Fatalf("inactive key: status=%d code=%q", resp.StatusCode, resp.Header.Get("X-Poison-Error"))
	}
}

func TestKeyMethodRestriction(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	env := newTestEnv(t, 1000)
	env.addKey("lp_getonly", upstream.URL, func(k *model.ConfigKey) {
		k.Method = "GET"
	})
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/lp_getonly", "text/plain", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Poison-Error"); got != "METHOD_NOT_ALLOWED" {
		t.Errorf("X-Poison-Error = %q", got)
	}

	resp, err = http.Get(srv.URL + "/lp_getonly")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", resp.StatusCode)
	}

	// The rejected POST must not appear in usage.
	env.drainUsage()
	sum, err := env.usageRepo.Summarize("owner-1")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.TotalRequests != 1 {
		t.Fatalf("usage entries = %d, want 1 (GET only)", sum.TotalRequests)
	}
}

func TestKeyQuotaExceededProducesNoUsageEntry(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	env := newTestEnv(t, 0)
	env.addKey("lp_test", upstream.URL, nil)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/lp_test")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Poison-Error"); got != "REQUESTS_LIMIT_EXCEEDED" {
		t.Errorf("X-Poison-Error = %q", got)
	}

	env.drainUsage()
	sum, err := env.usageRepo.Summarize("owner-1")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.TotalRequests != 0 {
		t.Fatalf("usage entries = %d, want 0 for a quota-rejected request", sum.TotalRequests)
	}
}

func TestKeySyntheticFailureRecordsUsage(t *testing.T) {
	env := newTestEnv(t, 1000)
	env.addKey("lp_chaos", "http://127.0.0.1:1", func(k *model.ConfigKey) {
		k.FailRate = 1
		k.FailCodesJSON = "[503]"
	})
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/lp_chaos")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if resp.Header.Get("X-Poison-Synthetic") != "1" {
		t.Error("missing synthetic marker header")
	}

	env.drainUsage()
	sum, err := env.usageRepo.Summarize("owner-1")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.TotalRequests != 1 {
		t.Fatalf("usage entries = %d, want 1", sum.TotalRequests)
	}
}

func TestKeyUpstreamUnreachable(t *testing.T) {
	env := newTestEnv(t, 1000)
	env.addKey("lp_dead", "http://127.0.0.1:1", nil)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/lp_dead")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Poison-Error"); got != "UPSTREAM_UNREACHABLE" {
		t.Errorf("X-Poison-Error = %q", got)
	}
	if resp.Header.Get("X-Poison-Synthetic") != "" {
		t.Error("real upstream failure must not carry the synthetic marker")
	}

	// The failed forward still counts as usage with the error status.
	env.drainUsage()
	sum, err := env.usageRepo.Summarize("owner-1")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.TotalRequests != 1 {
		t.Fatalf("usage entries = %d, want 1", sum.TotalRequests)
	}
}

func TestKeyStripsClientHopByHopHeaders(t *testing.T) {
	var sawProxyAuth, sawPoisonHeader bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawProxyAuth = r.Header.Get("Proxy-Authorization") != ""
		sawPoisonHeader = r.Header.Get("X-Poison-Synthetic") != ""
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	env := newTestEnv(t, 1000)
	env.addKey("lp_test", upstream.URL, nil)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()
	defer env.drainUsage()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/lp_test", nil)
	req.Header.Set("Proxy-Authorization", "Basic abc")
	req.Header.Set("X-Poison-Synthetic", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if sawProxyAuth {
		t.Error("Proxy-Authorization leaked to the upstream")
	}
	if sawPoisonHeader {
		t.Error("proxy identity header leaked to the upstream")
	}
}
