package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/latencypoison/poisond/internal/keystore"
	"github.com/latencypoison/poisond/internal/model"
	"github.com/latencypoison/poisond/internal/quota"
	"github.com/latencypoison/poisond/internal/rule"
	"github.com/latencypoison/poisond/internal/service"
	"github.com/latencypoison/poisond/internal/usagelog"
)

const testAdminToken = "correct-horse-battery-staple"

func newTestServer(t *testing.T) (*httptest.Server, *usagelog.Repo) {
	t.Helper()

	dir := t.TempDir()
	stateDB, err := keystore.OpenDB(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}
	t.Cleanup(func() { stateDB.Close() })
	if err := keystore.MigrateStateDB(stateDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	usageDB, err := keystore.OpenDB(filepath.Join(dir, "usage.db"))
	if err != nil {
		t.Fatalf("open usage db: %v", err)
	}
	t.Cleanup(func() { usageDB.Close() })
	usageRepo, err := usagelog.NewRepo(usageDB)
	if err != nil {
		t.Fatalf("init usage db: %v", err)
	}

	store, err := keystore.NewStore(keystore.NewRepo(stateDB), 100, time.Minute)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	gate := quota.NewGate(quota.NewStaticSource(), usageRepo, 0)
	limits := rule.Limits{MaxTargetURLLen: 2048, MaxInjectLatencyMs: 5000, DefaultMaxLatencyMs: 1000}
	cp := service.NewControlPlaneService(store, gate, usageRepo, limits)

	info := service.SystemInfo{Version: "test", StartedAt: time.Now().UTC()}
	handler := NewHandler(testAdminToken, info, cp, 1<<20)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, usageRepo
}

func doJSON(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthNoAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var body map[string]string
	decodeInto(t, resp, &body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["service"] != "poisond" {
		t.Errorf("body = %v", body)
	}
}

func TestAPIRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		header string
	}{
		{name: "MissingHeader", header: ""},
		{name: "NotBearer", header: "Basic abc"},
		{name: "WrongToken", header: "Bearer wrong"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/system/info", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", resp.StatusCode)
			}
		})
	}
}

func TestEmptyAdminTokenDisablesAuth(t *testing.T) {
	cp := service.NewControlPlaneService(nil, nil, nil, rule.Limits{})
	srv := httptest.NewServer(NewHandler("", service.SystemInfo{Version: "test"}, cp, 1<<20))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/system/info")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 without credentials", resp.StatusCode)
	}
}

func TestConfigKeyCRUD(t *testing.T) {
	srv, _ := newTestServer(t)

	// Create with defaults.
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/config-keys",
		`{"owner_id":"owner-1","name":"checkout api","target_url":"https://api.example.com"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var created service.ConfigKeyResponse
	decodeInto(t, resp, &created)

	if !strings.HasPrefix(created.Key, "lp_") {
		t.Errorf("slug = %q, want lp_ prefix", created.Key)
	}
	if created.FailRate != 0 || created.MinLatencyMs != 0 || created.MaxLatencyMs != 1000 {
		t.Errorf("defaults = %+v", created)
	}
	if len(created.FailCodes) != 2 || created.FailCodes[0] != 500 {
		t.Errorf("fail codes = %v", created.FailCodes)
	}
	if created.Method != "ANY" || !created.IsActive {
		t.Errorf("created = %+v", created)
	}

	// Read it back.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/config-keys/"+created.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	var fetched service.ConfigKeyResponse
	decodeInto(t, resp, &fetched)
	if fetched.Key != created.Key {
		t.Errorf("fetched = %+v", fetched)
	}

	// List for the owner.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/config-keys?owner_id=owner-1", "")
	var listed []service.ConfigKeyResponse
	decodeInto(t, resp, &listed)
	if len(listed) != 1 {
		t.Fatalf("listed = %d keys, want 1", len(listed))
	}

	// Partial update.
	resp = doJSON(t, http.MethodPatch, srv.URL+"/api/config-keys/"+created.ID,
		`{"fail_rate":0.5,"is_active":false,"method":"get"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d, want 200", resp.StatusCode)
	}
	var updated service.ConfigKeyResponse
	decodeInto(t, resp, &updated)
	if updated.FailRate != 0.5 || updated.IsActive || updated.Method != "GET" {
		t.Errorf("updated = %+v", updated)
	}
	if updated.TargetURL != created.TargetURL {
		t.Error("untouched field changed")
	}

	// Delete, then 404.
	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/config-keys/"+created.ID, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/config-keys/"+created.ID, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateConfigKeyValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "MissingOwner", body: `{"target_url":"https://example.com"}`},
		{name: "FTPTarget", body: `{"owner_id":"o","target_url":"ftp://example.com"}`},
		{name: "FailRateAboveOne", body: `{"owner_id":"o","target_url":"https://example.com","fail_rate":1.5}`},
		{name: "MinAboveMax", body: `{"owner_id":"o","target_url":"https://example.com","min_latency_ms":500,"max_latency_ms":100}`},
		{name: "FailCodeOutOfRange", body: `{"owner_id":"o","target_url":"https://example.com","fail_codes":[99]}`},
		{name: "BogusMethod", body: `{"owner_id":"o","target_url":"https://example.com","method":"YOLO"}`},
		{name: "UnknownField", body: `{"owner_id":"o","target_url":"https://example.com","surprise":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodPost, srv.URL+"/api/config-keys", tt.body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestCreateConfigKeyEnforcesKeysLimit(t *testing.T) {
	srv, _ := newTestServer(t)

	// The default free plan allows 2 keys.
	for i := 0; i < 2; i++ {
		resp := doJSON(t, http.MethodPost, srv.URL+"/api/config-keys",
			fmt.Sprintf(`{"owner_id":"owner-1","name":"key %d","target_url":"https://example.com"}`, i))
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create %d status = %d, want 201", i, resp.StatusCode)
		}
	}

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/config-keys",
		`{"owner_id":"owner-1","name":"one too many","target_url":"https://example.com"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	var errResp ErrorResponse
	decodeInto(t, resp, &errResp)
	if errResp.Error.Code != "KEYS_LIMIT_EXCEEDED" {
		t.Errorf("error code = %q", errResp.Error.Code)
	}

	// A different owner is unaffected.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/config-keys",
		`{"owner_id":"owner-2","target_url":"https://example.com"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("other owner status = %d, want 201", resp.StatusCode)
	}
}

func TestUsageEndpoints(t *testing.T) {
	srv, usageRepo := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/config-keys",
		`{"owner_id":"owner-1","target_url":"https://example.com"}`)
	var created service.ConfigKeyResponse
	decodeInto(t, resp, &created)

	now := time.Now()
	inserted, err := usageRepo.InsertBatch([]model.UsageEntry{
		{KeyID: created.ID, OwnerID: "owner-1", TsNs: now.Add(-time.Hour).UnixNano(), ResultingStatus: 200, ObservedLatencyMs: 12},
		{KeyID: created.ID, OwnerID: "owner-1", TsNs: now.UnixNano(), ResultingStatus: 503, ObservedLatencyMs: 80, SyntheticFailure: true},
	})
	if err != nil || inserted != 2 {
		t.Fatalf("seed usage: inserted=%d err=%v", inserted, err)
	}

	t.Run("Summary", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, srv.URL+"/api/usage/summary?owner_id=owner-1", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var sum usagelog.Summary
		decodeInto(t, resp, &sum)
		if sum.TotalRequests != 2 || len(sum.ByKey) != 1 {
			t.Errorf("summary = %+v", sum)
		}
	})

	t.Run("Timeline", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, srv.URL+"/api/usage/timeline?owner_id=owner-1&group_by=day&period=7d", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var tl usagelog.Timeline
		decodeInto(t, resp, &tl)
		if len(tl.Series) != 1 || tl.Series[0].KeyID != created.ID {
			t.Errorf("timeline = %+v", tl)
		}
	})

	t.Run("HourWith30dRejected", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, srv.URL+"/api/usage/timeline?owner_id=owner-1&group_by=hour&period=30d", "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("MissingOwner", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, srv.URL+"/api/usage/summary", "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestRequestBodyLimit(t *testing.T) {
	dir := t.TempDir()
	stateDB, err := keystore.OpenDB(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}
	defer stateDB.Close()
	if err := keystore.MigrateStateDB(stateDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	usageDB, err := keystore.OpenDB(filepath.Join(dir, "usage.db"))
	if err != nil {
		t.Fatalf("open usage db: %v", err)
	}
	defer usageDB.Close()
	usageRepo, err := usagelog.NewRepo(usageDB)
	if err != nil {
		t.Fatalf("init usage db: %v", err)
	}
	store, err := keystore.NewStore(keystore.NewRepo(stateDB), 10, time.Minute)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	cp := service.NewControlPlaneService(store,
		quota.NewGate(quota.NewStaticSource(), usageRepo, 0),
		usageRepo,
		rule.Limits{MaxTargetURLLen: 2048, MaxInjectLatencyMs: 5000, DefaultMaxLatencyMs: 1000})

	srv := httptest.NewServer(NewHandler(testAdminToken, service.SystemInfo{}, cp, 64))
	defer srv.Close()

	big := fmt.Sprintf(`{"owner_id":"o","target_url":"https://example.com","name":%q}`,
		strings.Repeat("x", 256))
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/config-keys", big)
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
}

func TestSystemInfo(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/system/info", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var info service.SystemInfo
	decodeInto(t, resp, &info)
	if info.Version != "test" {
		t.Errorf("info = %+v", info)
	}
}
