package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"boardpilot/api/internal/config"
	"boardpilot/api/internal/store"
)

// fakeStoreForHealth extends the memory store with a controllable ping
type fakeStoreForHealth struct {
	*store.MemoryStore
	pingFn func(context.Context) error
}

func (f *fakeStoreForHealth) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func newTestServiceWithHealth(fs *fakeStoreForHealth) *Service {
	return NewService(config.Config{}, fs, nil, nil, nil)
}

func TestHealthEndpoint(t *testing.T) {
	fs := &fakeStoreForHealth{MemoryStore: store.NewMemoryStore()}
	server := NewHTTPServer(newTestServiceWithHealth(fs), nil, testSecret, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
}

func TestReadyEndpoint_Success(t *testing.T) {
	fs := &fakeStoreForHealth{
		MemoryStore: store.NewMemoryStore(),
		pingFn: func(context.Context) error {
			return nil
		},
	}
	server := NewHTTPServer(newTestServiceWithHealth(fs), nil, testSecret, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["status"] != "ready" {
		t.Errorf("expected status=ready, got %v", response["status"])
	}
	checks, ok := response["checks"].(map[string]any)
	if !ok {
		t.Fatalf("expected checks object, got %T", response["checks"])
	}
	database, _ := checks["database"].(map[string]any)
	if database["status"] != "ok" {
		t.Errorf("expected database status ok, got %v", database["status"])
	}
}

func TestReadyEndpoint_DatabaseFailure(t *testing.T) {
	fs := &fakeStoreForHealth{
		MemoryStore: store.NewMemoryStore(),
		pingFn: func(context.Context) error {
			return errors.New("connection refused")
		},
	}
	server := NewHTTPServer(newTestServiceWithHealth(fs), nil, testSecret, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["ok"] != false {
		t.Errorf("expected ok=false, got %v", response["ok"])
	}
	if response["status"] != "not_ready" {
		t.Errorf("expected status=not_ready, got %v", response["status"])
	}
	checks := response["checks"].(map[string]any)
	database := checks["database"].(map[string]any)
	if database["status"] != "error" || database["error"] != "connection refused" {
		t.Errorf("unexpected database check: %v", database)
	}
}

func TestReadyEndpoint_Timeout(t *testing.T) {
	fs := &fakeStoreForHealth{
		MemoryStore: store.NewMemoryStore(),
		pingFn: func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("expected ping context to carry a deadline")
			}
			return nil
		},
	}
	server := NewHTTPServer(newTestServiceWithHealth(fs), nil, testSecret, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

func TestHealthEndpointsSkipAuth(t *testing.T) {
	fs := &fakeStoreForHealth{MemoryStore: store.NewMemoryStore()}
	server := NewHTTPServer(newTestServiceWithHealth(fs), nil, testSecret, "*")

	for _, path := range []string{"/api/health", "/api/ready", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		server.Handler().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, rr.Code)
		}
	}
}
