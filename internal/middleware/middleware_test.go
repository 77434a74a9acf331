package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/skillshub-cm/mobile-backend/internal/config"
	"github.com/skillshub-cm/mobile-backend/pkg/idempotency"
	"github.com/skillshub-cm/mobile-backend/pkg/jwt"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// memoryStore is an in-process IdempotencyStore
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]*idempotency.Response
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[string]*idempotency.Response)}
}

func (s *memoryStore) Key(scope, key string) string { return scope + ":" + key }

func (s *memoryStore) Reserve(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		return false, nil
	}
	s.entries[key] = nil
	return true, nil
}

func (s *memoryStore) Lookup(_ context.Context, key string) (*idempotency.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if resp == nil {
		return nil, idempotency.ErrInFlight
	}
	return resp, nil
}

func (s *memoryStore) Save(_ context.Context, key string, resp idempotency.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &resp
	return nil
}

func (s *memoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func TestRequireIdentity(t *testing.T) {
	tokens := jwt.NewTokenService("test-secret", "test", time.Hour)

	r := gin.New()
	r.GET("/me", RequireIdentity(tokens, zap.NewNop()), func(c *gin.Context) {
		c.String(http.StatusOK, PayerIdentity(c))
	})

	valid, _ := tokens.Issue("user-1", "a@x.com")
	foreign, _ := jwt.NewTokenService("other-secret", "test", time.Hour).Issue("user-1", "a@x.com")

	tests := []struct {
		name   string
		header string
		want   int
		body   string
	}{
		{name: "valid", header: "Bearer " + valid, want: http.StatusOK, body: "a@x.com"},
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + foreign, want: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer abc.def.ghi", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.body != "" && w.Body.String() != tt.body {
				t.Errorf("identity = %q", w.Body.String())
			}
		})
	}
}

func TestIdempotencyReplaysFirstResponse(t *testing.T) {
	store := newMemoryStore()
	calls := 0

	r := gin.New()
	r.POST("/pay", func(c *gin.Context) { c.Set(PayerIdentityKey, "a@x.com") }, Idempotency(store, zap.NewNop()), func(c *gin.Context) {
		calls++
		c.JSON(http.StatusCreated, gin.H{"reference": "PAY1"})
	})

	send := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/pay", strings.NewReader(`{}`))
		if key != "" {
			req.Header.Set(IdempotencyKeyHeader, key)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	first := send("k1")
	second := send("k1")
	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("status = %d, %d", first.Code, second.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replayed body = %s, want %s", second.Body.String(), first.Body.String())
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("replay not flagged")
	}
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}

	send("")
	send("")
	if calls != 3 {
		t.Errorf("requests without a key were deduplicated: calls = %d", calls)
	}
}

func TestIdempotencyInFlightAndRelease(t *testing.T) {
	store := newMemoryStore()
	if _, err := store.Reserve(context.Background(), "a@x.com:busy"); err != nil {
		t.Fatal(err)
	}

	status := http.StatusServiceUnavailable
	r := gin.New()
	r.POST("/pay", func(c *gin.Context) { c.Set(PayerIdentityKey, "a@x.com") }, Idempotency(store, zap.NewNop()), func(c *gin.Context) {
		c.JSON(status, gin.H{})
	})

	req := httptest.NewRequest(http.MethodPost, "/pay", nil)
	req.Header.Set(IdempotencyKeyHeader, "busy")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("in-flight status = %d, want 409", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/pay", nil)
	req.Header.Set(IdempotencyKeyHeader, "flaky")
	r.ServeHTTP(httptest.NewRecorder(), req)
	if resp, err := store.Lookup(context.Background(), "a@x.com:flaky"); resp != nil || err != nil {
		t.Errorf("5xx response kept: %v, %v", resp, err)
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{AllowedHosts: []string{"https://app.example"}}}
	r := gin.New()
	r.Use(CORSMiddleware(cfg), RequestIDMiddleware(), LoggerMiddleware(zap.NewNop()))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Errorf("allow origin = %q", w.Header().Get("Access-Control-Allow-Origin"))
	}

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "rid-1")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Header().Get("X-Request-ID") != "rid-1" {
		t.Errorf("request id = %q", w.Header().Get("X-Request-ID"))
	}
}
