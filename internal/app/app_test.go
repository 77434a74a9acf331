package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/skillshub-cm/mobile-backend/internal/config"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{AllowedHosts: []string{"*"}},
		Store:  config.StoreConfig{Driver: "memory"},
		Events: config.EventsConfig{Driver: "none"},
		Gateway: config.GatewayConfig{
			MockAPI:    true,
			MockStatus: "REDIRECT_REQUIRED",
			Timeout:    2 * time.Second,
		},
		Payments: config.PaymentsConfig{
			Currency:                  "XAF",
			VerifyUnconfirmedWebhooks: true,
		},
		Sweep: config.SweepConfig{
			Interval:    time.Minute,
			StaleAfter:  5 * time.Minute,
			ExpireAfter: 24 * time.Hour,
			BatchSize:   10,
		},
		JWT: config.JWTConfig{Secret: "test-secret", Issuer: "test", ExpiresIn: 3600},
	}
}

func call(t *testing.T, r http.Handler, method, path, token, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code, out
}

func TestRedirectPaymentSettledByWebhook(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close(ctx)

	r := a.Router()
	token, err := a.Tokens.Issue("u1", "a@x.com")
	if err != nil {
		t.Fatal(err)
	}

	code, body := call(t, r, http.MethodPost, "/api/v1/payments", token,
		`{"amount":"5000","memo":"SKILL","mobileWalletNumber":"237670000001"}`)
	if code != http.StatusAccepted {
		t.Fatalf("initiate status = %d: %v", code, body)
	}
	ref, _ := body["reference"].(string)
	if ref == "" || body["redirectUrl"] == nil || body["status"] != "PENDING_REDIRECT" {
		t.Fatalf("initiate body = %v", body)
	}

	code, body = call(t, r, http.MethodGet, "/api/v1/entitlements/me", token, "")
	if code != http.StatusOK || body["paid"] != false {
		t.Fatalf("entitlement before settlement = %d %v", code, body)
	}

	webhook := `{"reference":"` + ref + `","status":"COMPLETED"}`
	code, body = call(t, r, http.MethodPost, "/api/v1/payments/webhook", "", webhook)
	if code != http.StatusOK || body["outcome"] != "applied" || body["status"] != "SUCCEEDED" {
		t.Fatalf("webhook = %d %v", code, body)
	}

	code, body = call(t, r, http.MethodPost, "/process/tranzak-webhook", "", webhook)
	if code != http.StatusOK || body["outcome"] != "duplicate" {
		t.Fatalf("redelivery = %d %v", code, body)
	}

	code, body = call(t, r, http.MethodGet, "/api/v1/entitlements/me", token, "")
	if code != http.StatusOK || body["paid"] != true || body["lastTransactionReference"] != ref {
		t.Fatalf("entitlement = %d %v", code, body)
	}

	code, body = call(t, r, http.MethodGet, "/api/v1/payments/"+ref, token, "")
	if code != http.StatusOK || body["status"] != "SUCCEEDED" || body["entitlementApplied"] != true {
		t.Fatalf("payment = %d %v", code, body)
	}

	other, _ := a.Tokens.Issue("u2", "b@x.com")
	if code, _ = call(t, r, http.MethodGet, "/api/v1/payments/"+ref, other, ""); code != http.StatusNotFound {
		t.Errorf("foreign payment lookup status = %d, want 404", code)
	}
}

func TestHealthAndAuth(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close(ctx)
	r := a.Router()

	if code, body := call(t, r, http.MethodGet, "/api/v1/health", "", ""); code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", code, body)
	}
	if code, _ := call(t, r, http.MethodPost, "/api/v1/payments", "", `{"amount":"5000"}`); code != http.StatusUnauthorized {
		t.Errorf("unauthenticated initiate status = %d", code)
	}
	if code, _ := call(t, r, http.MethodPost, "/api/v1/payments/webhook", "", `{"reference":"PAYNOPE","status":"COMPLETED"}`); code != http.StatusNotFound {
		t.Errorf("unknown reference status = %d", code)
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Driver = "sqlite"
	if _, err := New(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Fatal("expected an error for an unknown store driver")
	}
}

func TestCloseWaitsForSweep(t *testing.T) {
	a, err := New(context.Background(), testConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.StartSweep(ctx)

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if err := a.Close(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close with the sweep still running = %v, want deadline exceeded", err)
	}

	b, err := New(context.Background(), testConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.StartSweep(ctx)
	cancel()
	if err := b.Close(context.Background()); err != nil {
		t.Errorf("Close after the sweep stopped = %v", err)
	}
}
