package paymentgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// SandboxBaseURL and ProductionBaseURL are the processor's API hosts
	SandboxBaseURL    = "https://sandbox.dsapi.tranzak.me"
	ProductionBaseURL = "https://dsapi.tranzak.me"

	tokenPath          = "/auth/token"
	mobileChargePath   = "/xp021/v1/request/create-mobile-wallet-charge"
	redirectChargePath = "/xp021/v1/request/create"
	requestDetailsPath = "/xp021/v1/request/details"

	tokenExpiryMargin = time.Minute
)

// TranzakConfig configures TranzakGateway
type TranzakConfig struct {
	BaseURL   string
	AppID     string
	AppKey    string
	ReturnURL string
	Timeout   time.Duration
}

// TranzakGateway implements Gateway against the Tranzak collection API
type TranzakGateway struct {
	baseURL    string
	appID      string
	appKey     string
	returnURL  string
	timeout    time.Duration
	httpClient *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	now         func() time.Time
}

// NewTranzakGateway creates a new TranzakGateway
func NewTranzakGateway(cfg TranzakConfig) *TranzakGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = SandboxBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &TranzakGateway{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		appID:      cfg.AppID,
		appKey:     cfg.AppKey,
		returnURL:  cfg.ReturnURL,
		timeout:    cfg.Timeout,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}
}

// envelope is the wrapper every Tranzak response uses
type envelope struct {
	Data      json.RawMessage `json:"data"`
	Success   bool            `json:"success"`
	ErrorCode int             `json:"errorCode"`
	ErrorMsg  string          `json:"errorMsg"`
}

type requestData struct {
	RequestID         string `json:"requestId"`
	MchTransactionRef string `json:"mchTransactionRef"`
	Status            string `json:"status"`
	TransactionStatus string `json:"transactionStatus"`
	Links             struct {
		PaymentAuthURL string `json:"paymentAuthUrl"`
	} `json:"links"`
}

func (d requestData) vendorStatus() string {
	if d.TransactionStatus != "" && d.TransactionStatus != d.Status {
		// transactionStatus is the more specific of the two once the payer has acted
		return d.TransactionStatus
	}
	return d.Status
}

// Charge debits a mobile wallet directly
func (g *TranzakGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	body := map[string]interface{}{
		"amount":             json.Number(req.Amount.String()),
		"currencyCode":       req.Currency,
		"description":        req.Memo,
		"payerNote":          req.Memo,
		"mchTransactionRef":  req.Reference,
		"mobileWalletNumber": req.WalletNumber,
	}
	if g.returnURL != "" {
		body["returnUrl"] = g.returnURL
	}

	var data requestData
	if err := g.call(ctx, http.MethodPost, mobileChargePath, body, &data); err != nil {
		return nil, err
	}
	if data.RequestID == "" || data.vendorStatus() == "" {
		return nil, fmt.Errorf("%w: charge response lacks requestId or status", ErrMalformedResponse)
	}
	return &ChargeResult{
		Status:           MapVendorStatus(data.vendorStatus()),
		GatewayRequestID: data.RequestID,
		VendorStatus:     data.vendorStatus(),
	}, nil
}

// ChargeWithRedirect creates a hosted payment page for the payer
func (g *TranzakGateway) ChargeWithRedirect(ctx context.Context, req RedirectRequest) (*RedirectResult, error) {
	body := map[string]interface{}{
		"amount":            json.Number(req.Amount.String()),
		"currencyCode":      req.Currency,
		"description":       req.Memo,
		"mchTransactionRef": req.Reference,
	}
	if g.returnURL != "" {
		body["returnUrl"] = g.returnURL
	}

	var data requestData
	if err := g.call(ctx, http.MethodPost, redirectChargePath, body, &data); err != nil {
		return nil, err
	}
	if data.Links.PaymentAuthURL == "" {
		return nil, fmt.Errorf("%w: redirect response lacks paymentAuthUrl", ErrMalformedResponse)
	}
	return &RedirectResult{RedirectURL: data.Links.PaymentAuthURL, GatewayRequestID: data.RequestID}, nil
}

// RefreshStatus fetches the current state of a request
func (g *TranzakGateway) RefreshStatus(ctx context.Context, gatewayRequestID string) (*StatusResult, error) {
	path := requestDetailsPath + "?requestId=" + url.QueryEscape(gatewayRequestID)

	var data requestData
	if err := g.call(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	if data.vendorStatus() == "" {
		return nil, fmt.Errorf("%w: details response lacks status", ErrMalformedResponse)
	}
	return &StatusResult{
		Status:           MapVendorStatus(data.vendorStatus()),
		GatewayRequestID: gatewayRequestID,
		Reference:        data.MchTransactionRef,
		VendorStatus:     data.vendorStatus(),
	}, nil
}

// call performs an authenticated request, refreshing the token once on 401
func (g *TranzakGateway) call(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	for attempt := 0; ; attempt++ {
		token, err := g.accessToken(ctx)
		if err != nil {
			return err
		}

		err = g.do(ctx, method, path, token, body, out)
		var statusErr *httpStatusError
		if attempt == 0 && errors.As(err, &statusErr) && statusErr.code == http.StatusUnauthorized {
			g.invalidateToken()
			continue
		}
		return err
	}
}

func (g *TranzakGateway) accessToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token != "" && g.now().Before(g.tokenExpiry) {
		return g.token, nil
	}

	var data struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expiresIn"`
	}
	creds := map[string]string{"appId": g.appID, "appKey": g.appKey}
	if err := g.do(ctx, http.MethodPost, tokenPath, "", creds, &data); err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	if data.Token == "" {
		return "", fmt.Errorf("%w: token response lacks token", ErrMalformedResponse)
	}

	lifetime := time.Duration(data.ExpiresIn) * time.Second
	if lifetime <= tokenExpiryMargin {
		lifetime = 2 * tokenExpiryMargin
	}
	g.token = data.Token
	g.tokenExpiry = g.now().Add(lifetime - tokenExpiryMargin)
	return g.token, nil
}

func (g *TranzakGateway) invalidateToken() {
	g.mu.Lock()
	g.token = ""
	g.mu.Unlock()
}

type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.code, e.body)
}

func (g *TranzakGateway) do(ctx context.Context, method, path, token string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-App-ID", g.appID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: %v", ErrUnavailable, &httpStatusError{code: resp.StatusCode, body: string(respBody)})
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", ErrRejected, &httpStatusError{code: resp.StatusCode, body: string(respBody)})
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: %v", ErrRejected, &httpStatusError{code: resp.StatusCode, body: string(respBody)})
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if !env.Success {
		return fmt.Errorf("%w: code %d: %s", ErrRejected, env.ErrorCode, env.ErrorMsg)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%w: empty data", ErrMalformedResponse)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
