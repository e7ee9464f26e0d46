package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenPath     = "/restapi/oauth/token"
	provisionPath = "/restapi/v1.0/client-info/sip-provision"
	devicePath    = "/restapi/v1.0/account/~/device/"

	jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// Tokens are refreshed this long before the platform says they expire.
	tokenRefreshSkew = time.Minute
)

// ClientConfig configures the provisioning API client.
type ClientConfig struct {
	Server       string
	ClientID     string
	ClientSecret string
	JWTAssertion string
	Timeout      time.Duration

	HTTPClient *http.Client
	Now        func() time.Time
}

// ProvisionResult is the decoded provisioning response.
type ProvisionResult struct {
	DeviceID     string
	Status       Status
	PollInterval time.Duration
	ExpiresAt    time.Time
	Credentials  Credentials
}

// Client talks to the platform's OAuth and provisioning endpoints.
type Client struct {
	cfg  ClientConfig
	http *http.Client
	now  func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	cfg.Server = strings.TrimRight(cfg.Server, "/")
	return &Client{cfg: cfg, http: hc, now: now}
}

// AssertionExpiry reads the exp claim of the configured assertion without verifying it;
// only the platform holds the key. ok is false when the assertion carries no readable expiry.
func AssertionExpiry(assertion string) (exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(assertion, claims); err != nil {
		return time.Time{}, false
	}
	nd, err := claims.GetExpirationTime()
	if err != nil || nd == nil {
		return time.Time{}, false
	}
	return nd.Time, true
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// token returns a cached access token, exchanging the JWT assertion when needed.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.accessToken != "" && now.Before(c.tokenExpiry.Add(-tokenRefreshSkew)) {
		return c.accessToken, nil
	}

	if exp, ok := AssertionExpiry(c.cfg.JWTAssertion); ok && !now.Before(exp) {
		return "", fmt.Errorf("%w at %s", ErrAssertionExpired, exp.UTC().Format(time.RFC3339))
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", c.cfg.JWTAssertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Server+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var tr tokenResponse
	if err := c.do(req, "token", &tr); err != nil {
		return "", err
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("%w: token response without access_token", ErrUnauthorized)
	}
	if tr.ExpiresIn <= 0 {
		tr.ExpiresIn = 3600
	}
	c.accessToken = tr.AccessToken
	c.tokenExpiry = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

type provisionRequest struct {
	SIPInfo []sipInfoRequest `json:"sipInfo"`
}

type sipInfoRequest struct {
	Transport string `json:"transport"`
}

type provisionResponse struct {
	Device struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"device"`
	SIPInfo []struct {
		Username        string `json:"username"`
		Password        string `json:"password"`
		AuthorizationID string `json:"authorizationId"`
		Domain          string `json:"domain"`
		OutboundProxy   string `json:"outboundProxy"`
		Transport       string `json:"transport"`
	} `json:"sipInfo"`
	PollingInterval int64 `json:"pollingInterval"`
	ExpiresIn       int64 `json:"expiresIn"`
}

// Provision requests a fresh signaling credential set for this endpoint.
func (c *Client) Provision(ctx context.Context) (ProvisionResult, error) {
	body, err := json.Marshal(provisionRequest{SIPInfo: []sipInfoRequest{{Transport: "WSS"}}})
	if err != nil {
		return ProvisionResult{}, err
	}
	req, err := c.authorized(ctx, http.MethodPost, provisionPath, body)
	if err != nil {
		return ProvisionResult{}, err
	}

	var pr provisionResponse
	if err := c.do(req, "sip-provision", &pr); err != nil {
		return ProvisionResult{}, err
	}

	res := ProvisionResult{
		DeviceID: pr.Device.ID,
		Status:   ParseStatus(pr.Device.Status),
	}
	if pr.PollingInterval > 0 {
		res.PollInterval = time.Duration(pr.PollingInterval) * time.Second
	}
	if pr.ExpiresIn > 0 {
		res.ExpiresAt = c.now().Add(time.Duration(pr.ExpiresIn) * time.Second)
	}
	for _, si := range pr.SIPInfo {
		if si.Transport != "" && !strings.EqualFold(si.Transport, "WSS") {
			continue
		}
		res.Credentials = Credentials{
			Address:         websocketAddress(si.OutboundProxy),
			Identity:        si.Username,
			AuthorizationID: si.AuthorizationID,
			Secret:          si.Password,
			Domain:          si.Domain,
		}
		break
	}
	return res, nil
}

type deviceResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// DeviceStatus reads the platform's view of the device.
func (c *Client) DeviceStatus(ctx context.Context, deviceID string) (Status, error) {
	if deviceID == "" {
		return StatusUnknown, ErrNotRegistered
	}
	req, err := c.authorized(ctx, http.MethodGet, devicePath+url.PathEscape(deviceID), nil)
	if err != nil {
		return StatusUnknown, err
	}
	var dr deviceResponse
	if err := c.do(req, "device", &dr); err != nil {
		return StatusUnknown, err
	}
	return ParseStatus(dr.Status), nil
}

func (c *Client) authorized(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Server+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provisioning: %s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("provisioning: %s: read body: %w", op, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		apiErr := &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
		if op == "token" {
			return fmt.Errorf("%w: %w", ErrClientRejected, apiErr)
		}
		// Force a fresh exchange next time; the cached token may have been revoked.
		c.mu.Lock()
		c.accessToken = ""
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrUnauthorized, apiErr)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("provisioning: %s: decode: %w", op, err)
	}
	return nil
}

func websocketAddress(proxy string) string {
	proxy = strings.TrimSpace(proxy)
	if proxy == "" || strings.Contains(proxy, "://") {
		return proxy
	}
	return "wss://" + proxy
}
