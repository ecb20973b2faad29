package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/solarbridge/solarbridge/pkg/common"
	"github.com/solarbridge/solarbridge/pkg/log"
	"github.com/solarbridge/solarbridge/pkg/types"
)

const (
	loginPath   = "/v1/oauth/login"
	refreshPath = "/v1/oauth/refresh"

	// per-call timeout, matching the upstream API's expectations
	requestTimeout = 30 * time.Second

	// a token is treated as expired this long before the server-declared
	// lifetime actually ends
	tokenSafetyMargin = 30 * time.Second

	defaultExpiresInSeconds = 3600
)

// Client is a minimal client for the Solar Manager cloud API. It owns one
// authenticated session against one account and keeps token plumbing out of
// its callers. Methods are not safe for concurrent use; the coordinator's
// single-flight poll loop is the only expected caller.
type Client struct {
	client    *http.Client
	baseURL   string
	email     string
	password  string
	accountID string
	apiKey    string

	accessToken  string
	refreshToken string
	tokenType    string
	expiry       time.Time

	now func() time.Time
}

// New creates a Client for the given account against the given base URL
// (e.g. https://cloud.solar-manager.ch).
func New(baseURL string, account types.AccountConfig) *Client {
	return &Client{
		client:    common.HTTPClient(requestTimeout),
		baseURL:   strings.TrimRight(baseURL, "/"),
		email:     account.Email,
		password:  account.Password,
		accountID: account.ID,
		apiKey:    account.APIKey,
		tokenType: "Bearer",
		now:       time.Now,
	}
}

// AccountID returns the account identifier this client is scoped to.
func (c *Client) AccountID() string {
	return c.accountID
}

// TokenState returns the current session state so the caller can persist it.
func (c *Client) TokenState() types.TokenState {
	return types.TokenState{
		AccessToken:  c.accessToken,
		RefreshToken: c.refreshToken,
		TokenType:    c.tokenType,
		Expiry:       c.expiry,
	}
}

// RestoreTokenState seeds the session from previously persisted state so a
// restart can skip a full login while the refresh token is still usable.
func (c *Client) RestoreTokenState(ts types.TokenState) {
	c.accessToken = ts.AccessToken
	c.refreshToken = ts.RefreshToken
	if ts.TokenType != "" {
		c.tokenType = ts.TokenType
	}
	c.expiry = ts.Expiry
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}

// Login exchanges the account credentials for a fresh token set, replacing
// any prior token state.
func (c *Client) Login(ctx context.Context) error {
	req, err := c.newJSONRequest(ctx, http.MethodPost, loginPath, map[string]string{
		"email":    c.email,
		"password": c.password,
	})
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return &AuthError{Reason: "invalid credentials"}
	}
	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return err
	}
	if tr.AccessToken == "" {
		return &AuthError{Reason: "no accessToken in response"}
	}

	c.accessToken = tr.AccessToken
	c.refreshToken = tr.RefreshToken
	if tr.TokenType != "" {
		c.tokenType = tr.TokenType
	} else {
		c.tokenType = "Bearer"
	}
	c.expiry = c.expiryFrom(tr.ExpiresIn)

	log.Ctx(ctx).DebugContext(ctx, "solarmanager login success", slog.String("accountID", c.accountID))
	return nil
}

// ensureToken renews the token ahead of expiry. A missing refresh token falls
// back to a full login. If the server returns no new refresh token, the old
// one is retained.
func (c *Client) ensureToken(ctx context.Context) error {
	if c.accessToken != "" && c.now().Before(c.expiry) {
		return nil
	}

	if c.refreshToken == "" {
		return c.Login(ctx)
	}

	req, err := c.newJSONRequest(ctx, http.MethodPost, refreshPath, map[string]string{
		"refreshToken": c.refreshToken,
	})
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// the stored refresh token is dead; drop it so the next attempt does a
		// full login
		c.refreshToken = ""
		return &AuthError{Reason: "refresh failed"}
	}
	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return err
	}
	if tr.AccessToken == "" {
		return &AuthError{Reason: "no accessToken after refresh"}
	}

	c.accessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		c.refreshToken = tr.RefreshToken
	}
	if tr.TokenType != "" {
		c.tokenType = tr.TokenType
	}
	c.expiry = c.expiryFrom(tr.ExpiresIn)

	log.Ctx(ctx).DebugContext(ctx, "solarmanager token refreshed", slog.String("accountID", c.accountID))
	return nil
}

func (c *Client) expiryFrom(expiresIn int) time.Time {
	if expiresIn <= 0 {
		expiresIn = defaultExpiresInSeconds
	}
	return c.now().Add(time.Duration(expiresIn)*time.Second - tokenSafetyMargin)
}

func (c *Client) newJSONRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) bearerAuth() string {
	return c.tokenType + " " + c.accessToken
}

// getJSON performs an authenticated GET and decodes the body into dest
// without validating its schema; normalization happens in the coordinator.
func (c *Client) getJSON(ctx context.Context, path, authorization string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{Reason: "unauthorized"}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{}
	case resp.StatusCode >= 400:
		return readAPIError(resp)
	}

	return json.NewDecoder(resp.Body).Decode(dest)
}

// StreamSnapshot fetches the current telemetry snapshot from
// GET /v3/users/{accountID}/data/stream. When a static API key is configured
// the request uses Basic auth with that key and token management is never
// touched; otherwise the bearer-token path is used. Exactly one of the two
// schemes is applied per request.
func (c *Client) StreamSnapshot(ctx context.Context) (map[string]any, error) {
	path := "/v3/users/" + c.accountID + "/data/stream"

	var raw map[string]any
	if c.apiKey != "" {
		if err := c.getJSON(ctx, path, "Basic "+c.apiKey, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	}

	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}
	if err := c.getJSON(ctx, path, c.bearerAuth(), &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ListSensors fetches the device metadata collection from
// GET /v1/info/sensors/{accountID}. The result shape varies between a bare
// array and an object wrapping an items array, so it is returned undecoded
// past the JSON level.
func (c *Client) ListSensors(ctx context.Context) (any, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}
	var raw any
	if err := c.getJSON(ctx, "/v1/info/sensors/"+c.accountID, c.bearerAuth(), &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// SensorDetail fetches GET /v1/info/sensor/{sensorID}.
func (c *Client) SensorDetail(ctx context.Context, sensorID string) (map[string]any, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := c.getJSON(ctx, "/v1/info/sensor/"+sensorID, c.bearerAuth(), &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// PutBatterySettings writes battery control parameters for one device via
// PUT /v2/control/battery/{sensorID}. Succeeds only on 200 or 204.
func (c *Client) PutBatterySettings(ctx context.Context, sensorID string, payload map[string]any) error {
	if err := c.ensureToken(ctx); err != nil {
		return err
	}

	req, err := c.newJSONRequest(ctx, http.MethodPut, "/v2/control/battery/"+sensorID, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.bearerAuth())

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{Reason: "unauthorized battery control"}
	default:
		return readAPIError(resp)
	}
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
