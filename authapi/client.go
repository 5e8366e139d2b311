// Package authapi is the typed HTTP client for the authentication endpoints:
// login, refresh, logout, and token introspection. It classifies failures
// into hard authentication errors and transient transport errors; the
// session manager decides what to do with each class.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-client/token"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	loginPath     = "/api/auth/login"
	refreshPath   = "/api/auth/refresh"
	logoutPath    = "/api/auth/logout"
	tokenInfoPath = "/api/auth/token/info"

	// DefaultTimeout bounds every call to the auth endpoints.
	DefaultTimeout = 60 * time.Second

	// maxResponseSize caps how much of a response body is read.
	maxResponseSize = 1 << 20
)

// Connection pooling shared across all auth calls.
var defaultHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}

// Client talks to the auth backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	log        zerolog.Logger
}

type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client (primarily for testing)
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = logger
	}
}

func NewClient(baseURL string, options ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: defaultHTTPClient,
		timeout:    DefaultTimeout,
		log:        log.Logger,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Login exchanges an identifier/secret pair for a credential pair and the
// user record.
func (c *Client) Login(ctx context.Context, identifier, secret string) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.post(ctx, loginPath, "", loginRequest{Identifier: identifier, Secret: secret}, &resp); err != nil {
		return nil, errors.Wrap(err, "authapi.Login")
	}
	return &resp, nil
}

// Refresh exchanges the refresh token for a rotated access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*RefreshResponse, error) {
	var resp RefreshResponse
	if err := c.post(ctx, refreshPath, "", refreshRequest{RefreshToken: refreshToken}, &resp); err != nil {
		return nil, errors.Wrap(err, "authapi.Refresh")
	}
	return &resp, nil
}

// Logout asks the backend to invalidate the refresh token. Best-effort: the
// caller clears local state whether or not this succeeds.
func (c *Client) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if err := c.post(ctx, logoutPath, accessToken, logoutRequest{RefreshToken: refreshToken}, nil); err != nil {
		return errors.Wrap(err, "authapi.Logout")
	}
	return nil
}

// TokenInfo asks the backend for its view of the access token's lifetime.
// Opportunistic: the session manager computes an equivalent view locally
// when this endpoint is unreachable.
func (c *Client) TokenInfo(ctx context.Context, accessToken string) (*token.Info, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+tokenInfoPath, nil)
	if err != nil {
		return nil, errors.Wrap(err, "authapi.TokenInfo request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var info token.Info
	if err := c.send(req, &info); err != nil {
		return nil, errors.Wrap(err, "authapi.TokenInfo")
	}
	return &info, nil
}

func (c *Client) post(ctx context.Context, path, accessToken string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal request body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	requestID := uuid.New().String()
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug().Str("request_id", requestID).Str("path", req.URL.Path).Err(err).Msg("auth call failed")
		return errors.Wrap(err, "transport")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return errors.Wrap(err, "read response body")
	}

	c.log.Debug().
		Str("request_id", requestID).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("auth call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Status: resp.StatusCode}
		var errBody struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &errBody) == nil {
			apiErr.Detail = errBody.Detail
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, "unmarshal response body")
	}
	return nil
}
