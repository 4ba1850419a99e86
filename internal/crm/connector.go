// Package crm is the authenticated client for the CRM metadata API.
//
// A Connector owns exactly one OAuth token. The token is either valid or
// absent: any failure to obtain one, an expiry, or a 401 clears it.
package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/reqplan/internal/config"
	"github.com/ashureev/reqplan/internal/metrics"
	"github.com/ashureev/reqplan/internal/shared"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

// TokenLifetime is assumed when the token endpoint reports no expiry.
const TokenLifetime = time.Hour + 45*time.Minute

// Token is the connector's bearer credential.
type Token struct {
	AccessToken string
	InstanceURL string
	ExpiresAt   time.Time
}

func (t *Token) validAt(now time.Time) bool {
	return t != nil && t.AccessToken != "" && now.Before(t.ExpiresAt)
}

// Option customizes a Connector.
type Option func(*Connector)

// WithHTTPClient sets the HTTP client used for token and API calls.
func WithHTTPClient(c *http.Client) Option { return func(k *Connector) { k.http = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(k *Connector) { k.logger = l } }

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(k *Connector) { k.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(k *Connector) { k.now = now } }

// WithSleep overrides the backoff sleep between network retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(k *Connector) { k.sleep = sleep }
}

// WithLimiter overrides the request rate limiter.
func WithLimiter(l *rate.Limiter) Option { return func(k *Connector) { k.limiter = l } }

// Connector executes authenticated, retried, rate-limited CRM API calls.
type Connector struct {
	cfg     config.CRMConfig
	grant   string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	token *Token
	auths int
}

// New returns a Connector for cfg. No network I/O happens until the first call.
func New(cfg config.CRMConfig, opts ...Option) (*Connector, error) {
	grant := cfg.AuthGrant()
	if grant == "" {
		return nil, &ConnectionError{Op: "configure", Err: ErrNotConfigured}
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Connector{
		cfg:    cfg,
		grant:  grant,
		logger: slog.Default(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	if c.limiter == nil {
		rps := cfg.RPS
		if rps <= 0 {
			rps = 5
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}
	c.logger = c.logger.With("component", "crm")
	return c, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Grant returns the OAuth grant type in use.
func (c *Connector) Grant() string { return c.grant }

// APIVersion returns the configured API version.
func (c *Connector) APIVersion() string { return c.cfg.APIVersion }

// Authentications returns how many token requests have been made.
func (c *Connector) Authentications() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auths
}

// InstanceURL returns the instance of the held token, or "".
func (c *Connector) InstanceURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		return ""
	}
	return c.token.InstanceURL
}

// EnsureAuthenticated obtains a token if none is held or it has expired.
func (c *Connector) EnsureAuthenticated(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.validAt(c.now()) {
		return nil
	}
	if c.token != nil {
		c.logger.Info("Token expired, re-authenticating")
	}
	return c.authenticateLocked(ctx)
}

// Authenticate forces a new token request.
func (c *Connector) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticateLocked(ctx)
}

func (c *Connector) authenticateLocked(ctx context.Context) error {
	c.token = nil
	c.auths++

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	endpoint := oauth2.Endpoint{TokenURL: c.cfg.TokenURL(), AuthStyle: oauth2.AuthStyleInParams}

	var (
		tok *oauth2.Token
		err error
	)
	switch c.grant {
	case config.GrantClientCredentials:
		cc := clientcredentials.Config{
			ClientID:     c.cfg.ClientID,
			ClientSecret: c.cfg.ClientSecret,
			TokenURL:     endpoint.TokenURL,
			AuthStyle:    endpoint.AuthStyle,
		}
		tok, err = cc.Token(ctx)
	case config.GrantPassword:
		pc := oauth2.Config{
			ClientID:     c.cfg.ClientID,
			ClientSecret: c.cfg.ClientSecret,
			Endpoint:     endpoint,
		}
		tok, err = pc.PasswordCredentialsToken(ctx, c.cfg.Username, c.cfg.Password+c.cfg.SecurityToken)
	default:
		err = ErrNotConfigured
	}
	if err != nil {
		c.metrics.CRMAuth(c.grant, "error")
		c.logger.Error("CRM authentication failed", "grant", c.grant, "error", err)
		return &ConnectionError{Op: "authenticate", Err: fmt.Errorf("%w: %w", ErrAuthentication, err)}
	}

	instance := c.cfg.InstanceURL
	if c.grant == config.GrantPassword {
		if v, ok := tok.Extra("instance_url").(string); ok && v != "" {
			instance = strings.TrimRight(v, "/")
		}
	}
	if instance == "" {
		c.metrics.CRMAuth(c.grant, "error")
		return &ConnectionError{Op: "authenticate", Err: fmt.Errorf("%w: no instance url", ErrAuthentication)}
	}

	expires := tok.Expiry
	if expires.IsZero() {
		expires = c.now().Add(TokenLifetime)
	}

	c.token = &Token{AccessToken: tok.AccessToken, InstanceURL: instance, ExpiresAt: expires}
	c.metrics.CRMAuth(c.grant, "ok")
	c.logger.Info("Authenticated with CRM", "grant", c.grant, "instance", instance)
	return nil
}

func (c *Connector) invalidate(stale *Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == stale {
		c.token = nil
	}
}

func (c *Connector) currentToken() *Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Request performs an API call against {instance}/services/data/{version}/{endpoint}
// and decodes a 2xx JSON body into out (when out is non-nil).
//
// Network errors are retried up to RetryAttempts times, sleeping 2^attempt
// seconds between attempts. A 401 forces one re-authentication and a retry
// within the same attempt; a second 401 in that attempt is an
// authentication failure. Any other non-2xx status fails immediately.
func (c *Connector) Request(ctx context.Context, method, endpoint string, params url.Values, out any) error {
	op := method + " " + endpoint
	attempts := c.cfg.RetryAttempts
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := c.EnsureAuthenticated(ctx); err != nil {
			return err
		}

		reauthed := false
		for {
			tok := c.currentToken()
			if tok == nil {
				return &ConnectionError{Op: op, Err: ErrAuthentication}
			}

			status, body, err := c.do(ctx, tok, method, endpoint, params)
			if err != nil {
				lastErr = err
				c.metrics.CRMRequest("network_error")
				break
			}

			switch {
			case status >= 200 && status < 300:
				c.metrics.CRMRequest("ok")
				if out == nil || len(body) == 0 {
					return nil
				}
				if err := json.Unmarshal(body, out); err != nil {
					return &ConnectionError{Op: op, StatusCode: status, Err: fmt.Errorf("decode response: %w", err)}
				}
				return nil
			case status == http.StatusUnauthorized:
				c.metrics.CRMRequest("unauthorized")
				if reauthed {
					return &ConnectionError{Op: op, StatusCode: status, Err: fmt.Errorf("%w: rejected after re-authentication", ErrAuthentication)}
				}
				c.logger.Warn("Received 401, re-authenticating", "endpoint", endpoint)
				c.invalidate(tok)
				if err := c.EnsureAuthenticated(ctx); err != nil {
					return err
				}
				reauthed = true
				continue
			default:
				c.metrics.CRMRequest("error")
				return &ConnectionError{
					Op:         op,
					StatusCode: status,
					Err:        fmt.Errorf("request failed: %s", shared.Truncate(strings.TrimSpace(string(body)), 300)),
				}
			}
		}

		if ctx.Err() != nil {
			return &ConnectionError{Op: op, Err: ctx.Err()}
		}
		c.logger.Warn("CRM request attempt failed", "endpoint", endpoint, "attempt", attempt+1, "error", lastErr)
		if attempt < attempts-1 {
			delay := time.Duration(1<<attempt) * time.Second
			if err := c.sleep(ctx, delay); err != nil {
				return &ConnectionError{Op: op, Err: err}
			}
		}
	}

	return &ConnectionError{Op: op, Err: fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)}
}

func (c *Connector) do(ctx context.Context, tok *Token, method, endpoint string, params url.Values) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("rate limiter: %w", err)
	}

	u := fmt.Sprintf("%s/services/data/%s/%s", tok.InstanceURL, c.cfg.APIVersion, strings.TrimLeft(endpoint, "/"))
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}
