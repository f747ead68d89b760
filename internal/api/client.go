// Package api is the bearer-token REST client the sync engines dispatch through.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/quizapp/offlinesync/internal/config"
	apperrors "github.com/quizapp/offlinesync/internal/errors"
	"github.com/quizapp/offlinesync/internal/httputil"
	"github.com/quizapp/offlinesync/internal/logging"
)

// Paths of the remote endpoints the core knows about.
const (
	PathRefresh     = "/auth/refresh"
	PathProfile     = "/users/profile"
	PathEvaluations = "/evaluations"
)

// SubmitPath returns the quiz submission endpoint.
func SubmitPath(quizID string) string {
	return "/quizzes/" + url.PathEscape(quizID) + "/submit"
}

// TokenStore holds the access/refresh token pair.
type TokenStore interface {
	Tokens(ctx context.Context) (access, refresh string, err error)
	SaveTokens(ctx context.Context, access, refresh string) error
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
}

// Unauthorized reports a 401.
func (e *StatusError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// clientError reports a 4xx other than 408 and 429; the remote is healthy.
func (e *StatusError) clientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 &&
		e.StatusCode != http.StatusRequestTimeout && e.StatusCode != http.StatusTooManyRequests
}

// IsUnauthorized reports whether err carries a 401 response.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return stderrors.As(err, &se) && se.Unauthorized()
}

// IsAuthExpired reports whether the refresh flow could not recover from a 401.
func IsAuthExpired(err error) bool {
	return apperrors.Is(err, apperrors.ErrSyncAuthExpired)
}

// refreshRejected reports whether the refresh endpoint refused the refresh
// token, as opposed to being unreachable.
func refreshRejected(err error) bool {
	if apperrors.Is(err, apperrors.ErrCredentialsMissing) || apperrors.Is(err, apperrors.ErrSyncAuthFailed) {
		return true
	}
	var se *StatusError
	if !stderrors.As(err, &se) {
		return false
	}
	switch se.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

// Response is the decoded body of a successful call.
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v interface{}) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// tokenPair is the refresh endpoint's response.
type tokenPair struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// Client calls the remote quiz API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenStore
	breaker *gobreaker.CircuitBreaker
	flight  singleflight.Group
	log     *logging.Logger

	// expiryLeeway refreshes a token slightly before its exp claim.
	expiryLeeway time.Duration
	now          func() time.Time
}

// NewClient creates a Client. The breaker trips after consecutive transport
// or 5xx failures; 4xx responses count as successes for the breaker.
func NewClient(apiCfg config.APIConfig, breakerCfg config.BreakerConfig, tokens TokenStore) *Client {
	httpCfg := httputil.DefaultClientConfig()
	if apiCfg.Timeout > 0 {
		httpCfg.ResponseTimeout = apiCfg.Timeout
	}

	c := &Client{
		baseURL:      strings.TrimRight(apiCfg.BaseURL, "/"),
		http:         httputil.NewClient(httpCfg),
		tokens:       tokens,
		log:          logging.Named("api"),
		expiryLeeway: 10 * time.Second,
		now:          time.Now,
	}

	failures := breakerCfg.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "quiz-api",
		MaxRequests: breakerCfg.MaxRequests,
		Interval:    breakerCfg.Interval,
		Timeout:     breakerCfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if stderrors.As(err, &se) {
				return se.clientError()
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
	return c
}

// BreakerState returns the circuit breaker state for diagnostics.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// Do sends an authenticated request. A 401 triggers one token refresh and a
// single retry. A rejected refresh or a second 401 returns SYNC_AUTH_EXPIRED;
// transport, 5xx and breaker failures during the refresh are returned as
// ordinary retryable errors.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.execute(ctx, method, path, payload, token)
	if err == nil || !IsUnauthorized(err) {
		return resp, err
	}

	c.log.Debug("access token rejected, refreshing", map[string]interface{}{"method": method, "path": path})
	token, rerr := c.RefreshToken(ctx)
	if rerr != nil {
		if refreshRejected(rerr) {
			return nil, apperrors.Wrap(apperrors.ErrSyncAuthExpired, "token refresh rejected", rerr)
		}
		return nil, fmt.Errorf("token refresh failed: %w", rerr)
	}

	resp, err = c.execute(ctx, method, path, payload, token)
	if IsUnauthorized(err) {
		return nil, apperrors.Wrap(apperrors.ErrSyncAuthExpired, "still unauthorized after token refresh", err)
	}
	return resp, err
}

// Send is the generic form used for entity kinds without a dedicated call.
func (c *Client) Send(ctx context.Context, method, path string, body interface{}) error {
	_, err := c.Do(ctx, method, path, body)
	return err
}

// SubmitQuiz posts the reshaped responses of a quiz hand-in.
func (c *Client) SubmitQuiz(ctx context.Context, quizID string, body interface{}) error {
	_, err := c.Do(ctx, http.MethodPost, SubmitPath(quizID), body)
	return err
}

// UpdateProfile sends a partial profile update.
func (c *Client) UpdateProfile(ctx context.Context, fields map[string]interface{}) error {
	_, err := c.Do(ctx, http.MethodPut, PathProfile, fields)
	return err
}

// GetProfile fetches the signed-in user's profile.
func (c *Client) GetProfile(ctx context.Context) (map[string]interface{}, error) {
	resp, err := c.Do(ctx, http.MethodGet, PathProfile, nil)
	if err != nil {
		return nil, err
	}
	var profile map[string]interface{}
	if err := resp.Decode(&profile); err != nil {
		return nil, err
	}
	return unwrapData(profile), nil
}

// ListEvaluations fetches evaluations changed since the given epoch ms.
// A zero since fetches everything.
func (c *Client) ListEvaluations(ctx context.Context, since int64) ([]map[string]interface{}, error) {
	path := PathEvaluations
	if since > 0 {
		path += "?since=" + strconv.FormatInt(since, 10)
	}
	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	// Both a bare array and {"data": [...]} are accepted.
	var list []map[string]interface{}
	if err := json.Unmarshal(resp.Body, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Data []map[string]interface{} `json:"data"`
	}
	if err := resp.Decode(&wrapped); err != nil {
		return nil, err
	}
	return wrapped.Data, nil
}

// RefreshToken exchanges the refresh token for a new pair and stores it.
// Concurrent callers share one in-flight refresh.
func (c *Client) RefreshToken(ctx context.Context) (string, error) {
	v, err, shared := c.flight.Do("refresh", func() (interface{}, error) {
		_, refresh, err := c.tokens.Tokens(ctx)
		if err != nil {
			return "", err
		}
		if refresh == "" {
			return "", apperrors.New(apperrors.ErrCredentialsMissing, "no refresh token")
		}

		payload, err := encodeBody(map[string]string{"refreshToken": refresh})
		if err != nil {
			return "", err
		}
		resp, err := c.execute(ctx, http.MethodPost, PathRefresh, payload, "")
		if err != nil {
			return "", err
		}

		var pair tokenPair
		if err := resp.Decode(&pair); err != nil {
			return "", err
		}
		if pair.Token == "" {
			return "", apperrors.New(apperrors.ErrSyncAuthFailed, "refresh response carried no token")
		}
		if pair.RefreshToken == "" {
			pair.RefreshToken = refresh
		}
		if err := c.tokens.SaveTokens(ctx, pair.Token, pair.RefreshToken); err != nil {
			return "", err
		}
		c.log.Info("access token refreshed")
		return pair.Token, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		c.log.Debug("joined in-flight token refresh")
	}
	return v.(string), nil
}

// accessToken returns the stored token, refreshing first when its exp claim
// has passed. Tokens that are not JWTs are used as they are.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	access, refresh, err := c.tokens.Tokens(ctx)
	if err != nil {
		return "", err
	}
	if access == "" && refresh == "" {
		return "", apperrors.New(apperrors.ErrCredentialsMissing, "no access token")
	}
	if refresh != "" && (access == "" || c.expired(access)) {
		fresh, err := c.RefreshToken(ctx)
		if err == nil {
			return fresh, nil
		}
		c.log.Warn("proactive token refresh failed", map[string]interface{}{"error": err.Error()})
	}
	return access, nil
}

func (c *Client) expired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !c.now().Add(c.expiryLeeway).Before(exp.Time)
}

// execute runs one request through the circuit breaker.
func (c *Client) execute(ctx context.Context, method, path string, payload []byte, token string) (*Response, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.send(ctx, method, path, payload, token)
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, apperrors.Wrap(apperrors.ErrRemoteDown, "remote API unavailable", err)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, token string) (*Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       truncate(strings.TrimSpace(string(data)), 256),
		}
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

func encodeBody(body interface{}) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to encode request body", err)
	}
	return data, nil
}

// unwrapData returns m["data"] when the server wraps its payload.
func unwrapData(m map[string]interface{}) map[string]interface{} {
	if inner, ok := m["data"].(map[string]interface{}); ok && len(m) == 1 {
		return inner
	}
	return m
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
