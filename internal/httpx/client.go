// Package httpx is the JSON client shared by every upstream service client.
// Each client gets its own circuit breaker; upstream 4xx responses do not trip it.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrUnavailable marks network failures, timeouts and open breakers.
var ErrUnavailable = errors.New("upstream unavailable")

// StatusError is a non-2xx response from an upstream service.
type StatusError struct {
	Service    string
	Method     string
	Path       string
	StatusCode int
	Detail     string
	Payload    json.RawMessage
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s %s: status %d: %s", e.Service, e.Method, e.Path, e.StatusCode, e.Detail)
}

// ClientError reports whether the upstream blamed the request (4xx).
func (e *StatusError) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Transient reports whether err is worth retrying later: network failures,
// open breakers and upstream 5xx.
func Transient(err error) bool {
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return false
}

// Observer receives one call per upstream request.
type Observer interface {
	ObserveUpstream(service, operation string, status int, elapsed time.Duration)
}

// Config configures a Client.
type Config struct {
	Name             string
	BaseURL          string
	HTTPClient       *http.Client
	Timeout          time.Duration
	FailureThreshold uint32
	OpenTimeout      time.Duration
	Observer         Observer
	Logger           *slog.Logger
}

// Client calls one upstream JSON API.
type Client struct {
	name     string
	base     *url.URL
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker[[]byte]
	observer Observer
	logger   *slog.Logger
}

// New returns a Client for cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse %s base url: %w", cfg.Name, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	logger := cfg.Logger
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"service", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.ClientError()
			}
			return err == nil
		},
	}
	return &Client{
		name:     cfg.Name,
		base:     base,
		http:     hc,
		breaker:  gobreaker.NewCircuitBreaker[[]byte](settings),
		observer: cfg.Observer,
		logger:   logger,
	}, nil
}

// NewOAuthHTTPClient returns an http.Client that authenticates with the
// client-credentials grant.
func NewOAuthHTTPClient(ctx context.Context, clientID, clientSecret, tokenURL string, timeout time.Duration) *http.Client {
	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	hc := cc.Client(ctx)
	hc.Timeout = timeout
	return hc
}

// Name returns the service name used in errors and logs.
func (c *Client) Name() string { return c.name }

// GetJSON performs a GET and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.Do(ctx, http.MethodGet, path, query, nil, out)
}

// PostJSON performs a POST with body encoded as JSON and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, nil, body, out)
}

// Do performs a request. out may be nil.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", c.name, err)
		}
	}

	start := time.Now()
	status := 0
	raw, err := c.breaker.Execute(func() ([]byte, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %s: %w", ErrUnavailable, c.name, path, err)
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s response: %w", ErrUnavailable, c.name, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &StatusError{
				Service:    c.name,
				Method:     method,
				Path:       path,
				StatusCode: resp.StatusCode,
				Detail:     extractDetail(data),
				Payload:    json.RawMessage(data),
			}
		}
		return data, nil
	})
	if c.observer != nil {
		c.observer.ObserveUpstream(c.name, method+" "+routeOf(path), status, time.Since(start))
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %s circuit open: %w", ErrUnavailable, c.name, err)
		}
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.name, err)
	}
	return nil
}

// extractDetail pulls a human-readable message out of an error payload.
func extractDetail(data []byte) string {
	var body struct {
		Detail any `json:"detail"`
		Error  any `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		switch {
		case body.Detail != nil:
			return fmt.Sprint(body.Detail)
		case body.Error != nil:
			return fmt.Sprint(body.Error)
		}
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

// routeOf collapses UUID-like path segments so metric labels stay bounded.
func routeOf(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if len(p) == 36 && strings.Count(p, "-") == 4 {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}
