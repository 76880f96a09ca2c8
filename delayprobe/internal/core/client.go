// Package core talks to the external controller API of a Clash-compatible
// proxy core, which performs the actual delay measurement for each node.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/malbeclabs/delayprobe/config"
)

const (
	defaultRequestTimeout    = 30 * time.Second
	defaultRetryMaxElapsed   = 30 * time.Second
	defaultRetryInitial      = 500 * time.Millisecond
	maxErrorBodyBytes        = 4 << 10
	globalGroupName          = "GLOBAL"
	delayRequestTimeoutSlack = 2 * time.Second
)

// HTTPClient is the subset of *http.Client used by Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	Logger     *slog.Logger
	BaseURL    string
	Secret     string
	HTTPClient HTTPClient

	// IncludeGlobal keeps the core's GLOBAL selector in group listings.
	IncludeGlobal bool

	// Retry policy for listing calls.
	RetryInitialInterval time.Duration
	RetryMaxElapsed      time.Duration
	RetryMaxTries        uint
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = config.DefaultCoreURL
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid base url %q", c.BaseURL)
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if c.RetryInitialInterval == 0 {
		c.RetryInitialInterval = defaultRetryInitial
	}
	if c.RetryMaxElapsed == 0 {
		c.RetryMaxElapsed = defaultRetryMaxElapsed
	}
	return nil
}

type Client struct {
	log *slog.Logger
	cfg *Config
}

func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("core: invalid config: %w", err)
	}
	return &Client{log: cfg.Logger, cfg: cfg}, nil
}

// Group is a proxy group as reported by the core, with the names of its members.
type Group struct {
	Name  string   `json:"name"`
	Type  string   `json:"type"`
	Now   string   `json:"now,omitempty"`
	Nodes []string `json:"all"`
}

type proxyEntry struct {
	Name string   `json:"name"`
	Type string   `json:"type"`
	Now  string   `json:"now"`
	All  []string `json:"all"`
}

type proxiesResponse struct {
	Proxies map[string]proxyEntry `json:"proxies"`
}

type delayResponse struct {
	Delay *int64 `json:"delay"`
}

type versionResponse struct {
	Version string `json:"version"`
	Meta    bool   `json:"meta"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// Delay asks the core to measure the delay of proxy name against testURL.
func (c *Client) Delay(ctx context.Context, name, testURL string, timeout time.Duration) (int64, error) {
	const op = "delay"
	if timeout <= 0 {
		return 0, &Error{Kind: ErrorKindHTTP, Op: op, Cause: errors.New("timeout must be greater than 0")}
	}

	q := url.Values{}
	q.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	q.Set("url", testURL)
	path := "/proxies/" + url.PathEscape(name) + "/delay?" + q.Encode()

	// The core enforces timeout itself; the request deadline only guards a stuck controller.
	reqCtx, cancel := context.WithTimeout(ctx, timeout+delayRequestTimeoutSlack)
	defer cancel()

	var out delayResponse
	if err := c.getJSON(reqCtx, op, path, &out); err != nil {
		return 0, err
	}
	if out.Delay == nil {
		return 0, &Error{Kind: ErrorKindDecode, Op: op, Cause: errors.New("response has no delay")}
	}
	return *out.Delay, nil
}

// Groups lists proxy groups and their member nodes, sorted by group name.
// Transient failures are retried with exponential backoff.
func (c *Client) Groups(ctx context.Context) ([]Group, error) {
	return retry(ctx, c, "groups", func() ([]Group, error) { return c.listGroups(ctx) })
}

// retry runs fn under the client's backoff policy. Auth and decode failures
// are not retried.
func retry[T any](ctx context.Context, c *Client, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitialInterval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(c.cfg.RetryMaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("core: request failed, retrying", "op", op, "error", err, "next", next)
		}),
	}
	if c.cfg.RetryMaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(c.cfg.RetryMaxTries))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil {
			var cerr *Error
			if errors.As(err, &cerr) && (cerr.Kind == ErrorKindAuth || cerr.Kind == ErrorKindDecode) {
				return v, backoff.Permanent(err)
			}
			return v, err
		}
		return v, nil
	}, opts...)
}

func (c *Client) listGroups(ctx context.Context) ([]Group, error) {
	var out proxiesResponse
	if err := c.getJSON(ctx, "groups", "/proxies", &out); err != nil {
		return nil, err
	}
	groups := make([]Group, 0, len(out.Proxies))
	for key, p := range out.Proxies {
		if p.All == nil {
			continue
		}
		name := p.Name
		if name == "" {
			name = key
		}
		if name == globalGroupName && !c.cfg.IncludeGlobal {
			continue
		}
		groups = append(groups, Group{
			Name:  name,
			Type:  p.Type,
			Now:   p.Now,
			Nodes: slices.Clone(p.All),
		})
	}
	slices.SortFunc(groups, func(a, b Group) int { return strings.Compare(a.Name, b.Name) })
	return groups, nil
}

// Version returns the core version string; used as a readiness check.
func (c *Client) Version(ctx context.Context) (string, error) {
	return retry(ctx, c, "version", func() (string, error) {
		var out versionResponse
		if err := c.getJSON(ctx, "version", "/version", &out); err != nil {
			return "", err
		}
		if out.Meta {
			return out.Version + " (meta)", nil
		}
		return out.Version, nil
	})
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return &Error{Kind: ErrorKindHTTP, Op: op, Cause: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Secret)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return newTransportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return newTransportError(op, err)
		}
		return &Error{Kind: ErrorKindDecode, Op: op, Status: resp.StatusCode, Cause: err}
	}
	return nil
}

func statusError(op string, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	var msg messageResponse
	cause := errors.New(strings.TrimSpace(string(body)))
	if json.Unmarshal(body, &msg) == nil && msg.Message != "" {
		cause = errors.New(msg.Message)
	}

	kind := ErrorKindHTTP
	switch resp.StatusCode {
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		kind = ErrorKindTimeout
	case http.StatusNotFound:
		kind = ErrorKindNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = ErrorKindAuth
	}
	return &Error{Kind: kind, Op: op, Status: resp.StatusCode, Cause: cause}
}
