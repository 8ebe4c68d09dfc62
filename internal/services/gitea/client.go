// Package gitea is the admin-token client for the Git-hosting service. All
// create and delete operations are idempotent: repeating them with the same
// arguments converges on the same remote state.
package gitea

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
	"time"

	"github.com/FernandoVinha/TheManager/pkg/logger"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const apiPrefix = "/api/v1"

// maxErrorBody caps how much of an error response is kept for diagnostics.
const maxErrorBody = 64 << 10

// Config is everything the client needs; nothing is read from globals.
type Config struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration // light calls
	HeavyTimeout      time.Duration // repository/fork creation and merges
	RequestsPerSecond float64
	Burst             int
	Retry             RetryPolicy
	HTTPClient        *http.Client
}

type Client struct {
	baseURL      string
	token        string
	http         *http.Client
	limiter      *rate.Limiter
	timeout      time.Duration
	heavyTimeout time.Duration
	retry        RetryPolicy
	log          zerolog.Logger
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	heavy := cfg.HeavyTimeout
	if heavy <= 0 {
		heavy = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		token:        cfg.Token,
		http:         httpClient,
		limiter:      rate.NewLimiter(limit, burst),
		timeout:      timeout,
		heavyTimeout: heavy,
		retry:        cfg.Retry.withDefaults(),
		log:          logger.With("gitea"),
	}
}

// BaseURL is the web root of the remote service, used to build links.
func (c *Client) BaseURL() string { return c.baseURL }

// request describes a single API call.
type request struct {
	method string
	path   string // relative to /api/v1
	query  url.Values
	sudo   string
	body   interface{}
	heavy  bool
}

// do performs one HTTP exchange and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, r request, out interface{}) error {
	timeout := c.timeout
	if r.heavy {
		timeout = c.heavyTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return &APIError{Kind: KindTransient, Method: r.method, Path: r.path, Message: "rate limiter: " + err.Error(), Err: err}
	}

	fullURL := c.baseURL + apiPrefix + r.path
	if len(r.query) > 0 {
		fullURL += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		payload, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("gitea: encode %s %s: %w", r.method, r.path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, fullURL, body)
	if err != nil {
		return fmt.Errorf("gitea: build %s %s: %w", r.method, r.path, err)
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}
	if r.sudo != "" {
		req.Header.Set("Sudo", r.sudo)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("request timed out after %s", timeout)
		}
		c.log.Warn().Err(err).Str("method", r.method).Str("path", r.path).Msg("request failed")
		return &APIError{Kind: KindTransient, Method: r.method, Path: r.path, Message: msg, Err: err}
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("method", r.method).
		Str("path", r.path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return newStatusError(r.method, r.path, resp.StatusCode, data)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &APIError{Kind: KindTransient, StatusCode: resp.StatusCode, Method: r.method, Path: r.path, Message: "decode response: " + err.Error(), Err: err}
	}
	return nil
}

// idempotent runs a safe-to-repeat call under the retry policy.
func (c *Client) idempotent(ctx context.Context, r request, out interface{}) error {
	return Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.do(ctx, r, out)
	})
}

func escape(s string) string { return url.PathEscape(s) }

func repoPath(owner, repo string) string {
	return "/repos/" + escape(owner) + "/" + escape(repo)
}
