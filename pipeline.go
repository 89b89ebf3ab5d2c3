package apiclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"
)

// Request describes one logical API call. The pipeline never modifies it, so the same
// value can be re-issued after a retry or a credential refresh.
type Request struct {
	// Method is the HTTP method.
	Method string

	// Path is appended to the client base URL. Absolute URLs are used as-is.
	Path string

	// Query parameters, encoded with sorted keys.
	Query url.Values

	// Body is encoded as JSON unless it is already a []byte.
	Body any

	// Header holds extra request headers.
	Header http.Header
}

// Response is a successful (status < 400) exchange.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// attemptState is the per-call bookkeeping threaded through one logical request.
type attemptState struct {
	requestID        string
	refreshAttempted bool
	prior            int
}

// Client sends requests through the resilient pipeline: credentials are attached to every
// attempt, a 401 triggers one coordinated credential refresh, and transient failures are
// retried with exponential backoff.
type Client struct {
	baseURL     string
	transport   Transport
	breaker     *CircuitBreakerWrapper[*TransportRequest, *TransportResponse]
	credentials CredentialStore
	auth        *AuthCoordinator
	policy      *RetryPolicy
	sink        *AsyncSink
	logger      *slog.Logger
	metrics     *Metrics
	stats       *requestStats
}

// NewClient creates a client with the given options.
//
// Example:
//
//	client, err := apiclient.NewClient(
//	    apiclient.WithBaseURL("https://api.example.com/v1"),
//	    apiclient.WithCredentialStore(store),
//	    apiclient.WithMaxAttempts(5),
//	    apiclient.WithLogoutHandler(onLogout),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
func NewClient(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	transport := cfg.Transport
	if transport == nil {
		hc := cfg.HTTPClient
		if hc == nil {
			hc = newDefaultHTTPClient(cfg.RequestTimeout)
		}
		transport = NewHTTPTransport(hc, cfg.UserAgent)
	}

	store := cfg.Credentials
	if store == nil {
		store = NewMemoryCredentialStore("", "")
	}

	// The refresher talks to the raw transport so refresh failures never count
	// against the breaker and never re-enter the pipeline.
	refresher := cfg.Refresher
	if refresher == nil {
		refresher = NewHTTPRefresher(transport, baseURL+cfg.RefreshPath)
	}

	c := &Client{
		baseURL:     baseURL,
		transport:   transport,
		credentials: store,
		policy:      NewRetryPolicy(cfg.Retry),
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		stats:       &requestStats{},
	}

	if cfg.CircuitBreaker != nil {
		cbConfig := *cfg.CircuitBreaker
		if cbConfig.Logger == nil {
			cbConfig.Logger = cfg.Logger
		}
		c.breaker = NewCircuitBreakerWrapper[*TransportRequest, *TransportResponse](transport, &cbConfig)
		c.transport = c.breaker
	}

	c.auth = NewAuthCoordinator(store, refresher,
		WithCoordinatorLogger(cfg.Logger),
		WithCoordinatorTimeout(cfg.RefreshTimeout),
		WithCoordinatorLogoutHandler(cfg.OnLogout),
		withCoordinatorMetrics(cfg.Metrics),
	)

	sink := cfg.Sink
	if sink == nil {
		sink = NewSlogSink(cfg.Logger)
	}
	c.sink = NewAsyncSink(sink, cfg.SinkBuffer, cfg.Metrics)

	return c, nil
}

// Send executes req and returns the response, or an *Error describing why it failed.
// A cancelled ctx yields a KindCancelled error, which callers should treat as a no-op.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.send(ctx, req, attemptState{requestID: uuid.NewString()})
	c.stats.recordOutcome(err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Do sends req and decodes the JSON response body into out. A nil out discards the body.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	if err := decodeBody(resp.Body, out); err != nil {
		return &Error{Kind: KindUnknown, Status: resp.Status, Message: err.Error(), Err: err}
	}
	return nil
}

// send runs one pass of the retry loop and handles the 401 branch. A successful refresh
// re-enters send with a fresh attempt budget; a second 401 is terminal.
func (c *Client) send(ctx context.Context, req Request, state attemptState) (*Response, error) {
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Message: err.Error(), Err: err}
	}
	target := c.url(req)

	var resp *Response
	var sentWith string
	attempt := 0
	err = retry.Do(ctx, c.policy.backoff(), func(ctx context.Context) error {
		attempt++
		r, access, attemptErr := c.attempt(ctx, req, target, body, state.requestID, attempt)
		sentWith = access
		if attemptErr == nil {
			resp = r
			return nil
		}

		if c.policy.ShouldRetry(attemptErr) && attempt < c.policy.MaxAttempts() {
			c.logger.Debug("retrying request",
				"request_id", state.requestID,
				"method", req.Method,
				"path", req.Path,
				"attempt", attempt,
				"delay", c.policy.DelayForAttempt(attempt),
				"error", attemptErr)
			return retry.RetryableError(attemptErr)
		}
		return attemptErr
	})
	total := state.prior + attempt
	if err == nil {
		return resp, nil
	}

	apiErr := Normalize(err).withAttempts(total)

	if apiErr.Kind == KindCancelled {
		c.logger.Debug("request cancelled",
			"request_id", state.requestID,
			"method", req.Method,
			"path", req.Path)
		return nil, apiErr
	}

	if apiErr.Kind == KindServer && apiErr.Status == http.StatusUnauthorized {
		if state.refreshAttempted {
			authErr := newAuthError(apiErr, ErrUnauthorized).withAttempts(total)
			c.auth.ForceLogout(authErr)
			return nil, authErr
		}

		// Credentials rotated while this attempt was in flight: another request already
		// refreshed, so replay with the current token instead of refreshing again.
		if current := c.credentials.AccessToken(); current != "" && current != sentWith {
			c.logger.Debug("credentials rotated during request, replaying",
				"request_id", state.requestID,
				"method", req.Method,
				"path", req.Path)
		} else if err := c.auth.Refresh(ctx, req); err != nil {
			return nil, Normalize(err).withAttempts(total)
		}

		return c.send(ctx, req, attemptState{
			requestID:        state.requestID,
			refreshAttempted: true,
			prior:            total,
		})
	}

	if attempt > 1 {
		c.logger.Warn("request failed after retries",
			"request_id", state.requestID,
			"method", req.Method,
			"path", req.Path,
			"attempts", total,
			"error", apiErr)
	}
	return nil, apiErr
}

// attempt performs one physical exchange and reports it to the sink, metrics and stats.
// It also returns the access token the exchange was sent with.
func (c *Client) attempt(
	ctx context.Context,
	req Request,
	target string,
	body []byte,
	requestID string,
	n int,
) (*Response, string, *Error) {
	start := time.Now()
	access := c.credentials.AccessToken()
	tr, err := c.transport.Execute(ctx, &TransportRequest{
		Method: req.Method,
		URL:    target,
		Header: c.headers(req, access, requestID, body != nil),
		Body:   body,
	})
	if err == nil && tr == nil {
		err = errors.New("transport returned no response")
	}
	if err == nil && tr.Status >= 400 {
		err = &StatusError{Response: tr}
	}

	apiErr := Normalize(err)

	rec := AttemptRecord{
		RequestID: requestID,
		Method:    req.Method,
		URL:       target,
		Attempt:   n,
		Duration:  time.Since(start),
		Timestamp: start,
	}
	if apiErr != nil {
		rec.Status = apiErr.Status
		rec.Kind = apiErr.Kind
		rec.Error = apiErr.Message
	} else {
		rec.Status = tr.Status
	}
	c.sink.Record(rec)
	c.metrics.recordAttempt(req.Method, apiErr)
	c.stats.recordAttempt(n)

	if apiErr != nil {
		return nil, access, apiErr
	}
	return &Response{Status: tr.Status, Header: tr.Header, Body: tr.Body}, access, nil
}

// headers builds the attempt headers. Credentials are read on every attempt so a request
// re-issued after a refresh carries the new access token.
func (c *Client) headers(req Request, access, requestID string, hasBody bool) http.Header {
	h := req.Header.Clone()
	if h == nil {
		h = http.Header{}
	}

	if access != "" {
		tok := &oauth2.Token{AccessToken: access}
		h.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	}
	h.Set("X-Request-ID", requestID)
	if h.Get("Accept") == "" {
		h.Set("Accept", "application/json")
	}
	if hasBody && h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	return h
}

func (c *Client) url(req Request) string {
	target := req.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + target
	}
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	return target
}

// Stats returns pipeline statistics.
func (c *Client) Stats() RequestStats {
	stats := c.stats.snapshot()
	stats.TotalRefreshes = c.auth.Refreshes()
	return stats
}

// Auth returns the credential refresh coordinator.
func (c *Client) Auth() *AuthCoordinator {
	return c.auth
}

// Credentials returns the credential store used by the client.
func (c *Client) Credentials() CredentialStore {
	return c.credentials
}

// Close flushes buffered attempt records. The client must not be used afterwards.
func (c *Client) Close() {
	c.sink.Close()
}
