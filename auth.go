package apiclient

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// Refresher exchanges a refresh token for a new credential pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// RefresherFunc adapts a function to the Refresher interface.
type RefresherFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

// Refresh implements Refresher.
func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return f(ctx, refreshToken)
}

// HTTPRefresher calls the refresh endpoint directly on the transport, bypassing the
// request pipeline so a refresh can never trigger another refresh.
//
// Request body: {"refreshToken": "..."}. Response body: {"token": "...", "refreshToken": "..."}
// where refreshToken is optional.
type HTTPRefresher struct {
	transport Transport
	url       string
}

// NewHTTPRefresher creates a refresher posting to url.
func NewHTTPRefresher(transport Transport, url string) *HTTPRefresher {
	return &HTTPRefresher{transport: transport, url: url}
}

// Refresh implements Refresher. Any non-2xx response is a failure.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")

	resp, err := r.transport.Execute(ctx, &TransportRequest{
		Method: http.MethodPost,
		URL:    r.url,
		Header: header,
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("refresh transport returned no response")
	}
	if resp.Status < 200 || resp.Status > 299 {
		return nil, &StatusError{Response: resp}
	}

	token := gjson.GetBytes(resp.Body, "token").String()
	if token == "" {
		return nil, errors.New("refresh response did not contain a token")
	}

	return &oauth2.Token{
		AccessToken:  token,
		RefreshToken: gjson.GetBytes(resp.Body, "refreshToken").String(),
		TokenType:    "Bearer",
	}, nil
}

// AuthState is the state of the AuthCoordinator.
type AuthState int

const (
	// AuthIdle means no refresh is in flight.
	AuthIdle AuthState = iota

	// AuthRefreshing means exactly one refresh call is in flight and 401s are queued.
	AuthRefreshing
)

// String returns the string representation of the auth state.
func (s AuthState) String() string {
	switch s {
	case AuthIdle:
		return "idle"
	case AuthRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// waiter is a request suspended until the in-flight refresh settles.
type waiter struct {
	done chan error
	req  Request
}

// AuthCoordinator owns the credential refresh protocol. However many requests hit a 401
// concurrently, at most one physical refresh call is in flight; the others wait in FIFO
// order and are released together when it settles.
type AuthCoordinator struct {
	store     CredentialStore
	refresher Refresher
	timeout   time.Duration
	onLogout  func(err error)
	logger    *slog.Logger
	metrics   *Metrics
	refreshes atomic.Int64

	mu         sync.Mutex
	refreshing bool
	waiters    []*waiter
}

// AuthOption is a functional option for configuring the AuthCoordinator.
type AuthOption func(*AuthCoordinator)

// WithCoordinatorLogger sets the coordinator logger.
func WithCoordinatorLogger(logger *slog.Logger) AuthOption {
	return func(c *AuthCoordinator) {
		c.logger = logger
	}
}

// WithCoordinatorTimeout bounds the physical refresh call.
func WithCoordinatorTimeout(d time.Duration) AuthOption {
	return func(c *AuthCoordinator) {
		c.timeout = d
	}
}

// WithCoordinatorLogoutHandler sets the callback invoked on terminal auth failure.
func WithCoordinatorLogoutHandler(fn func(err error)) AuthOption {
	return func(c *AuthCoordinator) {
		c.onLogout = fn
	}
}

func withCoordinatorMetrics(m *Metrics) AuthOption {
	return func(c *AuthCoordinator) {
		c.metrics = m
	}
}

// NewAuthCoordinator creates a coordinator in the idle state.
func NewAuthCoordinator(store CredentialStore, refresher Refresher, opts ...AuthOption) *AuthCoordinator {
	c := &AuthCoordinator{
		store:     store,
		refresher: refresher,
		timeout:   30 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Refresh obtains fresh credentials on behalf of req. The first caller while idle
// performs the refresh; callers arriving while it is in flight are queued and receive
// its outcome. A nil return means the store now holds new credentials and req should
// be re-issued. A non-nil return is a KindAuth error, or KindCancelled if ctx ended
// while waiting.
func (c *AuthCoordinator) Refresh(ctx context.Context, req Request) error {
	c.mu.Lock()
	if c.refreshing {
		w := &waiter{done: make(chan error, 1), req: req}
		c.waiters = append(c.waiters, w)
		c.mu.Unlock()

		c.logger.Debug("queued request behind in-flight credential refresh",
			"method", req.Method,
			"path", req.Path)

		select {
		case err := <-w.done:
			return err
		case <-ctx.Done():
			return Normalize(ctx.Err())
		}
	}
	c.refreshing = true
	c.mu.Unlock()

	err := c.refresh(ctx)
	if err != nil {
		c.store.ClearTokens()
	}

	// Drain and return to idle in one critical section so no request can observe
	// an idle coordinator with waiters still queued.
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	for _, w := range waiters {
		w.done <- err
	}
	c.refreshing = false
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("credential refresh failed, logging out",
			"queued", len(waiters),
			"error", err)
		c.notifyLogout(err)
		return err
	}

	c.logger.Debug("credential refresh succeeded", "released", len(waiters))
	return nil
}

// refresh performs the single physical refresh call. The call is detached from the
// leader's cancellation so one abandoned request cannot fail every queued waiter.
func (c *AuthCoordinator) refresh(ctx context.Context) error {
	refreshToken := c.store.RefreshToken()
	if refreshToken == "" {
		c.metrics.recordRefresh(false)
		return newAuthError(errors.New("no refresh token available"), ErrRefreshFailed)
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	c.refreshes.Add(1)
	tok, err := c.refresher.Refresh(rctx, refreshToken)
	if err == nil && (tok == nil || tok.AccessToken == "") {
		err = errors.New("refresh returned empty credentials")
	}
	if err != nil {
		c.metrics.recordRefresh(false)
		return newAuthError(err, ErrRefreshFailed)
	}

	c.store.SetTokens(tok)
	c.metrics.recordRefresh(true)
	return nil
}

// ForceLogout clears credentials and invokes the logout callback.
func (c *AuthCoordinator) ForceLogout(cause error) {
	c.store.ClearTokens()
	c.logger.Warn("forcing logout", "error", cause)
	c.notifyLogout(cause)
}

func (c *AuthCoordinator) notifyLogout(err error) {
	if c.onLogout != nil {
		c.onLogout(err)
	}
}

// State returns the current coordinator state.
func (c *AuthCoordinator) State() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refreshing {
		return AuthRefreshing
	}
	return AuthIdle
}

// Pending returns the number of requests queued behind the in-flight refresh.
func (c *AuthCoordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Refreshes returns the number of physical refresh calls made.
func (c *AuthCoordinator) Refreshes() int64 {
	return c.refreshes.Load()
}
