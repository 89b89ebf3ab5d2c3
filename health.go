package apiclient

// HealthStatus represents the health of a client: its circuit breaker, if any, and its
// credential refresh coordinator.
type HealthStatus struct {
	// Healthy is false when the circuit breaker is open.
	// Half-open counts as healthy (degraded but operational).
	Healthy bool `json:"healthy"`

	// Status is a short string description of the breaker state ("closed", "half-open",
	// "open", "disabled").
	Status string `json:"status"`

	// Auth is the coordinator state ("idle" or "refreshing").
	Auth string `json:"auth"`

	// PendingRefresh is the number of requests queued behind an in-flight refresh.
	PendingRefresh int `json:"pending_refresh"`

	// Requests is the total number of requests in the current breaker interval.
	Requests uint32 `json:"requests"`

	// TotalSuccesses is the total number of successful requests.
	TotalSuccesses uint32 `json:"total_successes"`

	// TotalFailures is the total number of failed requests.
	TotalFailures uint32 `json:"total_failures"`

	// ConsecutiveFailures is the number of consecutive failures.
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// GetHealth returns the health status of the circuit breaker.
func (w *CircuitBreakerWrapper[Req, Resp]) GetHealth() HealthStatus {
	state := w.State()
	counts := w.Counts()

	return HealthStatus{
		Healthy:             state != StateOpen,
		Status:              state.String(),
		Requests:            counts.Requests,
		TotalSuccesses:      counts.TotalSuccesses,
		TotalFailures:       counts.TotalFailures,
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}
}

// Health returns the current health of the client.
func (c *Client) Health() HealthStatus {
	health := HealthStatus{Healthy: true, Status: "disabled"}
	if c.breaker != nil {
		health = c.breaker.GetHealth()
	}
	health.Auth = c.auth.State().String()
	health.PendingRefresh = c.auth.Pending()
	return health
}
