package apiclient

import (
	"context"
	"errors"
	"log/slog"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// CircuitBreakerWrapper wraps a ResilientClient with circuit breaker functionality.
// The client installs it around the transport, below the retry loop, so every physical
// attempt is counted and an open circuit fails fast instead of being retried.
type CircuitBreakerWrapper[Req, Resp any] struct {
	client     ResilientClient[Req, Resp]
	cb         *gobreaker.CircuitBreaker[Resp]
	logger     *slog.Logger
	classifier CircuitBreakerErrorClassifier
}

// NewCircuitBreakerWrapper creates a circuit breaker around client.
func NewCircuitBreakerWrapper[Req, Resp any](
	client ResilientClient[Req, Resp],
	config *CircuitBreakerConfig,
) *CircuitBreakerWrapper[Req, Resp] {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultCircuitBreakerErrorClassifier()
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = DefaultCircuitBreakerConfig().ReadyToTrip
	}

	classifier := config.ErrorClassifier

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return config.ReadyToTrip(convertGobreakerCounts(counts))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			config.Logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			if config.OnStateChange != nil {
				config.OnStateChange(name, convertGobreakerState(from), convertGobreakerState(to))
			}
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}

			// 4xx responses, cancellations and timeouts say nothing about server health
			return !classifier.ShouldTripCircuit(err)
		},
	}

	return &CircuitBreakerWrapper[Req, Resp]{
		client:     client,
		cb:         gobreaker.NewCircuitBreaker[Resp](settings),
		logger:     config.Logger,
		classifier: classifier,
	}
}

// Execute executes the request through the circuit breaker.
// Rejections are returned as jperrors circuit breaker errors, which the normalizer
// classifies as KindUnknown so the pipeline does not retry into an open circuit.
func (w *CircuitBreakerWrapper[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	resp, err := w.cb.Execute(func() (Resp, error) {
		return w.client.Execute(ctx, req)
	})
	if err == nil {
		return resp, nil
	}

	counts := w.cb.Counts()
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		w.logger.Warn("circuit breaker is open, request rejected",
			"state", w.cb.State().String(),
			"consecutive_failures", counts.ConsecutiveFailures)
		return zero, jperrors.NewCircuitBreakerError(
			"request rejected",
			"execute",
			"open",
			jperrors.WithCause(err),
			jperrors.WithCounts(toJPCounts(counts)),
		)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		w.logger.Debug("circuit breaker in half-open state, too many requests")
		return zero, jperrors.NewCircuitBreakerError(
			"too many requests in half-open state",
			"execute",
			"half-open",
			jperrors.WithCause(err),
			jperrors.WithCounts(toJPCounts(counts)),
		)
	default:
		return zero, err
	}
}

// State returns the current state of the circuit breaker.
func (w *CircuitBreakerWrapper[Req, Resp]) State() CircuitBreakerState {
	return convertGobreakerState(w.cb.State())
}

// Counts returns the current counts of the circuit breaker.
func (w *CircuitBreakerWrapper[Req, Resp]) Counts() CircuitBreakerCounts {
	return convertGobreakerCounts(w.cb.Counts())
}

func convertGobreakerCounts(counts gobreaker.Counts) CircuitBreakerCounts {
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

func toJPCounts(counts gobreaker.Counts) jperrors.CircuitCounts {
	return jperrors.CircuitCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// convertGobreakerState converts gobreaker.State to our CircuitBreakerState.
func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}
