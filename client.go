// Package apiclient provides a resilient JSON API client: a request pipeline that
// transparently refreshes expired credentials and retries transient failures, a
// bounded response cache, and a generic CRUD-shaped data-access service built on both.
// It integrates with jp-go-errors for timeout classification and circuit breaker errors.
package apiclient

import (
	"context"
	"net/http"
)

// ResilientClient defines a generic interface for executing requests.
// Type parameters Req and Resp can be any types. The request pipeline talks to its
// transport through this interface, and the circuit breaker decorates it.
//
// Example:
//
//	type myTransport struct{}
//
//	func (t *myTransport) Execute(ctx context.Context, req *apiclient.TransportRequest) (*apiclient.TransportResponse, error) {
//	    ...
//	}
//
//	client, err := apiclient.NewClient(
//	    apiclient.WithBaseURL("https://api.example.com"),
//	    apiclient.WithTransport(&myTransport{}),
//	)
type ResilientClient[Req, Resp any] interface {
	// Execute performs a request and returns a response or error.
	// The context should be used to control timeouts and cancellation.
	Execute(ctx context.Context, req Req) (Resp, error)
}

// Transport performs a single physical request/response exchange.
// Implementations return a *StatusError for responses with status >= 400, a context
// error when the request was cancelled or timed out, and a network error otherwise.
type Transport = ResilientClient[*TransportRequest, *TransportResponse]

// TransportRequest is one physical HTTP exchange.
type TransportRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// TransportResponse is the raw outcome of a successful exchange.
type TransportResponse struct {
	Status int
	Header http.Header
	Body   []byte
}
