package apiclient_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	apiclient "github.com/JohnPlummer/jp-go-apiclient"
)

type executeFunc func(ctx context.Context, req *apiclient.TransportRequest) (*apiclient.TransportResponse, error)

// mockTransport implements apiclient.Transport for testing
type mockTransport struct {
	executeFunc executeFunc
	callCount   atomic.Int32

	mu       sync.Mutex
	requests []*apiclient.TransportRequest
}

func (m *mockTransport) Execute(ctx context.Context, req *apiclient.TransportRequest) (*apiclient.TransportResponse, error) {
	m.callCount.Add(1)
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.executeFunc(ctx, req)
}

func (m *mockTransport) getCallCount() int {
	return int(m.callCount.Load())
}

// countRequests returns how many requests had the given method and a URL containing fragment.
func (m *mockTransport) countRequests(method, fragment string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Method == method && strings.Contains(r.URL, fragment) {
			n++
		}
	}
	return n
}

func (m *mockTransport) getRequests() []*apiclient.TransportRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*apiclient.TransportRequest(nil), m.requests...)
}

// scripted returns the responses in order, repeating the last one.
func scripted(steps ...func() (*apiclient.TransportResponse, error)) executeFunc {
	var n atomic.Int32
	return func(ctx context.Context, req *apiclient.TransportRequest) (*apiclient.TransportResponse, error) {
		i := int(n.Add(1)) - 1
		if i >= len(steps) {
			i = len(steps) - 1
		}
		return steps[i]()
	}
}

func ok(body string) func() (*apiclient.TransportResponse, error) {
	return func() (*apiclient.TransportResponse, error) {
		return jsonResponse(http.StatusOK, body), nil
	}
}

func fail(status int, body string) func() (*apiclient.TransportResponse, error) {
	return func() (*apiclient.TransportResponse, error) {
		return nil, apiclient.NewStatusError(status, []byte(body))
	}
}

func jsonResponse(status int, body string) *apiclient.TransportResponse {
	return &apiclient.TransportResponse{
		Status: status,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(body),
	}
}

// recordingSink collects attempt records
type recordingSink struct {
	mu      sync.Mutex
	records []apiclient.AttemptRecord
}

func (s *recordingSink) Record(rec apiclient.AttemptRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *recordingSink) getRecords() []apiclient.AttemptRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]apiclient.AttemptRecord(nil), s.records...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError, // Quiet during tests
	}))
}
