package apiclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	// DefaultPageSize is used when ListParams.PageSize is zero.
	DefaultPageSize = 20

	// MaxPageSize is the largest accepted ListParams.PageSize.
	MaxPageSize = 100
)

var (
	paramValidatorOnce sync.Once
	paramValidator     *validator.Validate
)

// params returns the shared argument validator. Field errors are reported by JSON name.
func params() *validator.Validate {
	paramValidatorOnce.Do(func() {
		paramValidator = validator.New(validator.WithRequiredStructEnabled())
		paramValidator.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return paramValidator
}

// ListParams selects a page of a collection.
type ListParams struct {
	// Page is 1-based. Zero means 1.
	Page int `json:"page" validate:"gte=0"`

	// PageSize is the number of items per page. Zero means DefaultPageSize.
	PageSize int `json:"page_size" validate:"gte=0,lte=100"`

	// Sort is passed through as the sort query parameter.
	Sort string `json:"sort"`

	// Filters are added to the query as-is.
	Filters map[string]string `json:"filters"`
}

func (p ListParams) query() url.Values {
	page := p.Page
	if page == 0 {
		page = 1
	}
	size := p.PageSize
	if size == 0 {
		size = DefaultPageSize
	}

	q := url.Values{}
	for k, v := range p.Filters {
		q.Set(k, v)
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(size))
	if p.Sort != "" {
		q.Set("sort", p.Sort)
	}
	return q
}

// Page is one page of a collection.
type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// BulkFailure describes an item the server rejected in a bulk operation.
type BulkFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BulkResult is the server's answer to a bulk operation.
type BulkResult[T any] struct {
	Succeeded []T           `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

type idArgs struct {
	ID string `json:"id" validate:"required"`
}

type searchArgs struct {
	Query string `json:"query" validate:"required"`
}

type bulkArgs struct {
	Op    string `json:"op" validate:"required"`
	Items int    `json:"items" validate:"required"`
}

type serviceConfig struct {
	ttl          time.Duration
	size         int
	cache        *ResponseCache[[]byte]
	cacheOptions []CacheOption
	logger       *slog.Logger
}

// ServiceOption is a functional option for configuring a Service.
type ServiceOption func(*serviceConfig)

// WithCacheTTL sets how long read responses are served from the cache.
func WithCacheTTL(ttl time.Duration) ServiceOption {
	return func(c *serviceConfig) {
		c.ttl = ttl
	}
}

// WithCacheSize bounds the number of cached read responses.
func WithCacheSize(n int) ServiceOption {
	return func(c *serviceConfig) {
		c.size = n
	}
}

// WithCacheOptions passes options to the service's own cache.
func WithCacheOptions(opts ...CacheOption) ServiceOption {
	return func(c *serviceConfig) {
		c.cacheOptions = append(c.cacheOptions, opts...)
	}
}

// WithSharedCache makes the service use an existing cache, for example one shared by
// services whose resources overlap. TTL, size and cache options are then ignored.
// Keys include the resolved URL, so services of clients on different hosts can share a
// cache without collisions.
func WithSharedCache(cache *ResponseCache[[]byte]) ServiceOption {
	return func(c *serviceConfig) {
		c.cache = cache
	}
}

// WithServiceLogger sets the service logger. Default: the client logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(c *serviceConfig) {
		c.logger = logger
	}
}

// Service is a CRUD-shaped client for one REST resource. Reads are served from a
// response cache; every write that reaches the server invalidates the resource's
// cached reads.
//
// Endpoints, relative to the client base URL:
//
//	GET    /{resource}/{id}        GetByID
//	GET    /{resource}             GetList
//	GET    /{resource}/search      Search
//	POST   /{resource}             Create
//	PUT    /{resource}/{id}        Update
//	PATCH  /{resource}/{id}        PartialUpdate
//	DELETE /{resource}/{id}        DeleteByID
//	POST   /{resource}/bulk        Bulk
type Service[T any] struct {
	client   *Client
	basePath string
	cache    *ResponseCache[[]byte]
	logger   *slog.Logger
}

// NewService creates a service for resource.
//
// Example:
//
//	users := apiclient.NewService[User](client, "users", apiclient.WithCacheTTL(time.Minute))
//	u, err := users.GetByID(ctx, "42")
func NewService[T any](client *Client, resource string, opts ...ServiceOption) *Service[T] {
	basePath := "/" + strings.Trim(resource, "/")

	cfg := &serviceConfig{
		ttl:    DefaultCacheTTL,
		size:   DefaultCacheSize,
		logger: client.logger,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	cache := cfg.cache
	if cache == nil {
		cacheOpts := append([]CacheOption{WithCacheMetrics(client.metrics)}, cfg.cacheOptions...)
		cache = NewResponseCache[[]byte](basePath, cfg.ttl, cfg.size, cacheOpts...)
	}

	return &Service[T]{
		client:   client,
		basePath: basePath,
		cache:    cache,
		logger:   cfg.logger.With("resource", basePath),
	}
}

// GetByID returns one item.
func (s *Service[T]) GetByID(ctx context.Context, id string) (*T, error) {
	if err := validateArgs(idArgs{ID: id}); err != nil {
		return nil, err
	}

	var out T
	if err := s.read(ctx, s.itemPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetList returns a page of the collection.
func (s *Service[T]) GetList(ctx context.Context, p ListParams) (*Page[T], error) {
	if err := validateArgs(p); err != nil {
		return nil, err
	}

	var out Page[T]
	if err := s.read(ctx, s.basePath, p.query(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Search returns a page of items matching query.
func (s *Service[T]) Search(ctx context.Context, query string, p ListParams) (*Page[T], error) {
	if err := validateArgs(searchArgs{Query: query}); err != nil {
		return nil, err
	}
	if err := validateArgs(p); err != nil {
		return nil, err
	}

	q := p.query()
	q.Set("q", query)

	var out Page[T]
	if err := s.read(ctx, s.basePath+"/search", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Create creates an item and returns the server's representation of it.
func (s *Service[T]) Create(ctx context.Context, body any) (*T, error) {
	if err := requireBody(body); err != nil {
		return nil, err
	}

	var out T
	if err := s.write(ctx, http.MethodPost, s.basePath, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update replaces an item.
func (s *Service[T]) Update(ctx context.Context, id string, body any) (*T, error) {
	if err := validateArgs(idArgs{ID: id}); err != nil {
		return nil, err
	}
	if err := requireBody(body); err != nil {
		return nil, err
	}

	var out T
	if err := s.write(ctx, http.MethodPut, s.itemPath(id), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PartialUpdate applies patch to an item.
func (s *Service[T]) PartialUpdate(ctx context.Context, id string, patch any) (*T, error) {
	if err := validateArgs(idArgs{ID: id}); err != nil {
		return nil, err
	}
	if err := requireBody(patch); err != nil {
		return nil, err
	}

	var out T
	if err := s.write(ctx, http.MethodPatch, s.itemPath(id), patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteByID deletes an item.
func (s *Service[T]) DeleteByID(ctx context.Context, id string) error {
	if err := validateArgs(idArgs{ID: id}); err != nil {
		return err
	}
	return s.write(ctx, http.MethodDelete, s.itemPath(id), nil, nil)
}

// Bulk applies op (for example "create", "update" or "delete") to items in one call.
func (s *Service[T]) Bulk(ctx context.Context, op string, items []T) (*BulkResult[T], error) {
	if err := validateArgs(bulkArgs{Op: op, Items: len(items)}); err != nil {
		return nil, err
	}

	body := map[string]any{
		"operation": op,
		"items":     items,
	}

	var out BulkResult[T]
	if err := s.write(ctx, http.MethodPost, s.basePath+"/bulk", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InvalidateCache removes cached reads whose key contains pattern. An empty pattern
// clears the whole cache.
func (s *Service[T]) InvalidateCache(pattern string) {
	s.cache.Invalidate(pattern)
}

// Cache returns the service's response cache.
func (s *Service[T]) Cache() *ResponseCache[[]byte] {
	return s.cache
}

// read serves a GET from the cache, or fetches and caches it. Failed and cancelled
// reads never write to the cache.
func (s *Service[T]) read(ctx context.Context, path string, query url.Values, out any) error {
	key := Fingerprint(http.MethodGet, s.client.url(Request{Path: path}), query)

	if body, ok := s.cache.Get(key); ok {
		s.logger.Debug("cache hit", "key", key)
		return s.decode(body, out)
	}

	resp, err := s.client.Send(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return err
	}

	s.cache.Set(key, resp.Body)
	return s.decode(resp.Body, out)
}

// write sends a mutating request and invalidates the resource namespace whenever the
// request may have reached the server, including on server errors. Cancelled writes
// leave the cache untouched.
func (s *Service[T]) write(ctx context.Context, method, path string, body, out any) error {
	resp, err := s.client.Send(ctx, Request{Method: method, Path: path, Body: body})
	if err != nil {
		if !IsCancelled(err) {
			s.invalidateNamespace()
		}
		return err
	}

	s.invalidateNamespace()
	if out == nil {
		return nil
	}
	return s.decode(resp.Body, out)
}

// invalidateNamespace drops every cached read under the resolved resource URL. Keys of
// similarly prefixed resources in a shared cache are invalidated too.
func (s *Service[T]) invalidateNamespace() {
	s.cache.Invalidate(" " + s.client.url(Request{Path: s.basePath}))
	s.logger.Debug("invalidated cached reads")
}

func (s *Service[T]) decode(body []byte, out any) error {
	if err := decodeBody(body, out); err != nil {
		return &Error{Kind: KindUnknown, Message: err.Error(), Err: err}
	}
	return nil
}

func (s *Service[T]) itemPath(id string) string {
	return s.basePath + "/" + url.PathEscape(id)
}

// validateArgs checks args with the shared validator and reports the first failing
// field as a KindValidation error.
func validateArgs(args any) error {
	err := params().Struct(args)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		if fe.Tag() == "required" {
			return newValidationError(fe.Field(), "is required", ErrMissingParameter)
		}
		return newValidationError(fe.Field(), fmt.Sprintf("must satisfy %s=%s", fe.Tag(), fe.Param()), ErrInvalidParameter)
	}
	return &Error{Kind: KindValidation, Message: err.Error(), Err: errors.Join(ErrInvalidParameter, err)}
}

// requireBody rejects an absent request body. The body itself belongs to the caller and
// is not validated: a patch is partial and a zero value is a legitimate body.
func requireBody(body any) error {
	if body == nil {
		return newValidationError("body", "is required", ErrMissingParameter)
	}
	switch v := reflect.ValueOf(body); v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		if v.IsNil() {
			return newValidationError("body", "is required", ErrMissingParameter)
		}
	}
	return nil
}
