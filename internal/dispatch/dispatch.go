// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch sends vendor API requests: it decorates them with the
// current session, retries transient failures with exponential backoff,
// re-authenticates once on rejection and walks paginated results.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/platformbuilds/storagebridge/internal/selftelemetry"
	"github.com/platformbuilds/storagebridge/internal/session"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

const tracerName = "github.com/platformbuilds/storagebridge/internal/dispatch"

// Config holds retry, timeout and pagination policy
type Config struct {
	// MaxAttempts is the total number of attempts for one request
	MaxAttempts         int           `yaml:"max_attempts"`
	InitialInterval     time.Duration `yaml:"initial_interval"`
	MaxInterval         time.Duration `yaml:"max_interval"`
	Multiplier          float64       `yaml:"multiplier"`
	RandomizationFactor float64       `yaml:"randomization_factor"`
	// RequestTimeout bounds each attempt unless the array config sets one
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// MaxPages bounds the pages fetched for one logical call
	MaxPages int `yaml:"max_pages"`
	// RateLimit is the request rate per endpoint; zero disables limiting
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// DefaultConfig returns the default dispatch policy
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         4,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.2,
		RequestTimeout:      30 * time.Second,
		MaxPages:            1000,
		Burst:               1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = def.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = def.MaxInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.RandomizationFactor < 0 || c.RandomizationFactor >= 1 {
		c.RandomizationFactor = def.RandomizationFactor
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.MaxPages <= 0 {
		c.MaxPages = def.MaxPages
	}
	if c.Burst <= 0 {
		c.Burst = def.Burst
	}
	return c
}

// Dispatcher executes requests for any number of arrays concurrently.
type Dispatcher struct {
	cfg     Config
	log     *slog.Logger
	metrics *selftelemetry.Metrics
	tracer  trace.Tracer

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a dispatcher. metrics may be nil.
func New(cfg Config, log *slog.Logger, metrics *selftelemetry.Metrics) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		log:      log.With("component", "dispatcher"),
		metrics:  metrics,
		tracer:   otel.Tracer(tracerName),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Config returns the effective policy.
func (d *Dispatcher) Config() Config { return d.cfg }

// RequestSpec describes one logical call; pagination may turn it into
// several requests.
type RequestSpec struct {
	Operation string
	Method    string
	// Path is relative to the array endpoint, or an absolute URL
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
	Paging Paging
}

// Paging describes how a cursor returned by one page selects the next.
type Paging struct {
	// CursorParam names the query parameter carrying the cursor
	CursorParam string
	// FollowLink treats the cursor as the path or URL of the next page
	FollowLink bool
	// Apply places the cursor into the request, for example into a body
	Apply func(spec *RequestSpec, cursor string) error
}

func (p Paging) enabled() bool {
	return p.CursorParam != "" || p.FollowLink || p.Apply != nil
}

func (s RequestSpec) build(cfg storagedef.VendorConfig, cursor string) (*storagedef.Request, error) {
	spec := s
	spec.Query = cloneValues(s.Query)
	if cursor != "" {
		switch {
		case s.Paging.Apply != nil:
			if err := s.Paging.Apply(&spec, cursor); err != nil {
				return nil, fmt.Errorf("%s: apply cursor: %w", s.Operation, err)
			}
		case s.Paging.FollowLink:
			spec.Path = cursor
			spec.Query = nil
		case s.Paging.CursorParam != "":
			spec.Query.Set(s.Paging.CursorParam, cursor)
		}
	}

	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}
	target := cfg.URL(spec.Path)
	if len(spec.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + spec.Query.Encode()
	}

	header := spec.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &storagedef.Request{Method: method, URL: target, Header: header, Body: spec.Body}, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

// Call sends a single, non-paginated request described by spec.
func (d *Dispatcher) Call(ctx context.Context, h *session.Handle, spec RequestSpec) (*storagedef.RawResponse, error) {
	cfg := h.Config()
	ctx, span := d.startSpan(ctx, cfg, spec.Operation)
	defer span.End()

	req, err := spec.build(cfg, "")
	if err != nil {
		return nil, endSpan(span, err)
	}
	resp, err := d.Do(ctx, h, spec.Operation, req)
	if err != nil {
		return nil, endSpan(span, err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

// Do sends req, retrying transient failures. A 401 or 403 triggers exactly
// one re-authentication and one resend; a second rejection is an
// AuthError of kind AuthRejected.
func (d *Dispatcher) Do(ctx context.Context, h *session.Handle, operation string, req *storagedef.Request) (*storagedef.RawResponse, error) {
	resp, used, err := d.send(ctx, h, operation, req)
	if err != nil {
		return nil, err
	}
	if !rejected(resp.StatusCode) {
		return resp, nil
	}

	cfg := h.Config()
	d.log.Debug("session rejected, re-authenticating",
		"array", cfg.Name,
		"operation", operation,
		"status", resp.StatusCode,
	)
	d.metrics.IncReauth(string(cfg.Vendor))
	if _, err := h.Reauthenticate(ctx, used); err != nil {
		return nil, err
	}

	resp, _, err = d.send(ctx, h, operation, req)
	if err != nil {
		return nil, err
	}
	if rejected(resp.StatusCode) {
		return nil, &storagedef.AuthError{
			Kind:       storagedef.AuthRejected,
			Vendor:     cfg.Vendor,
			Endpoint:   cfg.Endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s: %s", operation, snippet(resp.Body)),
		}
	}
	return resp, nil
}

func rejected(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// send performs one request with transient-failure retries. It returns the
// session that decorated the final attempt.
func (d *Dispatcher) send(ctx context.Context, h *session.Handle, operation string, req *storagedef.Request) (*storagedef.RawResponse, *session.Session, error) {
	cfg := h.Config()
	vendor := string(cfg.Vendor)
	timeout := d.cfg.RequestTimeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	limiter := d.limiter(cfg.Endpoint)

	var (
		resp     *storagedef.RawResponse
		used     *session.Session
		attempts int
	)

	attempt := func() error {
		attempts++
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		r := req.Clone()
		used = h.Apply(r)
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(r.Header))

		actx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		raw, err := h.Transport().Send(actx, r)
		cancel()
		elapsed := time.Since(start)

		if err != nil {
			if ctx.Err() != nil {
				d.metrics.ObserveRequest(vendor, operation, "canceled", elapsed)
				return backoff.Permanent(ctx.Err())
			}
			kind := storagedef.DispatchTransport
			if errors.Is(err, context.DeadlineExceeded) {
				kind = storagedef.DispatchTimeout
			}
			d.metrics.ObserveRequest(vendor, operation, kind.String(), elapsed)
			derr := &storagedef.DispatchError{Kind: kind, Operation: operation, URL: r.URL, Attempts: attempts, Err: err}
			if errors.Is(err, storagedef.ErrBodyTooLarge) {
				return backoff.Permanent(derr)
			}
			return derr
		}

		h.Observe(raw)
		d.metrics.ObserveRequest(vendor, operation, outcome(raw.StatusCode), elapsed)

		if raw.StatusCode < 300 || rejected(raw.StatusCode) {
			resp = raw
			return nil
		}
		serr := &storagedef.DispatchError{
			Kind:       storagedef.DispatchStatus,
			Operation:  operation,
			URL:        r.URL,
			StatusCode: raw.StatusCode,
			Attempts:   attempts,
			Body:       snippet(raw.Body),
		}
		if serr.Transient() {
			return serr
		}
		return backoff.Permanent(serr)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(d.newBackOff(), uint64(d.cfg.MaxAttempts-1)), ctx)
	notify := func(err error, wait time.Duration) {
		d.metrics.IncRetry(vendor, operation)
		d.log.Debug("transient failure, retrying",
			"array", cfg.Name,
			"operation", operation,
			"attempt", attempts,
			"wait", wait,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(attempt, policy, notify); err != nil {
		var derr *storagedef.DispatchError
		if errors.As(err, &derr) && derr.Transient() {
			return nil, nil, &storagedef.DispatchError{
				Kind:       storagedef.DispatchExhausted,
				Operation:  operation,
				URL:        req.URL,
				StatusCode: derr.StatusCode,
				Attempts:   attempts,
				Err:        err,
			}
		}
		return nil, nil, err
	}
	if attempts > 1 {
		d.log.Debug("request succeeded after retry", "array", cfg.Name, "operation", operation, "attempts", attempts)
	}
	return resp, used, nil
}

func (d *Dispatcher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialInterval
	b.MaxInterval = d.cfg.MaxInterval
	b.Multiplier = d.cfg.Multiplier
	b.RandomizationFactor = d.cfg.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (d *Dispatcher) limiter(endpoint string) *rate.Limiter {
	if d.cfg.RateLimit <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[endpoint]
	if !ok {
		l = rate.NewLimiter(rate.Limit(d.cfg.RateLimit), d.cfg.Burst)
		d.limiters[endpoint] = l
	}
	return l
}

func (d *Dispatcher) startSpan(ctx context.Context, cfg storagedef.VendorConfig, operation string) (context.Context, trace.Span) {
	return d.tracer.Start(ctx, operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("storage.vendor", string(cfg.Vendor)),
			attribute.String("storage.array", cfg.Name),
		),
	)
}

func endSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func outcome(status int) string {
	switch {
	case status < 300:
		return "success"
	case rejected(status):
		return "unauthorized"
	case status >= 500:
		return "server_error"
	default:
		return "client_error"
	}
}

func snippet(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
