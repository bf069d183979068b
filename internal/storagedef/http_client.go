// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package storagedef

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"time"

	"github.com/platformbuilds/storagebridge/internal/version"
)

// Request is one outgoing vendor API call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Clone returns a deep copy so that session decoration never leaks into
// the caller's request.
func (r *Request) Clone() *Request {
	c := &Request{Method: r.Method, URL: r.URL, Header: r.Header.Clone()}
	if c.Header == nil {
		c.Header = http.Header{}
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return c
}

// RawResponse is a fully read vendor response.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ContentType returns the media type of the response without parameters.
func (r *RawResponse) ContentType() string {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

// Cookies parses the Set-Cookie headers of the response.
func (r *RawResponse) Cookies() []*http.Cookie {
	resp := http.Response{Header: r.Header}
	return resp.Cookies()
}

// Transport sends a request and returns the complete response. A non-2xx
// status is not an error at this level.
type Transport interface {
	Send(ctx context.Context, req *Request) (*RawResponse, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req *Request) (*RawResponse, error)

func (f TransportFunc) Send(ctx context.Context, req *Request) (*RawResponse, error) {
	return f(ctx, req)
}

// HTTPTransport is the net/http backed Transport
type HTTPTransport struct {
	client    *http.Client
	maxBody   int64
	userAgent string
}

// HTTPTransportConfig configures the HTTP transport
type HTTPTransportConfig struct {
	VerifySSL bool
	TLS       TLSConfig
	// MaxBodyBytes bounds response bodies; zero means 64 MiB.
	MaxBodyBytes int64
	UserAgent    string
}

// NewHTTPTransport creates a new HTTP transport for storage API calls.
// Request deadlines come from the context.
func NewHTTPTransport(cfg HTTPTransportConfig) (*HTTPTransport, error) {
	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS config: %w", err)
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConfig,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 64 << 20
	}

	return &HTTPTransport{
		client: &http.Client{
			Transport: transport,
			// redirects are surfaced to the dispatcher as statuses
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBody:   maxBody,
		userAgent: cfg.UserAgent,
	}, nil
}

// TransportForConfig builds an HTTPTransport from a VendorConfig.
func TransportForConfig(cfg VendorConfig) (Transport, error) {
	return NewHTTPTransport(HTTPTransportConfig{
		VerifySSL: cfg.VerifySSL,
		TLS:       cfg.TLS,
		UserAgent: version.UserAgent(),
	})
}

// buildTLSConfig creates a TLS configuration
func buildTLSConfig(cfg HTTPTransportConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if !cfg.VerifySSL || cfg.TLS.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}

	if cfg.TLS.CAFile != "" {
		caCert, err := os.ReadFile(cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.TLS.CAFile)
		}
		tlsConfig.RootCAs = caCertPool
	}

	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Send performs the HTTP request and reads the whole body
func (t *HTTPTransport) Send(ctx context.Context, r *Request) (*RawResponse, error) {
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range r.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(respBody)) > t.maxBody {
		return nil, fmt.Errorf("%s %s: limit %d bytes: %w", r.Method, r.URL, t.maxBody, ErrBodyTooLarge)
	}

	return &RawResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}
