// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns vendor authentication state. Sessions are keyed by
// VendorConfig.Identity, established lazily, refreshed before expiry and
// re-established at most once per rejection no matter how many requests
// observe the rejection concurrently.
package session

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

// Session is an opaque authentication artifact: headers and cookies that
// decorate every request, plus an optional expiry.
type Session struct {
	Header  http.Header
	Cookies []*http.Cookie
	// Token is the primary credential, kept for logout calls.
	Token string
	// ExpiresAt is zero when the session stays valid until rejected.
	ExpiresAt time.Time
	// Data carries vendor specific values needed after login.
	Data map[string]string
	// Echo maps a cookie name to a request header that repeats its value.
	Echo map[string]string

	generation uint64
}

// Valid reports whether the session can still be used at now, keeping
// margin in reserve before the expiry.
func (s *Session) Valid(now time.Time, margin time.Duration) bool {
	if s == nil {
		return false
	}
	if s.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(margin).Before(s.ExpiresAt)
}

// Generation increases by one with every login for the same identity.
func (s *Session) Generation() uint64 {
	if s == nil {
		return 0
	}
	return s.generation
}

// Decorate adds the session headers and cookies to req.
func (s *Session) Decorate(req *storagedef.Request) {
	if req.Header == nil {
		req.Header = http.Header{}
	}
	for key, values := range s.Header {
		req.Header.Del(key)
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	for cookie, header := range s.Echo {
		if v := s.Cookie(cookie); v != "" {
			req.Header.Set(header, v)
		}
	}
	if len(s.Cookies) == 0 {
		return
	}
	parts := make([]string, 0, len(s.Cookies)+1)
	if existing := req.Header.Get("Cookie"); existing != "" {
		parts = append(parts, existing)
	}
	for _, c := range s.Cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	req.Header.Set("Cookie", strings.Join(parts, "; "))
}

// withCookies returns a copy carrying the merged cookie jar.
func (s *Session) withCookies(updates []*http.Cookie) *Session {
	next := *s
	jar := make([]*http.Cookie, 0, len(s.Cookies)+len(updates))
	jar = append(jar, s.Cookies...)
	for _, u := range updates {
		idx := -1
		for i, c := range jar {
			if c.Name == u.Name {
				idx = i
				break
			}
		}
		deleted := u.MaxAge < 0 || u.Value == ""
		switch {
		case idx >= 0 && deleted:
			jar = append(jar[:idx], jar[idx+1:]...)
		case idx >= 0:
			jar[idx] = &http.Cookie{Name: u.Name, Value: u.Value}
		case !deleted:
			jar = append(jar, &http.Cookie{Name: u.Name, Value: u.Value})
		}
	}
	next.Cookies = jar
	return &next
}

// Cookie returns the value of the named session cookie.
func (s *Session) Cookie(name string) string {
	for _, c := range s.Cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// Authenticator establishes sessions for one vendor.
type Authenticator interface {
	Login(ctx context.Context, t storagedef.Transport, cfg storagedef.VendorConfig) (*Session, error)
}

// Logouter is implemented by authenticators whose vendor expects sessions
// to be released explicitly.
type Logouter interface {
	Logout(ctx context.Context, t storagedef.Transport, cfg storagedef.VendorConfig, s *Session) error
}

// LoginFunc adapts a function to the Authenticator interface.
type LoginFunc func(ctx context.Context, t storagedef.Transport, cfg storagedef.VendorConfig) (*Session, error)

func (f LoginFunc) Login(ctx context.Context, t storagedef.Transport, cfg storagedef.VendorConfig) (*Session, error) {
	return f(ctx, t, cfg)
}

// BasicAuth sends static HTTP basic credentials with every request. Login
// makes no network call.
type BasicAuth struct{}

func (BasicAuth) Login(_ context.Context, _ storagedef.Transport, cfg storagedef.VendorConfig) (*Session, error) {
	return &Session{Header: http.Header{"Authorization": {BasicCredentials(cfg)}}}, nil
}

// BasicCredentials renders the Authorization header value for cfg.
func BasicCredentials(cfg storagedef.VendorConfig) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.Username+":"+cfg.Password))
}

// LoginFailed builds the error returned by authenticators when the vendor
// refuses a login call.
func LoginFailed(cfg storagedef.VendorConfig, status int, err error) *storagedef.AuthError {
	return &storagedef.AuthError{
		Kind:       storagedef.AuthLoginFailed,
		Vendor:     cfg.Vendor,
		Endpoint:   cfg.Endpoint,
		StatusCode: status,
		Err:        err,
	}
}
