// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth adds credentials to requests storagebridge sends to its own
// sinks. Vendor array logins live in the session package.
package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// AuthType represents the type of authentication.
type AuthType string

const (
	AuthTypeNone   AuthType = "none"
	AuthTypeBasic  AuthType = "basic"
	AuthTypeBearer AuthType = "bearer"
	AuthTypeAPIKey AuthType = "api_key"
)

// Config holds authentication configuration.
type Config struct {
	Type AuthType `yaml:"type"`

	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	Token string `yaml:"token,omitempty"`
	// TokenFile is re-read every TokenRefreshInterval, so rotated service
	// account tokens are picked up.
	TokenFile            string        `yaml:"token_file,omitempty"`
	TokenRefreshInterval time.Duration `yaml:"token_refresh_interval,omitempty"`

	APIKey       string `yaml:"api_key,omitempty"`
	APIKeyHeader string `yaml:"api_key_header,omitempty"` // Default: X-API-Key
}

// Authenticator sets credentials on outgoing request headers.
type Authenticator interface {
	Apply(ctx context.Context, h http.Header) error
	Type() AuthType
	Close() error
}

// NewAuthenticator creates an authenticator from configuration.
func NewAuthenticator(cfg Config, log *slog.Logger) (Authenticator, error) {
	switch cfg.Type {
	case AuthTypeNone, "":
		return NoopAuthenticator{}, nil
	case AuthTypeBasic:
		return NewBasicAuthenticator(cfg.Username, cfg.Password)
	case AuthTypeBearer:
		return NewBearerAuthenticator(cfg.Token, cfg.TokenFile, cfg.TokenRefreshInterval, log)
	case AuthTypeAPIKey:
		return NewAPIKeyAuthenticator(cfg.APIKey, cfg.APIKeyHeader)
	default:
		return nil, fmt.Errorf("unknown auth type: %s", cfg.Type)
	}
}

type NoopAuthenticator struct{}

func (NoopAuthenticator) Apply(context.Context, http.Header) error { return nil }
func (NoopAuthenticator) Type() AuthType                           { return AuthTypeNone }
func (NoopAuthenticator) Close() error                             { return nil }

// BasicAuthenticator implements HTTP Basic authentication.
type BasicAuthenticator struct {
	value string
}

func NewBasicAuthenticator(username, password string) (*BasicAuthenticator, error) {
	if username == "" {
		return nil, fmt.Errorf("basic auth: username is required")
	}
	cred := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return &BasicAuthenticator{value: "Basic " + cred}, nil
}

func (a *BasicAuthenticator) Apply(_ context.Context, h http.Header) error {
	h.Set("Authorization", a.value)
	return nil
}

func (a *BasicAuthenticator) Type() AuthType { return AuthTypeBasic }
func (a *BasicAuthenticator) Close() error   { return nil }

// BearerAuthenticator implements Bearer token authentication from a static
// token or a file.
type BearerAuthenticator struct {
	log             *slog.Logger
	staticToken     string
	tokenFile       string
	refreshInterval time.Duration

	mu          sync.RWMutex
	cachedToken string
	lastRefresh time.Time

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewBearerAuthenticator creates a new Bearer authenticator.
// Either token or tokenFile must be provided.
func NewBearerAuthenticator(token, tokenFile string, refreshInterval time.Duration, log *slog.Logger) (*BearerAuthenticator, error) {
	if token == "" && tokenFile == "" {
		return nil, fmt.Errorf("bearer auth: either token or token_file is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if refreshInterval <= 0 {
		refreshInterval = 5 * time.Minute
	}

	a := &BearerAuthenticator{
		log:             log.With("component", "bearer_auth"),
		staticToken:     token,
		tokenFile:       tokenFile,
		refreshInterval: refreshInterval,
		stopCh:          make(chan struct{}),
	}

	if token == "" {
		if err := a.refreshToken(); err != nil {
			return nil, fmt.Errorf("bearer auth: failed to read token file: %w", err)
		}
		a.wg.Add(1)
		go a.refreshLoop()
	}
	return a, nil
}

func (a *BearerAuthenticator) Apply(_ context.Context, h http.Header) error {
	token := a.token()
	if token == "" {
		return fmt.Errorf("bearer auth: no token available")
	}
	h.Set("Authorization", "Bearer "+token)
	return nil
}

func (a *BearerAuthenticator) Type() AuthType { return AuthTypeBearer }

// Close stops the background refresh.
func (a *BearerAuthenticator) Close() error {
	a.closeOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
	return nil
}

// LastRefresh returns when the token file was last read.
func (a *BearerAuthenticator) LastRefresh() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastRefresh
}

func (a *BearerAuthenticator) token() string {
	if a.staticToken != "" {
		return a.staticToken
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cachedToken
}

func (a *BearerAuthenticator) refreshToken() error {
	data, err := os.ReadFile(a.tokenFile)
	if err != nil {
		return err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return fmt.Errorf("token file is empty")
	}

	a.mu.Lock()
	a.cachedToken = token
	a.lastRefresh = time.Now()
	a.mu.Unlock()
	return nil
}

func (a *BearerAuthenticator) refreshLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.refreshToken(); err != nil {
				// keep the cached token
				a.log.Warn("token refresh failed", "file", a.tokenFile, "error", err)
			}
		case <-a.stopCh:
			return
		}
	}
}

// APIKeyAuthenticator sends a fixed key in a header.
type APIKeyAuthenticator struct {
	apiKey string
	header string
}

func NewAPIKeyAuthenticator(apiKey, header string) (*APIKeyAuthenticator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key auth: api_key is required")
	}
	if header == "" {
		header = "X-API-Key"
	}
	return &APIKeyAuthenticator{apiKey: apiKey, header: header}, nil
}

func (a *APIKeyAuthenticator) Apply(_ context.Context, h http.Header) error {
	h.Set(a.header, a.apiKey)
	return nil
}

func (a *APIKeyAuthenticator) Type() AuthType { return AuthTypeAPIKey }
func (a *APIKeyAuthenticator) Close() error   { return nil }
