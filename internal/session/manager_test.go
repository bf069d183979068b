// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

type countingAuth struct {
	logins  atomic.Int32
	logouts atomic.Int32
	ttl     time.Duration
	now     func() time.Time
	delay   time.Duration
	fail    error
}

func (a *countingAuth) Login(ctx context.Context, _ storagedef.Transport, _ storagedef.VendorConfig) (*Session, error) {
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if a.fail != nil {
		return nil, a.fail
	}
	n := a.logins.Add(1)
	s := &Session{
		Header: http.Header{"X-Token": {"tok-" + strconv.Itoa(int(n))}},
		Token:  "tok-" + strconv.Itoa(int(n)),
	}
	if a.ttl > 0 {
		s.ExpiresAt = a.now().Add(a.ttl)
	}
	return s, nil
}

func (a *countingAuth) Logout(context.Context, storagedef.Transport, storagedef.VendorConfig, *Session) error {
	a.logouts.Add(1)
	return nil
}

func nopTransport(storagedef.VendorConfig) (storagedef.Transport, error) {
	return storagedef.TransportFunc(func(context.Context, *storagedef.Request) (*storagedef.RawResponse, error) {
		return &storagedef.RawResponse{StatusCode: http.StatusOK, Header: http.Header{}}, nil
	}), nil
}

func testConfig() storagedef.VendorConfig {
	return storagedef.VendorConfig{
		Name:     "array1",
		Vendor:   storagedef.VendorHPE,
		Endpoint: "https://array1",
		Username: "admin",
		Password: "secret",
	}
}

func TestEnsureReusesSession(t *testing.T) {
	auth := &countingAuth{}
	m := NewManager(Options{}, nil, WithTransportFactory(nopTransport))

	h1, err := m.Ensure(context.Background(), testConfig(), auth)
	require.NoError(t, err)
	h2, err := m.Ensure(context.Background(), testConfig(), auth)
	require.NoError(t, err)

	assert.Equal(t, int32(1), auth.logins.Load())
	assert.Same(t, h1.Current(), h2.Current())
	assert.Equal(t, 1, m.Len())

	other := testConfig()
	other.Password = "rotated"
	_, err = m.Ensure(context.Background(), other, auth)
	require.NoError(t, err)
	assert.Equal(t, int32(2), auth.logins.Load(), "new credentials mean a new identity")
}

func TestEnsureRefreshesBeforeExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	auth := &countingAuth{ttl: 10 * time.Minute, now: clock}
	m := NewManager(Options{RefreshMargin: time.Minute}, nil, WithTransportFactory(nopTransport), WithClock(clock))

	_, err := m.Ensure(context.Background(), testConfig(), auth)
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(8 * time.Minute)
	mu.Unlock()
	_, err = m.Ensure(context.Background(), testConfig(), auth)
	require.NoError(t, err)
	assert.Equal(t, int32(1), auth.logins.Load())

	mu.Lock()
	now = now.Add(90 * time.Second)
	mu.Unlock()
	h, err := m.Ensure(context.Background(), testConfig(), auth)
	require.NoError(t, err)
	assert.Equal(t, int32(2), auth.logins.Load(), "session inside the refresh margin is replaced")
	assert.Equal(t, uint64(2), h.Current().Generation())
}

func TestConcurrentReauthenticateLogsInOnce(t *testing.T) {
	auth := &countingAuth{delay: 20 * time.Millisecond}
	m := NewManager(Options{}, nil, WithTransportFactory(nopTransport))

	h, err := m.Ensure(context.Background(), testConfig(), auth)
	require.NoError(t, err)
	stale := h.Current()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := h.Reauthenticate(context.Background(), stale)
			assert.NoError(t, err)
			assert.Equal(t, uint64(2), s.Generation())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), auth.logins.Load(), "initial login plus exactly one re-login")

	// a caller still holding the stale session after the refresh finished
	// gets the new one without another login
	s, err := h.Reauthenticate(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.Generation())
	assert.Equal(t, int32(2), auth.logins.Load())
}

func TestFailedReloginDropsRejectedSession(t *testing.T) {
	auth := &countingAuth{}
	m := NewManager(Options{}, nil, WithTransportFactory(nopTransport))

	h, err := m.Ensure(context.Background(), testConfig(), auth)
	require.NoError(t, err)
	stale := h.Current()

	auth.fail = errors.New("array busy")
	_, err = h.Reauthenticate(context.Background(), stale)
	require.ErrorIs(t, err, storagedef.ErrLoginFailed)
	assert.Nil(t, h.Current())

	req := &storagedef.Request{Method: http.MethodGet, URL: "https://array1/x", Header: http.Header{}}
	assert.Nil(t, h.Apply(req))
	assert.Empty(t, req.Header.Get("X-Token"))

	_, err = m.Ensure(context.Background(), testConfig(), auth)
	require.ErrorIs(t, err, storagedef.ErrLoginFailed, "the rejected session is not reused")

	auth.fail = nil
	h, err = m.Ensure(context.Background(), testConfig(), auth)
	require.NoError(t, err)
	assert.NotSame(t, stale, h.Current())
	assert.Equal(t, uint64(2), h.Current().Generation())
}

func TestCanceledCallerDoesNotAbortSharedLogin(t *testing.T) {
	auth := &countingAuth{delay: 50 * time.Millisecond}
	m := NewManager(Options{}, nil, WithTransportFactory(nopTransport))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := m.Ensure(ctx, testConfig(), auth)
		first <- err
	}()
	time.Sleep(10 * time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := m.Ensure(context.Background(), testConfig(), auth)
		second <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-first, context.Canceled)
	require.NoError(t, <-second)
	assert.Equal(t, int32(1), auth.logins.Load())
}

func TestEnsureErrors(t *testing.T) {
	m := NewManager(Options{}, nil, WithTransportFactory(nopTransport))

	incomplete := testConfig()
	incomplete.Endpoint = ""
	_, err := m.Ensure(context.Background(), incomplete, &countingAuth{})
	assert.ErrorIs(t, err, storagedef.ErrConfigIncomplete)

	var observed []error
	m = NewManager(Options{}, nil,
		WithTransportFactory(nopTransport),
		WithLoginObserver(func(_ storagedef.VendorType, err error) { observed = append(observed, err) }),
	)
	_, err = m.Ensure(context.Background(), testConfig(), &countingAuth{fail: errors.New("boom")})
	require.Error(t, err)
	assert.ErrorIs(t, err, storagedef.ErrLoginFailed)

	var aerr *storagedef.AuthError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, storagedef.VendorHPE, aerr.Vendor)
	assert.Len(t, observed, 1)
}

func TestApplyAndObserveCookies(t *testing.T) {
	login := LoginFunc(func(context.Context, storagedef.Transport, storagedef.VendorConfig) (*Session, error) {
		return &Session{
			Header:  http.Header{"X-Api": {"v1"}},
			Cookies: []*http.Cookie{{Name: "Ticket", Value: "t1"}},
		}, nil
	})
	m := NewManager(Options{}, nil, WithTransportFactory(nopTransport))
	h, err := m.Ensure(context.Background(), testConfig(), login)
	require.NoError(t, err)

	h.Observe(&storagedef.RawResponse{Header: http.Header{
		"Set-Cookie": {"JSESSIONID=abc; Path=/", "Ticket=t2"},
	}})

	req := &storagedef.Request{Method: http.MethodGet, URL: "https://array1/x", Header: http.Header{}}
	s := h.Apply(req)
	require.NotNil(t, s)
	assert.Equal(t, "v1", req.Header.Get("X-Api"))
	assert.Equal(t, "Ticket=t2; JSESSIONID=abc", req.Header.Get("Cookie"))
	assert.Equal(t, "abc", s.Cookie("JSESSIONID"))
	assert.Equal(t, uint64(1), s.Generation(), "cookie updates keep the generation")
}

func TestCloseLogsOut(t *testing.T) {
	auth := &countingAuth{}
	m := NewManager(Options{}, nil, WithTransportFactory(nopTransport))
	_, err := m.Ensure(context.Background(), testConfig(), auth)
	require.NoError(t, err)

	require.NoError(t, m.Close(context.Background()))
	assert.Equal(t, int32(1), auth.logouts.Load())
	assert.Equal(t, 0, m.Len())
}

func TestBasicAuth(t *testing.T) {
	s, err := BasicAuth{}.Login(context.Background(), nil, testConfig())
	require.NoError(t, err)
	assert.Equal(t, "Basic YWRtaW46c2VjcmV0", s.Header.Get("Authorization"))
	assert.True(t, s.Valid(time.Now(), time.Hour))
}

func TestDefaultOptions(t *testing.T) {
	assert.Equal(t, Options{
		RefreshMargin: 30 * time.Second,
		IdleTTL:       30 * time.Minute,
		MaxSessions:   256,
		LoginTimeout:  15 * time.Second,
	}, DefaultOptions())
}
