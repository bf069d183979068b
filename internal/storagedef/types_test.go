// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package storagedef

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSource map[string]any

func (m mapSource) Has(name string) bool {
	_, ok := m[name]
	return ok
}

func (m mapSource) String(name string) string {
	s, _ := m[name].(string)
	return s
}

func (m mapSource) Int(name string) int64 {
	i, _ := m[name].(int64)
	return i
}

func TestVendorConfigValidate(t *testing.T) {
	cfg := VendorConfig{Name: "a1", Vendor: VendorVNX, Endpoint: "https://vnx", Username: "u", Password: "p"}
	require.NoError(t, cfg.Validate())

	tokenOnly := VendorConfig{Vendor: VendorPure, Endpoint: "https://pure", Token: "t"}
	require.NoError(t, tokenOnly.Validate())

	noEndpoint := cfg
	noEndpoint.Endpoint = ""
	err := noEndpoint.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigIncomplete))
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "endpoint", cerr.Field)

	noPassword := cfg
	noPassword.Password = ""
	assert.ErrorIs(t, noPassword.Validate(), ErrConfigIncomplete)
}

func TestVendorConfigIdentity(t *testing.T) {
	a := VendorConfig{Vendor: VendorHPE, Endpoint: "https://array/", Username: "u", Password: "p"}
	b := a
	b.Endpoint = "https://array"
	assert.Equal(t, a.Identity(), b.Identity(), "trailing slash must not split sessions")

	c := a
	c.Password = "other"
	assert.NotEqual(t, a.Identity(), c.Identity())
	assert.NotContains(t, a.Identity(), "p|")

	d := a
	d.Vendor = VendorDell
	assert.NotEqual(t, a.Identity(), d.Identity())
}

func TestVendorConfigURL(t *testing.T) {
	cfg := VendorConfig{Endpoint: "https://array:8443/"}
	assert.Equal(t, "https://array:8443/api/v1/volumes", cfg.URL("/api/v1/volumes"))
	assert.Equal(t, "https://array:8443/api/v1/volumes", cfg.URL("api/v1/volumes"))
	assert.Equal(t, "https://other/x", cfg.URL("https://other/x"))
}

func TestNewVolumeDerivesMissingCapacity(t *testing.T) {
	v := NewVolume(mapSource{
		FieldName:          "vol-a",
		FieldCapacityBytes: int64(100),
		FieldUsedBytes:     int64(30),
	}, VendorVNX, "array1")
	assert.Equal(t, "vol-a", v.ID)
	assert.Equal(t, int64(70), v.FreeBytes)
	assert.Equal(t, VendorVNX, v.SourceVendor)
	assert.Equal(t, "array1", v.Array)

	p := NewPool(mapSource{
		FieldID:            "p1",
		FieldCapacityBytes: int64(100),
		FieldFreeBytes:     int64(0),
	}, VendorHitachi, "")
	assert.Equal(t, int64(100), p.UsedBytes)
	assert.Equal(t, int64(0), p.FreeBytes)
}

func TestErrorTaxonomy(t *testing.T) {
	auth := &AuthError{Kind: AuthRejected, Vendor: VendorPure, Endpoint: "https://pure", StatusCode: 401}
	wrapped := fmt.Errorf("list volumes: %w", auth)
	assert.ErrorIs(t, wrapped, ErrAuthRejected)
	assert.False(t, errors.Is(wrapped, ErrLoginFailed))

	row := &CodecError{Kind: CodecMalformedRow, Shape: "csv", Row: 3}
	assert.ErrorIs(t, row, ErrMalformedRow)
	assert.Contains(t, row.Error(), "row 3")

	assert.True(t, (&DispatchError{Kind: DispatchStatus, StatusCode: http.StatusBadGateway}).Transient())
	assert.True(t, (&DispatchError{Kind: DispatchStatus, StatusCode: http.StatusTooManyRequests}).Transient())
	assert.False(t, (&DispatchError{Kind: DispatchStatus, StatusCode: http.StatusNotFound}).Transient())
	assert.True(t, (&DispatchError{Kind: DispatchTimeout}).Transient())
	assert.ErrorIs(t, &DispatchError{Kind: DispatchPaginationLoop}, ErrPaginationLoop)

	assert.ErrorIs(t, Unsupported(VendorVNX, "performance_stats"), ErrUnsupported)
}

func TestDispatchErrorTimedOut(t *testing.T) {
	last := &DispatchError{Kind: DispatchTimeout, Operation: "list_volumes", Attempts: 4}
	exhausted := &DispatchError{Kind: DispatchExhausted, Operation: "list_volumes", Attempts: 4, Err: last}
	assert.True(t, last.TimedOut())
	assert.True(t, exhausted.TimedOut())

	var derr *DispatchError
	require.ErrorAs(t, fmt.Errorf("pure-1: %w", exhausted), &derr)
	assert.True(t, derr.TimedOut())

	status := &DispatchError{Kind: DispatchExhausted, Err: &DispatchError{Kind: DispatchStatus, StatusCode: 503}}
	assert.False(t, status.TimedOut())
	assert.False(t, (&DispatchError{Kind: DispatchTransport}).TimedOut())
}
