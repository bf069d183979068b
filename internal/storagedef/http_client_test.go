// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package storagedef

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const poolsCSV = "name,capacity_gb\npool1,100\npool2,200\n"

func csvServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "storagebridge-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/csv")
		_, _ = io.WriteString(w, poolsCSV)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendRejectsOversizedBody(t *testing.T) {
	srv := csvServer(t)
	tr, err := NewHTTPTransport(HTTPTransportConfig{MaxBodyBytes: 27, UserAgent: "storagebridge-test"})
	require.NoError(t, err)

	resp, err := tr.Send(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL + "/pools"})
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestSendReadsBodyAtLimit(t *testing.T) {
	srv := csvServer(t)
	tr, err := NewHTTPTransport(HTTPTransportConfig{MaxBodyBytes: int64(len(poolsCSV)), UserAgent: "storagebridge-test"})
	require.NoError(t, err)

	resp, err := tr.Send(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL + "/pools"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, poolsCSV, string(resp.Body))
}
