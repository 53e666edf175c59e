package fetching

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchReturnsVehicleEntries(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"veiculos":[{"codigo":"B1","latitude":-22.9},{"codigo":"B2"}]}`)

	entries, err := NewClient(srv.URL, time.Second).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.JSONEq(t, `{"codigo":"B1","latitude":-22.9}`, string(entries[0]))
	assert.JSONEq(t, `{"codigo":"B2"}`, string(entries[1]))
}

func TestFetchEmptyList(t *testing.T) {
	srv := serve(t, http.StatusOK, `{"veiculos":[]}`)

	entries, err := NewClient(srv.URL, time.Second).Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchProtocolErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `oops`},
		{"not found", http.StatusNotFound, `{"veiculos":[]}`},
		{"invalid json", http.StatusOK, `{"veiculos":[`},
		{"missing key", http.StatusOK, `{"vehicles":[]}`},
		{"null list", http.StatusOK, `{"veiculos":null}`},
		{"wrong type", http.StatusOK, `{"veiculos":"none"}`},
		{"bare array", http.StatusOK, `[{"codigo":"B1"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, tt.status, tt.body)
			_, err := NewClient(srv.URL, time.Second).Fetch(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUpstreamProtocol)
			assert.NotErrorIs(t, err, ErrUpstreamUnavailable)
		})
	}
}

func TestFetchTimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	start := time.Now()
	_, err := NewClient(srv.URL, 50*time.Millisecond).Fetch(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFetchConnectionRefusedIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, time.Second).Fetch(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestNewClientDefaultsTimeout(t *testing.T) {
	c := NewClient("http://example.invalid", 0)
	assert.Equal(t, DefaultTimeout, c.httpClient.Timeout)
}
