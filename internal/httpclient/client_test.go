package httpclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clouddeck/tagsync-server/internal/httpclient"
)

// newTestServer creates a new test server with keep-alives disabled.
// This prevents flaky tests when running in parallel, as closing a server
// with keep-alives enabled can affect other tests sharing the HTTP transport.
func newTestServer(handler http.Handler) *httptest.Server {
	server := httptest.NewServer(handler)
	server.Config.SetKeepAlivesEnabled(false)
	return server
}

func TestDefaultClientGet(t *testing.T) {
	t.Parallel()

	var receivedAuth string
	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"resources":[]}`))
	}))
	defer server.Close()

	client := httpclient.NewDefaultClient(0, func() string { return "bearer-token" })

	data, err := client.Get(context.Background(), server.URL+"/v2/apps")
	require.NoError(t, err)
	assert.JSONEq(t, `{"resources":[]}`, string(data))
	assert.Equal(t, "bearer-token", receivedAuth)
}

func TestDefaultClientGetWithoutToken(t *testing.T) {
	t.Parallel()

	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := httpclient.NewDefaultClient(0, nil)
	_, err := client.Get(context.Background(), server.URL)
	assert.NoError(t, err)
}

func TestDefaultClientPut(t *testing.T) {
	t.Parallel()

	var receivedBody map[string]string
	var receivedMethod string
	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&receivedBody))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := httpclient.NewDefaultClient(0, nil)

	_, err := client.Put(context.Background(), server.URL+"/v2/apps/a-1", map[string]string{"state": "STOPPED"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, receivedMethod)
	assert.Equal(t, map[string]string{"state": "STOPPED"}, receivedBody)
}

func TestDefaultClientDelete(t *testing.T) {
	t.Parallel()

	var receivedMethod string
	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := httpclient.NewDefaultClient(0, nil)

	_, err := client.Delete(context.Background(), server.URL+"/v2/apps/a-1/instances/0")
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, receivedMethod)
}

func TestDefaultClientNonSuccessStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		statusCode int
	}{
		{name: "unauthorized", statusCode: http.StatusUnauthorized},
		{name: "not found", statusCode: http.StatusNotFound},
		{name: "server error", statusCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.statusCode)
			}))
			defer server.Close()

			client := httpclient.NewDefaultClient(0, nil)

			_, err := client.Get(context.Background(), server.URL)
			require.Error(t, err)

			var httpErr *httpclient.HTTPError
			require.True(t, errors.As(err, &httpErr))
			assert.Equal(t, tt.statusCode, httpErr.StatusCode)
		})
	}
}

func TestDefaultClientTransportFailure(t *testing.T) {
	t.Parallel()

	server := newTestServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // Connection refused from here on.

	client := httpclient.NewDefaultClient(0, nil)

	_, err := client.Get(context.Background(), server.URL)
	require.Error(t, err)

	var httpErr *httpclient.HTTPError
	assert.False(t, errors.As(err, &httpErr), "network failures are not HTTP errors")
}
