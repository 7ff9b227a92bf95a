package ping

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions(attempts int) Options {
	return Options{Attempts: attempts, Delay: 1, MaxJitter: 1, MaxDelay: 10}
}

func TestPingSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := New().Ping(context.Background(), srv.URL, fastOptions(3))
	assert.NoError(t, err)
}

func TestPingErrorStatusCountsAsReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := New().Ping(context.Background(), srv.URL, fastOptions(1))
	assert.NoError(t, err, "an HTTP error still means the endpoint is up")
}

func TestPingExhaustion(t *testing.T) {
	// A server that is immediately closed leaves a port that refuses
	// connections.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := New().Ping(context.Background(), url, fastOptions(3))
	require.Error(t, err)

	var pingErr *Error
	require.True(t, errors.As(err, &pingErr))
	assert.Equal(t, 3, pingErr.Attempts)
	assert.Equal(t, url, pingErr.URL)
}

func TestPingCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New().Ping(ctx, url, Options{Attempts: 5, Delay: 1000, MaxJitter: 1, MaxDelay: 1000})
	assert.Error(t, err)
}
