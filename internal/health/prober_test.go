package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	addr := srv.Listener.Addr().(*net.TCPAddr)
	return addr.Port
}

func TestWaitHealthyImmediate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProber(time.Second)
	healthy := p.WaitHealthy(context.Background(), serverPort(t, srv), 3, 10*time.Millisecond)
	assert.True(t, healthy)
}

func TestWaitHealthyAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProber(time.Second)
	healthy := p.WaitHealthy(context.Background(), serverPort(t, srv), 5, 5*time.Millisecond)
	assert.True(t, healthy)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitHealthyExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewProber(time.Second)
	healthy := p.WaitHealthy(context.Background(), serverPort(t, srv), 4, time.Millisecond)
	assert.False(t, healthy)
	assert.Equal(t, int32(4), calls.Load(), "probe count must equal the attempt budget")
}

func TestWaitHealthyConnectionRefused(t *testing.T) {
	// Find a port nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	p := NewProber(100 * time.Millisecond)
	healthy := p.WaitHealthy(context.Background(), port, 2, time.Millisecond)
	assert.False(t, healthy)
}

func TestWaitHealthyContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewProber(time.Second)
	start := time.Now()
	healthy := p.WaitHealthy(ctx, serverPort(t, srv), 100, time.Second)
	assert.False(t, healthy)
	assert.Less(t, time.Since(start), time.Second, "canceled context must abort the wait early")
}

func TestProbeOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewProber(time.Second)
	assert.True(t, p.ProbeOnce(context.Background(), serverPort(t, srv), 500*time.Millisecond))

	srv.Close()
	assert.False(t, p.ProbeOnce(context.Background(), serverPort(t, srv), 100*time.Millisecond))
}
