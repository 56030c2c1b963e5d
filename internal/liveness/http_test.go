package liveness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hostOf(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return strings.TrimPrefix(strings.TrimPrefix(srv.URL, "http://"), "https://")
}

func TestHTTPProber_FallsBackToHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "TestBot/1.0", r.UserAgent())
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewHTTPProber(2*time.Second, "TestBot/1.0")
	res := p.Probe(context.Background(), hostOf(t, srv))

	assert.True(t, res.Reachable, "any status counts as reachable")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "http", res.Scheme)
	assert.Empty(t, res.ErrorCode)
}

func TestHTTPProber_HTTPSFirst(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewHTTPProber(2*time.Second, "TestBot/1.0", WithHTTPClient(srv.Client()))
	res := p.Probe(context.Background(), hostOf(t, srv))

	assert.True(t, res.Reachable)
	assert.Equal(t, "https", res.Scheme)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestHTTPProber_RedirectLoopCountsAsReachable(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		http.Redirect(w, r, fmt.Sprintf("/loop/%d", n), http.StatusFound)
	}))
	defer srv.Close()

	p := NewHTTPProber(2*time.Second, "TestBot/1.0")
	res := p.Probe(context.Background(), hostOf(t, srv))

	assert.True(t, res.Reachable, "a host that keeps redirecting still answers")
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, "http", res.Scheme)
	assert.Empty(t, res.ErrorCode)
	assert.Equal(t, int32(maxRedirects), hits.Load())
}

func TestHTTPProber_ConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	p := NewHTTPProber(2*time.Second, "TestBot/1.0")
	res := p.Probe(context.Background(), addr)

	assert.False(t, res.Reachable)
	assert.Equal(t, "http", res.Scheme, "code comes from the last attempt")
	assert.Equal(t, ErrConnectionRefused, res.ErrorCode)
}

func TestHTTPProber_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := NewHTTPProber(200*time.Millisecond, "TestBot/1.0")
	res := p.Probe(context.Background(), hostOf(t, srv))

	assert.False(t, res.Reachable)
	assert.Equal(t, ErrTimeout, res.ErrorCode)
}

func TestHTTPProber_ParkedPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>example.org</title></head><body><h1>This domain is for sale!</h1></body></html>`)
	}))
	defer srv.Close()

	on := NewHTTPProber(2*time.Second, "TestBot/1.0", WithParkedDetection(64*1024))
	assert.True(t, on.Probe(context.Background(), hostOf(t, srv)).Parked)

	off := NewHTTPProber(2*time.Second, "TestBot/1.0")
	res := off.Probe(context.Background(), hostOf(t, srv))
	assert.False(t, res.Parked)
	assert.True(t, res.Reachable)
}

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"dns", &net.DNSError{Err: "no such host", Name: "x.test", IsNotFound: true}, ErrDNS},
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, ErrTimeout},
		{"tls", errors.New("remote error: tls: handshake failure"), ErrTLS},
		{"other", errors.New("boom"), ErrUnknown},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyHTTPError(tt.err))
		})
	}
}
