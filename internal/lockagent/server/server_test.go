package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/lockagent/pkg/options"
)

type fakeSource struct {
	ready bool
}

func (f *fakeSource) Status() any {
	return map[string]string{"state": "running"}
}

func (f *fakeSource) Ready() bool { return f.ready }

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, _ := io.ReadAll(rec.Body)
	return rec.Code, string(body)
}

func TestEndpoints(t *testing.T) {
	src := &fakeSource{}
	h := NewServer(options.NewHttpOptions(), src).Handler()

	code, body := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, _ = get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	src.ready = true
	code, _ = get(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, code)

	code, body = get(t, h, "/status")
	assert.Equal(t, http.StatusOK, code)
	var doc map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &doc))
	assert.Equal(t, "running", doc["state"])

	code, body = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, "go_goroutines"))
}

func TestStartAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	opts := options.NewHttpOptions()
	opts.Addr = addr
	s := NewServer(opts, &fakeSource{ready: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestDisabledServerWaitsForContext(t *testing.T) {
	opts := options.NewHttpOptions()
	opts.Addr = ""
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, NewServer(opts, &fakeSource{}).Start(ctx))
}
