package connectivity

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestTCPProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	ctx := context.Background()
	dead := closedAddr(t)

	assert.NoError(t, (&TCPProber{Targets: []string{ln.Addr().String()}, Timeout: time.Second}).Probe(ctx))
	assert.NoError(t, (&TCPProber{Targets: []string{dead, ln.Addr().String()}, Timeout: time.Second}).Probe(ctx), "any target suffices")
	assert.Error(t, (&TCPProber{Targets: []string{dead}, Timeout: time.Second}).Probe(ctx))
	assert.Error(t, (&TCPProber{Timeout: time.Second}).Probe(ctx), "no targets")
}

func TestHTTPProber(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/204", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	mux.HandleFunc("/500", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusInternalServerError) })
	mux.HandleFunc("/portal", func(w http.ResponseWriter, r *http.Request) { http.Redirect(w, r, "/204", http.StatusFound) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	probe := func(paths ...string) error {
		urls := make([]string, len(paths))
		for i, p := range paths {
			urls[i] = srv.URL + p
		}
		return (&HTTPProber{URLs: urls, Timeout: time.Second}).Probe(ctx)
	}

	assert.NoError(t, probe("/204"))
	assert.Error(t, probe("/500"))
	assert.Error(t, probe("/portal"), "redirects are treated as captive portals")
	assert.NoError(t, probe("/500", "/204"))
}

func TestAnyAndGate(t *testing.T) {
	ctx := context.Background()
	ok := ProberFunc(func(context.Context) error { return nil })
	bad := ProberFunc(func(context.Context) error { return errors.New("down") })

	assert.NoError(t, Any{bad, ok}.Probe(ctx))
	assert.NoError(t, Any{}.Probe(ctx))

	err := Any{bad, bad}.Probe(ctx)
	assert.ErrorIs(t, err, ErrUnreachable)

	nextCalled := false
	next := ProberFunc(func(context.Context) error { nextCalled = true; return nil })

	err = Gate{Check: bad, Next: next}.Probe(ctx)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.False(t, nextCalled)

	assert.NoError(t, Gate{Check: ok, Next: next}.Probe(ctx))
	assert.True(t, nextCalled)
}

func TestDNSProberWithoutHosts(t *testing.T) {
	assert.Error(t, (&DNSProber{}).Probe(context.Background()))
}

func TestProbeHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, (&TCPProber{Targets: []string{"192.0.2.1:53"}, Timeout: time.Second}).Probe(ctx))
}
