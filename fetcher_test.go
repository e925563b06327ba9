package panelrelay

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.js":
			_, _ = w.Write([]byte("console.log(1)"))
		case "/big":
			_, _ = w.Write(bytes.Repeat([]byte("a"), 64))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := &HTTPFetcher{Client: srv.Client()}
	content, err := f.Fetch(context.Background(), srv.URL+"/ok.js")
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", content)

	_, err = f.Fetch(context.Background(), srv.URL+"/missing")
	assert.ErrorIs(t, err, ErrFetchFailed)

	_, err = f.Fetch(context.Background(), "://bad")
	assert.ErrorIs(t, err, ErrFetchFailed)

	limited := &HTTPFetcher{Client: srv.Client(), MaxBytes: 16}
	content, err = limited.Fetch(context.Background(), srv.URL+"/big")
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.Empty(t, content)

	exact := &HTTPFetcher{Client: srv.Client(), MaxBytes: 64}
	content, err = exact.Fetch(context.Background(), srv.URL+"/big")
	require.NoError(t, err)
	assert.Len(t, content, 64)
}

func TestHTTPFetcherKeepsCancellationCause(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&HTTPFetcher{Client: srv.Client()}).Fetch(ctx, srv.URL)
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGuardedFetcherIgnoresCancelledHTTPFetches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	g := NewGuardedFetcher(&HTTPFetcher{Client: srv.Client()}, GuardConfig{MaxFailures: 2, OpenTimeout: time.Minute}, discardLogger())
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		go func() {
			time.Sleep(5 * time.Millisecond)
			cancel()
		}()
		_, err := g.Fetch(ctx, srv.URL)
		cancel()
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, g.State())
}

type countingFetcher struct {
	calls atomic.Int32
	err   error
}

func (f *countingFetcher) Fetch(context.Context, string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "ok", nil
}

func TestGuardedFetcherPassesThrough(t *testing.T) {
	inner := &countingFetcher{}
	g := NewGuardedFetcher(inner, GuardConfig{}, discardLogger())

	content, err := g.Fetch(context.Background(), "http://a")
	require.NoError(t, err)
	assert.Equal(t, "ok", content)
	assert.Equal(t, gobreaker.StateClosed, g.State())
}

func TestGuardedFetcherOpensAfterFailures(t *testing.T) {
	inner := &countingFetcher{err: ErrFetchFailed}
	g := NewGuardedFetcher(inner, GuardConfig{MaxFailures: 2, OpenTimeout: time.Minute}, discardLogger())

	for i := 0; i < 2; i++ {
		_, err := g.Fetch(context.Background(), "http://down")
		assert.ErrorIs(t, err, ErrFetchFailed)
	}
	assert.Equal(t, gobreaker.StateOpen, g.State())

	// 熔断期间不再访问下游
	_, err := g.Fetch(context.Background(), "http://down")
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestGuardedFetcherRateLimitHonorsContext(t *testing.T) {
	inner := &countingFetcher{}
	g := NewGuardedFetcher(inner, GuardConfig{RatePerSecond: 0.001, Burst: 1}, discardLogger())

	_, err := g.Fetch(context.Background(), "http://a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Fetch(ctx, "http://a")
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.Equal(t, int32(1), inner.calls.Load())
}
