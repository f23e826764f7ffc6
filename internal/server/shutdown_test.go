package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestShutdownClosesInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: time.Second}, nil)
	var order []string
	sm.RegisterCloser(CloserFunc(func() error { order = append(order, "first"); return nil }))
	sm.RegisterCloser(CloserFunc(func() error { order = append(order, "second"); return errors.New("boom") }))

	started := false
	sm.OnShutdownStart(func() { started = true })

	err := sm.Shutdown(context.Background(), "test")
	require.Error(t, err)
	assert.Equal(t, []string{"second", "first"}, order)
	assert.True(t, started)
	assert.True(t, sm.Draining())

	require.NoError(t, sm.Shutdown(context.Background(), "again"))
	assert.Len(t, order, 2)
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: 2 * time.Second}, nil)
	require.True(t, sm.Begin())

	go func() {
		time.Sleep(150 * time.Millisecond)
		sm.End()
	}()
	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.Zero(t, sm.Running())
	assert.False(t, sm.Begin())
}

func TestShutdownDrainTimeout(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: 150 * time.Millisecond}, nil)
	require.True(t, sm.Begin())
	err := sm.Shutdown(context.Background(), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 running queries")
}

func TestShutdownConfigDefaults(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{}, nil)
	assert.Equal(t, DefaultShutdownConfig(), sm.cfg)
}

func TestShutdownMiddleware(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), nil)
	h := ShutdownMiddleware(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, int64(1), sm.Running())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "close", rec.Header().Get("Connection"))
}

func TestUnaryShutdownInterceptor(t *testing.T) {
	sm := NewShutdownManager(DefaultShutdownConfig(), nil)
	intercept := UnaryShutdownInterceptor(sm)
	handler := func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", nil }

	resp, err := intercept(context.Background(), nil, &grpc.UnaryServerInfo{}, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	_, err = intercept(context.Background(), nil, &grpc.UnaryServerInfo{}, handler)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}
