package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return clk
}

func TestAllow_BurstThenRefill(t *testing.T) {
	clk := newMock()
	l := New(3, 3*time.Second, clk)

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("10.0.0.1")
		require.True(t, ok, "request %d", i)
	}
	ok, wait := l.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.InDelta(t, time.Second, wait, float64(time.Millisecond))

	ok, _ = l.Allow("10.0.0.2")
	assert.True(t, ok, "other clients have their own bucket")

	clk.Add(1100 * time.Millisecond)
	ok, _ = l.Allow("10.0.0.1")
	assert.True(t, ok)
}

func TestSweep(t *testing.T) {
	clk := newMock()
	l := New(10, time.Minute, clk)
	l.Allow("a")
	clk.Add(2 * time.Minute)
	l.Allow("b")

	assert.Equal(t, 1, l.Sweep(time.Minute))
	assert.Equal(t, 1, l.Len())
}

func TestMiddleware(t *testing.T) {
	l := New(1, time.Minute, newMock())
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/poll", nil)
	req.RemoteAddr = "192.0.2.7:5555"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Rate limit exceeded", body["error"])
	assert.EqualValues(t, 60, body["retry_after"])
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded first hop", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "10.0.0.1:80", "203.0.113.9"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.4"}, "10.0.0.1:80", "198.51.100.4"},
		{"remote addr", nil, "192.0.2.1:4000", "192.0.2.1"},
		{"remote without port", nil, "192.0.2.1", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r))
		})
	}
}
