// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay outcomes.
const (
	Forwarded = "forwarded"
	Buffered  = "buffered"
	Evicted   = "evicted"
	Dropped   = "dropped"
	Delivered = "delivered"
)

var (
	// HTTP Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "path"},
	)

	// Relay Metrics
	RelayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Relay payloads by backend, type and outcome",
		},
		[]string{"backend", "type", "outcome"},
	)

	LiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_live_connections",
			Help: "Current number of push connections",
		},
	)

	PeerLinksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_peer_links_total",
			Help: "Total number of push peer links established",
		},
	)

	// Directory Metrics
	RegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_registrations_total",
			Help: "Session registrations by mode and outcome",
		},
		[]string{"mode", "outcome"}, // client/admin, created/linked/rejected
	)

	SignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_signals_total",
			Help: "Signals stored by type",
		},
		[]string{"type"},
	)

	SweptSessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_swept_sessions_total",
			Help: "Sessions removed by the expiry sweeper",
		},
	)
)

// TrackRelay counts one relay payload.
func TrackRelay(backend, messageType, outcome string) {
	RelayMessagesTotal.WithLabelValues(backend, messageType, outcome).Inc()
}

func TrackRegistration(mode, outcome string) {
	RegistrationsTotal.WithLabelValues(mode, outcome).Inc()
}

func TrackSignal(signalType string) {
	SignalsTotal.WithLabelValues(signalType).Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware records count and latency per route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
