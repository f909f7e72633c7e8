package main

import (
	"net/http"

	"sharefast_relay/internal/metrics"
	"sharefast_relay/internal/ratelimit"

	"github.com/rs/cors"
)

// routes wires the API behind CORS, the per-IP limiter and the request
// metrics. /health, /metrics and /ws skip the limiter.
func (c *Controller) routes(limiter *ratelimit.Limiter, allowedOrigins []string) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/register", c.HandleRegister)
	api.HandleFunc("POST /api/disconnect", c.HandleDisconnect)
	api.HandleFunc("POST /api/keepalive", c.HandleKeepalive)
	api.HandleFunc("POST /api/validate", c.HandleValidate)
	api.HandleFunc("POST /api/poll", c.HandlePoll)
	api.HandleFunc("POST /api/signal", c.HandleSignal)
	api.HandleFunc("POST /api/relay", c.HandleRelay)
	api.HandleFunc("GET /api/clients", c.HandleClients)
	api.HandleFunc("POST /api/reconnect", c.HandleReconnect)
	api.HandleFunc("POST /api/terminate", c.HandleTerminate)

	var limited http.Handler = api
	if limiter != nil {
		limited = limiter.Middleware(api)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", limited)
	mux.HandleFunc("GET /ws", c.HandleWS)
	mux.HandleFunc("GET /health", c.HandleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return corsHandler.Handler(metrics.Middleware(mux))
}
