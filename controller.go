package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"

	"sharefast_relay/internal/database"
	"sharefast_relay/internal/directory"
	"sharefast_relay/internal/errs"
	"sharefast_relay/internal/hub"
	"sharefast_relay/internal/relay"
	"sharefast_relay/internal/signaling"
	"sharefast_relay/internal/ticket"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const maxBodyBytes = 16 << 20

type Controller struct {
	ctx       context.Context
	store     *database.Store
	directory *directory.Directory
	signals   *signaling.Channel
	relay     relay.Channel
	hub       *hub.Hub
	tickets   *ticket.Issuer
	validate  *validator.Validate
	upgrader  websocket.Upgrader

	backend       string
	requireTicket bool
}

type ControllerOptions struct {
	Backend        string
	RequireTicket  bool
	AllowedOrigins []string
}

func NewController(
	ctx context.Context,
	store *database.Store,
	dir *directory.Directory,
	signals *signaling.Channel,
	channel relay.Channel,
	h *hub.Hub,
	tickets *ticket.Issuer,
	opts ControllerOptions,
) *Controller {
	return &Controller{
		ctx:       ctx,
		store:     store,
		directory: dir,
		signals:   signals,
		relay:     channel,
		hub:       h,
		tickets:   tickets,
		validate:  newValidator(),
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(opts.AllowedOrigins),
		},
		backend:       opts.Backend,
		requireTicket: opts.RequireTicket,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(r *http.Request) bool {
			return true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

func requestLogger(r *http.Request) *slog.Logger {
	return slog.Default().WithGroup("request").With(
		"request_id", uuid.New().String(),
		"method", r.Method,
		"path", r.URL.Path,
	)
}

func (c *Controller) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write json response", "error", err)
	}
}

func (c *Controller) writeFailure(w http.ResponseWriter, status int, message string) {
	c.writeJSON(w, status, map[string]any{"success": false, "message": message})
}

// decode reads a JSON body into dst and validates it. On failure the
// response has already been written.
func (c *Controller) decode(w http.ResponseWriter, r *http.Request, log *slog.Logger, dst any) bool {
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			log.Error("failed to close request body", "error", err)
		}
	}(r.Body)

	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		log.Debug("invalid json", "error", err)
		c.writeFailure(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	if err := c.validate.Struct(dst); err != nil {
		log.Debug("validation failed", "error", err)
		c.writeFailure(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// storeFailure logs err and answers 503 when the store is down, 500
// otherwise.
func (c *Controller) storeFailure(w http.ResponseWriter, log *slog.Logger, message string, err error) {
	log.Error(message, "error", err)
	status := http.StatusInternalServerError
	if errors.Is(err, errs.ErrStoreUnavailable) {
		status = http.StatusServiceUnavailable
	}
	c.writeFailure(w, status, "Server error occurred")
}

func (c *Controller) HandleWS(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	q := r.URL.Query()
	sessionID, code, mode := q.Get("session_id"), directory.NormalizeCode(q.Get("code")), q.Get("mode")
	if sessionID == "" || code == "" {
		c.writeFailure(w, http.StatusBadRequest, "Missing session_id or code")
		return
	}

	token := q.Get("ticket")
	if token != "" || c.requireTicket {
		claims, err := c.tickets.Verify(token)
		if err != nil || !claims.Matches(sessionID, code, mode) {
			log.Warn("rejected push connection", "session_id", sessionID, "error", err)
			c.writeFailure(w, http.StatusUnauthorized, "Invalid ticket")
			return
		}
		if mode == "" {
			mode = claims.Mode
		}
	}
	if mode == "" {
		mode = database.ModeClient
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("upgrade failed", "error", err)
		return
	}

	c.hub.Attach(conn, sessionID, code, mode)
	log.Info("push connection attached", "session_id", sessionID, "code", code, "mode", mode)
}

func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":  "ok",
		"backend": c.backend,
		"push":    c.hub.Stats(),
	}
	if err := c.store.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	c.writeJSON(w, status, body)
}
