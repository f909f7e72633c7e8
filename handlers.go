package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"sharefast_relay/internal/config"
	"sharefast_relay/internal/directory"
	"sharefast_relay/internal/errs"
	"sharefast_relay/internal/metrics"
	"sharefast_relay/internal/ratelimit"
	"sharefast_relay/internal/relay"
)

func (c *Controller) HandleRegister(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	var req RegisterRequest
	if !c.decode(w, r, log, &req) {
		return
	}

	if req.Mode == "query" {
		c.handleQuery(w, r, log, req)
		return
	}

	ip := req.PeerIP
	if ip == "" {
		ip = ratelimit.ClientIP(r)
	}

	reg, err := c.directory.Register(r.Context(), directory.RegisterRequest{
		Code:            req.Code,
		Mode:            req.Mode,
		IPAddress:       ip,
		Port:            req.PeerPort,
		AllowAutonomous: req.AllowAutonomous,
		AdminEmail:      req.AdminEmail,
	})
	switch {
	case errors.Is(err, errs.ErrCodeFormatInvalid), errors.Is(err, errs.ErrInvalidMode):
		metrics.TrackRegistration(req.Mode, "rejected")
		c.writeFailure(w, http.StatusBadRequest, "Invalid code or mode - "+err.Error())
		return
	case errors.Is(err, errs.ErrCodeInUse):
		metrics.TrackRegistration(req.Mode, "rejected")
		c.writeFailure(w, http.StatusConflict, "Code already in use")
		return
	case err != nil:
		c.storeFailure(w, log, "registration failed", err)
		return
	}

	if len(reg.Superseded) > 0 {
		c.purge(r.Context(), log, reg.Superseded)
	}

	token, err := c.tickets.Issue(reg.SessionID, reg.Code, req.Mode)
	if err != nil {
		log.Error("failed to issue connect ticket", "error", err)
		c.writeFailure(w, http.StatusInternalServerError, "Server error occurred")
		return
	}

	resp := map[string]any{
		"success":    true,
		"session_id": reg.SessionID,
		"code":       reg.Code,
		"mode":       req.Mode,
		"ticket":     token,
	}
	if reg.Linked {
		metrics.TrackRegistration(req.Mode, "linked")
		resp["message"] = "Connected to client"
		resp["peer_id"] = reg.PeerID
		resp["peer_ip"] = reg.PeerIP
		resp["peer_port"] = reg.PeerPort
		resp["allow_autonomous"] = reg.AllowAutonomous
	} else {
		metrics.TrackRegistration(req.Mode, "created")
		resp["message"] = "Session registered"
		resp["peer_id"] = nil
	}
	c.writeJSON(w, http.StatusOK, resp)
}

func (c *Controller) handleQuery(w http.ResponseWriter, r *http.Request, log *slog.Logger, req RegisterRequest) {
	peerID, err := c.directory.Query(r.Context(), req.SessionID, req.Code)
	if err != nil {
		c.storeFailure(w, log, "peer query failed", err)
		return
	}
	var peer any
	if peerID != "" {
		peer = peerID
	}
	c.writeJSON(w, http.StatusOK, map[string]any{"success": true, "peer_id": peer})
}

func (c *Controller) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	var req SessionRequest
	if !c.decode(w, r, log, &req) {
		return
	}

	removed, err := c.directory.Disconnect(r.Context(), req.SessionID, req.Code)
	if err != nil {
		c.storeFailure(w, log, "disconnect failed", err)
		return
	}
	c.purge(r.Context(), log, removed)
	c.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Disconnected"})
}

func (c *Controller) HandleKeepalive(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	var req KeepaliveRequest
	if !c.decode(w, r, log, &req) {
		return
	}

	err := c.directory.Keepalive(r.Context(), req.SessionID, req.Code, req.PeerIP, req.PeerPort)
	switch {
	case errors.Is(err, errs.ErrSessionNotFound), errors.Is(err, errs.ErrSessionExpired):
		c.writeFailure(w, http.StatusNotFound, "Session not found")
		return
	case err != nil:
		c.storeFailure(w, log, "keepalive failed", err)
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Keepalive received",
		"active":  true,
	})
}

func (c *Controller) HandleValidate(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	var req ValidateRequest
	if !c.decode(w, r, log, &req) {
		return
	}

	status, err := c.directory.ValidateCode(r.Context(), req.Code)
	switch {
	case errors.Is(err, errs.ErrCodeFormatInvalid):
		c.writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"valid":   false,
			"message": "Invalid code format - expected word-word format (e.g., happy-cloud)",
		})
		return
	case err != nil:
		c.storeFailure(w, log, "code validation failed", err)
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"valid":   status.Valid,
		"message": status.Message,
	})
}

func (c *Controller) HandlePoll(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	var req SessionRequest
	if !c.decode(w, r, log, &req) {
		return
	}

	sig, err := c.signals.Poll(r.Context(), req.SessionID)
	if err != nil {
		c.storeFailure(w, log, "signal poll failed", err)
		return
	}
	var signal any
	if sig != nil {
		signal = map[string]any{
			"type":       sig.Type,
			"data":       sig.Data,
			"created_at": sig.CreatedAt.Unix(),
		}
	}
	c.writeJSON(w, http.StatusOK, map[string]any{"success": true, "signal": signal})
}

func (c *Controller) HandleSignal(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	var req SignalRequest
	if !c.decode(w, r, log, &req) {
		return
	}

	err := c.signals.Send(r.Context(), req.SessionID, req.Code, req.Type, req.Data)
	switch {
	case errors.Is(err, errs.ErrSignalTypeInvalid):
		c.writeFailure(w, http.StatusBadRequest, "Invalid signal type")
		return
	case errors.Is(err, errs.ErrNoPeer):
		c.writeFailure(w, http.StatusConflict, "No peer connection found")
		return
	case err != nil:
		c.storeFailure(w, log, "signal send failed", err)
		return
	}
	metrics.TrackSignal(req.Type)
	c.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Signal stored"})
}

func (c *Controller) HandleRelay(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	var req RelayRequest
	if !c.decode(w, r, log, &req) {
		return
	}

	if req.Action == "receive" {
		c.relayReceive(w, r, log, req)
		return
	}

	payload, err := decodePayload(req.Data)
	if err != nil {
		c.writeFailure(w, http.StatusBadRequest, "Invalid data")
		return
	}

	err = c.relay.Send(r.Context(), req.SessionID, req.Code, relay.MessageType(req.Type), payload)
	switch {
	case errors.Is(err, errs.ErrMessageTypeInvalid):
		c.writeFailure(w, http.StatusBadRequest, "Invalid message type")
		return
	case errors.Is(err, errs.ErrNoPeer):
		c.writeFailure(w, http.StatusConflict, "No peer connection found - ensure admin and client are both connected")
		return
	case errors.Is(err, errs.ErrSessionNotFound):
		c.writeFailure(w, http.StatusNotFound, "Session not found")
		return
	case err != nil:
		c.storeFailure(w, log, "relay send failed", err)
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Data relayed"})
}

type relayMessage struct {
	Type      relay.MessageType `json:"type"`
	Data      any               `json:"data"`
	Timestamp int64             `json:"timestamp"`
}

func (c *Controller) relayReceive(w http.ResponseWriter, r *http.Request, log *slog.Logger, req RelayRequest) {
	msgs, err := c.relay.Receive(r.Context(), req.SessionID, req.Code)
	switch {
	case errors.Is(err, errs.ErrSessionNotFound):
		c.writeFailure(w, http.StatusNotFound, "Session not found")
		return
	case err != nil:
		c.storeFailure(w, log, "relay receive failed", err)
		return
	}

	out := make([]relayMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, relayMessage{
			Type:      m.Type,
			Data:      encodePayload(m.Type, m.Payload),
			Timestamp: m.Timestamp.Unix(),
		})
	}
	c.writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"messages": out,
		"count":    len(out),
	})
}

// decodePayload stores a JSON string as its raw bytes and anything else as
// its JSON text.
func decodePayload(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("empty payload")
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// encodePayload is the inverse of decodePayload. Input events that hold a
// JSON object or array come back as JSON; bytes that are not UTF-8 come back
// base64 encoded.
func encodePayload(t relay.MessageType, payload []byte) any {
	if t == relay.Input && json.Valid(payload) {
		trimmed := bytes.TrimSpace(payload)
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
			return json.RawMessage(trimmed)
		}
	}
	if utf8.Valid(payload) {
		return string(payload)
	}
	return base64.StdEncoding.EncodeToString(payload)
}

func (c *Controller) HandleClients(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	email := strings.TrimSpace(r.URL.Query().Get("admin_email"))

	clients, err := c.directory.ListClients(r.Context(), email)
	if err != nil {
		c.storeFailure(w, log, "listing clients failed", err)
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"clients": clients,
		"count":   len(clients),
	})
}

func (c *Controller) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	var req ReconnectRequest
	if !c.decode(w, r, log, &req) {
		return
	}

	rc, err := c.directory.ReconnectAutonomous(r.Context(), req.AdminSessionID)
	if err != nil {
		c.storeFailure(w, log, "reconnect check failed", err)
		return
	}
	if !rc.Allowed {
		c.writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"allowed": false,
			"message": "Autonomous reconnection not allowed",
		})
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"allowed":          true,
		"admin_session_id": rc.AdminSessionID,
		"peer_ip":          rc.PeerIP,
		"peer_port":        rc.PeerPort,
		"peer_session_id":  rc.PeerSessionID,
		"peer_code":        rc.PeerCode,
	})
}

func (c *Controller) HandleTerminate(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	var req TerminateRequest
	if !c.decode(w, r, log, &req) {
		return
	}

	t, err := c.directory.Terminate(r.Context(), req.Code)
	if err != nil {
		c.storeFailure(w, log, "terminate failed", err)
		return
	}
	c.purge(r.Context(), log, t.SessionIDs)
	c.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Session terminated successfully",
		"code":    directory.NormalizeCode(req.Code),
		"deleted": map[string]any{
			"sessions":       t.Sessions,
			"relay_messages": t.RelayMessages,
			"signals":        t.Signals,
		},
	})
}

// purge drops relay state held for removed sessions. The push engine is
// always purged since its connections exist whatever backend serves
// /api/relay.
func (c *Controller) purge(ctx context.Context, log *slog.Logger, sessionIDs []string) {
	if len(sessionIDs) == 0 {
		return
	}
	if err := c.relay.Purge(ctx, sessionIDs...); err != nil {
		log.Warn("failed to purge relay state", "sessions", sessionIDs, "error", err)
	}
	if c.backend != config.BackendPush {
		if err := c.hub.Purge(ctx, sessionIDs...); err != nil {
			log.Warn("failed to purge push state", "sessions", sessionIDs, "error", err)
		}
	}
}
