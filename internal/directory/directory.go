// Package directory keeps the session records that pair a client with an
// admin under a shared code and answers "who is my current peer".
package directory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"sharefast_relay/internal/database"
	"sharefast_relay/internal/errs"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const (
	DefaultSessionTTL = 10 * time.Minute
	DefaultPort       = 8765

	keepaliveWindow    = 60 * time.Second
	registrationWindow = 120 * time.Second
)

type Config struct {
	SessionTTL  time.Duration
	DefaultPort int
}

type Directory struct {
	store *database.Store
	clock clock.Clock
	cfg   Config
}

func New(store *database.Store, cfg Config, clk clock.Clock) *Directory {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.DefaultPort <= 0 {
		cfg.DefaultPort = DefaultPort
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Directory{store: store, clock: clk, cfg: cfg}
}

type RegisterRequest struct {
	Code            string
	Mode            string
	IPAddress       string
	Port            int
	AllowAutonomous bool
	AdminEmail      string
}

// Registration is the outcome of Register. The peer fields are only set when
// an admin was linked to an existing client.
type Registration struct {
	SessionID       string
	Code            string
	Linked          bool
	PeerID          string
	PeerIP          string
	PeerPort        int
	AllowAutonomous bool
	// Superseded lists earlier admin sessions for the code that were dropped.
	Superseded []string
}

type Reconnect struct {
	Allowed        bool
	AdminSessionID string
	PeerIP         string
	PeerPort       int
	PeerSessionID  string
	PeerCode       string
}

type CodeStatus struct {
	Valid   bool
	Message string
}

type ClientInfo struct {
	Code            string `json:"code"`
	SessionID       string `json:"session_id"`
	CreatedAt       int64  `json:"created_at"`
	ExpiresAt       int64  `json:"expires_at"`
	IPAddress       string `json:"ip_address"`
	Port            int    `json:"port"`
	AllowAutonomous bool   `json:"allow_autonomous"`
	Connected       bool   `json:"connected"`
	TimeRemaining   int64  `json:"time_remaining"`
}

type Termination struct {
	SessionIDs    []string
	Sessions      int
	RelayMessages int64
	Signals       int64
}

func newSessionID() string {
	return "session_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (d *Directory) now() time.Time {
	return d.clock.Now()
}

func (d *Directory) expiry(now time.Time) int64 {
	return now.Add(d.cfg.SessionTTL).UnixMilli()
}

func notFound(err error) bool {
	return errors.Is(err, database.ErrNotFound)
}

// Register creates a session for code. A second client on a live code fails
// with ErrCodeInUse; an admin on a live client code is linked to that client.
func (d *Directory) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	code := NormalizeCode(req.Code)
	if !ValidCodeFormat(code) {
		return nil, errs.ErrCodeFormatInvalid
	}
	if req.Mode != database.ModeClient && req.Mode != database.ModeAdmin {
		return nil, errs.ErrInvalidMode
	}
	port := req.Port
	if port <= 0 {
		port = d.cfg.DefaultPort
	}

	now := d.now()
	sess := &database.Session{
		SessionID:       newSessionID(),
		Code:            code,
		Mode:            req.Mode,
		IPAddress:       req.IPAddress,
		Port:            port,
		AllowAutonomous: req.AllowAutonomous,
		CreatedAt:       now.UnixMilli(),
		ExpiresAt:       d.expiry(now),
	}
	if req.Mode == database.ModeClient && strings.TrimSpace(req.AdminEmail) != "" {
		email := strings.ToLower(strings.TrimSpace(req.AdminEmail))
		sess.AdminEmail = &email
	}

	reg := &Registration{SessionID: sess.SessionID, Code: code}
	err := d.store.Transaction(ctx, func(tx *database.Store) error {
		client, err := tx.GetActiveSession(ctx, code, database.ModeClient, now.UnixMilli())
		if err != nil && !notFound(err) {
			return err
		}

		if req.Mode == database.ModeClient {
			if client != nil {
				return errs.ErrCodeInUse
			}
			return tx.CreateSession(ctx, sess)
		}

		superseded, err := tx.SessionIDsByCode(ctx, code, database.ModeAdmin)
		if err != nil {
			return err
		}
		if len(superseded) > 0 {
			if err := releaseAll(ctx, tx, "", superseded); err != nil {
				return err
			}
			if err := tx.UnlinkPeer(ctx, superseded...); err != nil {
				return err
			}
			reg.Superseded = superseded
		}

		if client == nil {
			return tx.CreateSession(ctx, sess)
		}

		clientID := client.SessionID
		sess.PeerID = &clientID
		sess.Connected = true
		if err := tx.CreateSession(ctx, sess); err != nil {
			return err
		}
		err = tx.UpdateSession(ctx, clientID, map[string]any{
			"peer_id":   sess.SessionID,
			"connected": true,
		})
		if err != nil {
			return err
		}

		if client.AllowAutonomous {
			err := tx.UpsertAdminSession(ctx, &database.AdminSession{
				AdminSessionID: sess.SessionID,
				AdminCode:      code,
				PeerSessionID:  clientID,
				PeerCode:       client.Code,
				PeerIP:         client.IPAddress,
				PeerPort:       client.Port,
				ConnectedAt:    now.UnixMilli(),
				ExpiresAt:      d.expiry(now),
			})
			if err != nil {
				return err
			}
		}

		reg.Linked = true
		reg.PeerID = clientID
		reg.PeerIP = client.IPAddress
		reg.PeerPort = client.Port
		reg.AllowAutonomous = client.AllowAutonomous
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("session registered",
		"session_id", reg.SessionID,
		"code", code,
		"mode", req.Mode,
		"linked", reg.Linked,
		"peer_id", reg.PeerID,
	)
	return reg, nil
}

// Query resolves the current peer of sessionID. The order is fixed: the
// session's own peer_id, then a session whose peer_id points back at it, then
// an unexpired session of the opposite mode holding the same code. A fallback
// hit is written back to the caller's peer_id so retries resolve directly.
// An empty result means no peer is known yet.
func (d *Directory) Query(ctx context.Context, sessionID, code string) (string, error) {
	now := d.now().UnixMilli()
	code = NormalizeCode(code)

	self, err := d.store.GetSessionByID(ctx, sessionID)
	if err != nil && !notFound(err) {
		return "", err
	}

	if self != nil && self.HasPeer() {
		peer, err := d.store.GetSessionByID(ctx, *self.PeerID)
		switch {
		case err == nil && peer.ExpiresAt > now:
			return peer.SessionID, nil
		case err != nil && !notFound(err):
			return "", err
		}
	}

	linked, err := d.store.SessionLinkedTo(ctx, sessionID, now)
	if err == nil {
		return linked.SessionID, d.adopt(ctx, self, linked.SessionID)
	}
	if !notFound(err) {
		return "", err
	}

	if self == nil {
		return "", nil
	}
	if code == "" {
		code = self.Code
	}
	opposite, err := d.store.OppositeModeSession(ctx, code, sessionID, self.Mode, now)
	if err == nil {
		return opposite.SessionID, d.adopt(ctx, self, opposite.SessionID)
	}
	if !notFound(err) {
		return "", err
	}
	return "", nil
}

func (d *Directory) adopt(ctx context.Context, self *database.Session, peerID string) error {
	if self == nil || (self.HasPeer() && *self.PeerID == peerID) {
		return nil
	}
	err := d.store.UpdateSession(ctx, self.SessionID, map[string]any{
		"peer_id":   peerID,
		"connected": true,
	})
	if notFound(err) {
		return nil
	}
	return err
}

// Keepalive extends a client session (and the admin linked to it) by one TTL.
// A non-empty ip or positive port replaces the recorded address.
func (d *Directory) Keepalive(ctx context.Context, sessionID, code, ip string, port int) error {
	now := d.now()
	code = NormalizeCode(code)

	return d.store.Transaction(ctx, func(tx *database.Store) error {
		sess, err := tx.GetSessionByID(ctx, sessionID)
		if notFound(err) {
			return errs.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		if sess.Mode != database.ModeClient || sess.Code != code {
			return errs.ErrSessionNotFound
		}
		if sess.ExpiresAt <= now.UnixMilli() {
			return errs.ErrSessionExpired
		}

		fields := map[string]any{
			"last_keepalive": now.UnixMilli(),
			"expires_at":     d.expiry(now),
		}
		if ip != "" {
			fields["ip_address"] = ip
		}
		if port > 0 {
			fields["port"] = port
		}
		if err := tx.UpdateSession(ctx, sessionID, fields); err != nil {
			return err
		}

		if sess.HasPeer() {
			err := tx.UpdateSession(ctx, *sess.PeerID, map[string]any{"expires_at": d.expiry(now)})
			if err != nil && !notFound(err) {
				return err
			}
		}
		return nil
	})
}

// Disconnect ends a session. An admin leaving only removes its own records and
// unlinks the client; a client leaving tears down the whole pairing. It
// returns the ids whose relay state should be purged; an unknown session is
// treated as already disconnected.
func (d *Directory) Disconnect(ctx context.Context, sessionID, code string) ([]string, error) {
	var removed []string
	err := d.store.Transaction(ctx, func(tx *database.Store) error {
		sess, err := tx.GetSessionByID(ctx, sessionID)
		if notFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		removed, err = release(ctx, tx, sess, d.now().UnixMilli())
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		slog.Info("session disconnected", "session_id", sessionID, "code", NormalizeCode(code), "removed", len(removed))
	}
	return removed, nil
}

// release removes sess and whatever depends on it inside tx. When the code
// has been reissued to a live client, a stale client only takes down
// sessions that are expired or still linked to it.
func release(ctx context.Context, tx *database.Store, sess *database.Session, now int64) ([]string, error) {
	if sess.Mode == database.ModeAdmin {
		ids := []string{sess.SessionID}
		if err := releaseAll(ctx, tx, "", ids); err != nil {
			return nil, err
		}
		if err := tx.UnlinkPeer(ctx, sess.SessionID); err != nil {
			return nil, err
		}
		return ids, nil
	}

	live, err := tx.GetActiveSession(ctx, sess.Code, database.ModeClient, now)
	if err != nil && !notFound(err) {
		return nil, err
	}
	if live != nil && live.SessionID != sess.SessionID {
		more, err := tx.StaleSessionIDsByCode(ctx, sess.Code, now, sess.SessionID)
		if err != nil {
			return nil, err
		}
		ids := dedupe(append([]string{sess.SessionID}, more...))
		if err := tx.DeleteAdminSessionsByPeer(ctx, ids...); err != nil {
			return nil, err
		}
		if err := releaseAll(ctx, tx, "", ids); err != nil {
			return nil, err
		}
		return ids, nil
	}

	ids := []string{sess.SessionID}
	if sess.HasPeer() {
		ids = append(ids, *sess.PeerID)
	}
	for _, mode := range []string{database.ModeAdmin, database.ModeClient} {
		more, err := tx.SessionIDsByCode(ctx, sess.Code, mode)
		if err != nil {
			return nil, err
		}
		ids = append(ids, more...)
	}
	ids = dedupe(ids)
	if err := tx.DeleteAdminSessionsByPeer(ctx, ids...); err != nil {
		return nil, err
	}
	if err := releaseAll(ctx, tx, sess.Code, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// releaseAll deletes the sessions and every signal, relay row and reconnect
// entry addressed to them (or, when code is set, tagged with code).
func releaseAll(ctx context.Context, tx *database.Store, code string, ids []string) error {
	if _, err := tx.DeleteSignals(ctx, code, ids...); err != nil {
		return err
	}
	if _, err := tx.DeleteRelayMessages(ctx, ids...); err != nil {
		return err
	}
	if err := tx.DeleteAdminSessionsByAdmin(ctx, ids...); err != nil {
		return err
	}
	_, err := tx.DeleteSessions(ctx, ids...)
	return err
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ReconnectAutonomous hands an admin the connection details of the client it
// was last linked to, provided that client still allows autonomous logon.
func (d *Directory) ReconnectAutonomous(ctx context.Context, adminSessionID string) (*Reconnect, error) {
	now := d.now()
	denied := &Reconnect{Allowed: false}

	entry, err := d.store.GetAdminSession(ctx, adminSessionID, now.UnixMilli())
	if notFound(err) {
		return denied, nil
	}
	if err != nil {
		return nil, err
	}

	client, err := d.store.GetSessionByID(ctx, entry.PeerSessionID)
	if notFound(err) {
		return denied, nil
	}
	if err != nil {
		return nil, err
	}
	if client.ExpiresAt <= now.UnixMilli() || !client.AllowAutonomous {
		return denied, nil
	}

	if err := d.store.RefreshAdminSession(ctx, adminSessionID, now.UnixMilli(), d.expiry(now)); err != nil {
		return nil, err
	}

	rc := &Reconnect{
		Allowed:        true,
		AdminSessionID: entry.AdminSessionID,
		PeerIP:         entry.PeerIP,
		PeerPort:       entry.PeerPort,
		PeerSessionID:  entry.PeerSessionID,
		PeerCode:       entry.PeerCode,
	}
	if rc.PeerIP == "" {
		rc.PeerIP = client.IPAddress
	}
	if rc.PeerPort == 0 {
		rc.PeerPort = client.Port
	}
	return rc, nil
}

// ValidateCode reports whether an admin could connect to code right now.
func (d *Directory) ValidateCode(ctx context.Context, code string) (*CodeStatus, error) {
	code = NormalizeCode(code)
	if !ValidCodeFormat(code) {
		return nil, errs.ErrCodeFormatInvalid
	}
	now := d.now().UnixMilli()

	client, err := d.store.GetActiveSession(ctx, code, database.ModeClient, now)
	if notFound(err) {
		if _, err := d.store.GetActiveSession(ctx, code, "", now); err == nil {
			return &CodeStatus{Valid: false, Message: "Invalid code type"}, nil
		} else if !notFound(err) {
			return nil, err
		}
		return &CodeStatus{Valid: false, Message: "Code not found"}, nil
	}
	if err != nil {
		return nil, err
	}
	if client.Connected {
		return &CodeStatus{Valid: false, Message: "Code already in use"}, nil
	}
	return &CodeStatus{Valid: true, Message: "Code is valid"}, nil
}

// ListClients returns clients an admin could pick: unexpired and either
// registered recently or still sending keepalives, one entry per code.
func (d *Directory) ListClients(ctx context.Context, adminEmail string) ([]ClientInfo, error) {
	now := d.now()
	sessions, err := d.store.ListClients(ctx, database.ClientFilter{
		Now:             now.UnixMilli(),
		KeepaliveSince:  now.Add(-keepaliveWindow).UnixMilli(),
		RegisteredSince: now.Add(-registrationWindow).UnixMilli(),
		AdminEmail:      strings.ToLower(strings.TrimSpace(adminEmail)),
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(sessions))
	clients := make([]ClientInfo, 0, len(sessions))
	for _, s := range sessions {
		if seen[s.Code] {
			continue
		}
		seen[s.Code] = true
		clients = append(clients, ClientInfo{
			Code:            s.Code,
			SessionID:       s.SessionID,
			CreatedAt:       s.CreatedAt / 1000,
			ExpiresAt:       s.ExpiresAt / 1000,
			IPAddress:       s.IPAddress,
			Port:            s.Port,
			AllowAutonomous: s.AllowAutonomous,
			Connected:       s.Connected,
			TimeRemaining:   max(0, (s.ExpiresAt-now.UnixMilli())/1000),
		})
	}
	return clients, nil
}

// Terminate removes every session, signal and relay row for code.
func (d *Directory) Terminate(ctx context.Context, code string) (*Termination, error) {
	code = NormalizeCode(code)
	t := &Termination{}
	err := d.store.Transaction(ctx, func(tx *database.Store) error {
		ids, err := tx.SessionIDsByCode(ctx, code, "")
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if t.RelayMessages, err = tx.DeleteRelayMessages(ctx, ids...); err != nil {
			return err
		}
		if t.Signals, err = tx.DeleteSignals(ctx, code, ids...); err != nil {
			return err
		}
		if err := tx.DeleteAdminSessionsByPeer(ctx, ids...); err != nil {
			return err
		}
		if err := tx.DeleteAdminSessionsByAdmin(ctx, ids...); err != nil {
			return err
		}
		n, err := tx.DeleteSessions(ctx, ids...)
		if err != nil {
			return err
		}
		t.Sessions = int(n)
		t.SessionIDs = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("code terminated", "code", code, "sessions", t.Sessions, "signals", t.Signals, "relay_messages", t.RelayMessages)
	return t, nil
}

// Sweep releases every expired session the same way Disconnect would and
// returns the ids whose relay state should be purged.
func (d *Directory) Sweep(ctx context.Context) ([]string, error) {
	now := d.now().UnixMilli()
	expired, err := d.store.ListExpired(ctx, now)
	if err != nil {
		return nil, err
	}

	var removed []string
	for i := range expired {
		err := d.store.Transaction(ctx, func(tx *database.Store) error {
			// An earlier cascade in this sweep may already have taken it.
			sess, err := tx.GetSessionByID(ctx, expired[i].SessionID)
			if notFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			ids, err := release(ctx, tx, sess, now)
			removed = append(removed, ids...)
			return err
		})
		if err != nil {
			return removed, err
		}
	}
	if len(removed) > 0 {
		slog.Info("expired sessions swept", "removed", len(removed))
	}
	return removed, nil
}
