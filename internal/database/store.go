package database

import (
	"context"
	"errors"
	"fmt"

	"sharefast_relay/internal/errs"

	"gorm.io/gorm"
)

// ErrNotFound is returned by single-row getters when no row matches.
var ErrNotFound = errors.New("record not found")

// Store is the durable store used by the directory, the signaling channel and
// the polled relay backend. Every method is a single atomic operation from the
// caller's point of view; multi-step operations go through Transaction.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %w", op, errs.ErrStoreUnavailable, err)
}

// Transaction runs fn against a Store bound to a single transaction. An error
// returned by fn rolls the transaction back and is returned unchanged.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(&Store{db: tx})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return wrap("commit", err)
}

// Ping reports whether the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return wrap("ping", err)
	}
	return wrap("ping", sqlDB.PingContext(ctx))
}

// --------------------------------------------------------------------------------
// Sessions

func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	return wrap("create session", Create(ctx, s.db, sess))
}

func (s *Store) GetSessionByID(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := First[Session](ctx, s.db, "session_id = ?", sessionID)
	if err != nil {
		return nil, wrap("get session", err)
	}
	return &sess, nil
}

// GetActiveSession returns the newest unexpired session holding code. An empty
// mode matches either mode.
func (s *Store) GetActiveSession(ctx context.Context, code, mode string, now int64) (*Session, error) {
	q := s.db.WithContext(ctx).Where("code = ? AND expires_at > ?", code, now)
	if mode != "" {
		q = q.Where("mode = ?", mode)
	}
	var sess Session
	if err := q.Order("created_at DESC").Take(&sess).Error; err != nil {
		return nil, wrap("get session by code", err)
	}
	return &sess, nil
}

// SessionLinkedTo returns the unexpired session whose peer_id points at sessionID.
func (s *Store) SessionLinkedTo(ctx context.Context, sessionID string, now int64) (*Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).
		Where("peer_id = ? AND expires_at > ?", sessionID, now).
		Order("created_at DESC").
		Take(&sess).Error
	if err != nil {
		return nil, wrap("get linked session", err)
	}
	return &sess, nil
}

// OppositeModeSession returns an unexpired session sharing code whose mode
// differs from mode, other than excludeID.
func (s *Store) OppositeModeSession(ctx context.Context, code, excludeID, mode string, now int64) (*Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).
		Where("code = ? AND session_id <> ? AND mode <> ? AND expires_at > ?", code, excludeID, mode, now).
		Order("created_at DESC").
		Take(&sess).Error
	if err != nil {
		return nil, wrap("get opposite session", err)
	}
	return &sess, nil
}

// UpdateSession applies fields (column name to value, nil clears) to one session.
func (s *Store) UpdateSession(ctx context.Context, sessionID string, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&Session{}).Where("session_id = ?", sessionID).Updates(fields)
	if res.Error != nil {
		return wrap("update session", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update session: %w", ErrNotFound)
	}
	return nil
}

// UnlinkPeer marks every session linked to one of peerIDs as disconnected and
// clears the link.
func (s *Store) UnlinkPeer(ctx context.Context, peerIDs ...string) error {
	if len(peerIDs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&Session{}).
		Where("peer_id IN ?", peerIDs).
		Updates(map[string]any{"connected": false, "peer_id": nil}).Error
	return wrap("unlink peer", err)
}

func (s *Store) DeleteSessions(ctx context.Context, sessionIDs ...string) (int64, error) {
	if len(sessionIDs) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("session_id IN ?", sessionIDs).Delete(&Session{})
	return res.RowsAffected, wrap("delete sessions", res.Error)
}

// SessionIDsByCode lists every session id holding code, expired or not. An
// empty mode matches either mode.
func (s *Store) SessionIDsByCode(ctx context.Context, code, mode string) ([]string, error) {
	q := s.db.WithContext(ctx).Model(&Session{}).Where("code = ?", code)
	if mode != "" {
		q = q.Where("mode = ?", mode)
	}
	var ids []string
	if err := q.Pluck("session_id", &ids).Error; err != nil {
		return nil, wrap("list sessions by code", err)
	}
	return ids, nil
}

// StaleSessionIDsByCode lists sessions holding code that have expired by now
// or are linked to peerID.
func (s *Store) StaleSessionIDsByCode(ctx context.Context, code string, now int64, peerID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Session{}).
		Where("code = ?", code).
		Where("expires_at <= ? OR peer_id = ?", now, peerID).
		Pluck("session_id", &ids).Error
	if err != nil {
		return nil, wrap("list stale sessions by code", err)
	}
	return ids, nil
}

func (s *Store) ListExpired(ctx context.Context, now int64) ([]Session, error) {
	var sessions []Session
	err := s.db.WithContext(ctx).Where("expires_at <= ?", now).Find(&sessions).Error
	return sessions, wrap("list expired", err)
}

// ClientFilter narrows ListClients.
type ClientFilter struct {
	Now             int64
	KeepaliveSince  int64
	RegisteredSince int64
	AdminEmail      string
}

// ListClients returns unexpired client sessions that are either fresh or still
// sending keepalives, newest first.
func (s *Store) ListClients(ctx context.Context, f ClientFilter) ([]Session, error) {
	q := s.db.WithContext(ctx).
		Where("mode = ? AND expires_at > ?", ModeClient, f.Now).
		Where("last_keepalive > ? OR (last_keepalive = 0 AND created_at > ?)", f.KeepaliveSince, f.RegisteredSince)
	if f.AdminEmail != "" {
		q = q.Where("admin_email = ?", f.AdminEmail)
	}
	var sessions []Session
	err := q.Order("created_at DESC").Find(&sessions).Error
	return sessions, wrap("list clients", err)
}

// --------------------------------------------------------------------------------
// Admin reconnect entries

func (s *Store) UpsertAdminSession(ctx context.Context, entry *AdminSession) error {
	return wrap("save admin session", s.db.WithContext(ctx).Save(entry).Error)
}

func (s *Store) GetAdminSession(ctx context.Context, adminSessionID string, now int64) (*AdminSession, error) {
	var entry AdminSession
	err := s.db.WithContext(ctx).
		Where("admin_session_id = ? AND expires_at > ?", adminSessionID, now).
		Take(&entry).Error
	if err != nil {
		return nil, wrap("get admin session", err)
	}
	return &entry, nil
}

func (s *Store) RefreshAdminSession(ctx context.Context, adminSessionID string, connectedAt, expiresAt int64) error {
	err := s.db.WithContext(ctx).Model(&AdminSession{}).
		Where("admin_session_id = ?", adminSessionID).
		Updates(map[string]any{"connected_at": connectedAt, "expires_at": expiresAt}).Error
	return wrap("refresh admin session", err)
}

func (s *Store) DeleteAdminSessionsByAdmin(ctx context.Context, adminSessionIDs ...string) error {
	if len(adminSessionIDs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Where("admin_session_id IN ?", adminSessionIDs).Delete(&AdminSession{}).Error
	return wrap("delete admin sessions", err)
}

func (s *Store) DeleteAdminSessionsByPeer(ctx context.Context, peerSessionIDs ...string) error {
	if len(peerSessionIDs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Where("peer_session_id IN ?", peerSessionIDs).Delete(&AdminSession{}).Error
	return wrap("delete admin sessions", err)
}

// --------------------------------------------------------------------------------
// Relay messages

func (s *Store) AppendRelayMessage(ctx context.Context, msg *RelayMessage) error {
	return wrap("append relay message", Create(ctx, s.db, msg))
}

// DrainUnreadRelayMessages returns up to limit unread messages for sessionID,
// oldest first, and marks exactly those rows read.
func (s *Store) DrainUnreadRelayMessages(ctx context.Context, sessionID string, limit int, now int64) ([]RelayMessage, error) {
	var msgs []RelayMessage
	err := s.Transaction(ctx, func(tx *Store) error {
		err := tx.db.Where("session_id = ? AND read_at IS NULL", sessionID).
			Order("created_at ASC, id ASC").
			Limit(limit).
			Find(&msgs).Error
		if err != nil {
			return wrap("select relay messages", err)
		}
		if len(msgs) == 0 {
			return nil
		}
		ids := make([]uint, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		err = tx.db.Model(&RelayMessage{}).Where("id IN ?", ids).Update("read_at", now).Error
		return wrap("mark relay messages read", err)
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) DeleteRelayMessages(ctx context.Context, sessionIDs ...string) (int64, error) {
	if len(sessionIDs) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("session_id IN ?", sessionIDs).Delete(&RelayMessage{})
	return res.RowsAffected, wrap("delete relay messages", res.Error)
}

// DeleteRelayMessagesBefore removes relay rows created before cutoff, read or not.
func (s *Store) DeleteRelayMessagesBefore(ctx context.Context, cutoff int64) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&RelayMessage{})
	return res.RowsAffected, wrap("evict relay messages", res.Error)
}

// --------------------------------------------------------------------------------
// Signals

func (s *Store) AppendSignal(ctx context.Context, sig *Signal) error {
	return wrap("append signal", Create(ctx, s.db, sig))
}

// DrainNewestUnreadSignal returns the most recently created unread signal for
// sessionID and marks it read along with every older unread signal it
// supersedes. It returns nil, nil when there is none.
func (s *Store) DrainNewestUnreadSignal(ctx context.Context, sessionID string, now int64) (*Signal, error) {
	var sig *Signal
	err := s.Transaction(ctx, func(tx *Store) error {
		var row Signal
		err := tx.db.Where("session_id = ? AND read_at IS NULL", sessionID).
			Order("created_at DESC, id DESC").
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return wrap("select signal", err)
		}
		err = tx.db.Model(&Signal{}).
			Where("session_id = ? AND read_at IS NULL AND created_at <= ?", sessionID, row.CreatedAt).
			Update("read_at", now).Error
		if err != nil {
			return wrap("mark signal read", err)
		}
		row.ReadAt = &now
		sig = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// PruneSignals keeps only the keepLast most recent signals for sessionID.
func (s *Store) PruneSignals(ctx context.Context, sessionID string, keepLast int) (int64, error) {
	db := s.db.WithContext(ctx)
	keep := db.Model(&Signal{}).
		Select("id").
		Where("session_id = ?", sessionID).
		Order("created_at DESC, id DESC").
		Limit(keepLast)
	res := db.Where("session_id = ? AND id NOT IN (?)", sessionID, keep).Delete(&Signal{})
	return res.RowsAffected, wrap("prune signals", res.Error)
}

// DeleteSignals removes signals addressed to any of sessionIDs or tagged with code.
func (s *Store) DeleteSignals(ctx context.Context, code string, sessionIDs ...string) (int64, error) {
	q := s.db.WithContext(ctx)
	switch {
	case code != "" && len(sessionIDs) > 0:
		q = q.Where("session_id IN ? OR code = ?", sessionIDs, code)
	case code != "":
		q = q.Where("code = ?", code)
	case len(sessionIDs) > 0:
		q = q.Where("session_id IN ?", sessionIDs)
	default:
		return 0, nil
	}
	res := q.Delete(&Signal{})
	return res.RowsAffected, wrap("delete signals", res.Error)
}

func (s *Store) DeleteSignalsBefore(ctx context.Context, cutoff int64) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&Signal{})
	return res.RowsAffected, wrap("evict signals", res.Error)
}
