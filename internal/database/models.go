package database

// Timestamps are unix milliseconds so ordering and expiry comparisons stay
// plain integer comparisons in SQL.

const (
	ModeClient = "client"
	ModeAdmin  = "admin"
)

// Session is one registered participant, either the screen source (client)
// or the remote controller (admin).
type Session struct {
	SessionID       string  `gorm:"primaryKey;size:64"`
	Code            string  `gorm:"index;size:40;not null"`
	Mode            string  `gorm:"size:10;not null"`
	PeerID          *string `gorm:"index;size:64"`
	IPAddress       string  `gorm:"size:64"`
	Port            int
	Connected       bool
	AllowAutonomous bool
	AdminEmail      *string `gorm:"index;size:255"`
	CreatedAt       int64   `gorm:"autoCreateTime:milli"`
	ExpiresAt       int64   `gorm:"index"`
	LastKeepalive   int64
}

func (s *Session) HasPeer() bool {
	return s.PeerID != nil && *s.PeerID != ""
}

// AdminSession records what an admin needs to reconnect to a client that
// allowed autonomous logon.
type AdminSession struct {
	AdminSessionID string `gorm:"primaryKey;size:64"`
	AdminCode      string `gorm:"size:40"`
	PeerSessionID  string `gorm:"index;size:64"`
	PeerCode       string `gorm:"size:40"`
	PeerIP         string `gorm:"size:64"`
	PeerPort       int
	ConnectedAt    int64
	ExpiresAt      int64 `gorm:"index"`
}

// Signal is a handshake message addressed to SessionID.
type Signal struct {
	ID         uint   `gorm:"primaryKey"`
	SessionID  string `gorm:"index;size:64;not null"`
	Code       string `gorm:"index;size:40"`
	SignalType string `gorm:"size:32;not null"`
	Data       []byte
	CreatedAt  int64 `gorm:"index;autoCreateTime:milli"`
	ReadAt     *int64
}

// RelayMessage is a frame, input or cursor payload addressed to SessionID.
type RelayMessage struct {
	ID          uint   `gorm:"primaryKey"`
	SessionID   string `gorm:"index;size:64;not null"`
	MessageType string `gorm:"size:16;not null"`
	Payload     []byte
	CreatedAt   int64 `gorm:"index;autoCreateTime:milli"`
	ReadAt      *int64
}
