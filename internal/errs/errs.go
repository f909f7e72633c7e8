// Package errs holds the error taxonomy shared by the directory, the signaling
// channel, the relay backends and the push engine.
package errs

import "errors"

var (
	ErrCodeFormatInvalid  = errors.New("invalid code format - expected word-word, each word 3-15 characters")
	ErrCodeInUse          = errors.New("code already in use")
	ErrInvalidMode        = errors.New("invalid mode - expected client or admin")
	ErrNoPeer             = errors.New("no peer connection found - ensure admin and client are both connected")
	ErrSignalTypeInvalid  = errors.New("invalid signal type")
	ErrMessageTypeInvalid = errors.New("invalid relay message type")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExpired     = errors.New("session expired")

	// ErrPeerTransientlyOffline is not a failure: the payload went to the
	// recipient's buffer instead of a live connection.
	ErrPeerTransientlyOffline = errors.New("peer transiently offline")
	ErrConnectionClosed       = errors.New("connection closed")
)
