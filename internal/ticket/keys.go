package ticket

import (
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

const (
	keySalt = "sharefast-relay"
	keyInfo = "connect-ticket-hs256"
	keyLen  = 32
)

// DeriveSigningKey derives the HS256 key from the configured secret with
// HKDF-SHA256. An empty secret yields a random key, so tickets only verify
// within this process.
func DeriveSigningKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		secret = make([]byte, keyLen)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate ticket secret: %w", err)
		}
	}

	// HKDF-Extract
	prk, err := hkdf.Extract(sha256.New, secret, []byte(keySalt))
	if err != nil {
		return nil, err
	}

	key, err := hkdf.Expand(sha256.New, prk, keyInfo, keyLen)
	if err != nil {
		return nil, err
	}
	return key, nil
}
