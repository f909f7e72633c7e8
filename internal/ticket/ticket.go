// Package ticket issues the short-lived signed tokens a registered session
// presents when it opens its push connection.
package ticket

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-jose/go-jose/v4"
)

const DefaultTTL = 2 * time.Minute

var (
	ErrInvalid = errors.New("invalid ticket")
	ErrExpired = errors.New("ticket expired")
)

type Claims struct {
	SessionID string `json:"sid"`
	Code      string `json:"code"`
	Mode      string `json:"mode"`
	IssuedAt  int64  `json:"iat"`
	Expiry    int64  `json:"exp"`
}

// Matches reports whether the ticket was issued for this session.
func (c *Claims) Matches(sessionID, code, mode string) bool {
	return c.SessionID == sessionID && c.Code == code && (mode == "" || c.Mode == mode)
}

type Issuer struct {
	key    []byte
	signer jose.Signer
	ttl    time.Duration
	clock  clock.Clock
}

func NewIssuer(secret string, ttl time.Duration, clk clock.Clock) (*Issuer, error) {
	key, err := DeriveSigningKey([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("derive ticket key: %w", err)
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ticket signer: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Issuer{key: key, signer: signer, ttl: ttl, clock: clk}, nil
}

// Issue returns a compact JWS binding the session to its code and mode.
func (i *Issuer) Issue(sessionID, code, mode string) (string, error) {
	now := i.clock.Now()
	payload, err := json.Marshal(Claims{
		SessionID: sessionID,
		Code:      code,
		Mode:      mode,
		IssuedAt:  now.Unix(),
		Expiry:    now.Add(i.ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal ticket claims: %w", err)
	}

	jws, err := i.signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sign ticket: %w", err)
	}
	return jws.CompactSerialize()
}

func (i *Issuer) Verify(token string) (*Claims, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	payload, err := jws.Verify(i.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if i.clock.Now().Unix() >= claims.Expiry {
		return nil, ErrExpired
	}
	return &claims, nil
}
