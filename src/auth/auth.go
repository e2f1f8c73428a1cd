// Package auth verifies the time-bounded HMAC tokens that gate message
// handling when the server runs with authentication required.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTokenTTL is how long a token is accepted after issuance.
const DefaultTokenTTL = 5 * time.Minute

// Gate verifies bearer tokens of the form "marketId:issuedAtMs:hmacHex".
// The signature covers "marketId:issuedAtMs" with the shared secret. This
// is a lightweight capability bearer, not a session system.
type Gate struct {
	secret   []byte
	required bool
	ttl      time.Duration
}

// New creates a Gate. When required is false the gate accepts every
// connection immediately and VerifyToken is never consulted.
func New(secret string, required bool, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Gate{secret: []byte(secret), required: required, ttl: ttl}
}

// Required reports whether connections must authenticate.
func (g *Gate) Required() bool { return g.required }

// VerifyToken checks format, freshness and signature at the given time.
func (g *Gate) VerifyToken(token string, now time.Time) error {
	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return fmt.Errorf("malformed token: want market:ts:sig")
	}
	market, tsStr, sigHex := parts[0], parts[1], parts[2]
	if market == "" {
		return fmt.Errorf("malformed token: empty market")
	}

	issuedMs, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed token timestamp: %w", err)
	}
	age := now.Sub(time.UnixMilli(issuedMs))
	if age > g.ttl {
		return fmt.Errorf("token expired: issued %s ago", age.Truncate(time.Second))
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("malformed token signature: %w", err)
	}
	if !hmac.Equal(sig, g.sign(market, issuedMs)) {
		return fmt.Errorf("invalid token signature")
	}
	return nil
}

// IssueToken mints a token for a market at the given time. Used by the
// operator tooling and by tests; the server itself only verifies.
func (g *Gate) IssueToken(marketID string, now time.Time) string {
	ts := now.UnixMilli()
	return fmt.Sprintf("%s:%d:%s", marketID, ts, hex.EncodeToString(g.sign(marketID, ts)))
}

func (g *Gate) sign(market string, issuedMs int64) []byte {
	mac := hmac.New(sha256.New, g.secret)
	fmt.Fprintf(mac, "%s:%d", market, issuedMs)
	return mac.Sum(nil)
}
