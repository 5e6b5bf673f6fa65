package privileged

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Grant verification reason codes.
const (
	ReasonGrantRequired       = "grant_required"
	ReasonGrantInvalid        = "grant_invalid"
	ReasonGrantExpired        = "grant_expired"
	ReasonGrantReplayed       = "token_replayed"
	ReasonGrantUserMismatch   = "grant_user_mismatch"
	ReasonGrantActionMismatch = "grant_action_mismatch"
)

const minGrantTTL = 5 * time.Second

// GrantClaims are the signed claims of a one-shot grant token.
type GrantClaims struct {
	UID   string `json:"uid"`
	Act   string `json:"act"`
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

// GrantSigner issues and verifies single-use HS256 grant tokens. The
// wire format is a compact JWS with typ SYSGRANT.
type GrantSigner struct {
	secret []byte
	ttl    time.Duration

	mu     sync.Mutex
	nonces map[string]time.Time // nonce -> exp
	now    func() time.Time
}

// NewGrantSigner builds a signer. TTL is clamped to at least 5s.
func NewGrantSigner(secret string, ttl time.Duration) *GrantSigner {
	if ttl < minGrantTTL {
		ttl = minGrantTTL
	}
	return &GrantSigner{
		secret: []byte(secret),
		ttl:    ttl,
		nonces: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Issue signs a grant for the user and action payload.
func (g *GrantSigner) Issue(userID string, action map[string]any) (string, error) {
	hash, err := ActionHash(action)
	if err != nil {
		return "", err
	}
	now := g.now()
	claims := GrantClaims{
		UID:   userID,
		Act:   hash,
		Nonce: uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["typ"] = "SYSGRANT"
	token.Header["v"] = 1
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("sign grant: %w", err)
	}
	return signed, nil
}

// Verify checks the token against the expected user and action. With
// consume=true the nonce is burned so a second verify reports
// token_replayed until the grant expires.
func (g *GrantSigner) Verify(tokenStr, userID string, action map[string]any, consume bool) (bool, string, *GrantClaims) {
	claims := &GrantClaims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithTimeFunc(g.now), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		if claims.ExpiresAt != nil && g.now().After(claims.ExpiresAt.Time) {
			return false, ReasonGrantExpired, nil
		}
		return false, ReasonGrantInvalid, nil
	}
	if typ, _ := parsed.Header["typ"].(string); typ != "SYSGRANT" {
		return false, ReasonGrantInvalid, nil
	}
	if claims.UID != userID {
		return false, ReasonGrantUserMismatch, nil
	}
	hash, err := ActionHash(action)
	if err != nil || hash != claims.Act {
		return false, ReasonGrantActionMismatch, nil
	}
	if claims.Nonce == "" || claims.ExpiresAt == nil {
		return false, ReasonGrantInvalid, nil
	}

	if consume {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.reapLocked()
		if _, seen := g.nonces[claims.Nonce]; seen {
			return false, ReasonGrantReplayed, nil
		}
		g.nonces[claims.Nonce] = claims.ExpiresAt.Time
	}
	return true, ReasonOK, claims
}

// reapLocked drops nonces whose grants have expired; replay of an
// expired token already fails the exp check.
func (g *GrantSigner) reapLocked() {
	now := g.now()
	for nonce, exp := range g.nonces {
		if now.After(exp) {
			delete(g.nonces, nonce)
		}
	}
}
