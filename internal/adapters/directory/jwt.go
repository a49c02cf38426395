package directory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/avelys/watchline/internal/domain"
)

type agentClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIdentity resolves the local identity from a signed agent token.
// The raw token never leaves this type; callers see only its digest.
type TokenIdentity struct {
	mu          sync.RWMutex
	identity    *domain.Identity
	fingerprint string
	secret      []byte
}

func NewTokenIdentity(secret string) *TokenIdentity {
	return &TokenIdentity{secret: []byte(secret)}
}

// SetToken parses and verifies the token and swaps the current
// identity. An invalid token clears it.
func (p *TokenIdentity) SetToken(raw string) error {
	claims := &agentClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		p.clear()
		return fmt.Errorf("parse agent token: %w", err)
	}

	id, err := domain.NewIdentityID(claims.Subject)
	if err != nil {
		p.clear()
		return fmt.Errorf("agent token subject: %w", err)
	}

	sum := sha256.Sum256([]byte(raw))

	p.mu.Lock()
	p.identity = &domain.Identity{ID: id, Role: domain.Role(claims.Role)}
	p.fingerprint = hex.EncodeToString(sum[:])
	p.mu.Unlock()

	log.Info().Str("module", "directory").Str("identity", string(id)).Msg("agent token accepted")
	return nil
}

func (p *TokenIdentity) clear() {
	p.mu.Lock()
	p.identity = nil
	p.fingerprint = ""
	p.mu.Unlock()
}

func (p *TokenIdentity) CurrentIdentity() *domain.Identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.identity == nil {
		return nil
	}
	ident := *p.identity
	return &ident
}

func (p *TokenIdentity) CredentialFingerprint() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fingerprint
}
