package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avelys/watchline/internal/core"
	"github.com/avelys/watchline/internal/domain"
)

// AuthGate decides whether a session attempt may proceed. Monitoring
// kinds are gated to the privileged role; call kinds only need a valid
// identity. Every attempt re-evaluates against the directory so a
// revoked privilege takes effect on the next attempt, not after a
// restart.
type AuthGate struct {
	Identity  core.IdentityProvider
	Directory core.DirectoryLookup
}

func NewAuthGate(ids core.IdentityProvider, dir core.DirectoryLookup) *AuthGate {
	return &AuthGate{Identity: ids, Directory: dir}
}

// Authorize evaluates the local identity for an outbound attempt. A
// denied result carries Authorized=false and no side effects; the
// caller must abort before any signaling is sent.
func (g *AuthGate) Authorize(ctx context.Context, kind domain.SessionKind) (core.AuthContext, error) {
	res := core.AuthContext{EvaluatedAt: time.Now()}

	ident := g.Identity.CurrentIdentity()
	if ident == nil {
		log.Warn().Str("module", "app.authgate").Str("kind", string(kind)).Msg("no current identity")
		return res, core.ErrAuthorizationDenied
	}

	role, err := g.Directory.RoleFor(ctx, ident.ID)
	if err != nil {
		log.Warn().Str("module", "app.authgate").Str("id", string(ident.ID)).Err(err).Msg("role lookup failed")
		return res, core.ErrAuthorizationDenied
	}
	res.Role = role
	res.Fingerprint = g.Identity.CredentialFingerprint()

	if kind.IsMonitoring() && !role.CanMonitor() {
		log.Warn().
			Str("module", "app.authgate").
			Str("id", string(ident.ID)).
			Str("role", string(role)).
			Str("kind", string(kind)).
			Msg("monitoring denied")
		return res, core.ErrAuthorizationDenied
	}

	res.Authorized = true
	return res, nil
}

// ValidateInbound is the responder-side check on a received offer. It
// never publishes anything: an invalid monitoring request is simply
// ignored so an unauthorized prober learns nothing about this endpoint.
func (g *AuthGate) ValidateInbound(ctx context.Context, env core.Envelope) bool {
	if env.From == "" {
		return false
	}

	role, err := g.Directory.RoleFor(ctx, env.From)
	if err != nil {
		if !errors.Is(err, domain.ErrRoleNotFound) {
			log.Warn().Str("module", "app.authgate").Str("from", string(env.From)).Err(err).Msg("inbound role lookup failed")
		}
		return false
	}

	if env.Kind.IsMonitoring() {
		if env.AuthFingerprint == "" {
			return false
		}
		return role.CanMonitor()
	}
	return true
}
