package core

import (
	"context"
	"time"

	"github.com/avelys/watchline/internal/domain"
)

// IdentityProvider resolves the local endpoint's current identity from
// whatever session/token machinery surrounds the core.
type IdentityProvider interface {
	// CurrentIdentity returns nil when nobody is signed in.
	CurrentIdentity() *domain.Identity
	// CredentialFingerprint is an opaque digest of the current
	// credential, never the raw credential itself.
	CredentialFingerprint() string
}

// DirectoryLookup answers role queries against the employee directory.
type DirectoryLookup interface {
	// RoleFor returns domain.ErrRoleNotFound for unknown identities.
	RoleFor(ctx context.Context, id domain.IdentityID) (domain.Role, error)
}

// AuthContext is the result of one authorization-gate evaluation. It is
// valid for a single negotiation attempt and must not be cached beyond it.
type AuthContext struct {
	Authorized  bool
	Role        domain.Role
	Fingerprint string
	EvaluatedAt time.Time
}

// SessionCallbacks is the typed observer contract a consumer registers
// per session.
type SessionCallbacks struct {
	// OnStream fires once when the remote media stream is available.
	OnStream func(StreamHandle)
	// OnDisconnect fires when an established session ends for any reason.
	OnDisconnect func()
	// OnError surfaces user-facing setup failures (call path only for
	// remote-caused ones).
	OnError func(error)
}

func (c SessionCallbacks) EmitStream(h StreamHandle) {
	if c.OnStream != nil {
		c.OnStream(h)
	}
}

func (c SessionCallbacks) EmitDisconnect() {
	if c.OnDisconnect != nil {
		c.OnDisconnect()
	}
}

func (c SessionCallbacks) EmitError(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}
