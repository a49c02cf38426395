package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avelys/watchline/internal/core"
	"github.com/avelys/watchline/internal/domain"
)

// Responder is the always-subscribed inbound listener an endpoint runs.
// It stays dormant until a request arrives, validates it, acquires
// local media and answers. Invalid or unauthorized monitoring requests
// are ignored without any reply: answering would confirm this
// endpoint's existence to a prober.
type Responder struct {
	identity   core.IdentityProvider
	gate       *AuthGate
	channels   *ChannelRegistry
	media      core.MediaSource
	transports core.TransportFactory
	cb         core.SessionCallbacks

	// OnIncoming lets a UI ring for call kinds. Monitoring requests
	// never reach it.
	OnIncoming func(from domain.IdentityID, kind domain.SessionKind)

	mu      sync.Mutex
	active  map[inboundKey]*Session
	release func()
}

// inboundKey identifies an inbound session. Keying by initiator alone
// is not enough: one peer may hold a monitoring session and a call with
// this endpoint at the same time.
type inboundKey struct {
	from domain.IdentityID
	kind domain.SessionKind
}

func NewResponder(ids core.IdentityProvider, gate *AuthGate, channels *ChannelRegistry, media core.MediaSource, transports core.TransportFactory, cb core.SessionCallbacks) *Responder {
	return &Responder{
		identity:   ids,
		gate:       gate,
		channels:   channels,
		media:      media,
		transports: transports,
		cb:         cb,
		active:     make(map[inboundKey]*Session),
	}
}

// Listen subscribes the endpoint's request channel and starts serving
// inbound signals. Handlers run in relay arrival order.
func (r *Responder) Listen(ctx context.Context) error {
	ident := r.identity.CurrentIdentity()
	if ident == nil {
		return core.ErrAuthorizationDenied
	}
	handle, release, err := r.channels.Acquire(ctx, core.RequestChannel(ident.ID))
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.release = release
	r.mu.Unlock()
	handle.On(core.SignalEvent, func(payload []byte) { r.dispatch(ctx, payload) })
	log.Info().Str("module", "app.responder").Str("id", string(ident.ID)).Msg("listening")
	return nil
}

func (r *Responder) dispatch(ctx context.Context, payload []byte) {
	env, err := core.DecodeEnvelope(payload)
	if err != nil {
		log.Warn().Str("module", "app.responder").Err(err).Msg("bad envelope")
		return
	}

	switch env.Type {
	case core.TypeOffer:
		r.handleOffer(ctx, env)
	case core.TypeCandidate:
		sess := r.sessionFor(env.From, env.Kind)
		if sess == nil || env.Candidate == nil {
			log.Debug().Str("module", "app.responder").Str("from", string(env.From)).Msg("candidate without session, dropped")
			return
		}
		_ = sess.AddRemoteCandidate(*env.Candidate)
	case core.TypeStop:
		if sess := r.sessionFor(env.From, env.Kind); sess != nil {
			_ = sess.closeInternal(false, nil)
		}
	default:
		log.Debug().Str("module", "app.responder").Str("type", string(env.Type)).Msg("unexpected inbound type")
	}
}

func (r *Responder) sessionFor(from domain.IdentityID, kind domain.SessionKind) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[inboundKey{from: from, kind: kind}]
}

func (r *Responder) handleOffer(ctx context.Context, env core.Envelope) {
	ident := r.identity.CurrentIdentity()
	if ident == nil {
		return
	}

	// A repeated offer of the same kind from the same initiator restarts
	// that session; the initiator's other sessions are untouched.
	if prior := r.sessionFor(env.From, env.Kind); prior != nil {
		_ = prior.Close()
	}

	if !r.gate.ValidateInbound(ctx, env) {
		if env.Kind.IsCall() {
			r.reject(ctx, env, "unauthorized")
		}
		// Monitoring path: no reply of any kind, not even a rejection.
		log.Debug().Str("module", "app.responder").Str("from", string(env.From)).Msg("inbound request rejected")
		return
	}

	if env.Kind.IsCall() && r.OnIncoming != nil {
		r.OnIncoming(env.From, env.Kind)
	}

	intent := env.Kind.DefaultIntent()
	if env.MediaIntent != nil && !env.MediaIntent.IsZero() {
		intent = *env.MediaIntent
	}

	sess := NewSession(ident.ID, env.From, env.Kind, intent, r.cb)
	key := inboundKey{from: env.From, kind: env.Kind}
	r.mu.Lock()
	r.active[key] = sess
	r.mu.Unlock()
	sess.setOnClosed(func(s *Session) {
		r.mu.Lock()
		if r.active[key] == s {
			delete(r.active, key)
		}
		r.mu.Unlock()
	})

	if err := sess.transition(StateAcquiringMedia, StateIdle); err != nil {
		_ = sess.Close()
		return
	}

	media, err := r.media.Acquire(ctx, intent)
	if err != nil {
		// Monitoring stays silent: the initiator times out and shows a
		// generic failure, this endpoint shows nothing at all.
		if env.Kind.IsCall() {
			r.reject(ctx, env, string(core.MediaReasonOf(err)))
		}
		log.Warn().Str("module", "app.responder").Str("from", string(env.From)).Err(err).Msg("media acquisition failed")
		_ = sess.Close()
		return
	}
	sess.attachMedia(media)

	respHandle, releaseResp, err := r.channels.Acquire(ctx, core.ResponseChannel(env.From))
	if err != nil {
		log.Warn().Str("module", "app.responder").Err(err).Msg("response channel")
		_ = sess.Close()
		return
	}
	sess.deferRelease(releaseResp)

	transport, err := r.transports.NewTransport()
	if err != nil {
		log.Error().Str("module", "app.responder").Err(err).Msg("new transport")
		_ = sess.Close()
		return
	}
	sess.bindTransport(transport)
	transport.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if !sess.Live() {
			return
		}
		out := core.Envelope{Type: core.TypeCandidate, From: ident.ID, Kind: env.Kind, Candidate: &ci}
		if err := r.channels.Publish(context.Background(), respHandle, out); err != nil {
			log.Warn().Str("module", "app.responder").Err(err).Msg("publish candidate")
		}
	})
	if err := transport.Start(ctx); err != nil {
		_ = sess.Close()
		return
	}

	for _, track := range media.Tracks() {
		if err := transport.AddLocalTrack(track); err != nil {
			log.Warn().Str("module", "app.responder").Str("track", track.ID()).Err(err).Msg("add local track")
		}
	}

	if err := sess.transition(StateAnswering, StateAcquiringMedia); err != nil {
		_ = sess.Close()
		return
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: env.SDP}
	answer, err := transport.ApplyOfferAndCreateAnswer(ctx, offer)
	if err != nil {
		if env.Kind.IsCall() {
			r.reject(ctx, env, string(core.ReasonUnknown))
		}
		log.Error().Str("module", "app.responder").Err(err).Msg("apply offer")
		_ = sess.Close()
		return
	}
	sess.noteRemoteDescription()

	out := core.Envelope{Type: core.TypeAnswer, From: ident.ID, Kind: env.Kind, SDP: answer.SDP}
	if err := r.channels.Publish(ctx, respHandle, out); err != nil {
		log.Error().Str("module", "app.responder").Err(err).Msg("publish answer")
		_ = sess.Close()
		return
	}

	log.Info().
		Str("module", "app.responder").
		Str("from", string(env.From)).
		Str("kind", string(env.Kind)).
		Str("intent", intent.String()).
		Msg("answer published")
}

// reject notifies the initiator on the call path; never used for
// monitoring kinds.
func (r *Responder) reject(ctx context.Context, env core.Envelope, reason string) {
	ident := r.identity.CurrentIdentity()
	if ident == nil {
		return
	}
	h, release, err := r.channels.Acquire(ctx, core.ResponseChannel(env.From))
	if err != nil {
		return
	}
	defer release()
	out := core.Envelope{Type: core.TypeSecureSignal, From: ident.ID, Kind: env.Kind, Reason: reason}
	if err := r.channels.Publish(ctx, h, out); err != nil {
		log.Warn().Str("module", "app.responder").Err(err).Msg("publish rejection")
	}
}

// ActiveCount reports how many inbound sessions are live.
func (r *Responder) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Shutdown stops every inbound session, notifying each peer, and drops
// the request-channel subscription.
func (r *Responder) Shutdown(ctx context.Context) error {
	ident := r.identity.CurrentIdentity()

	r.mu.Lock()
	snapshot := make([]*Session, 0, len(r.active))
	for _, s := range r.active {
		snapshot = append(snapshot, s)
	}
	r.active = make(map[inboundKey]*Session)
	release := r.release
	r.release = nil
	r.mu.Unlock()

	var errs []error
	for _, s := range snapshot {
		if ident != nil && s.Live() {
			r.notifyStop(ctx, ident.ID, s)
		}
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Peer(), err))
		}
	}
	if release != nil {
		release()
	}
	return errors.Join(errs...)
}

func (r *Responder) notifyStop(ctx context.Context, self domain.IdentityID, s *Session) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	h, release, err := r.channels.Acquire(ctx, core.ResponseChannel(s.Peer()))
	if err != nil {
		return
	}
	defer release()
	env := core.Envelope{Type: core.TypeStop, From: self, Kind: s.Kind()}
	_ = r.channels.Publish(ctx, h, env)
}
