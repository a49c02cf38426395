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

// DefaultAnswerTimeout bounds how long an initiator waits for the
// responder's answer. Monitoring responders stay silent on rejection,
// so the timeout is the only failure signal the initiator gets.
const DefaultAnswerTimeout = 30 * time.Second

// callSlot keys the single-active-call invariant: one call at a time,
// whoever the peer is. Monitoring sessions key by responder id.
const callSlot = "call"

var ErrAnswerTimeout = errors.New("no answer before timeout: connection failed")

// Coordinator owns every active initiator-side session: it runs the
// outbound half of the negotiation and is the emergency kill switch.
type Coordinator struct {
	gate       *AuthGate
	channels   *ChannelRegistry
	transports core.TransportFactory
	identity   core.IdentityProvider

	answerTimeout time.Duration

	mu     sync.RWMutex
	active map[string]*Session
}

func NewCoordinator(gate *AuthGate, channels *ChannelRegistry, transports core.TransportFactory, ids core.IdentityProvider, answerTimeout time.Duration) *Coordinator {
	if answerTimeout <= 0 {
		answerTimeout = DefaultAnswerTimeout
	}
	return &Coordinator{
		gate:          gate,
		channels:      channels,
		transports:    transports,
		identity:      ids,
		answerTimeout: answerTimeout,
		active:        make(map[string]*Session),
	}
}

func sessionKey(kind domain.SessionKind, peer domain.IdentityID) string {
	if kind.IsCall() {
		return callSlot
	}
	return string(peer)
}

// Start opens a session with the responder. The attempt is aborted
// before any signaling when the authorization gate denies it; an
// existing session for the same slot is fully torn down first.
func (c *Coordinator) Start(ctx context.Context, responder domain.IdentityID, kind domain.SessionKind, intent domain.MediaIntent, cb core.SessionCallbacks) (*Session, error) {
	auth, err := c.gate.Authorize(ctx, kind)
	if err != nil {
		return nil, err
	}

	ident := c.identity.CurrentIdentity()
	if ident == nil {
		return nil, core.ErrAuthorizationDenied
	}
	self := ident.ID

	key := sessionKey(kind, responder)
	c.mu.Lock()
	existing := c.active[key]
	c.mu.Unlock()
	if existing != nil {
		// No leaked duplicate sessions: the old one is stopped, its
		// hardware released, before the new negotiation begins.
		c.stopSession(existing)
	}

	sess := NewSession(self, responder, kind, intent, cb)

	replyHandle, releaseReply, err := c.channels.Acquire(ctx, core.ResponseChannel(self))
	if err != nil {
		return nil, err
	}
	sess.deferRelease(releaseReply)
	replyHandle.On(core.SignalEvent, c.dispatchReply)

	reqHandle, releaseReq, err := c.channels.Acquire(ctx, core.RequestChannel(responder))
	if err != nil {
		releaseReply()
		return nil, err
	}
	sess.deferRelease(releaseReq)

	transport, err := c.transports.NewTransport()
	if err != nil {
		releaseReply()
		releaseReq()
		return nil, fmt.Errorf("new transport: %w", err)
	}
	sess.bindTransport(transport)
	transport.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if !sess.Live() {
			return
		}
		env := core.Envelope{Type: core.TypeCandidate, From: self, Kind: kind, Candidate: &ci}
		if err := c.channels.Publish(context.Background(), reqHandle, env); err != nil {
			log.Warn().Str("module", "app.coordinator").Err(err).Msg("publish candidate")
		}
	})
	if err := transport.Start(ctx); err != nil {
		_ = sess.Close()
		return nil, err
	}

	if err := sess.transition(StateOffering, StateIdle); err != nil {
		_ = sess.Close()
		return nil, err
	}
	offer, err := transport.CreateAndSetOffer(ctx)
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := sess.transition(StateAwaitingAnswer, StateOffering); err != nil {
		_ = sess.Close()
		return nil, err
	}

	// Registered before the offer goes out: a reply arriving on the
	// relay thread the instant after publish must find the session, and
	// a close from that thread must find the forget hook installed.
	c.mu.Lock()
	c.active[key] = sess
	c.mu.Unlock()
	sess.setOnClosed(func(s *Session) { c.forget(key, s) })

	env := core.Envelope{
		Type:            core.TypeOffer,
		From:            self,
		Kind:            kind,
		SDP:             offer.SDP,
		AuthFingerprint: auth.Fingerprint,
	}
	wanted := sess.Intent()
	env.MediaIntent = &wanted
	if err := c.channels.Publish(ctx, reqHandle, env); err != nil {
		// Offer dispatch failure is session-failed, not retriable here.
		// Close runs the forget hook so the slot is freed.
		_ = sess.Close()
		return nil, err
	}

	time.AfterFunc(c.answerTimeout, func() {
		if sess.State() == StateAwaitingAnswer && !sess.AnswerReceived() {
			log.Warn().
				Str("module", "app.coordinator").
				Str("peer", string(responder)).
				Msg("answer timeout")
			cb.EmitError(ErrAnswerTimeout)
			c.stopSession(sess)
		}
	})

	log.Info().
		Str("module", "app.coordinator").
		Str("peer", string(responder)).
		Str("kind", string(kind)).
		Str("intent", wanted.String()).
		Msg("offer dispatched")
	return sess, nil
}

func (c *Coordinator) forget(key string, s *Session) {
	c.mu.Lock()
	if c.active[key] == s {
		delete(c.active, key)
	}
	c.mu.Unlock()
}

// Stop tears down the active session with the given responder, call or
// monitoring, and notifies the peer so its hardware is released too.
func (c *Coordinator) Stop(responder domain.IdentityID) error {
	c.mu.RLock()
	sess := c.active[string(responder)]
	if sess == nil {
		if call := c.active[callSlot]; call != nil && call.Peer() == responder {
			sess = call
		}
	}
	c.mu.RUnlock()
	if sess == nil {
		return nil
	}
	return c.stopSession(sess)
}

// StopAll is the emergency kill switch: every active session is stopped
// best-effort and the bookkeeping is cleared even when individual
// teardowns report errors.
func (c *Coordinator) StopAll() error {
	c.mu.Lock()
	snapshot := make([]*Session, 0, len(c.active))
	for _, s := range c.active {
		snapshot = append(snapshot, s)
	}
	c.active = make(map[string]*Session)
	c.mu.Unlock()

	var errs []error
	for _, s := range snapshot {
		if err := c.stopSession(s); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", s.Peer(), err))
		}
	}
	log.Info().Str("module", "app.coordinator").Int("stopped", len(snapshot)).Msg("force stop all")
	return errors.Join(errs...)
}

func (c *Coordinator) stopSession(s *Session) error {
	c.notifyStop(s)
	return s.Close()
}

// notifyStop tells the peer the session ended. Best effort: a dead
// relay must not block teardown.
func (c *Coordinator) notifyStop(s *Session) {
	if !s.Live() {
		return
	}
	ident := c.identity.CurrentIdentity()
	if ident == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h, release, err := c.channels.Acquire(ctx, core.RequestChannel(s.Peer()))
	if err != nil {
		return
	}
	defer release()
	env := core.Envelope{Type: core.TypeStop, From: ident.ID, Kind: s.Kind()}
	if err := c.channels.Publish(ctx, h, env); err != nil {
		log.Debug().Str("module", "app.coordinator").Err(err).Msg("publish stop")
	}
}

func (c *Coordinator) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.active)
}

func (c *Coordinator) IsActive(responder domain.IdentityID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.active[string(responder)]; ok {
		return true
	}
	if call, ok := c.active[callSlot]; ok && call.Peer() == responder {
		return true
	}
	return false
}

// dispatchReply routes envelopes from the response channel to the
// session they belong to. Unmatched signals are negotiation mismatches:
// logged, dropped, never surfaced.
func (c *Coordinator) dispatchReply(payload []byte) {
	env, err := core.DecodeEnvelope(payload)
	if err != nil {
		log.Warn().Str("module", "app.coordinator").Err(err).Msg("bad reply envelope")
		return
	}

	sess := c.findSession(env.From, env.Kind)
	if sess == nil || !sess.Live() {
		log.Debug().
			Str("module", "app.coordinator").
			Str("from", string(env.From)).
			Str("type", string(env.Type)).
			Msg("reply for unknown session, dropped")
		return
	}

	switch env.Type {
	case core.TypeAnswer:
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: env.SDP}
		if err := sess.ApplyAnswer(answer); err != nil {
			if errors.Is(err, core.ErrNegotiationMismatch) {
				return
			}
			log.Error().Str("module", "app.coordinator").Err(err).Msg("apply answer")
			sess.cb.EmitError(fmt.Errorf("apply answer: %w", err))
			c.stopSession(sess)
		}
	case core.TypeCandidate:
		if env.Candidate != nil {
			_ = sess.AddRemoteCandidate(*env.Candidate)
		}
	case core.TypeSecureSignal:
		c.handleRejection(sess, env)
	case core.TypeStop:
		_ = sess.closeInternal(false, nil)
	default:
		log.Debug().Str("module", "app.coordinator").Str("type", string(env.Type)).Msg("unexpected reply type")
	}
}

// handleRejection surfaces an explicit call-path rejection with a
// message distinguishing the failure class.
func (c *Coordinator) handleRejection(sess *Session, env core.Envelope) {
	var err error
	switch reason := core.MediaFailReason(env.Reason); reason {
	case core.ReasonPermissionDenied, core.ReasonDeviceNotFound, core.ReasonDeviceBusy, core.ReasonUnknown:
		err = core.NewMediaError(reason, errors.New(reason.Message()))
	default:
		if env.Reason == "unauthorized" {
			err = core.ErrAuthorizationDenied
		} else {
			err = core.NewMediaError(core.ReasonUnknown, errors.New(core.ReasonUnknown.Message()))
		}
	}
	sess.cb.EmitError(err)
	_ = sess.Close()
}

func (c *Coordinator) findSession(peer domain.IdentityID, kind domain.SessionKind) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.active[string(peer)]; ok && s.Kind() == kind {
		return s
	}
	if s, ok := c.active[callSlot]; ok && s.Peer() == peer && s.Kind() == kind {
		return s
	}
	return nil
}
