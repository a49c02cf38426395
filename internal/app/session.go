package app

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avelys/watchline/internal/core"
	"github.com/avelys/watchline/internal/domain"
)

// SessionState is the explicit negotiation lifecycle. Illegal
// transitions (an answer for a Closed session, a candidate for a
// session that never offered) are rejected, not silently tolerated.
type SessionState int

const (
	StateIdle SessionState = iota
	StateOffering
	StateAwaitingAnswer
	StateAcquiringMedia
	StateAnswering
	StateConnected
	StateClosed
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateAcquiringMedia:
		return "acquiring-media"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

func (s SessionState) Terminal() bool { return s == StateClosed || s == StateFailed }

// Session drives one peer-to-peer negotiation between two identities.
// All state mutations go through the mutex; transport callbacks and
// relay handlers land here concurrently.
type Session struct {
	id     string
	self   domain.IdentityID
	peer   domain.IdentityID
	kind   domain.SessionKind
	intent domain.MediaIntent

	mu        sync.Mutex
	state     SessionState
	transport core.PeerTransport
	media     core.MediaHandle
	cb        core.SessionCallbacks

	// remoteSet transitions false->true exactly once per transport
	// instance; candidates arriving earlier queue in pending and drain
	// FIFO once the remote description lands.
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	// Signaling completion and transport connectivity can lag each
	// other; both are tracked so Connected means both.
	signalingDone bool
	transportLive bool

	createdAt time.Time
	closedAt  time.Time

	streamOnce sync.Once
	releases   []func()
	onClosed   func(*Session)
	logger     zerolog.Logger
}

func NewSession(self, peer domain.IdentityID, kind domain.SessionKind, intent domain.MediaIntent, cb core.SessionCallbacks) *Session {
	if intent.IsZero() {
		intent = kind.DefaultIntent()
	}
	id := uuid.NewString()
	return &Session{
		id:        id,
		self:      self,
		peer:      peer,
		kind:      kind,
		intent:    intent,
		state:     StateIdle,
		cb:        cb,
		createdAt: time.Now(),
		logger: log.With().
			Str("module", "app.session").
			Str("session", id).
			Str("peer", string(peer)).
			Str("kind", string(kind)).
			Logger(),
	}
}

func (s *Session) ID() string                 { return s.id }
func (s *Session) Peer() domain.IdentityID    { return s.peer }
func (s *Session) Kind() domain.SessionKind   { return s.kind }
func (s *Session) Intent() domain.MediaIntent { return s.intent }
func (s *Session) CreatedAt() time.Time       { return s.createdAt }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ClosedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedAt
}

// bindTransport attaches the transport and wires its callbacks into the
// state machine. Must be called before any signaling is exchanged.
func (s *Session) bindTransport(t core.PeerTransport) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		// Teardown already ran; a transport stored now would leak.
		if err := t.Close(); err != nil {
			s.logger.Error().Err(err).Msg("transport close")
		}
		return
	}
	s.transport = t
	s.mu.Unlock()

	t.OnStateChange(s.handleTransportState)
	t.OnRemoteStream(func(h core.StreamHandle) {
		s.streamOnce.Do(func() { s.cb.EmitStream(h) })
	})
}

// attachMedia records the acquired hardware so teardown can release it.
// If teardown already ran the hardware is released on the spot.
func (s *Session) attachMedia(h core.MediaHandle) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		h.Release()
		return
	}
	s.media = h
	s.mu.Unlock()
}

// deferRelease queues a cleanup func (channel binding releases) to run
// on close.
func (s *Session) deferRelease(fn func()) {
	s.mu.Lock()
	s.releases = append(s.releases, fn)
	s.mu.Unlock()
}

// setOnClosed registers the owner's cleanup hook. Registration after
// the session already reached a terminal state fires the hook at once
// so the owner never tracks a dead session.
func (s *Session) setOnClosed(fn func(*Session)) {
	s.mu.Lock()
	terminal := s.state.Terminal()
	s.onClosed = fn
	s.mu.Unlock()
	if terminal {
		fn(s)
	}
}

// transition asserts the session is in one of the expected states and
// moves it forward.
func (s *Session) transition(to SessionState, from ...SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range from {
		if s.state == f {
			s.state = to
			return nil
		}
	}
	if s.state.Terminal() {
		return core.ErrSessionClosed
	}
	return core.ErrNegotiationMismatch
}

// ApplyAnswer installs the remote answer on the offering side and
// flushes queued candidates in arrival order. The remote description is
// set at most once per transport instance; a duplicate or retransmitted
// answer is dropped.
func (s *Session) ApplyAnswer(answer webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.state != StateAwaitingAnswer || s.remoteSet {
		st := s.state
		s.mu.Unlock()
		s.logger.Warn().Str("state", st.String()).Msg("answer for wrong state, dropped")
		return core.ErrNegotiationMismatch
	}
	t := s.transport
	s.mu.Unlock()

	if err := t.ApplyAnswer(answer); err != nil {
		return err
	}
	s.noteRemoteDescription()
	return nil
}

// AddRemoteCandidate queues or applies a remote ICE candidate. Earlier
// arrivals queue, never drop, never reorder; individual application
// failures are logged only, ICE tolerates some invalid candidates.
func (s *Session) AddRemoteCandidate(ci webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		s.logger.Debug().Msg("candidate for closed session, dropped")
		return core.ErrNegotiationMismatch
	}
	if !s.remoteSet {
		s.pending = append(s.pending, ci)
		s.mu.Unlock()
		return nil
	}
	t := s.transport
	s.mu.Unlock()

	if err := t.AddICECandidate(ci); err != nil {
		s.logger.Warn().Err(err).Msg("add ice candidate")
	}
	return nil
}

// noteRemoteDescription marks signaling complete and drains the pending
// candidate queue FIFO. Called after the remote description (offer on
// the responder, answer on the initiator) has been applied.
func (s *Session) noteRemoteDescription() {
	s.mu.Lock()
	s.remoteSet = true
	s.signalingDone = true
	queued := s.pending
	s.pending = nil
	t := s.transport
	s.mu.Unlock()

	for _, ci := range queued {
		if err := t.AddICECandidate(ci); err != nil {
			// One bad candidate must not abort the session.
			s.logger.Warn().Err(err).Msg("flush ice candidate")
		}
	}
	if n := len(queued); n > 0 {
		s.logger.Debug().Int("count", n).Msg("flushed queued candidates")
	}
	s.maybeConnected()
}

func (s *Session) handleTransportState(st core.TransportState) {
	s.logger.Info().Str("transport_state", st.String()).Msg("transport state")
	if st == core.TransportConnected {
		s.mu.Lock()
		s.transportLive = true
		s.mu.Unlock()
		s.maybeConnected()
		return
	}
	if st.Terminal() {
		s.closeInternal(false, core.ErrTransportFailure)
	}
}

func (s *Session) maybeConnected() {
	s.mu.Lock()
	if s.state.Terminal() || s.state == StateConnected || !s.signalingDone || !s.transportLive {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.mu.Unlock()
	s.logger.Info().Msg("session connected")
}

// Close tears the session down on local request. Hardware is released
// first, transport second, bookkeeping last; the returned error joins
// whatever individual steps reported, but every step is attempted.
func (s *Session) Close() error {
	return s.closeInternal(true, nil)
}

func (s *Session) closeInternal(local bool, cause error) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	if cause != nil && !local {
		s.state = StateFailed
	} else {
		s.state = StateClosed
	}
	s.closedAt = time.Now()
	media := s.media
	t := s.transport
	releases := s.releases
	s.releases = nil
	onClosed := s.onClosed
	s.mu.Unlock()

	var errs []error
	// Hardware must be released even if the transport close throws.
	if media != nil {
		media.Release()
	}
	if t != nil {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
			s.logger.Error().Err(err).Msg("transport close")
		}
	}
	for _, release := range releases {
		release()
	}
	if onClosed != nil {
		onClosed(s)
	}

	// Remote-driven closes (peer stop, transport failure) surface
	// through the disconnect callback; locally requested stops do not.
	if !local {
		s.cb.EmitDisconnect()
	}
	s.logger.Info().Bool("local", local).Msg("session closed")
	return errors.Join(errs...)
}

// AnswerReceived reports whether the remote description has landed.
func (s *Session) AnswerReceived() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSet
}

// Live reports whether inbound signaling may still be applied.
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.state.Terminal()
}
