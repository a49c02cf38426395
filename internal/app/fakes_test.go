package app

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/avelys/watchline/internal/core"
	"github.com/avelys/watchline/internal/domain"
)

type publishedEvent struct {
	channel string
	event   string
	payload []byte
}

type queuedEvent struct {
	name    string
	payload []byte
}

// fakeChannel dispatches queued events on a single goroutine, so
// per-channel arrival order is preserved like the real relay.
type fakeChannel struct {
	name  string
	queue chan queuedEvent

	mu       sync.Mutex
	handlers map[string]func([]byte)
}

func newFakeChannel(name string) *fakeChannel {
	h := &fakeChannel{
		name:     name,
		queue:    make(chan queuedEvent, 256),
		handlers: make(map[string]func([]byte)),
	}
	go h.run()
	return h
}

func (h *fakeChannel) run() {
	for ev := range h.queue {
		h.mu.Lock()
		fn := h.handlers[ev.name]
		h.mu.Unlock()
		if fn != nil {
			fn(ev.payload)
		}
	}
}

func (h *fakeChannel) Name() string                  { return h.name }
func (h *fakeChannel) State() core.SubscriptionState { return core.SubscriptionSubscribed }

func (h *fakeChannel) On(event string, fn func(payload []byte)) {
	h.mu.Lock()
	h.handlers[event] = fn
	h.mu.Unlock()
}

// fakeBus is an in-process relay. Publishing fans out to every other
// subscription of the channel, at most once each.
type fakeBus struct {
	mu         sync.Mutex
	handles    map[string][]*fakeChannel
	subscribes int
	unsubs     int
	publishes  []publishedEvent
	failSub    map[string]error
	failPub    map[string]error
	blockSub   map[string]bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handles:  make(map[string][]*fakeChannel),
		failSub:  make(map[string]error),
		failPub:  make(map[string]error),
		blockSub: make(map[string]bool),
	}
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string) (core.ChannelHandle, error) {
	b.mu.Lock()
	blocked := b.blockSub[channel]
	failErr := b.failSub[channel]
	b.mu.Unlock()
	if blocked {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if failErr != nil {
		return nil, failErr
	}
	h := newFakeChannel(channel)
	b.mu.Lock()
	b.subscribes++
	b.handles[channel] = append(b.handles[channel], h)
	b.mu.Unlock()
	return h, nil
}

func (b *fakeBus) Publish(ctx context.Context, ch core.ChannelHandle, event string, payload []byte) error {
	data := append([]byte(nil), payload...)
	b.mu.Lock()
	if err := b.failPub[ch.Name()]; err != nil {
		b.mu.Unlock()
		return err
	}
	b.publishes = append(b.publishes, publishedEvent{channel: ch.Name(), event: event, payload: data})
	for _, h := range b.handles[ch.Name()] {
		if h == ch {
			continue
		}
		select {
		case h.queue <- queuedEvent{name: event, payload: data}:
		default:
		}
	}
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Unsubscribe(ch core.ChannelHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubs++
	list := b.handles[ch.Name()]
	for i, h := range list {
		if h == ch {
			b.handles[ch.Name()] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

func (b *fakeBus) Close() {}

func (b *fakeBus) publishCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.publishes)
}

func (b *fakeBus) published() []publishedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedEvent(nil), b.publishes...)
}

// deliver injects an event as if a remote peer published it.
func (b *fakeBus) deliver(channel, event string, payload []byte) {
	b.mu.Lock()
	for _, h := range b.handles[channel] {
		select {
		case h.queue <- queuedEvent{name: event, payload: payload}:
		default:
		}
	}
	b.mu.Unlock()
}

type fakeTransport struct {
	mu           sync.Mutex
	started      bool
	closed       bool
	closeErr     error
	remoteOffer  *webrtc.SessionDescription
	remoteAnswer *webrtc.SessionDescription
	answers      int
	applied      []webrtc.ICECandidateInit
	localTracks  []core.LocalTrack

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(core.TransportState)
	onStream    func(core.StreamHandle)

	events *[]string
}

func (t *fakeTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) CreateAndSetOffer(ctx context.Context) (*webrtc.SessionDescription, error) {
	sd := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake-offer"}
	return &sd, nil
}

func (t *fakeTransport) ApplyOfferAndCreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	t.mu.Lock()
	t.remoteOffer = &offer
	t.mu.Unlock()
	sd := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake-answer"}
	return &sd, nil
}

func (t *fakeTransport) ApplyAnswer(answer webrtc.SessionDescription) error {
	t.mu.Lock()
	t.remoteAnswer = &answer
	t.answers++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) answerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.answers
}

func (t *fakeTransport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	t.mu.Lock()
	t.applied = append(t.applied, ci)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) AddLocalTrack(track core.LocalTrack) error {
	t.mu.Lock()
	t.localTracks = append(t.localTracks, track)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnStateChange(fn func(core.TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnRemoteStream(fn func(core.StreamHandle)) {
	t.mu.Lock()
	t.onStream = fn
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.events != nil {
		*t.events = append(*t.events, "transport-closed")
	}
	return t.closeErr
}

func (t *fakeTransport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) appliedCandidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.applied...)
}

func (t *fakeTransport) fireState(st core.TransportState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (t *fakeTransport) fireCandidate(ci webrtc.ICECandidateInit) {
	t.mu.Lock()
	fn := t.onCandidate
	t.mu.Unlock()
	if fn != nil {
		fn(ci)
	}
}

func (t *fakeTransport) fireRemoteStream(h core.StreamHandle) {
	t.mu.Lock()
	fn := t.onStream
	t.mu.Unlock()
	if fn != nil {
		fn(h)
	}
}

type fakeTransportFactory struct {
	mu     sync.Mutex
	made   []*fakeTransport
	err    error
	events *[]string
}

func (f *fakeTransportFactory) NewTransport() (core.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{events: f.events}
	f.made = append(f.made, t)
	return t, nil
}

func (f *fakeTransportFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.made) == 0 {
		return nil
	}
	return f.made[len(f.made)-1]
}

type fakeStream struct {
	id     string
	tracks int
}

func (s fakeStream) ID() string      { return s.id }
func (s fakeStream) TrackCount() int { return s.tracks }

type fakeTrack struct {
	id     string
	source domain.MediaIntent

	mu    sync.Mutex
	stops int
}

func (t *fakeTrack) ID() string                 { return t.id }
func (t *fakeTrack) Source() domain.MediaIntent { return t.source }

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
	return nil
}

type fakeMediaHandle struct {
	mu       sync.Mutex
	tracks   []core.LocalTrack
	acquired domain.MediaIntent
	released int
	events   *[]string
}

func (h *fakeMediaHandle) Tracks() []core.LocalTrack    { return h.tracks }
func (h *fakeMediaHandle) Acquired() domain.MediaIntent { return h.acquired }

func (h *fakeMediaHandle) Release() {
	h.mu.Lock()
	h.released++
	if h.events != nil {
		*h.events = append(*h.events, "media-released")
	}
	h.mu.Unlock()
}

func (h *fakeMediaHandle) releaseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

type fakeMediaSource struct {
	mu      sync.Mutex
	err     error
	calls   []domain.MediaIntent
	handles []*fakeMediaHandle
}

func (m *fakeMediaSource) Acquire(ctx context.Context, intent domain.MediaIntent) (core.MediaHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, intent)
	if m.err != nil {
		return nil, m.err
	}
	h := &fakeMediaHandle{acquired: intent}
	for _, src := range intent.Sources() {
		h.tracks = append(h.tracks, &fakeTrack{id: src.String(), source: src})
	}
	m.handles = append(m.handles, h)
	return h, nil
}

func (m *fakeMediaSource) handleAt(i int) *fakeMediaHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.handles) {
		return nil
	}
	return m.handles[i]
}

func (m *fakeMediaSource) lastHandle() *fakeMediaHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.handles) == 0 {
		return nil
	}
	return m.handles[len(m.handles)-1]
}

type fakeIdentity struct {
	mu    sync.Mutex
	ident *domain.Identity
	fp    string
}

func (f *fakeIdentity) CurrentIdentity() *domain.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ident == nil {
		return nil
	}
	ident := *f.ident
	return &ident
}

func (f *fakeIdentity) CredentialFingerprint() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fp
}

type fakeDirectory struct {
	mu    sync.Mutex
	roles map[domain.IdentityID]domain.Role
	err   error
}

func newFakeDirectory(roles map[domain.IdentityID]domain.Role) *fakeDirectory {
	return &fakeDirectory{roles: roles}
}

func (d *fakeDirectory) RoleFor(ctx context.Context, id domain.IdentityID) (domain.Role, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	role, ok := d.roles[id]
	if !ok {
		return "", domain.ErrRoleNotFound
	}
	return role, nil
}

func (d *fakeDirectory) setRole(id domain.IdentityID, role domain.Role) {
	d.mu.Lock()
	d.roles[id] = role
	d.mu.Unlock()
}
