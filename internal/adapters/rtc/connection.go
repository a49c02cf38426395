package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avelys/watchline/internal/core"
)

// trackProvider is what the media adapter's tracks expose so the pion
// layer can reach the underlying sendable track.
type trackProvider interface {
	WebRTC() webrtc.TrackLocal
}

var ErrNotSendable = errors.New("track does not carry a webrtc local track")

type WebRTCTransport struct {
	pc     *webrtc.PeerConnection
	cancel context.CancelFunc

	onICE   func(webrtc.ICECandidateInit)
	onState func(core.TransportState)

	mu       sync.Mutex
	closed   bool
	onStream func(core.StreamHandle)
	streams  map[string]*remoteStream
}

func DefaultConfig(iceURLs []string) webrtc.Configuration {
	if len(iceURLs) == 0 {
		iceURLs = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: iceURLs},
		},
	}
}

func NewWebRTCTransport(api *webrtc.API, cfg webrtc.Configuration) (*WebRTCTransport, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &WebRTCTransport{pc: pc, streams: make(map[string]*remoteStream)}, nil
}

func mapState(s webrtc.PeerConnectionState) core.TransportState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return core.TransportNew
	case webrtc.PeerConnectionStateConnecting:
		return core.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.TransportFailed
	}
	return core.TransportClosed
}

func (c *WebRTCTransport) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "rtc").Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_connection_state", s.String()).Msg("Peer state")
		if c.onState != nil {
			c.onState(mapState(s))
		}
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.noteRemoteTrack(track.StreamID())
	})

	return nil
}

// noteRemoteTrack folds per-track arrivals into one stream handle per
// remote stream id; the consumer callback fires on the first track.
func (c *WebRTCTransport) noteRemoteTrack(streamID string) {
	c.mu.Lock()
	rs, seen := c.streams[streamID]
	if !seen {
		rs = &remoteStream{id: streamID}
		c.streams[streamID] = rs
	}
	rs.addTrack()
	cb := c.onStream
	c.mu.Unlock()

	if !seen && cb != nil {
		cb(rs)
	}
}

func (c *WebRTCTransport) CreateAndSetOffer(ctx context.Context) (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	// Trickle ICE on the offering side: candidates follow through
	// OnICECandidate, no gathering wait here.
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return c.pc.LocalDescription(), nil
}

func (c *WebRTCTransport) ApplyOfferAndCreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return c.pc.LocalDescription(), nil
}

func (c *WebRTCTransport) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *WebRTCTransport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCTransport) AddLocalTrack(track core.LocalTrack) error {
	p, ok := track.(trackProvider)
	if !ok {
		return ErrNotSendable
	}
	_, err := c.pc.AddTrack(p.WebRTC())
	return err
}

func (c *WebRTCTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }

func (c *WebRTCTransport) OnStateChange(fn func(core.TransportState)) { c.onState = fn }

func (c *WebRTCTransport) OnRemoteStream(fn func(core.StreamHandle)) {
	c.mu.Lock()
	c.onStream = fn
	c.mu.Unlock()
}

func (c *WebRTCTransport) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	err := c.pc.Close()
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Msg("closed")
	}
	return err
}

func (c *WebRTCTransport) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type remoteStream struct {
	id string

	mu     sync.Mutex
	tracks int
}

func (r *remoteStream) ID() string { return r.id }

func (r *remoteStream) TrackCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracks
}

func (r *remoteStream) addTrack() {
	r.mu.Lock()
	r.tracks++
	r.mu.Unlock()
}
