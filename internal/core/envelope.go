package core

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/avelys/watchline/internal/domain"
)

// SignalEvent is the relay event name all envelopes travel under.
const SignalEvent = "signal"

type SignalType string

const (
	TypeOffer     SignalType = "offer"
	TypeAnswer    SignalType = "answer"
	TypeCandidate SignalType = "ice-candidate"
	TypeStop      SignalType = "stop"
	// TypeSecureSignal carries call-path control notices (rejections).
	// Never emitted on the monitoring path.
	TypeSecureSignal SignalType = "secure-signal"
)

var (
	ErrBadEnvelope = errors.New("bad signal envelope")
)

// Envelope is the one payload schema exchanged over the relay.
type Envelope struct {
	Type            SignalType               `json:"type"`
	From            domain.IdentityID        `json:"from"`
	Kind            domain.SessionKind       `json:"kind"`
	SDP             string                   `json:"sdp,omitempty"`
	Candidate       *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	AuthFingerprint string                   `json:"authFingerprint,omitempty"`
	MediaIntent     *domain.MediaIntent      `json:"mediaIntent,omitempty"`
	Reason          string                   `json:"reason,omitempty"`
	Timestamp       int64                    `json:"timestamp"`
}

// Stamp fills the send time in epoch milliseconds.
func (e *Envelope) Stamp() {
	e.Timestamp = time.Now().UnixMilli()
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, errors.Join(ErrBadEnvelope, err)
	}
	switch e.Type {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeStop, TypeSecureSignal:
	default:
		return Envelope{}, ErrBadEnvelope
	}
	if e.From == "" {
		return Envelope{}, ErrBadEnvelope
	}
	return e, nil
}

// RequestChannel is the relay channel a responder listens on. The name
// is a deterministic function of the peer identity so both sides agree
// without any handshake.
func RequestChannel(responder domain.IdentityID) string {
	return "signal:req:" + string(responder)
}

// ResponseChannel is where answers and responder candidates come back.
func ResponseChannel(initiator domain.IdentityID) string {
	return "signal:resp:" + string(initiator)
}
