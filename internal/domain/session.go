package domain

import (
	"encoding/json"
	"errors"
)

var ErrUnknownSessionKind = errors.New("unknown session kind")

// SessionKind distinguishes covert monitoring sessions from ordinary
// user-to-user calls. The two families carry different authorization
// and failure-feedback policies.
type SessionKind string

const (
	KindScreen    SessionKind = "screen"
	KindCamera    SessionKind = "camera"
	KindVoiceCall SessionKind = "call-voice"
	KindVideoCall SessionKind = "call-video"
)

func ParseSessionKind(raw string) (SessionKind, error) {
	switch k := SessionKind(raw); k {
	case KindScreen, KindCamera, KindVoiceCall, KindVideoCall:
		return k, nil
	}
	return "", ErrUnknownSessionKind
}

// IsMonitoring reports whether the kind is covert: silent on failure,
// gated to the privileged role.
func (k SessionKind) IsMonitoring() bool {
	return k == KindScreen || k == KindCamera
}

func (k SessionKind) IsCall() bool { return !k.IsMonitoring() }

// DefaultIntent is the media set a kind requests when the caller does
// not ask for a specific combination.
func (k SessionKind) DefaultIntent() MediaIntent {
	switch k {
	case KindScreen:
		return IntentScreen
	case KindCamera:
		return IntentCamera | IntentMicrophone
	case KindVoiceCall:
		return IntentMicrophone
	case KindVideoCall:
		return IntentCamera | IntentMicrophone
	}
	return 0
}

// MediaIntent is the bit-flag set of local sources a session wants.
type MediaIntent uint8

const (
	IntentScreen MediaIntent = 1 << iota
	IntentCamera
	IntentMicrophone
)

func (m MediaIntent) Has(flag MediaIntent) bool { return m&flag != 0 }

func (m MediaIntent) IsZero() bool { return m == 0 }

// Sources returns the requested flags in a stable order: screen is
// always the primary source when present.
func (m MediaIntent) Sources() []MediaIntent {
	out := make([]MediaIntent, 0, 3)
	for _, f := range []MediaIntent{IntentScreen, IntentCamera, IntentMicrophone} {
		if m.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

func (m MediaIntent) String() string {
	switch m {
	case IntentScreen:
		return "screen"
	case IntentCamera:
		return "camera"
	case IntentMicrophone:
		return "microphone"
	}
	s := ""
	for _, f := range m.Sources() {
		if s != "" {
			s += "+"
		}
		s += f.String()
	}
	if s == "" {
		return "none"
	}
	return s
}

type intentJSON struct {
	Screen     bool `json:"screen"`
	Camera     bool `json:"camera"`
	Microphone bool `json:"microphone"`
}

// MarshalJSON renders the flags as the wire shape
// {"screen":bool,"camera":bool,"microphone":bool}.
func (m MediaIntent) MarshalJSON() ([]byte, error) {
	return json.Marshal(intentJSON{
		Screen:     m.Has(IntentScreen),
		Camera:     m.Has(IntentCamera),
		Microphone: m.Has(IntentMicrophone),
	})
}

func (m *MediaIntent) UnmarshalJSON(data []byte) error {
	var v intentJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*m = 0
	if v.Screen {
		*m |= IntentScreen
	}
	if v.Camera {
		*m |= IntentCamera
	}
	if v.Microphone {
		*m |= IntentMicrophone
	}
	return nil
}
