package media

import (
	"context"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // This is required to register camera adapter - DON'T REMOVE
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // This is required to register microphone adapter  - DON'T REMOVE
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // This is required to register screen adapter - DON'T REMOVE
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/avelys/watchline/internal/core"
	"github.com/avelys/watchline/internal/domain"
)

// DeviceBackend captures through pion/mediadevices.
type DeviceBackend struct {
	selector *mediadevices.CodecSelector
}

func NewDeviceBackend() (*DeviceBackend, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &DeviceBackend{selector: selector}, nil
}

// OpenScreen grabs the primary display through the registered screen
// driver directly, no user-facing picker.
func (b *DeviceBackend) OpenScreen(ctx context.Context) (core.LocalTrack, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.Float(15)
		},
		Codec: b.selector,
	})
	if err != nil {
		return nil, classify(err)
	}
	return firstTrack(stream, domain.IntentScreen)
}

// OpenDisplay is the standard display-capture fallback. On platforms
// where the driver routes through a desktop portal this may surface a
// picker, which callers accept as degradation.
func (b *DeviceBackend) OpenDisplay(ctx context.Context) (core.LocalTrack, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: b.selector,
	})
	if err != nil {
		return nil, classify(err)
	}
	return firstTrack(stream, domain.IntentScreen)
}

func (b *DeviceBackend) OpenCamera(ctx context.Context) (core.LocalTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(640)
			c.Height = prop.Int(480)
			c.FrameRate = prop.Float(30)
		},
		Codec: b.selector,
	})
	if err != nil {
		return nil, classify(err)
	}
	return firstTrack(stream, domain.IntentCamera)
}

func (b *DeviceBackend) OpenMicrophone(ctx context.Context) (core.LocalTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
		},
		Codec: b.selector,
	})
	if err != nil {
		return nil, classify(err)
	}
	return firstTrack(stream, domain.IntentMicrophone)
}

func firstTrack(stream mediadevices.MediaStream, src domain.MediaIntent) (core.LocalTrack, error) {
	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return nil, core.NewMediaError(core.ReasonDeviceNotFound, nil)
	}
	// One source per open; extra tracks are closed immediately.
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}
	return &deviceTrack{track: tracks[0], source: src}, nil
}

// classify maps driver errors onto the failure taxonomy the call path
// words its feedback with.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied"):
		return core.NewMediaError(core.ReasonPermissionDenied, err)
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no device") || strings.Contains(msg, "failed to find"):
		return core.NewMediaError(core.ReasonDeviceNotFound, err)
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return core.NewMediaError(core.ReasonDeviceBusy, err)
	}
	return core.NewMediaError(core.ReasonUnknown, err)
}

type deviceTrack struct {
	track  mediadevices.Track
	source domain.MediaIntent

	stopOnce sync.Once
	stopErr  error
}

func (t *deviceTrack) ID() string { return t.track.ID() }

func (t *deviceTrack) Source() domain.MediaIntent { return t.source }

// Stop closes the underlying driver track once; later calls return the
// first result without touching the hardware again.
func (t *deviceTrack) Stop() error {
	t.stopOnce.Do(func() { t.stopErr = t.track.Close() })
	return t.stopErr
}

func (t *deviceTrack) WebRTC() webrtc.TrackLocal { return t.track }
