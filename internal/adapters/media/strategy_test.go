package media

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avelys/watchline/internal/core"
	"github.com/avelys/watchline/internal/domain"
)

type stubTrack struct {
	id     string
	source domain.MediaIntent

	mu    sync.Mutex
	stops int
}

func (t *stubTrack) ID() string                 { return t.id }
func (t *stubTrack) Source() domain.MediaIntent { return t.source }

func (t *stubTrack) Stop() error {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
	return nil
}

func (t *stubTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type stubBackend struct {
	screenErr  error
	displayErr error
	cameraErr  error
	micErr     error

	screenOpens  int
	displayOpens int
	cameraOpens  int
	micOpens     int
}

func (b *stubBackend) OpenScreen(ctx context.Context) (core.LocalTrack, error) {
	b.screenOpens++
	if b.screenErr != nil {
		return nil, b.screenErr
	}
	return &stubTrack{id: "screen-native", source: domain.IntentScreen}, nil
}

func (b *stubBackend) OpenDisplay(ctx context.Context) (core.LocalTrack, error) {
	b.displayOpens++
	if b.displayErr != nil {
		return nil, b.displayErr
	}
	return &stubTrack{id: "screen-display", source: domain.IntentScreen}, nil
}

func (b *stubBackend) OpenCamera(ctx context.Context) (core.LocalTrack, error) {
	b.cameraOpens++
	if b.cameraErr != nil {
		return nil, b.cameraErr
	}
	return &stubTrack{id: "camera", source: domain.IntentCamera}, nil
}

func (b *stubBackend) OpenMicrophone(ctx context.Context) (core.LocalTrack, error) {
	b.micOpens++
	if b.micErr != nil {
		return nil, b.micErr
	}
	return &stubTrack{id: "microphone", source: domain.IntentMicrophone}, nil
}

func TestScreenFallsBackToDisplayCapture(t *testing.T) {
	backend := &stubBackend{screenErr: core.NewMediaError(core.ReasonUnknown, nil)}
	s := NewStrategy(backend)

	h, err := s.Acquire(context.Background(), domain.IntentScreen)
	require.NoError(t, err)
	require.Len(t, h.Tracks(), 1)
	require.Equal(t, "screen-display", h.Tracks()[0].ID())
	require.Equal(t, 1, backend.screenOpens)
	require.Equal(t, 1, backend.displayOpens)
}

func TestNativeScreenPreferred(t *testing.T) {
	backend := &stubBackend{}
	s := NewStrategy(backend)

	h, err := s.Acquire(context.Background(), domain.IntentScreen)
	require.NoError(t, err)
	require.Equal(t, "screen-native", h.Tracks()[0].ID())
	require.Equal(t, 0, backend.displayOpens)
}

func TestPartialAcquisitionProceeds(t *testing.T) {
	backend := &stubBackend{micErr: core.NewMediaError(core.ReasonDeviceBusy, nil)}
	s := NewStrategy(backend)

	h, err := s.Acquire(context.Background(), domain.IntentCamera|domain.IntentMicrophone)
	require.NoError(t, err, "a failed secondary source must not abort the session")
	require.Len(t, h.Tracks(), 1)
	require.True(t, h.Acquired().Has(domain.IntentCamera))
	require.False(t, h.Acquired().Has(domain.IntentMicrophone))
}

func TestAllSourcesFailingIsHardFailure(t *testing.T) {
	backend := &stubBackend{cameraErr: core.NewMediaError(core.ReasonDeviceNotFound, nil)}
	s := NewStrategy(backend)

	_, err := s.Acquire(context.Background(), domain.IntentCamera)
	require.Error(t, err)
	require.Equal(t, core.ReasonDeviceNotFound, core.MediaReasonOf(err))
}

func TestEmptyIntentRejected(t *testing.T) {
	s := NewStrategy(&stubBackend{})
	_, err := s.Acquire(context.Background(), 0)
	require.Error(t, err)
}

func TestOverlappingSessionsShareOneDevice(t *testing.T) {
	backend := &stubBackend{}
	s := NewStrategy(backend)

	h1, err := s.Acquire(context.Background(), domain.IntentCamera)
	require.NoError(t, err)
	h2, err := s.Acquire(context.Background(), domain.IntentCamera)
	require.NoError(t, err)

	require.Equal(t, 1, backend.cameraOpens, "a held device must never be opened twice")
	require.Equal(t, 1, s.HeldDevices())

	track := h1.Tracks()[0].(*stubTrack)

	h1.Release()
	require.Equal(t, 1, s.HeldDevices(), "device stays open while another session holds it")
	require.Equal(t, 0, track.stopCount())

	h2.Release()
	require.Equal(t, 0, s.HeldDevices())
	require.Equal(t, 1, track.stopCount())
}

func TestReleaseIsIdempotent(t *testing.T) {
	backend := &stubBackend{}
	s := NewStrategy(backend)

	h, err := s.Acquire(context.Background(), domain.IntentMicrophone)
	require.NoError(t, err)
	track := h.Tracks()[0].(*stubTrack)

	h.Release()
	h.Release()
	require.Equal(t, 1, track.stopCount())
	require.Equal(t, 0, s.HeldDevices())
}

func TestReacquireAfterFullRelease(t *testing.T) {
	backend := &stubBackend{}
	s := NewStrategy(backend)

	h, err := s.Acquire(context.Background(), domain.IntentCamera)
	require.NoError(t, err)
	h.Release()

	_, err = s.Acquire(context.Background(), domain.IntentCamera)
	require.NoError(t, err)
	require.Equal(t, 2, backend.cameraOpens)
}
