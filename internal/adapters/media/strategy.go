// Package media resolves a session's media intent into opened local
// hardware. Devices are exclusively owned: a source needed by two
// overlapping sessions is opened once and reference-counted, never
// double-opened.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avelys/watchline/internal/core"
	"github.com/avelys/watchline/internal/domain"
)

var ErrNothingRequested = errors.New("empty media intent")

// Backend opens one kind of source. Implementations classify failures
// with core.MediaError so the call path can word its feedback.
type Backend interface {
	// OpenScreen is the low-latency native capture path, no user-facing picker.
	OpenScreen(ctx context.Context) (core.LocalTrack, error)
	// OpenDisplay is the standard display-capture API; it may present a
	// picker, which is acceptable degradation rather than a failure.
	OpenDisplay(ctx context.Context) (core.LocalTrack, error)
	OpenCamera(ctx context.Context) (core.LocalTrack, error)
	OpenMicrophone(ctx context.Context) (core.LocalTrack, error)
}

type sharedTrack struct {
	track core.LocalTrack
	refs  int
}

// Strategy implements core.MediaSource over a Backend.
type Strategy struct {
	backend Backend

	mu   sync.Mutex
	held map[domain.MediaIntent]*sharedTrack
}

func NewStrategy(b Backend) *Strategy {
	return &Strategy{
		backend: b,
		held:    make(map[domain.MediaIntent]*sharedTrack),
	}
}

// Acquire opens every requested source. Partial capability is preferred
// over total failure: secondary sources may fail as long as at least
// one opened; only a fully empty result is a hard failure, classified
// by the first source's error.
func (s *Strategy) Acquire(ctx context.Context, intent domain.MediaIntent) (core.MediaHandle, error) {
	sources := intent.Sources()
	if len(sources) == 0 {
		return nil, core.NewMediaError(core.ReasonUnknown, ErrNothingRequested)
	}

	var (
		opened   []domain.MediaIntent
		tracks   []core.LocalTrack
		acquired domain.MediaIntent
		firstErr error
	)
	for _, src := range sources {
		track, err := s.retain(ctx, src)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			log.Warn().
				Str("module", "media").
				Str("source", src.String()).
				Err(err).
				Msg("source unavailable")
			continue
		}
		opened = append(opened, src)
		tracks = append(tracks, track)
		acquired |= src
	}

	if len(opened) == 0 {
		return nil, asMediaError(firstErr)
	}
	if len(opened) < len(sources) {
		log.Warn().
			Str("module", "media").
			Str("wanted", intent.String()).
			Str("got", acquired.String()).
			Msg("partial acquisition")
	}

	return &handle{strategy: s, sources: opened, tracks: tracks, acquired: acquired}, nil
}

// retain reuses an already-open device or opens it at refcount one.
func (s *Strategy) retain(ctx context.Context, src domain.MediaIntent) (core.LocalTrack, error) {
	// The lock is held across the open so two concurrent acquisitions
	// cannot race into a double-open of the same device.
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.held[src]; ok {
		st.refs++
		log.Debug().Str("module", "media").Str("source", src.String()).Int("refs", st.refs).Msg("reusing open device")
		return st.track, nil
	}

	track, err := s.open(ctx, src)
	if err != nil {
		return nil, err
	}
	s.held[src] = &sharedTrack{track: track, refs: 1}
	log.Info().Str("module", "media").Str("source", src.String()).Str("track", track.ID()).Msg("device opened")
	return track, nil
}

func (s *Strategy) open(ctx context.Context, src domain.MediaIntent) (core.LocalTrack, error) {
	switch src {
	case domain.IntentScreen:
		track, err := s.backend.OpenScreen(ctx)
		if err == nil {
			return track, nil
		}
		log.Warn().Str("module", "media").Err(err).Msg("native screen capture failed, falling back to display capture")
		return s.backend.OpenDisplay(ctx)
	case domain.IntentCamera:
		return s.backend.OpenCamera(ctx)
	case domain.IntentMicrophone:
		return s.backend.OpenMicrophone(ctx)
	}
	return nil, core.NewMediaError(core.ReasonUnknown, errors.New("unknown source"))
}

func (s *Strategy) releaseSource(src domain.MediaIntent) {
	s.mu.Lock()
	st, ok := s.held[src]
	if !ok {
		s.mu.Unlock()
		return
	}
	st.refs--
	if st.refs > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.held, src)
	s.mu.Unlock()

	if err := st.track.Stop(); err != nil {
		log.Warn().Str("module", "media").Str("source", src.String()).Err(err).Msg("track stop")
	}
	log.Info().Str("module", "media").Str("source", src.String()).Msg("device released")
}

// HeldDevices reports how many devices are currently open.
func (s *Strategy) HeldDevices() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

func asMediaError(err error) error {
	if err == nil {
		return core.NewMediaError(core.ReasonUnknown, nil)
	}
	var me *core.MediaError
	if errors.As(err, &me) {
		return err
	}
	return core.NewMediaError(core.ReasonUnknown, err)
}

type handle struct {
	strategy *Strategy
	sources  []domain.MediaIntent
	tracks   []core.LocalTrack
	acquired domain.MediaIntent

	once sync.Once
}

func (h *handle) Tracks() []core.LocalTrack { return h.tracks }

func (h *handle) Acquired() domain.MediaIntent { return h.acquired }

// Release drops this handle's reference on every source. Idempotent: a
// second call is a no-op and never re-stops hardware.
func (h *handle) Release() {
	h.once.Do(func() {
		for _, src := range h.sources {
			h.strategy.releaseSource(src)
		}
	})
}
