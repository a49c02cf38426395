package core

import (
	"context"

	"github.com/avelys/watchline/internal/domain"
)

// LocalTrack is one captured hardware source.
type LocalTrack interface {
	ID() string
	Source() domain.MediaIntent
	// Stop releases the underlying device. Safe to call twice.
	Stop() error
}

// MediaHandle bundles the tracks acquired for one session.
type MediaHandle interface {
	Tracks() []LocalTrack
	// Acquired reports which of the requested sources actually opened.
	Acquired() domain.MediaIntent
	// Release stops every underlying track. Idempotent.
	Release()
}

// MediaSource resolves a media intent into opened hardware. Acquisition
// may suspend on user prompts or device init and must honor ctx.
type MediaSource interface {
	Acquire(ctx context.Context, intent domain.MediaIntent) (MediaHandle, error)
}
