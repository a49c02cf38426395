package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avelys/watchline/internal/core"
)

// DefaultSubscribeTimeout bounds how long a channel subscription may
// stay pending before the attempt is abandoned.
const DefaultSubscribeTimeout = 8 * time.Second

type channelBinding struct {
	ready  chan struct{}
	handle core.ChannelHandle
	err    error
	refs   int
}

// ChannelRegistry maps channel names to live relay subscriptions.
// Acquire is idempotent: concurrent and repeated calls for one name
// share a single subscription, reference-counted until the last owner
// releases it.
type ChannelRegistry struct {
	bus     core.RelayBus
	timeout time.Duration

	mu       sync.Mutex
	bindings map[string]*channelBinding
}

func NewChannelRegistry(bus core.RelayBus, timeout time.Duration) *ChannelRegistry {
	if timeout <= 0 {
		timeout = DefaultSubscribeTimeout
	}
	return &ChannelRegistry{
		bus:      bus,
		timeout:  timeout,
		bindings: make(map[string]*channelBinding),
	}
}

// Acquire subscribes (or joins the existing subscription) and returns
// the shared handle plus a release func. A subscription that does not
// reach subscribed within the bounded window fails with
// core.ErrChannelTimeout.
func (r *ChannelRegistry) Acquire(ctx context.Context, name string) (core.ChannelHandle, func(), error) {
	r.mu.Lock()
	b, ok := r.bindings[name]
	if !ok {
		b = &channelBinding{ready: make(chan struct{})}
		r.bindings[name] = b
		go r.subscribe(name, b)
	}
	b.refs++
	r.mu.Unlock()

	select {
	case <-b.ready:
	case <-ctx.Done():
		r.release(name)
		// A caller deadline reads the same as the bounded subscribe
		// window; a deliberate cancel is not a timeout and must not be
		// retried as one.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil, core.ErrChannelTimeout
		}
		return nil, nil, ctx.Err()
	}

	if b.err != nil {
		r.release(name)
		return nil, nil, b.err
	}

	var once sync.Once
	release := func() { once.Do(func() { r.release(name) }) }
	return b.handle, release, nil
}

func (r *ChannelRegistry) subscribe(name string, b *channelBinding) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	h, err := r.bus.Subscribe(ctx, name)
	if errors.Is(err, context.DeadlineExceeded) {
		err = core.ErrChannelTimeout
	}
	b.handle, b.err = h, err
	close(b.ready)
	if err != nil {
		log.Warn().Str("module", "app.channels").Str("channel", name).Err(err).Msg("subscribe failed")
		r.mu.Lock()
		// Failed bindings are not cached; the next Acquire retries.
		if r.bindings[name] == b {
			delete(r.bindings, name)
		}
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	orphaned := r.bindings[name] != b
	r.mu.Unlock()
	if orphaned {
		// Every waiter gave up while we were subscribing.
		_ = r.bus.Unsubscribe(h)
		return
	}
	log.Info().Str("module", "app.channels").Str("channel", name).Msg("subscribed")
}

func (r *ChannelRegistry) release(name string) {
	r.mu.Lock()
	b, ok := r.bindings[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	b.refs--
	if b.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.bindings, name)
	r.mu.Unlock()

	select {
	case <-b.ready:
		if b.err == nil && b.handle != nil {
			if err := r.bus.Unsubscribe(b.handle); err != nil {
				log.Warn().Str("module", "app.channels").Str("channel", name).Err(err).Msg("unsubscribe failed")
			}
		}
	default:
		// Subscription still in flight; the subscribe goroutine sees the
		// orphaned binding and unsubscribes on completion.
	}
	log.Info().Str("module", "app.channels").Str("channel", name).Msg("channel released")
}

// Publish sends one envelope on an already-acquired channel, bounded by
// the registry timeout.
func (r *ChannelRegistry) Publish(ctx context.Context, h core.ChannelHandle, env core.Envelope) error {
	env.Stamp()
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.bus.Publish(ctx, h, core.SignalEvent, payload); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return core.ErrChannelTimeout
		}
		return err
	}
	return nil
}

// Open reports how many bindings are live (test and status surface).
func (r *ChannelRegistry) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bindings)
}
