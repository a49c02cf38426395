package core

import "context"

// SubscriptionState reflects where a channel binding is in its
// lifecycle. No signaling message may be sent on a channel that is not
// Subscribed.
type SubscriptionState int

const (
	SubscriptionPending SubscriptionState = iota
	SubscriptionSubscribed
	SubscriptionFailed
)

// ChannelHandle is a live relay subscription. Handlers registered with
// On are invoked in per-channel arrival order; implementations must not
// parallelize dispatch, the candidate-before-description race depends
// on FIFO delivery.
type ChannelHandle interface {
	Name() string
	State() SubscriptionState
	// On registers the handler for one event name. A second call for
	// the same event replaces the previous handler.
	On(event string, fn func(payload []byte))
}

// RelayBus abstracts the broadcast message-relay service. Delivery is
// at-most-once: if nobody is subscribed the message is gone, and the
// core must tolerate that.
// Owned by the adapter; the adapter must Close() it.
type RelayBus interface {
	// Subscribe resolves once the relay acknowledges the subscription
	// or fails with the ctx error.
	Subscribe(ctx context.Context, channel string) (ChannelHandle, error)
	// Publish sends one event on a subscribed channel and awaits the
	// relay's delivery acknowledgment.
	Publish(ctx context.Context, ch ChannelHandle, event string, payload []byte) error
	Unsubscribe(ch ChannelHandle) error
	Close()
}
