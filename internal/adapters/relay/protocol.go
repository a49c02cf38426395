// Package relay carries signaling envelopes over a websocket broadcast
// hub. The hub offers no session state: channels are plain names,
// delivery is at-most-once to whoever is subscribed, per-channel FIFO.
package relay

import "encoding/json"

type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpPublish     Op = "publish"
	OpAck         Op = "ack"
	OpEvent       Op = "event"
)

// Frame is the single wire message both directions use. Ref correlates
// a request with its ack.
type Frame struct {
	Op      Op              `json:"op"`
	Ref     string          `json:"ref,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}
