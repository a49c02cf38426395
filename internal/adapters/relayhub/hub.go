package relayhub

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avelys/watchline/internal/adapters/relay"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickClient
)

// Policy decides what happens to a subscriber whose send buffer is full.
type Policy interface {
	OnBackpressure(channel string, c *Client) BackpressureAction
}

type KickSlowPolicy struct{}

func (KickSlowPolicy) OnBackpressure(channel string, c *Client) BackpressureAction {
	return KickClient
}

type PublishResult struct {
	SentTo  int
	Dropped []*Client
}

// Hub is a threadsafe in-memory channel registry.
// It never closes adapter-owned connections; kicks go through Client.Close.
type Hub struct {
	policy Policy

	mu       sync.RWMutex
	channels map[string]map[*Client]struct{}
}

func NewHub(policy Policy) *Hub {
	return &Hub{
		policy:   policy,
		channels: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Subscribe(channel string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[*Client]struct{})
		h.channels[channel] = subs
	}
	subs[c] = struct{}{}
	log.Info().Str("module", "relayhub").Str("channel", channel).Str("client", c.ID).Msg("subscribed")
}

func (h *Hub) Unsubscribe(channel string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(channel, c)
}

// Drop removes the client from every channel it is subscribed to.
func (h *Hub) Drop(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channel := range h.channels {
		h.removeLocked(channel, c)
	}
}

func (h *Hub) removeLocked(channel string, c *Client) {
	subs, ok := h.channels[channel]
	if !ok {
		return
	}
	if _, ok := subs[c]; !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
	log.Info().Str("module", "relayhub").Str("channel", channel).Str("client", c.ID).Msg("unsubscribed")
}

// Publish fans an event out to every subscriber except the sender,
// at most once each. Slow subscribers are handled per the policy.
func (h *Hub) Publish(from *Client, channel, event string, payload json.RawMessage) PublishResult {
	frame, err := json.Marshal(relay.Frame{
		Op:      relay.OpEvent,
		Channel: channel,
		Event:   event,
		Payload: payload,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "relayhub").Msg("event marshal")
		return PublishResult{}
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.channels[channel]))
	for c := range h.channels[channel] {
		if c == from {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	res := PublishResult{}
	for _, c := range targets {
		if err := c.TrySend(frame); err != nil {
			res.Dropped = append(res.Dropped, c)
			continue
		}
		res.SentTo++
	}
	log.Debug().Str("module", "relayhub").Str("channel", channel).Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("publish result")

	for _, c := range res.Dropped {
		switch h.policy.OnBackpressure(channel, c) {
		case KickClient:
			log.Warn().Str("module", "relayhub").Str("client", c.ID).Msg("kicking slow client")
			h.Drop(c)
			c.Close()
		case DropFrame, NoAction:
		}
	}
	return res
}

func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}
