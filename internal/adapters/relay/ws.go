package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avelys/watchline/internal/core"
)

var ErrNotSubscribed = errors.New("channel not subscribed")

const (
	writeWait  = 5 * time.Second
	sendBuffer = 32
)

// WSBus implements core.RelayBus over one websocket connection to the
// hub. Inbound events are dispatched from a single goroutine so
// per-channel arrival order is preserved.
type WSBus struct {
	conn       *websocket.Conn
	send       chan []byte
	pingPeriod time.Duration

	mu       sync.Mutex
	closed   bool
	pending  map[string]chan string
	channels map[string]*wsChannel

	once sync.Once
}

func Dial(ctx context.Context, url string, pingPeriod time.Duration) (*WSBus, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	b := &WSBus{
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		pingPeriod: pingPeriod,
		pending:    make(map[string]chan string),
		channels:   make(map[string]*wsChannel),
	}
	go b.writePump()
	go b.readPump()
	log.Info().Str("module", "relay").Str("url", url).Msg("connected")
	return b, nil
}

func (b *WSBus) Subscribe(ctx context.Context, channel string) (core.ChannelHandle, error) {
	ch := &wsChannel{name: channel, state: core.SubscriptionPending, handlers: make(map[string]func([]byte))}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("relay connection closed")
	}
	// Registered before the ack: the hub may deliver on this channel
	// the moment the subscription lands.
	b.channels[channel] = ch
	b.mu.Unlock()

	errMsg, err := b.request(ctx, Frame{Op: OpSubscribe, Channel: channel})
	if err != nil || errMsg != "" {
		b.mu.Lock()
		delete(b.channels, channel)
		b.mu.Unlock()
		ch.setState(core.SubscriptionFailed)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("subscribe %s: %s", channel, errMsg)
	}
	ch.setState(core.SubscriptionSubscribed)
	return ch, nil
}

func (b *WSBus) Publish(ctx context.Context, h core.ChannelHandle, event string, payload []byte) error {
	if h.State() != core.SubscriptionSubscribed {
		return ErrNotSubscribed
	}
	errMsg, err := b.request(ctx, Frame{Op: OpPublish, Channel: h.Name(), Event: event, Payload: payload})
	if err != nil {
		return err
	}
	if errMsg != "" {
		return fmt.Errorf("publish on %s: %s", h.Name(), errMsg)
	}
	return nil
}

func (b *WSBus) Unsubscribe(h core.ChannelHandle) error {
	b.mu.Lock()
	delete(b.channels, h.Name())
	b.mu.Unlock()
	if ch, ok := h.(*wsChannel); ok {
		ch.setState(core.SubscriptionFailed)
	}
	return b.trySend(Frame{Op: OpUnsubscribe, Channel: h.Name()})
}

// request sends one frame and waits for its ack.
func (b *WSBus) request(ctx context.Context, f Frame) (string, error) {
	f.Ref = uuid.NewString()
	ack := make(chan string, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", errors.New("relay connection closed")
	}
	b.pending[f.Ref] = ack
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, f.Ref)
		b.mu.Unlock()
	}()

	if err := b.trySend(f); err != nil {
		return "", err
	}

	select {
	case msg, ok := <-ack:
		if !ok {
			return "", errors.New("relay connection closed")
		}
		return msg, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *WSBus) trySend(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("relay connection closed")
	}
	select {
	case b.send <- data:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (b *WSBus) writePump() {
	ticker := time.NewTicker(b.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-b.send:
			if !ok {
				return
			}
			if err := b.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
				return
			}
			if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := b.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (b *WSBus) readPump() {
	defer b.Close()
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Str("module", "relay").Msg("readPump read error")
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Str("module", "relay").Msg("bad frame")
			continue
		}
		b.handleFrame(f)
	}
}

func (b *WSBus) handleFrame(f Frame) {
	switch f.Op {
	case OpAck:
		b.mu.Lock()
		ack, ok := b.pending[f.Ref]
		b.mu.Unlock()
		if ok {
			ack <- f.Error
		}
	case OpEvent:
		b.mu.Lock()
		ch := b.channels[f.Channel]
		b.mu.Unlock()
		if ch == nil {
			return
		}
		// Handlers run on the read goroutine: FIFO per channel.
		ch.dispatch(f.Event, f.Payload)
	default:
		log.Debug().Str("module", "relay").Str("op", string(f.Op)).Msg("unexpected frame")
	}
}

func (b *WSBus) Close() {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		for ref, ack := range b.pending {
			close(ack)
			delete(b.pending, ref)
		}
		b.mu.Unlock()
		close(b.send)
		_ = b.conn.Close()
		log.Info().Str("module", "relay").Msg("closed")
	})
}

type wsChannel struct {
	name string

	mu       sync.RWMutex
	state    core.SubscriptionState
	handlers map[string]func([]byte)
}

func (c *wsChannel) Name() string { return c.name }

func (c *wsChannel) State() core.SubscriptionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *wsChannel) setState(s core.SubscriptionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *wsChannel) On(event string, fn func(payload []byte)) {
	c.mu.Lock()
	c.handlers[event] = fn
	c.mu.Unlock()
}

func (c *wsChannel) dispatch(event string, payload []byte) {
	c.mu.RLock()
	fn := c.handlers[event]
	c.mu.RUnlock()
	if fn != nil {
		fn(payload)
	}
}
