package relayhub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avelys/watchline/internal/adapters/relay"
	"github.com/avelys/watchline/internal/core"
)

const sendBuffer = 32

// Client is one websocket connection to the hub.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func NewClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		ID:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
}

func (c *Client) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller upgrades relay clients and moves frames between them and
// the hub.
type Controller struct {
	Hub       *Hub
	Limiter   *SubscribeRateLimiter
	ReadLimit int64
}

func NewController(hub *Hub, limiter *SubscribeRateLimiter, readLimit int64) *Controller {
	return &Controller{Hub: hub, Limiter: limiter, ReadLimit: readLimit}
}

func (ctl *Controller) HandleRelay(ctx context.Context, c *gin.Context) {
	clientID := c.GetString("client_token")
	log.Info().Str("module", "relayhub").Str("client", clientID).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	client := NewClient(clientID, ws)

	go ctl.writePump(ctx, client)
	go ctl.readPump(ctx, client)
}

func (ctl *Controller) writePump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "relayhub").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "relayhub").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "relayhub").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relayhub").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, c *Client) {
	defer func() {
		log.Info().Str("module", "relayhub").Str("client", c.ID).Msg("readPump closing")
		ctl.Hub.Drop(c)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "relayhub").Str("client", c.ID).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Warn().Err(err).Str("module", "relayhub").Str("client", c.ID).Msg("readPump read error")
				return
			}
			ctl.handleFrame(c, data)
		}
	}
}

// handleFrame runs on the client's read goroutine, so frames from one
// publisher are processed and fanned out in arrival order.
func (ctl *Controller) handleFrame(c *Client, data []byte) {
	var f relay.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("module", "relayhub").Msg("bad json")
		return
	}

	switch f.Op {
	case relay.OpSubscribe:
		if f.Channel == "" {
			ctl.ack(c, f.Ref, "missing channel")
			return
		}
		if ctl.Limiter != nil && !ctl.Limiter.Allow(c.ID) {
			log.Warn().Str("module", "relayhub").Str("client", c.ID).Msg("subscribe rate limited")
			ctl.ack(c, f.Ref, "rate limited")
			return
		}
		ctl.Hub.Subscribe(f.Channel, c)
		ctl.ack(c, f.Ref, "")
	case relay.OpUnsubscribe:
		ctl.Hub.Unsubscribe(f.Channel, c)
		ctl.ack(c, f.Ref, "")
	case relay.OpPublish:
		if f.Channel == "" || f.Event == "" {
			ctl.ack(c, f.Ref, "missing channel or event")
			return
		}
		ctl.Hub.Publish(c, f.Channel, f.Event, f.Payload)
		ctl.ack(c, f.Ref, "")
	default:
		log.Warn().Str("module", "relayhub").Str("op", string(f.Op)).Msg("unknown op")
	}
}

func (ctl *Controller) ack(c *Client, ref, errMsg string) {
	if ref == "" {
		return
	}
	data, err := json.Marshal(relay.Frame{Op: relay.OpAck, Ref: ref, Error: errMsg})
	if err != nil {
		log.Error().Err(err).Str("module", "relayhub").Msg("ack marshal")
		return
	}
	_ = c.TrySend(data)
}
