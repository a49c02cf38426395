package relayhub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avelys/watchline/internal/adapters/relay"
)

func drain(t *testing.T, c *Client) []relay.Frame {
	t.Helper()
	var out []relay.Frame
	for {
		select {
		case data := <-c.send:
			var f relay.Frame
			require.NoError(t, json.Unmarshal(data, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestPublishFansOutExceptSender(t *testing.T) {
	hub := NewHub(KickSlowPolicy{})
	a := NewClient("a", nil)
	b := NewClient("b", nil)
	c := NewClient("c", nil)
	hub.Subscribe("signal:req:emp", a)
	hub.Subscribe("signal:req:emp", b)
	hub.Subscribe("signal:req:emp", c)

	res := hub.Publish(a, "signal:req:emp", "signal", json.RawMessage(`{"type":"offer","from":"a"}`))
	require.Equal(t, 2, res.SentTo)
	require.Empty(t, res.Dropped)

	require.Empty(t, drain(t, a), "publisher must not hear its own message")
	for _, sub := range []*Client{b, c} {
		frames := drain(t, sub)
		require.Len(t, frames, 1, "each subscriber gets the event exactly once")
		require.Equal(t, relay.OpEvent, frames[0].Op)
		require.Equal(t, "signal:req:emp", frames[0].Channel)
		require.Equal(t, "signal", frames[0].Event)
	}
}

func TestPublishToEmptyChannelIsLost(t *testing.T) {
	hub := NewHub(KickSlowPolicy{})
	a := NewClient("a", nil)
	res := hub.Publish(a, "signal:req:nobody", "signal", nil)
	require.Equal(t, 0, res.SentTo)
}

func TestFramesKeepOrderPerSubscriber(t *testing.T) {
	hub := NewHub(KickSlowPolicy{})
	a := NewClient("a", nil)
	b := NewClient("b", nil)
	hub.Subscribe("ch", a)
	hub.Subscribe("ch", b)

	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(map[string]int{"seq": i})
		hub.Publish(a, "ch", "signal", payload)
	}

	frames := drain(t, b)
	require.Len(t, frames, 5)
	for i, f := range frames {
		var body map[string]int
		require.NoError(t, json.Unmarshal(f.Payload, &body))
		require.Equal(t, i, body["seq"])
	}
}

func TestSlowSubscriberIsKicked(t *testing.T) {
	hub := NewHub(KickSlowPolicy{})
	fast := NewClient("fast", nil)
	slow := NewClient("slow", nil)
	hub.Subscribe("ch", fast)
	hub.Subscribe("ch", slow)

	publisher := NewClient("pub", nil)
	hub.Subscribe("ch", publisher)

	// Fill the slow client's buffer without draining it.
	for i := 0; i <= sendBuffer; i++ {
		hub.Publish(publisher, "ch", "signal", nil)
		drain(t, fast)
	}

	require.Equal(t, 2, hub.SubscriberCount("ch"), "the slow client is dropped from the channel")

	res := hub.Publish(publisher, "ch", "signal", nil)
	require.Equal(t, 1, res.SentTo)
	require.Empty(t, res.Dropped)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(KickSlowPolicy{})
	a := NewClient("a", nil)
	b := NewClient("b", nil)
	hub.Subscribe("ch", a)
	hub.Subscribe("ch", b)

	hub.Unsubscribe("ch", b)
	res := hub.Publish(a, "ch", "signal", nil)
	require.Equal(t, 0, res.SentTo)
	require.Empty(t, drain(t, b))
}

func TestDropRemovesClientEverywhere(t *testing.T) {
	hub := NewHub(KickSlowPolicy{})
	a := NewClient("a", nil)
	hub.Subscribe("ch1", a)
	hub.Subscribe("ch2", a)

	hub.Drop(a)
	require.Equal(t, 0, hub.SubscriberCount("ch1"))
	require.Equal(t, 0, hub.SubscriberCount("ch2"))
}

func TestSubscribeRateLimiter(t *testing.T) {
	rl := NewSubscribeRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		require.True(t, rl.Allow("client-1"))
	}
	require.False(t, rl.Allow("client-1"), "fourth attempt inside the window is blocked")
	require.True(t, rl.Allow("client-2"), "limits are per client token")
}

func TestRateLimiterWindowSlides(t *testing.T) {
	rl := NewSubscribeRateLimiter(2, 30*time.Millisecond)

	require.True(t, rl.Allow("c"))
	require.True(t, rl.Allow("c"))
	require.False(t, rl.Allow("c"))

	time.Sleep(40 * time.Millisecond)
	require.True(t, rl.Allow("c"), "old attempts age out of the window")
}
