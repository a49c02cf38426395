package relay_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	adhttp "github.com/avelys/watchline/internal/adapters/http"
	"github.com/avelys/watchline/internal/adapters/relay"
	"github.com/avelys/watchline/internal/adapters/relayhub"
	"github.com/avelys/watchline/internal/config"
	"github.com/avelys/watchline/internal/core"
)

func startHub(t *testing.T, subscribeLimit int) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{Mode: "release", Secret: "test-secret", ReadLimit: 32768}
	hub := relayhub.NewHub(relayhub.KickSlowPolicy{})
	limiter := relayhub.NewSubscribeRateLimiter(subscribeLimit, time.Minute)
	ctl := relayhub.NewController(hub, limiter, cfg.ReadLimit)

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(adhttp.SetupRouter(ctx, cfg, ctl))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/relay"
}

func TestPublishReachesOtherSubscribers(t *testing.T) {
	url := startHub(t, 100)
	ctx := context.Background()

	a, err := relay.Dial(ctx, url, time.Minute)
	require.NoError(t, err)
	defer a.Close()
	b, err := relay.Dial(ctx, url, time.Minute)
	require.NoError(t, err)
	defer b.Close()

	ha, err := a.Subscribe(ctx, "signal:req:emp")
	require.NoError(t, err)
	require.Equal(t, core.SubscriptionSubscribed, ha.State())

	received := make(chan []byte, 4)
	ha.On("signal", func(payload []byte) { received <- payload })

	hb, err := b.Subscribe(ctx, "signal:req:emp")
	require.NoError(t, err)
	echoed := make(chan []byte, 4)
	hb.On("signal", func(payload []byte) { echoed <- payload })

	require.NoError(t, b.Publish(ctx, hb, "signal", []byte(`{"type":"offer","from":"boss"}`)))

	select {
	case payload := <-received:
		require.JSONEq(t, `{"type":"offer","from":"boss"}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("expected delivery to the other subscriber")
	}

	select {
	case <-echoed:
		t.Fatal("publisher must not receive its own message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishWithoutSubscriptionFails(t *testing.T) {
	url := startHub(t, 100)
	ctx := context.Background()

	a, err := relay.Dial(ctx, url, time.Minute)
	require.NoError(t, err)
	defer a.Close()

	h, err := a.Subscribe(ctx, "ch")
	require.NoError(t, err)
	require.NoError(t, a.Unsubscribe(h))

	err = a.Publish(ctx, h, "signal", []byte(`{}`))
	require.ErrorIs(t, err, relay.ErrNotSubscribed)
}

func TestSubscribeRateLimited(t *testing.T) {
	url := startHub(t, 1)
	ctx := context.Background()

	a, err := relay.Dial(ctx, url, time.Minute)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Subscribe(ctx, "ch1")
	require.NoError(t, err)

	_, err = a.Subscribe(ctx, "ch2")
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limited")
}

func TestSubscribeAfterCloseFails(t *testing.T) {
	url := startHub(t, 100)
	ctx := context.Background()

	a, err := relay.Dial(ctx, url, time.Minute)
	require.NoError(t, err)
	a.Close()

	_, err = a.Subscribe(ctx, "ch")
	require.Error(t, err)
}
