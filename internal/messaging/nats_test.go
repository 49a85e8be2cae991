package messaging

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.URL = url
	}
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available at %s: %v", cfg.URL, err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestPublishReport_DeliveredToSubscriber(t *testing.T) {
	c := newTestClient(t)

	got := make(chan []byte, 1)
	require.NoError(t, c.SubscribeReports("", func(data []byte) { got <- data }))
	require.NoError(t, c.Flush())

	require.NoError(t, c.PublishReport([]byte(`{"reported_device":"x"}`)))

	select {
	case data := <-got:
		assert.JSONEq(t, `{"reported_device":"x"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("report not delivered")
	}
}

func TestQueueGroup_DeliversOnce(t *testing.T) {
	a := newTestClient(t)
	b := newTestClient(t)

	got := make(chan string, 4)
	require.NoError(t, a.SubscribeBans(AuditorQueue, func([]byte) { got <- "a" }))
	require.NoError(t, b.SubscribeBans(AuditorQueue, func([]byte) { got <- "b" }))
	require.NoError(t, a.Flush())
	require.NoError(t, b.Flush())

	require.NoError(t, a.PublishBan([]byte(`{}`)))

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("ban not delivered")
	}
	select {
	case who := <-got:
		t.Fatalf("ban delivered twice (second to %s)", who)
	case <-time.After(200 * time.Millisecond):
	}
}
