package ws

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "10.0.0.7", ClientAddr(r, false))
	assert.Equal(t, "203.0.113.9", ClientAddr(r, true))

	r.Header.Del("X-Forwarded-For")
	assert.Equal(t, "10.0.0.7", ClientAddr(r, true))

	r.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", ClientAddr(r, false))
}

func TestDeviceID(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?deviceId=+abc+", nil)
	r.Header.Set(DeviceIDHeader, "from-header")
	assert.Equal(t, "abc", DeviceID(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set(DeviceIDHeader, "from-header")
	assert.Equal(t, "from-header", DeviceID(r))

	r = httptest.NewRequest("GET", "/ws?deviceId=", nil)
	assert.Empty(t, DeviceID(r))
}

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager()
	a, _ := net.Pipe()
	b, _ := net.Pipe()
	ca := newConnection("a", a, "d1", "")
	cb := newConnection("b", b, "d2", "")

	cm.Add(ca)
	cm.Add(cb)
	assert.Equal(t, 2, cm.Count())
	assert.Same(t, ca, cm.Get("a"))
	assert.Same(t, cb, cm.GetByConn(b))

	assert.True(t, cm.Remove("a"))
	assert.False(t, cm.Remove("a"))
	assert.Nil(t, cm.Get("a"))
	assert.Nil(t, cm.GetByConn(a))
	assert.Len(t, cm.All(), 1)
}

func TestCheckConnectionsEvictsIdle(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), nil)
	require.NoError(t, srv.Init())
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	var gone []string
	srv.SetOnDisconnect(func(id string) { gone = append(gone, id) })

	idleSide, idlePeer := net.Pipe()
	defer idlePeer.Close()
	idle := newConnection("idle", idleSide, "d1", "")
	idle.lastSeen.Store(time.Now().Add(-2 * time.Minute).UnixNano())
	srv.conns.Add(idle)

	checkConnections(srv, HeartbeatConfig{Interval: time.Second, Timeout: time.Minute}, time.Now())

	assert.Equal(t, []string{"idle"}, gone)
	assert.Equal(t, 0, srv.Connections().Count())
}

func TestCheckConnectionsPingsLive(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), nil)
	require.NoError(t, srv.Init())
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	liveSide, livePeer := net.Pipe()
	defer livePeer.Close()
	live := newConnection("live", liveSide, "d1", "")
	srv.conns.Add(live)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 2)
		_, _ = io.ReadFull(livePeer, buf)
		got <- buf
		_, _ = io.Copy(io.Discard, livePeer)
	}()

	checkConnections(srv, HeartbeatConfig{Interval: time.Second, Timeout: time.Minute}, time.Now())

	select {
	case b := <-got:
		assert.Equal(t, byte(0x89), b[0], "expected a FIN ping frame")
	case <-time.After(2 * time.Second):
		t.Fatal("no ping written")
	}
	assert.Equal(t, 1, srv.Connections().Count())
}

func TestRetrySeconds(t *testing.T) {
	assert.Equal(t, 1, RetrySeconds(0))
	assert.Equal(t, 1, RetrySeconds(200*time.Millisecond))
	assert.Equal(t, 2, RetrySeconds(1500*time.Millisecond))
	assert.Equal(t, 3600, RetrySeconds(time.Hour))
}
