// Package wsclient is a small WebSocket client for the rawchat protocol,
// built on gobwas/ws like the server. It is used by the end-to-end runner
// and by integration tests.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/rawchat/rawchat/internal/protocol"
)

// ErrClosed is returned when the server closed the connection.
var ErrClosed = errors.New("wsclient: connection closed")

// Frame is one decoded server frame.
type Frame struct {
	Event string
	Data  json.RawMessage
}

// Decode unmarshals the frame data into v.
func (f Frame) Decode(v interface{}) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("wsclient: %s frame has no data", f.Event)
	}
	return json.Unmarshal(f.Data, v)
}

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
}

// Client is one simulated user.
type Client struct {
	conn      net.Conn
	src       io.Reader
	writeMu   sync.Mutex
	frames    chan Frame
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	metrics     Metrics
	readErr     error
	closeCode   ws.StatusCode
	closeReason string
}

// URL returns base with the deviceId query parameter set.
func URL(base, deviceID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("wsclient: parse url: %w", err)
	}
	q := u.Query()
	q.Set("deviceId", deviceID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to the WebSocket endpoint at base as deviceID. An empty
// deviceID connects without one.
func Dial(ctx context.Context, base, deviceID string) (*Client, error) {
	target := base
	if deviceID != "" {
		var err error
		if target, err = URL(base, deviceID); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial: %w", err)
	}

	// Frames sent right after the handshake may already sit in br.
	var src io.Reader = conn
	if br != nil {
		src = io.MultiReader(br, conn)
	}

	c := &Client{
		conn:   conn,
		src:    src,
		frames: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send writes an event frame. data may be nil.
func (c *Client) Send(event string, data interface{}) error {
	env := map[string]interface{}{"event": event}
	if data != nil {
		env["data"] = data
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wsclient: marshal: %w", err)
	}
	return c.SendRaw(raw)
}

// SendRaw writes raw bytes as a text frame.
func (c *Client) SendRaw(raw []byte) error {
	c.writeMu.Lock()
	err := wsutil.WriteClientMessage(c.conn, ws.OpText, raw)
	c.writeMu.Unlock()
	if err == nil {
		c.mu.Lock()
		c.metrics.MessagesSent++
		c.mu.Unlock()
	}
	return err
}

// FindPartner sends find_partner.
func (c *Client) FindPartner() error {
	return c.Send(protocol.EventFindPartner, nil)
}

// Signal sends a signaling payload.
func (c *Client) Signal(payload map[string]interface{}) error {
	return c.Send(protocol.EventSignal, payload)
}

// Report reports the current partner.
func (c *Client) Report(reason string) error {
	return c.Send(protocol.EventReportUser, map[string]string{"reason": reason})
}

// Ping sends an application-level ping.
func (c *Client) Ping() error {
	return c.Send(protocol.EventPing, nil)
}

// Next returns the next frame.
func (c *Client) Next(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return Frame{}, c.closedErr()
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Expect returns the next frame and fails if it is not event.
func (c *Client) Expect(ctx context.Context, event string) (Frame, error) {
	f, err := c.Next(ctx)
	if err != nil {
		return f, fmt.Errorf("wsclient: waiting for %s: %w", event, err)
	}
	if f.Event != event {
		return f, fmt.Errorf("wsclient: expected %s, got %s (%s)", event, f.Event, f.Data)
	}
	return f, nil
}

// SessionID waits for session_created and returns the assigned ID.
func (c *Client) SessionID(ctx context.Context) (string, error) {
	f, err := c.Expect(ctx, protocol.EventSessionCreated)
	if err != nil {
		return "", err
	}
	var msg protocol.SessionCreatedMsg
	if err := f.Decode(&msg); err != nil {
		return "", err
	}
	return msg.SessionID, nil
}

// Done is closed once the read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// CloseStatus returns the status and reason of the server's close frame.
// The code is zero until one has been received.
func (c *Client) CloseStatus() (ws.StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// Metrics returns a copy of the client's counters.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = ws.WriteFrame(c.conn, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil && !errors.Is(c.readErr, io.EOF) {
		return fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	}
	return ErrClosed
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.frames)

	rd := &wsutil.Reader{Source: c.src, State: ws.StateClientSide, CheckUTF8: true}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			c.setErr(err)
			return
		}

		if hdr.OpCode.IsControl() {
			payload := make([]byte, hdr.Length)
			if _, err := io.ReadFull(rd, payload); err != nil {
				c.setErr(err)
				return
			}
			switch hdr.OpCode {
			case ws.OpPing:
				c.writeMu.Lock()
				err = ws.WriteFrame(c.conn, ws.MaskFrame(ws.NewPongFrame(payload)))
				c.writeMu.Unlock()
				if err != nil {
					c.setErr(err)
					return
				}
			case ws.OpClose:
				code, reason := ws.ParseCloseFrameData(payload)
				c.mu.Lock()
				c.closeCode, c.closeReason = code, reason
				c.mu.Unlock()
				c.setErr(io.EOF)
				return
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			c.setErr(err)
			return
		}
		if hdr.OpCode != ws.OpText {
			continue
		}

		var env struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		c.frames <- Frame{Event: env.Event, Data: env.Data}
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.mu.Unlock()
}
