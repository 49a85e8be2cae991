package ws

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/rawchat/rawchat/internal/logging"
	"github.com/rawchat/rawchat/internal/metrics"
	"github.com/rawchat/rawchat/internal/protocol"
)

// MessageHandler handles one parsed client event. msg is the concrete
// payload struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client frames to handlers by event name. Ping is
// answered internally; malformed frames and unregistered events get an
// error frame back.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	sender   frameWriter
	log      zerolog.Logger
}

// frameWriter is the part of Server the dispatcher needs to answer clients.
type frameWriter interface {
	Send(c *Connection, data []byte) error
}

// NewMessageDispatcher creates a dispatcher. The server may be nil and set
// later with SetServer, since NewServer itself needs the Dispatch callback.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	d := &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      logging.Component("ws"),
	}
	if server != nil {
		d.sender = server
	}
	return d
}

// SetServer assigns the server used to answer clients.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.sender = server
}

// Register associates handler with event, replacing any previous one.
func (d *MessageDispatcher) Register(event string, handler MessageHandler) {
	d.handlers[event] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	start := time.Now()
	defer func() { metrics.EventLatency.Observe(time.Since(start).Seconds()) }()

	event, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if _, known := d.handlers[event]; event != "" && !known && event != protocol.EventPing {
			d.log.Debug().Str("conn", conn.ID).Str("event", event).Msg("unsupported event")
			d.sendError(conn, protocol.CodeUnsupportedEvent, "unsupported event")
			return
		}
		d.log.Debug().Err(err).Str("conn", conn.ID).Msg("parse error")
		d.sendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}
	metrics.EventsTotal.WithLabelValues(event).Inc()

	if event == protocol.EventPing {
		conn.Touch()
		d.reply(conn, protocol.EventPong, nil)
		return
	}

	handler, ok := d.handlers[event]
	if !ok {
		d.log.Debug().Str("conn", conn.ID).Str("event", event).Msg("unsupported event")
		d.sendError(conn, protocol.CodeUnsupportedEvent, "unsupported event")
		return
	}
	handler(conn, msg)
}

func (d *MessageDispatcher) sendError(conn *Connection, code, message string) {
	d.reply(conn, protocol.EventError, protocol.ErrorMsg{Code: code, Message: message})
}

func (d *MessageDispatcher) reply(conn *Connection, event string, payload interface{}) {
	if d.sender == nil {
		return
	}
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		d.log.Error().Err(err).Str("event", event).Msg("failed to build reply")
		return
	}
	if err := d.sender.Send(conn, data); err != nil {
		d.log.Debug().Err(err).Str("conn", conn.ID).Str("event", event).Msg("failed to send reply")
	}
}
