package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rawchat/rawchat/internal/lobby"
	"github.com/rawchat/rawchat/internal/pairing"
	"github.com/rawchat/rawchat/internal/protocol"
)

// Lobby is the session core driven by the transport.
type Lobby interface {
	Connect(connID, originAddr, deviceID string) error
	Disconnect(connID string)
	FindPartner(connID string)
	Signal(connID string, payload map[string]json.RawMessage) error
	Report(connID, reason string) bool
	Stats() lobby.Stats
}

// ReportGuard throttles report_user per device. Nil allows everything.
type ReportGuard interface {
	AllowReport(ctx context.Context, deviceID string) (allowed bool, retryAfter time.Duration)
}

// Bind connects the lobby to the server: sessions are created on upgrade
// and released on removal, and client events are routed to the lobby.
func Bind(s *Server, d *MessageDispatcher, l Lobby, guard ReportGuard) {
	s.SetOnConnect(func(c *Connection) error {
		return l.Connect(c.ID, c.OriginAddr, c.DeviceID)
	})
	s.SetOnDisconnect(l.Disconnect)
	s.SetHealthReporter(func() interface{} { return l.Stats() })

	d.Register(protocol.EventFindPartner, func(c *Connection, _ interface{}) {
		l.FindPartner(c.ID)
	})

	d.Register(protocol.EventSignal, func(c *Connection, msg interface{}) {
		sig, ok := msg.(protocol.SignalMsg)
		if !ok {
			return
		}
		if err := l.Signal(c.ID, sig.Payload); err != nil && !errors.Is(err, pairing.ErrNoPartner) {
			d.log.Debug().Err(err).Str("conn", c.ID).Msg("signal not delivered")
		}
	})

	d.Register(protocol.EventReportUser, func(c *Connection, msg interface{}) {
		rep, _ := msg.(protocol.ReportUserMsg)
		if guard != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			allowed, retryAfter := guard.AllowReport(ctx, c.DeviceID)
			cancel()
			if !allowed {
				d.reply(c, protocol.EventError, protocol.ErrorMsg{
					Code:       protocol.CodeRateLimited,
					Message:    "too many reports",
					RetryAfter: RetrySeconds(retryAfter),
				})
				return
			}
		}
		l.Report(c.ID, rep.Reason)
	})
}
