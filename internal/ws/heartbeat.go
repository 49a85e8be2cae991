package ws

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // max silence before a connection is evicted
}

// DefaultHeartbeatConfig pings every 25s and gives up after 60s of silence.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 25 * time.Second,
		Timeout:  60 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and evicts those that
// have been silent for longer than Timeout. Eviction goes through
// RemoveConnection, so the disconnect hook runs as for any other close.
// The goroutine exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > config.Timeout {
			server.log.Info().Str("conn", c.ID).Dur("idle", idle.Round(time.Second)).Msg("heartbeat timeout")
			server.RemoveConnection(c)
			continue
		}

		// Browsers answer protocol pings automatically; the pong counts as activity.
		if err := server.writeWithDeadline(c, c.WritePing); err != nil {
			server.log.Debug().Err(err).Str("conn", c.ID).Msg("heartbeat ping failed")
			server.RemoveConnection(c)
		}
	}
}
