// Package messaging wraps the NATS connection used to export moderation
// events (reports and bans) from the signaling servers to the auditor.
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/rawchat/rawchat/internal/logging"
)

// NATS subjects.
const (
	SubjectReport = "moderation.report"
	SubjectBan    = "moderation.ban"
)

// AuditorQueue is the queue group auditors join so that each event is
// persisted once no matter how many auditors run.
const AuditorQueue = "auditor"

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
	log  zerolog.Logger
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "rawchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	lg := logging.Component("nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			lg.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			lg.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			lg.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}
	lg.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
		log:  lg,
	}, nil
}

// Publish sends data to the given subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishReport publishes an encoded report on SubjectReport.
func (c *NATSClient) PublishReport(data []byte) error {
	return c.Publish(SubjectReport, data)
}

// PublishBan publishes an encoded ban record on SubjectBan.
func (c *NATSClient) PublishBan(data []byte) error {
	return c.Publish(SubjectBan, data)
}

// Subscribe registers handler for subject. With a non-empty queue the
// subscription joins that queue group. The subscription is kept for Close.
func (c *NATSClient) Subscribe(subject, queue string, handler func(data []byte)) error {
	cb := func(msg *nats.Msg) { handler(msg.Data) }

	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = c.conn.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = c.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// SubscribeReports delivers every report published on SubjectReport.
func (c *NATSClient) SubscribeReports(queue string, handler func(data []byte)) error {
	return c.Subscribe(SubjectReport, queue, handler)
}

// SubscribeBans delivers every ban published on SubjectBan.
func (c *NATSClient) SubscribeBans(queue string, handler func(data []byte)) error {
	return c.Subscribe(SubjectBan, queue, handler)
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("subject", subject).Msg("drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain failed")
	}
}
