// Package lobby owns the lifecycle of every connection: admission, matching,
// signaling and reporting. It is the only place that touches more than one of
// the session, queue, partnership and moderation stores, and it does so under
// a single lock so that every event sees and leaves a consistent state.
package lobby

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rawchat/rawchat/internal/ban"
	"github.com/rawchat/rawchat/internal/logging"
	"github.com/rawchat/rawchat/internal/matching"
	"github.com/rawchat/rawchat/internal/metrics"
	"github.com/rawchat/rawchat/internal/pairing"
	"github.com/rawchat/rawchat/internal/protocol"
	"github.com/rawchat/rawchat/internal/report"
	"github.com/rawchat/rawchat/internal/session"
)

var (
	// ErrMissingDeviceID is returned by Connect when no device ID was supplied.
	ErrMissingDeviceID = errors.New("lobby: missing device id")
	// ErrBanned is returned by Connect when the device has an active ban.
	ErrBanned = errors.New("lobby: device is banned")
)

// Config holds the user-facing texts and defaults used by the manager.
type Config struct {
	DefaultReportReason string // used when report_user carries no reason
	BannedNotice        string // reason shown in the banned frame
	ReportAck           string // message in report_received
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultReportReason: "nudity",
		BannedNotice:        "You are temporarily banned due to reports.",
		ReportAck:           "Your report has been submitted.",
	}
}

// Stats is a point-in-time view of the manager's stores.
type Stats struct {
	Sessions int `json:"sessions"`
	Waiting  int `json:"waiting"`
	Pairs    int `json:"pairs"`
	Bans     int `json:"bans"`
}

// Manager serialises all connection events.
type Manager struct {
	mu sync.Mutex

	cfg      Config
	sessions *session.Registry
	queue    *matching.Queue
	table    *pairing.Table
	relay    *pairing.Relay
	bans     *ban.Store
	tracker  *report.Tracker
	sender   pairing.Sender
	now      func() time.Time

	waitingSince map[string]time.Time
	log          zerolog.Logger
}

// NewManager creates a manager using the wall clock.
func NewManager(cfg Config, bans *ban.Store, tracker *report.Tracker, sender pairing.Sender) *Manager {
	return NewManagerWithClock(cfg, bans, tracker, sender, time.Now)
}

// NewManagerWithClock creates a manager that reads time from now.
func NewManagerWithClock(cfg Config, bans *ban.Store, tracker *report.Tracker, sender pairing.Sender, now func() time.Time) *Manager {
	if cfg.DefaultReportReason == "" {
		cfg.DefaultReportReason = DefaultConfig().DefaultReportReason
	}
	table := pairing.NewTable()
	return &Manager{
		cfg:          cfg,
		sessions:     session.NewRegistry(),
		queue:        matching.NewQueue(),
		table:        table,
		relay:        pairing.NewRelay(table, sender),
		bans:         bans,
		tracker:      tracker,
		sender:       sender,
		now:          now,
		waitingSince: make(map[string]time.Time),
		log:          logging.Component("lobby"),
	}
}

// Connect admits connID for device. A banned device is sent a banned frame
// and refused; the caller is expected to close the connection on any error.
func (m *Manager) Connect(connID, originAddr, deviceID string) error {
	deviceID = strings.TrimSpace(deviceID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if deviceID == "" {
		metrics.ConnectRejected.WithLabelValues(metrics.RejectMissingDevice).Inc()
		m.log.Warn().Str("conn", connID).Str("origin", originAddr).Msg("connect without device id")
		return ErrMissingDeviceID
	}

	now := m.now()
	if rec, banned := m.bans.Get(deviceID, now); banned {
		metrics.ConnectRejected.WithLabelValues(metrics.RejectBanned).Inc()
		m.log.Info().Str("conn", connID).Str("device", deviceID).Str("origin", originAddr).
			Time("expires_at", rec.ExpiresAt).Msg("banned device refused")
		m.send(connID, protocol.EventBanned, protocol.BannedMsg{
			Reason:   m.cfg.BannedNotice,
			Duration: int(rec.Remaining(now).Seconds()),
		})
		return fmt.Errorf("lobby: connect %s: %w", deviceID, ErrBanned)
	}

	m.sessions.Create(connID, deviceID, originAddr, now)
	m.log.Info().Str("conn", connID).Str("device", deviceID).Str("origin", originAddr).Msg("session created")
	m.send(connID, protocol.EventSessionCreated, protocol.SessionCreatedMsg{SessionID: connID})
	m.updateGauges()
	return nil
}

// Disconnect releases everything held by connID. A partner, if any, is told.
// Unknown connections are ignored.
func (m *Manager) Disconnect(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	known := m.sessions.Delete(connID)
	delete(m.waitingSince, connID)

	if partner, ok := m.table.Unpair(connID); ok {
		m.log.Info().Str("conn", connID).Str("partner", partner).Msg("paired connection left")
		m.send(partner, protocol.EventPartnerDisconnected, nil)
	} else {
		m.queue.Remove(connID)
	}

	if known {
		m.log.Debug().Str("conn", connID).Msg("session closed")
	}
	m.updateGauges()
}

// FindPartner drops any current partnership of connID without notice and
// pairs it with the longest waiting connection, or queues it.
func (m *Manager) FindPartner(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions.Get(connID) == nil {
		m.log.Debug().Str("conn", connID).Msg("find_partner from unknown connection ignored")
		return
	}

	if old, ok := m.table.Unpair(connID); ok {
		m.log.Debug().Str("conn", connID).Str("partner", old).Msg("previous partnership dropped")
	}

	now := m.now()
	partner, ok, err := m.queue.TryPair(connID)
	if err != nil {
		m.log.Error().Err(err).Str("conn", connID).Msg("matching invariant violated")
		ok = false
	}
	if ok {
		if err := m.table.Pair(connID, partner); err != nil {
			// The popped waiter keeps its turn.
			m.log.Error().Err(err).Str("conn", connID).Str("partner", partner).Msg("pairing invariant violated")
			m.queue.Requeue(partner)
			m.queue.Enqueue(connID)
			ok = false
		}
	}

	if !ok {
		if _, waiting := m.waitingSince[connID]; !waiting {
			m.waitingSince[connID] = now
		}
		m.log.Debug().Str("conn", connID).Int("queue", m.queue.Len()).Msg("waiting for partner")
		m.send(connID, protocol.EventWaitingForPartner, nil)
		m.updateGauges()
		return
	}

	if since, waited := m.waitingSince[partner]; waited {
		metrics.MatchWait.Observe(now.Sub(since).Seconds())
	}
	delete(m.waitingSince, partner)
	delete(m.waitingSince, connID)

	m.log.Info().Str("conn", connID).Str("partner", partner).Msg("paired")
	m.send(connID, protocol.EventPartnerFound, protocol.PartnerFoundMsg{PartnerID: partner})
	m.send(partner, protocol.EventPartnerFound, protocol.PartnerFoundMsg{PartnerID: connID})
	m.updateGauges()
}

// Signal forwards payload to connID's partner. Returns pairing.ErrNoPartner
// when there is nobody to forward to.
func (m *Manager) Signal(connID string, payload map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.relay.Forward(connID, payload); err != nil {
		metrics.SignalsTotal.WithLabelValues("dropped").Inc()
		if !errors.Is(err, pairing.ErrNoPartner) {
			m.log.Warn().Err(err).Str("conn", connID).Msg("signal delivery failed")
		}
		return err
	}
	metrics.SignalsTotal.WithLabelValues("forwarded").Inc()
	return nil
}

// Report files a report by connID against its current partner. It returns
// false, and sends nothing, if connID has no session or no partner.
func (m *Manager) Report(connID, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	reporter := m.sessions.Get(connID)
	if reporter == nil {
		return false
	}
	partner, ok := m.table.PartnerOf(connID)
	if !ok {
		m.log.Debug().Str("conn", connID).Msg("report without partner ignored")
		return false
	}
	offender := m.sessions.Get(partner)
	if offender == nil {
		m.log.Error().Str("conn", connID).Str("partner", partner).Msg("partner has no session")
		return false
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = m.cfg.DefaultReportReason
	}

	banned := m.tracker.RecordReport(reporter.DeviceID, offender.DeviceID, reason, offender.OriginAddr, m.now())
	metrics.ReportsTotal.Inc()
	m.log.Info().Str("conn", connID).Str("device", reporter.DeviceID).
		Str("reported", offender.DeviceID).Str("reason", reason).Msg("report recorded")
	if banned {
		metrics.BansTotal.Inc()
		m.log.Warn().Str("device", offender.DeviceID).Str("origin", offender.OriginAddr).Msg("device banned")
	}

	m.send(connID, protocol.EventReportReceived, protocol.ReportReceivedMsg{Message: m.cfg.ReportAck})
	return true
}

// Stats returns the current store sizes.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Sessions: m.sessions.Len(),
		Waiting:  m.queue.Len(),
		Pairs:    m.table.Len(),
		Bans:     m.bans.Len(),
	}
}

// PartnerOf returns connID's partner.
func (m *Manager) PartnerOf(connID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.PartnerOf(connID)
}

// Waiting returns the queued connection IDs, oldest first.
func (m *Manager) Waiting() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Snapshot()
}

// Session returns a copy of connID's session.
func (m *Manager) Session(connID string) (session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions.Get(connID)
	if s == nil {
		return session.Session{}, false
	}
	return *s, true
}

func (m *Manager) send(connID, event string, payload interface{}) {
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		m.log.Error().Err(err).Str("event", event).Msg("failed to encode frame")
		return
	}
	if err := m.sender.SendMessage(connID, data); err != nil {
		m.log.Debug().Err(err).Str("conn", connID).Str("event", event).Msg("send failed")
	}
}

func (m *Manager) updateGauges() {
	metrics.SessionsActive.Set(float64(m.sessions.Len()))
	metrics.MatchQueueSize.Set(float64(m.queue.Len()))
	metrics.ActivePairs.Set(float64(m.table.Len()))
}
