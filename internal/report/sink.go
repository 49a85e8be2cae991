package report

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/rawchat/rawchat/internal/ban"
)

// Publisher is the subset of the NATS client used to export moderation
// events.
type Publisher interface {
	PublishReport(data []byte) error
	PublishBan(data []byte) error
}

// EventSink publishes reports and bans as JSON so an out-of-process
// consumer can retain them. Publish failures are logged and dropped.
type EventSink struct {
	pub Publisher
}

// NewEventSink creates a sink that publishes through pub.
func NewEventSink(pub Publisher) *EventSink {
	return &EventSink{pub: pub}
}

// ReportFiled implements Sink.
func (s *EventSink) ReportFiled(r Report) {
	data, err := json.Marshal(r)
	if err != nil {
		log.Error().Str("component", "report").Err(err).Msg("marshal report event")
		return
	}
	if err := s.pub.PublishReport(data); err != nil {
		log.Warn().Str("component", "report").Str("device", r.ReportedDevice).Err(err).Msg("publish report event")
	}
}

// BanIssued implements Sink.
func (s *EventSink) BanIssued(rec ban.Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		log.Error().Str("component", "report").Err(err).Msg("marshal ban event")
		return
	}
	if err := s.pub.PublishBan(data); err != nil {
		log.Warn().Str("component", "report").Str("device", rec.DeviceID).Err(err).Msg("publish ban event")
	}
}
