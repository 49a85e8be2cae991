package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rawchat/rawchat/internal/ban"
	"github.com/rawchat/rawchat/internal/logging"
)

// AuditStore is where the auditor persists moderation events. PGStore
// implements it.
type AuditStore interface {
	Create(ctx context.Context, r *Report) error
	CreateBan(ctx context.Context, rec ban.Record) error
	CountRecent(ctx context.Context, reportedDevice string, window time.Duration, now time.Time) (int, error)
}

// Auditor decodes events published by EventSink and writes them to an
// AuditStore.
type Auditor struct {
	store   AuditStore
	window  time.Duration
	timeout time.Duration
	log     zerolog.Logger
}

// NewAuditor creates an auditor. window is only used to log how many
// reports a device has accumulated.
func NewAuditor(store AuditStore, window time.Duration) *Auditor {
	return &Auditor{
		store:   store,
		window:  window,
		timeout: 5 * time.Second,
		log:     logging.Component("auditor"),
	}
}

// HandleReport persists one report event.
func (a *Auditor) HandleReport(data []byte) error {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("report: decode report event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if err := a.store.Create(ctx, &r); err != nil {
		return err
	}

	n, err := a.store.CountRecent(ctx, r.ReportedDevice, a.window, r.CreatedAt)
	if err != nil {
		a.log.Warn().Err(err).Str("device", r.ReportedDevice).Msg("count recent reports")
		n = -1
	}
	a.log.Info().Str("reporter", r.ReporterDevice).Str("device", r.ReportedDevice).
		Str("reason", r.Reason).Str("origin", r.OriginAddr).Int("recent", n).Msg("report stored")
	return nil
}

// HandleBan persists one ban event.
func (a *Auditor) HandleBan(data []byte) error {
	var rec ban.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("report: decode ban event: %w", err)
	}
	if rec.DeviceID == "" {
		return fmt.Errorf("report: ban event without device")
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	if err := a.store.CreateBan(ctx, rec); err != nil {
		return err
	}
	a.log.Info().Str("device", rec.DeviceID).Time("expires_at", rec.ExpiresAt).Msg("ban stored")
	return nil
}
