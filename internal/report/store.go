package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rawchat/rawchat/internal/ban"
)

// MaxReasonLength bounds the stored reason text.
const MaxReasonLength = 256

// PGStore persists the moderation audit trail in PostgreSQL. It is used by
// the auditor process, not by the pairing server itself.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a store backed by the given database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Create inserts a report. The reason must be non-empty and is truncated to
// MaxReasonLength.
func (s *PGStore) Create(ctx context.Context, r *Report) error {
	reason := truncateReason(strings.TrimSpace(r.Reason))
	if reason == "" {
		return errors.New("report: empty reason")
	}
	if r.ReportedDevice == "" {
		return errors.New("report: empty reported device")
	}

	const query = `
		INSERT INTO abuse_reports (reporter_device, reported_device, reason, origin_addr, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query,
		r.ReporterDevice,
		r.ReportedDevice,
		reason,
		r.OriginAddr,
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// truncateReason cuts s to at most MaxReasonLength bytes without splitting
// a UTF-8 sequence.
func truncateReason(s string) string {
	if len(s) <= MaxReasonLength {
		return s
	}
	cut := MaxReasonLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// CreateBan records an issued ban.
func (s *PGStore) CreateBan(ctx context.Context, rec ban.Record) error {
	const query = `
		INSERT INTO device_bans (device_id, reason, created_at, expires_at)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.db.ExecContext(ctx, query, rec.DeviceID, rec.Reason, rec.CreatedAt, rec.ExpiresAt); err != nil {
		return fmt.Errorf("report: insert ban: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against a device within
// window before now.
func (s *PGStore) CountRecent(ctx context.Context, reportedDevice string, window time.Duration, now time.Time) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_device = $1
		  AND created_at >= $2`

	var count int
	err := s.db.QueryRowContext(ctx, query, reportedDevice, now.Add(-window)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
