package report

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawchat/rawchat/internal/ban"
)

type memAuditStore struct {
	reports  []Report
	bans     []ban.Record
	countErr error
}

func (s *memAuditStore) Create(_ context.Context, r *Report) error {
	if r.Reason == "" {
		return errors.New("empty reason")
	}
	s.reports = append(s.reports, *r)
	return nil
}

func (s *memAuditStore) CreateBan(_ context.Context, rec ban.Record) error {
	s.bans = append(s.bans, rec)
	return nil
}

func (s *memAuditStore) CountRecent(_ context.Context, device string, window time.Duration, now time.Time) (int, error) {
	if s.countErr != nil {
		return 0, s.countErr
	}
	n := 0
	for _, r := range s.reports {
		if r.ReportedDevice == device && !r.CreatedAt.Before(now.Add(-window)) {
			n++
		}
	}
	return n, nil
}

func TestAuditor_StoresEventsFromSink(t *testing.T) {
	store := &memAuditStore{}
	aud := NewAuditor(store, DefaultWindow)
	pub := &fakePublisher{}
	sink := NewEventSink(pub)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sink.ReportFiled(Report{ReporterDevice: "a", ReportedDevice: "b", Reason: "spam", OriginAddr: "10.0.0.2", CreatedAt: at})
	sink.BanIssued(ban.Record{DeviceID: "b", Reason: ban.DefaultReason, CreatedAt: at, ExpiresAt: at.Add(ban.DefaultDuration)})

	require.NoError(t, aud.HandleReport(pub.reports[0]))
	require.NoError(t, aud.HandleBan(pub.bans[0]))

	require.Len(t, store.reports, 1)
	assert.Equal(t, "10.0.0.2", store.reports[0].OriginAddr)
	assert.True(t, store.reports[0].CreatedAt.Equal(at))
	require.Len(t, store.bans, 1)
	assert.True(t, store.bans[0].ExpiresAt.Equal(at.Add(24*time.Hour)))
}

func TestAuditor_RejectsBadEvents(t *testing.T) {
	aud := NewAuditor(&memAuditStore{}, DefaultWindow)

	assert.Error(t, aud.HandleReport([]byte(`not json`)))
	assert.Error(t, aud.HandleBan([]byte(`{"reason":"x"}`)))

	data, err := json.Marshal(Report{ReportedDevice: "b"})
	require.NoError(t, err)
	assert.Error(t, aud.HandleReport(data))
}

func TestAuditor_CountFailureIsNotFatal(t *testing.T) {
	store := &memAuditStore{countErr: errors.New("db down")}
	aud := NewAuditor(store, DefaultWindow)

	data, err := json.Marshal(Report{ReporterDevice: "a", ReportedDevice: "b", Reason: "spam", CreatedAt: time.Now()})
	require.NoError(t, err)
	assert.NoError(t, aud.HandleReport(data))
	assert.Len(t, store.reports, 1)
}
