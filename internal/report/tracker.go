// Package report counts peer reports against devices and bans a device once
// too many reports land inside the tracking window. It also keeps the raw
// reports as an audit trail and can forward them to an external sink.
package report

import (
	"sync"
	"time"

	"github.com/rawchat/rawchat/internal/ban"
)

// Tracking defaults.
const (
	DefaultThreshold = 3
	DefaultWindow    = 24 * time.Hour
)

// Config holds the moderation policy.
type Config struct {
	Threshold   int           // reports within Window that trigger a ban
	Window      time.Duration // sliding window for counting reports
	BanDuration time.Duration // length of a triggered ban
	BanReason   string        // reason recorded on triggered bans
}

// DefaultConfig returns the standard policy: 3 reports in 24h bans for 24h.
func DefaultConfig() Config {
	return Config{
		Threshold:   DefaultThreshold,
		Window:      DefaultWindow,
		BanDuration: ban.DefaultDuration,
		BanReason:   ban.DefaultReason,
	}
}

// Report is one audit record: who reported whom, why, and from where the
// reported device was connected.
type Report struct {
	ReporterDevice string    `json:"reporter_device"`
	ReportedDevice string    `json:"reported_device"`
	Reason         string    `json:"reason"`
	OriginAddr     string    `json:"origin_addr,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Sink receives moderation events after they have been applied locally.
// Implementations must not block.
type Sink interface {
	ReportFiled(r Report)
	BanIssued(rec ban.Record)
}

// Tracker maintains per-device report windows and the audit log.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	bans    *ban.Store
	sink    Sink
	reports map[string][]Report    // reported device -> audit log
	windows map[string][]time.Time // reported device -> recent report times
}

// NewTracker creates a tracker that writes triggered bans into bans. sink
// may be nil.
func NewTracker(cfg Config, bans *ban.Store, sink Sink) *Tracker {
	return &Tracker{
		cfg:     cfg,
		bans:    bans,
		sink:    sink,
		reports: make(map[string][]Report),
		windows: make(map[string][]time.Time),
	}
}

// RecordReport files a report against reported and returns true if it
// caused a ban. Window entries older than the window at now are pruned
// before the threshold is checked.
func (t *Tracker) RecordReport(reporter, reported, reason, originAddr string, now time.Time) bool {
	r := Report{
		ReporterDevice: reporter,
		ReportedDevice: reported,
		Reason:         reason,
		OriginAddr:     originAddr,
		CreatedAt:      now,
	}

	t.mu.Lock()
	t.reports[reported] = append(t.reports[reported], r)
	window := prune(append(t.windows[reported], now), now, t.cfg.Window)
	t.windows[reported] = window
	breached := len(window) >= t.cfg.Threshold
	t.mu.Unlock()

	var rec ban.Record
	if breached {
		rec = t.bans.Ban(reported, t.cfg.BanReason, now, t.cfg.BanDuration)
	}

	if t.sink != nil {
		t.sink.ReportFiled(r)
		if breached {
			t.sink.BanIssued(rec)
		}
	}
	return breached
}

// WindowLen returns how many reports against device fall inside the window
// at now, without modifying the stored window.
func (t *Tracker) WindowLen(device string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, ts := range t.windows[device] {
		if now.Sub(ts) <= t.cfg.Window {
			n++
		}
	}
	return n
}

// Reports returns a copy of the audit log for device, oldest first.
func (t *Tracker) Reports(device string) []Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Report, len(t.reports[device]))
	copy(out, t.reports[device])
	return out
}

// prune drops timestamps more than window before now, keeping order.
func prune(window []time.Time, now time.Time, d time.Duration) []time.Time {
	kept := window[:0]
	for _, ts := range window {
		if now.Sub(ts) > d {
			continue
		}
		kept = append(kept, ts)
	}
	return kept
}
