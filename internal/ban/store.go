// Package ban keeps temporary device bans in memory. Each device has at most
// one active record; expiry is evaluated when a record is read, and expired
// records are deleted at that point rather than by a sweeper.
package ban

import (
	"sync"
	"time"
)

const (
	// DefaultDuration is how long a report-triggered ban lasts.
	DefaultDuration = 24 * time.Hour

	// DefaultReason is recorded on bans created by the report tracker.
	DefaultReason = "Multiple reports received"
)

// Record is an active suspension for one device.
type Record struct {
	DeviceID  string    `json:"device_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Active reports whether the ban is still in force at now.
func (r Record) Active(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// Remaining returns the time left on the ban at now, or zero once expired.
func (r Record) Remaining(now time.Time) time.Duration {
	if !r.Active(now) {
		return 0
	}
	return r.ExpiresAt.Sub(now)
}

// Store manages ban records keyed by device ID.
type Store struct {
	mu   sync.Mutex
	bans map[string]Record
}

// NewStore creates an empty ban store.
func NewStore() *Store {
	return &Store{bans: make(map[string]Record)}
}

// IsBanned reports whether device has an unexpired ban at now.
func (s *Store) IsBanned(device string, now time.Time) bool {
	_, ok := s.Get(device, now)
	return ok
}

// Get returns the active ban for device. An expired record is deleted and
// reported as absent.
func (s *Store) Get(device string, now time.Time) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.bans[device]
	if !ok {
		return Record{}, false
	}
	if !rec.Active(now) {
		delete(s.bans, device)
		return Record{}, false
	}
	return rec, true
}

// Ban creates or overwrites the ban for device, expiring duration after now.
func (s *Store) Ban(device, reason string, now time.Time, duration time.Duration) Record {
	rec := Record{
		DeviceID:  device,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
	}

	s.mu.Lock()
	s.bans[device] = rec
	s.mu.Unlock()
	return rec
}

// Unban removes any ban for device. It reports whether a record existed.
func (s *Store) Unban(device string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bans[device]; !ok {
		return false
	}
	delete(s.bans, device)
	return true
}

// Len returns the number of stored records, including expired ones that
// have not been read since they lapsed.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bans)
}
