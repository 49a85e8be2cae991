package ban

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestIsBanned_NotBanned(t *testing.T) {
	s := NewStore()
	assert.False(t, s.IsBanned("dev-none", t0))
}

func TestBanAndCheck(t *testing.T) {
	s := NewStore()
	rec := s.Ban("dev-1", "spam", t0, 30*time.Second)

	assert.Equal(t, t0.Add(30*time.Second), rec.ExpiresAt)
	assert.True(t, s.IsBanned("dev-1", t0))
	assert.True(t, s.IsBanned("dev-1", t0.Add(29*time.Second)))

	got, ok := s.Get("dev-1", t0.Add(10*time.Second))
	require.True(t, ok)
	assert.Equal(t, "spam", got.Reason)
	assert.Equal(t, 20*time.Second, got.Remaining(t0.Add(10*time.Second)))
}

func TestExpiryIsExclusive(t *testing.T) {
	s := NewStore()
	s.Ban("dev-1", "spam", t0, time.Minute)

	// now == expires_at is no longer banned.
	assert.False(t, s.IsBanned("dev-1", t0.Add(time.Minute)))
}

func TestExpiredRecordIsEvictedOnRead(t *testing.T) {
	s := NewStore()
	s.Ban("dev-1", "spam", t0, time.Minute)
	require.Equal(t, 1, s.Len())

	assert.False(t, s.IsBanned("dev-1", t0.Add(2*time.Minute)))
	assert.Equal(t, 0, s.Len())
}

func TestBanOverwritesWithFreshExpiry(t *testing.T) {
	s := NewStore()
	s.Ban("dev-1", "first", t0, time.Hour)
	s.Ban("dev-1", "second", t0.Add(30*time.Minute), time.Hour)

	rec, ok := s.Get("dev-1", t0.Add(70*time.Minute))
	require.True(t, ok)
	assert.Equal(t, "second", rec.Reason)
	assert.Equal(t, t0.Add(90*time.Minute), rec.ExpiresAt)
	assert.Equal(t, 1, s.Len())
}

func TestUnban(t *testing.T) {
	s := NewStore()
	s.Ban("dev-1", "test", t0, time.Minute)

	assert.True(t, s.Unban("dev-1"))
	assert.False(t, s.IsBanned("dev-1", t0))
	assert.False(t, s.Unban("dev-1"))
}

func TestRemaining_Expired(t *testing.T) {
	rec := Record{ExpiresAt: t0}
	assert.Equal(t, time.Duration(0), rec.Remaining(t0.Add(time.Second)))
}
