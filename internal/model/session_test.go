package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(h, m int) time.Time { return time.Date(2025, 1, 1, h, m, 0, 0, time.UTC) }

func TestSessionState(t *testing.T) {
	s := ClassSession{SessionDate: "2025-01-01", SessionTime: "09:00", IsActive: true, ExpiresAt: at(10, 0)}

	assert.Equal(t, SessionActive, s.State(at(9, 30), time.UTC))
	assert.Equal(t, SessionExpired, s.State(at(10, 0), time.UTC))
	assert.Equal(t, SessionExpired, s.State(at(10, 1), time.UTC))

	s.IsActive = false
	assert.Equal(t, SessionScheduled, s.State(at(8, 30), time.UTC))
	assert.Equal(t, SessionDeactivated, s.State(at(9, 41), time.UTC))
	assert.Equal(t, SessionExpired, s.State(at(10, 0), time.UTC))
}

func TestAcceptsCodesBoundary(t *testing.T) {
	s := ClassSession{IsActive: true, ExpiresAt: at(10, 0)}
	assert.True(t, s.AcceptsCodes(at(9, 59)))
	assert.False(t, s.AcceptsCodes(at(10, 0)))

	s.IsActive = false
	assert.False(t, s.AcceptsCodes(at(9, 30)))
}

func TestParseStart(t *testing.T) {
	start, err := ParseStart("2025-01-01", "09:00:00", nil)
	require.NoError(t, err)
	assert.Equal(t, at(9, 0), start)

	_, err = ParseStart("2025-13-01", "09:00", time.UTC)
	assert.Error(t, err)
}

func TestHideCodesCopies(t *testing.T) {
	views := []SessionView{{ClassSession: ClassSession{ID: "s-1", OTCCode: "7F3K9Q"}, SubjectCode: "CS101"}}

	hidden := HideCodes(views)
	require.Len(t, hidden, 1)
	assert.Empty(t, hidden[0].OTCCode)
	assert.Equal(t, "CS101", hidden[0].SubjectCode)
	assert.Equal(t, "7F3K9Q", views[0].OTCCode, "input must not be modified")
	assert.Nil(t, HideCodes(nil))
}
