package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBumpIsMonotonicAndInvalidates(t *testing.T) {
	s := New()
	a := s.Bump()
	b := s.Bump()
	assert.Greater(t, b, a)
	assert.False(t, s.Valid(a))
	assert.True(t, s.Valid(b))
	s.Reset()
	assert.True(t, s.Valid(b), "reset must not rewind the generation")
	assert.Greater(t, s.Bump(), b)
}

func TestLeaveOnlyByOwner(t *testing.T) {
	s := New()
	seek := s.Bump()
	s.Enter(PhaseSeeking, seek)
	assert.True(t, s.IgnoreTransportEvents())

	restart := s.Bump()
	s.Enter(PhaseRestarting, restart)
	assert.False(t, s.Leave(seek), "stale owner must not clear a newer phase")
	assert.True(t, s.Restarting())

	assert.True(t, s.Leave(restart))
	assert.Equal(t, PhaseIdle, s.Phase())
	assert.False(t, s.IgnoreTransportEvents())
}

func TestLeaveAfterUnrelatedBump(t *testing.T) {
	s := New()
	seek := s.Bump()
	s.Enter(PhaseSeeking, seek)
	s.Bump() // e.g. a pause that does not enter a phase
	assert.True(t, s.Leave(seek))
	assert.Equal(t, "idle", s.Phase().String())
}
