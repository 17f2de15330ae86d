package sequencer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/crescent-stdio/wave-roll-sub001/internal/backend"
	"github.com/crescent-stdio/wave-roll-sub001/internal/backend/backendtest"
)

func scenarioNotes() []Note {
	return []Note{
		{Time: 2.5, Pitch: 67, Duration: 0.5, Velocity: 0.8, FileID: "b"},
		{Time: 0, Pitch: 60, Duration: 0.5, Velocity: 0.8, FileID: "a"},
		{Time: 1, Pitch: 62, Duration: 0.5, Velocity: 0.8, FileID: "a"},
		{Time: 2, Pitch: 64, Duration: 0.5, Velocity: 0.8, FileID: "b"},
	}
}

func seconds(v float64) *float64 { return &v }

func TestDurationAndFiles(t *testing.T) {
	be := backendtest.New(nil)
	s := New(be, scenarioNotes(), zaptest.NewLogger(t))
	assert.InDelta(t, 3.0, s.Duration(), 1e-12)
	assert.Equal(t, []string{"a", "b"}, s.FileIDs())
	assert.Equal(t, 0.0, s.Notes()[0].Time)

	ch, ok := be.FakeInstrument().Channel("a")
	require.True(t, ok)
	assert.Equal(t, backend.ChannelParams{Gain: 1}, ch)
}

func TestSetupWholeTrack(t *testing.T) {
	be := backendtest.New(nil)
	s := New(be, scenarioNotes(), nil)
	s.Setup(nil, nil, SetupOptions{Duration: 3, Tempo: 240, OriginalTempo: 120})

	parts := be.Parts()
	require.Len(t, parts, 1)
	p := parts[0]
	require.Len(t, p.Events, 4)
	assert.False(t, p.Loop.Enabled)
	// double tempo halves transport times
	assert.InDelta(t, 0.5, p.Events[1].Time, 1e-12)
	assert.InDelta(t, 0.25, p.Events[1].Duration, 1e-12)
	assert.Equal(t, "a", p.Events[1].Voice.Channel)
}

func TestSetupWindowIsPartRelative(t *testing.T) {
	be := backendtest.New(nil)
	s := New(be, scenarioNotes(), nil)
	s.Setup(seconds(1), seconds(2.5), SetupOptions{Repeat: true, Duration: 3, Tempo: 120, OriginalTempo: 120})

	p := be.Parts()[0]
	require.Len(t, p.Events, 2)
	assert.InDelta(t, 0, p.Events[0].Time, 1e-12)
	assert.InDelta(t, 1, p.Events[1].Time, 1e-12)
	assert.True(t, p.Loop.Enabled)
	assert.InDelta(t, 1.5, p.Loop.Length, 1e-12)

	require.NoError(t, s.Start(0, 2))
	assert.InDelta(t, 1, p.Offsets[0], 1e-12)
}

func TestSetupDisposesPreviousPart(t *testing.T) {
	be := backendtest.New(nil)
	s := New(be, scenarioNotes(), nil)
	opts := SetupOptions{Duration: 3, Tempo: 120, OriginalTempo: 120}

	s.Setup(nil, nil, opts)
	require.NoError(t, s.Start(0, 0))
	s.Setup(nil, nil, opts)
	require.NoError(t, s.Start(0, 0))

	parts := be.Parts()
	require.Len(t, parts, 2)
	assert.True(t, parts[0].Disposed())
	assert.Equal(t, 1, be.LiveParts())
	assert.Equal(t, []string{
		"part1.new", "part1.start", "part1.stop", "part1.dispose", "part2.new", "part2.start",
	}, be.Calls())
}

func TestStartWhileLiveFails(t *testing.T) {
	be := backendtest.New(nil)
	s := New(be, scenarioNotes(), zaptest.NewLogger(t))
	s.Setup(nil, nil, SetupOptions{Duration: 3, Tempo: 120, OriginalTempo: 120})
	require.NoError(t, s.Start(0, 0))
	assert.ErrorIs(t, s.Start(0, 1), ErrPartRunning)
	assert.Equal(t, 1, be.LiveParts())

	s.Stop()
	s.Stop()
	assert.False(t, s.Live())
	require.NoError(t, s.Start(0, 1))
}

func TestMuteDoesNotRebuild(t *testing.T) {
	be := backendtest.New(nil)
	s := New(be, scenarioNotes(), nil)
	s.Setup(nil, nil, SetupOptions{Duration: 3, Tempo: 120, OriginalTempo: 120})

	assert.True(t, s.SetFileMute("a", true))
	assert.False(t, s.SetFileMute("missing", true))
	assert.Len(t, be.Parts(), 1)
	assert.Len(t, be.Parts()[0].Events, 4)

	ch, _ := be.FakeInstrument().Channel("a")
	assert.True(t, ch.Muted)
	assert.True(t, s.FileMuted("a"))
	assert.True(t, s.Audible())

	s.SetFileMute("b", true)
	assert.False(t, s.Audible())
	s.SetFileMute("b", false)
	s.SetFileVolume("b", 0)
	assert.False(t, s.Audible())
}

func TestRetriggerHeld(t *testing.T) {
	be := backendtest.New(nil)
	notes := []Note{
		{Time: 0, Pitch: 60, Duration: 4, Velocity: 1, FileID: "a"},
		{Time: 1, Pitch: 64, Duration: 0.5, Velocity: 1, FileID: "a"},
		{Time: 1, Pitch: 67, Duration: 4, Velocity: 1, FileID: "b"},
	}
	s := New(be, notes, nil)
	s.Setup(nil, nil, SetupOptions{Duration: 5, Tempo: 120, OriginalTempo: 120})

	assert.Equal(t, 0, s.RetriggerHeld("a", 1.2, 0), "nothing retriggers while stopped")

	require.NoError(t, s.Start(0, 1.2))
	assert.Equal(t, 2, s.RetriggerHeld("a", 1.2, 7))
	trig := be.FakeInstrument().Triggers
	require.Len(t, trig, 2)
	assert.Equal(t, 60, trig[0].Voice.Pitch)
	assert.InDelta(t, 2.8, trig[0].Duration, 1e-12)
	assert.InDelta(t, 0.3, trig[1].Duration, 1e-12)
	assert.Equal(t, 7.0, trig[1].When)
}
