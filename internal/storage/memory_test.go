package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/menubot/internal/pipeline"
	"github.com/m3rciful/menubot/internal/session"
)

func TestMemorySessionRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.LoadSession(ctx, 7)
	assert.ErrorIs(t, err, session.ErrNotFound)

	s := session.New(7)
	s.State = session.StateNavigating
	s.CurrentNode = "root"
	s.History = []string{"root"}
	s.LastReply = &session.Reply{Text: "hi", Options: []string{"a"}}

	require.NoError(t, m.SaveSession(ctx, s))
	assert.Equal(t, int64(1), s.Version)

	got, err := m.LoadSession(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, s.State, got.State)
	assert.Equal(t, s.History, got.History)
	assert.Equal(t, "hi", got.LastReply.Text)

	// Loaded copies must not alias the stored session.
	got.History[0] = "mutated"
	again, err := m.LoadSession(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "root", again.History[0])
}

func TestMemorySaveDetectsConflicts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	s := session.New(7)
	require.NoError(t, m.SaveSession(ctx, s))

	// Two writers load the same version; the second save loses.
	a, err := m.LoadSession(ctx, 7)
	require.NoError(t, err)
	b, err := m.LoadSession(ctx, 7)
	require.NoError(t, err)

	a.CurrentNode = "audio"
	require.NoError(t, m.SaveSession(ctx, a))

	b.CurrentNode = "about"
	err = m.SaveSession(ctx, b)
	assert.ErrorIs(t, err, session.ErrVersionConflict)

	got, err := m.LoadSession(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "audio", got.CurrentNode)
	assert.Equal(t, int64(2), got.Version)
}

func TestMemoryInsertRace(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first := session.New(7)
	require.NoError(t, m.SaveSession(ctx, first))

	// A second fresh session for the same user must not clobber the row.
	second := session.New(7)
	assert.ErrorIs(t, m.SaveSession(ctx, second), session.ErrVersionConflict)
}

func TestMemoryJobs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.GetJob(ctx, "nope")
	assert.ErrorIs(t, err, pipeline.ErrJobNotFound)

	j := &pipeline.Job{
		ID:        "job-1",
		UserID:    7,
		InputRef:  "/tmp/in.ogg",
		Status:    pipeline.StatusQueued,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, m.CreateJob(ctx, j))

	j.Status = pipeline.StatusDone
	j.OutputRef = "/tmp/out.wav"
	require.NoError(t, m.UpdateJob(ctx, j))

	got, err := m.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusDone, got.Status)
	assert.Equal(t, "/tmp/out.wav", got.OutputRef)

	assert.ErrorIs(t, m.UpdateJob(ctx, &pipeline.Job{ID: "ghost"}), pipeline.ErrJobNotFound)
}
