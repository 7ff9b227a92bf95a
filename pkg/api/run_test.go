package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlan() *Plan {
	return &Plan{
		Name:    "basic",
		Enabled: true,
		ContainerSets: []*ContainerSet{
			{Name: "a", ContainerName: "img-a", RunDelay: 0, RunMaxTime: 30},
			{Name: "b", ContainerName: "img-b", RunDelay: 15, RunMaxTime: 30},
		},
	}
}

func TestNewRun(t *testing.T) {
	now := time.Now()
	r := NewRun("proj", testPlan(), now)

	assert.NotEmpty(t, r.UUID)
	assert.Equal(t, StateInitializing, r.State)
	require.Len(t, r.Sets, 2)
	assert.NotEqual(t, r.Sets[0].CollectionUUID, r.Sets[1].CollectionUUID)
	assert.False(t, r.Done())
}

func TestShouldStart(t *testing.T) {
	r := NewRun("proj", testPlan(), time.Now())
	start := time.Now()

	assert.True(t, r.Sets[0].ShouldStart(start, start))
	assert.False(t, r.Sets[1].ShouldStart(start, start))
	assert.False(t, r.Sets[1].ShouldStart(start, start.Add(14*time.Second)))
	assert.True(t, r.Sets[1].ShouldStart(start, start.Add(15*time.Second)))
}

func TestShouldStop(t *testing.T) {
	r := NewRun("proj", testPlan(), time.Now())
	rs := r.Sets[0]

	assert.False(t, rs.ShouldStop(time.Now()))

	start := time.Now()
	rs.MarkStarted(start)
	assert.False(t, rs.ShouldStop(start.Add(29*time.Second)))
	assert.True(t, rs.ShouldStop(start.Add(30*time.Second)))
}

func TestTimestampsMonotonic(t *testing.T) {
	now := time.Now()
	r := NewRun("proj", testPlan(), now)
	rs := r.Sets[0]

	rs.MarkStarted(now.Add(time.Second))
	first := *rs.StartedAt
	rs.MarkStarted(now.Add(time.Hour))
	assert.Equal(t, first, *rs.StartedAt, "started_at must not move")

	rs.MarkCompleted(now.Add(2 * time.Second))
	done := *rs.CompletedAt
	rs.MarkCompleted(now.Add(time.Hour))
	assert.Equal(t, done, *rs.CompletedAt, "completed_at must never be cleared or moved")

	assert.True(t, !rs.CompletedAt.Before(*rs.StartedAt))
	assert.True(t, !rs.StartedAt.Before(rs.CreatedAt))
}

func TestRunDone(t *testing.T) {
	now := time.Now()
	r := NewRun("proj", testPlan(), now)

	r.Sets[0].MarkCompleted(now)
	assert.False(t, r.Done())
	r.Sets[1].MarkCompleted(now)
	assert.True(t, r.Done())
}
