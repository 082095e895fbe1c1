package session_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/session"
)

func TestBeginRejectsActive(t *testing.T) {
	st := session.NewStore(time.Hour)
	require.NoError(t, st.Begin("k", session.Session{Flow: "create_project"}))
	err := st.Begin("k", session.Session{Flow: "create_task"})
	assert.ErrorIs(t, err, session.ErrActive)

	got, err := st.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "create_project", got.Flow)
}

func TestGetReturnsCopy(t *testing.T) {
	st := session.NewStore(time.Hour)
	require.NoError(t, st.Begin("k", session.Session{Flow: "f"}))

	got, err := st.Get("k")
	require.NoError(t, err)
	got.Answers["name"] = "scribbled"

	again, err := st.Get("k")
	require.NoError(t, err)
	assert.Empty(t, again.Answers, "mutating a returned copy must not leak into the store")
}

func TestUpdateKeepsValidatedAnswers(t *testing.T) {
	st := session.NewStore(time.Hour)
	require.NoError(t, st.Begin("k", session.Session{Flow: "f", Step: "name"}))

	require.NoError(t, st.Update("k", func(s *session.Session) {
		s.Answers["name"] = "Proj"
		s.Step = "description"
		s.StepCount++
	}))
	require.NoError(t, st.Update("k", func(s *session.Session) {
		s.Answers["description"] = "Desc"
		s.StepCount++
	}))

	got, err := st.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "Proj", got.Answers["name"])
	assert.Equal(t, "Desc", got.Answers["description"])
	assert.Equal(t, 2, got.StepCount)
}

func TestUpdateAfterEndIsNotFound(t *testing.T) {
	st := session.NewStore(time.Hour)
	require.NoError(t, st.Begin("k", session.Session{}))
	st.End("k")
	st.End("k") // idempotent

	err := st.Update("k", func(s *session.Session) { s.Step = "x" })
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = st.Get("k")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestIdleEviction(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	st := session.NewStore(10 * time.Minute)
	st.Now = func() time.Time { return now }
	require.NoError(t, st.Begin("k", session.Session{}))

	now = now.Add(5 * time.Minute)
	_, err := st.Get("k")
	require.NoError(t, err, "live session must survive")

	now = now.Add(20 * time.Minute)
	_, err = st.Get("k")
	assert.ErrorIs(t, err, session.ErrNotFound)

	err = st.Update("k", func(s *session.Session) { s.Step = "x" })
	assert.ErrorIs(t, err, session.ErrNotFound)

	// an expired session does not block a fresh Begin
	require.NoError(t, st.Begin("k", session.Session{Flow: "again"}))
}

func TestSweepCountsEvictions(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	st := session.NewStore(10 * time.Minute)
	st.Now = func() time.Time { return now }
	require.NoError(t, st.Begin("a", session.Session{}))
	require.NoError(t, st.Begin("b", session.Session{}))

	now = now.Add(15 * time.Minute)
	require.NoError(t, st.Begin("c", session.Session{}))

	assert.Equal(t, 2, st.Sweep())
	_, err := st.Get("c")
	assert.NoError(t, err)
}

func TestLockSerializesPerKey(t *testing.T) {
	st := session.NewStore(time.Hour)
	require.NoError(t, st.Begin("k", session.Session{}))

	const workers = 8
	var wg sync.WaitGroup
	order := make([]int, 0, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock := st.Lock("k")
			defer unlock()
			order = append(order, i)
			_ = st.Update("k", func(s *session.Session) { s.StepCount++ })
		}(i)
	}
	wg.Wait()

	assert.Len(t, order, workers, "critical sections must not interleave")
	got, err := st.Get("k")
	require.NoError(t, err)
	assert.Equal(t, workers, got.StepCount)
}
