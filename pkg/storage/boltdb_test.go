package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foamflask/foamflask/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newRun(caseName string, start time.Time) *types.Run {
	return &types.Run{
		ID:        uuid.New().String(),
		CaseName:  caseName,
		Command:   "foamRun",
		Image:     "opencfd/openfoam-default:2406",
		Status:    types.RunStatusRunning,
		StartTime: start,
		LogFile:   "log.foamRun",
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	run := newRun("cavity", start)

	require.NoError(t, s.CreateRun(run))

	got, err := s.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, got.Status)
	assert.True(t, got.StartTime.Equal(start))

	run.Finish(start.Add(90*time.Second), 1, nil)
	require.NoError(t, s.UpdateRun(run))

	got, err = s.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, got.Status)
	assert.Equal(t, 1, got.ExitCode)
	assert.Equal(t, 90*time.Second, got.Duration)

	require.NoError(t, s.DeleteRun(run.ID))
	_, err = s.GetRun(run.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.DeleteRun(run.ID))
}

func TestUpdateMissingRun(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateRun(newRun("cavity", time.Now()))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCreateRunWithoutID(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.CreateRun(&types.Run{CaseName: "cavity"}))
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	first := newRun("cavity", base)
	second := newRun("pitzDaily", base.Add(time.Minute))
	third := newRun("cavity", base.Add(2*time.Minute))
	for _, r := range []*types.Run{second, first, third} {
		require.NoError(t, s.CreateRun(r))
	}

	all, err := s.ListRuns()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{third.ID, second.ID, first.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	cavity, err := s.ListRunsByCase("cavity")
	require.NoError(t, err)
	require.Len(t, cavity, 2)
	assert.Equal(t, third.ID, cavity[0].ID)
	assert.Equal(t, first.ID, cavity[1].ID)

	none, err := s.ListRunsByCase("motorBike")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSettings("cavity")
	assert.ErrorIs(t, err, ErrNotFound)

	settings := &types.Settings{
		Case:      "cavity",
		MaxPoints: 250,
		PInf:      0,
		Rho:       1,
		UInf:      1,
		Fields:    []string{"p", "U_mag"},
	}
	require.NoError(t, s.SaveSettings(settings))
	assert.False(t, settings.UpdatedAt.IsZero())

	got, err := s.GetSettings("cavity")
	require.NoError(t, err)
	assert.Equal(t, 250, got.MaxPoints)
	assert.Equal(t, []string{"p", "U_mag"}, got.Fields)

	settings.MaxPoints = 100
	require.NoError(t, s.SaveSettings(settings))
	got, err = s.GetSettings("cavity")
	require.NoError(t, err)
	assert.Equal(t, 100, got.MaxPoints)

	require.NoError(t, s.DeleteSettings("cavity"))
	_, err = s.GetSettings("cavity")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.SaveSettings(&types.Settings{}))
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	run := newRun("cavity", time.Now().UTC())
	require.NoError(t, s.CreateRun(run))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.CaseName, got.CaseName)
}
