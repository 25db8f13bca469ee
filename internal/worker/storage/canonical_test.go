package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuongbtq/scout-sync/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func teams(numbers ...int) []domain.Team {
	out := make([]domain.Team, len(numbers))
	for i, n := range numbers {
		out[i] = domain.Team{Number: n, Key: fmt.Sprintf("frc%d", n), Nickname: "team"}
	}
	return out
}

func TestUpsertEvent(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewCanonicalStorage(db, discardLogger(), 0)

	mock.ExpectExec(`INSERT INTO events .* ON CONFLICT \(event_key\) DO UPDATE SET`).
		WithArgs("2025hiho", "Hawaii Regional", 2025, nil, 0, nil, nil, nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpsertEvent(context.Background(), domain.Event{Key: "2025hiho", Name: "Hawaii Regional", Year: 2025})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTeams_Batches(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewCanonicalStorage(db, discardLogger(), 2)

	mock.ExpectBegin()
	for i := 0; i < 3; i++ {
		mock.ExpectExec(`INSERT INTO teams .* ON CONFLICT \(team_number\) DO UPDATE`).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec(`INSERT INTO event_teams .* ON CONFLICT \(event_key, team_number\) DO NOTHING`).
			WillReturnResult(sqlmock.NewResult(0, 2))
	}
	mock.ExpectCommit()

	err := store.UpsertTeams(context.Background(), "2025hiho", teams(254, 1323, 2056, 3476, 118))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTeams_RollsBackOnFailure(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewCanonicalStorage(db, discardLogger(), 10)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO teams`).WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err := store.UpsertTeams(context.Background(), "2025hiho", teams(254))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upsert teams batch")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTeams_EmptyIsNoop(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewCanonicalStorage(db, discardLogger(), 10)

	require.NoError(t, store.UpsertTeams(context.Background(), "2025hiho", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMatches(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewCanonicalStorage(db, discardLogger(), 10)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO matches .* ON CONFLICT \(event_key, comp_level, set_number, match_number\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	matches := []domain.Match{
		{EventKey: "2025hiho", CompLevel: "qm", SetNumber: 1, MatchNumber: 1, Key: "2025hiho_qm1", RedTeams: []int64{254, 1323, 2056}, BlueTeams: []int64{118, 148, 3476}},
		{EventKey: "2025hiho", CompLevel: "qm", SetNumber: 1, MatchNumber: 2, Key: "2025hiho_qm2", RedTeams: []int64{254, 118, 148}, BlueTeams: []int64{1323, 2056, 3476}},
	}

	err := store.UpsertMatches(context.Background(), matches)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTeamMetrics(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewCanonicalStorage(db, discardLogger(), 10)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO team_event_metrics .* ON CONFLICT \(team_number, event_key\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := store.UpsertTeamMetrics(context.Background(), []domain.TeamMetric{
		{TeamNumber: 254, EventKey: "2025hiho", EPATotal: 61.5},
		{TeamNumber: 1323, EventKey: "2025hiho", EPATotal: 55.2},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEvent(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		db, mock := newMockDB(t)
		store := NewCanonicalStorage(db, discardLogger(), 0)

		rows := sqlmock.NewRows([]string{"event_key", "name", "year", "week", "event_type", "city", "state_prov", "country", "start_date", "end_date"}).
			AddRow("2025hiho", "Hawaii Regional", 2025, 3, 0, "Honolulu", "HI", "USA", nil, nil)
		mock.ExpectQuery(`SELECT .* FROM events WHERE event_key = \$1`).
			WithArgs("2025hiho").
			WillReturnRows(rows)

		event, err := store.GetEvent(context.Background(), "2025hiho")
		require.NoError(t, err)
		assert.Equal(t, "Hawaii Regional", event.Name)
		require.NotNil(t, event.Week)
		assert.Equal(t, 3, *event.Week)
	})

	t.Run("missing event is ErrResourceNotFound", func(t *testing.T) {
		db, mock := newMockDB(t)
		store := NewCanonicalStorage(db, discardLogger(), 0)

		mock.ExpectQuery(`FROM events`).
			WithArgs("2099nope").
			WillReturnRows(sqlmock.NewRows([]string{"event_key"}))

		event, err := store.GetEvent(context.Background(), "2099nope")
		assert.ErrorIs(t, err, domain.ErrResourceNotFound)
		assert.Nil(t, event)
	})
}

func TestListEventTeamNumbers(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewCanonicalStorage(db, discardLogger(), 0)

	mock.ExpectQuery(`SELECT team_number FROM event_teams WHERE event_key = \$1 ORDER BY team_number ASC`).
		WithArgs("2025hiho").
		WillReturnRows(sqlmock.NewRows([]string{"team_number"}).AddRow(254).AddRow(1323))

	numbers, err := store.ListEventTeamNumbers(context.Background(), "2025hiho")
	require.NoError(t, err)
	assert.Equal(t, []int{254, 1323}, numbers)
}

func TestDedupeTeams_LastWins(t *testing.T) {
	in := []domain.Team{
		{Number: 254, Nickname: "old"},
		{Number: 1323, Nickname: "Madtown"},
		{Number: 254, Nickname: "The Cheesy Poofs"},
	}

	out := dedupeTeams(in)
	require.Len(t, out, 2)
	assert.Equal(t, "The Cheesy Poofs", out[0].Nickname)
	assert.Equal(t, 1323, out[1].Number)
}

func TestDedupeMatches(t *testing.T) {
	in := []domain.Match{
		{EventKey: "2025hiho", CompLevel: "qm", SetNumber: 1, MatchNumber: 1, RedScore: 10},
		{EventKey: "2025hiho", CompLevel: "qm", SetNumber: 1, MatchNumber: 1, RedScore: 42},
		{EventKey: "2025hiho", CompLevel: "sf", SetNumber: 1, MatchNumber: 1},
	}

	out := dedupeMatches(in)
	require.Len(t, out, 2)
	assert.Equal(t, 42, out[0].RedScore)
}
