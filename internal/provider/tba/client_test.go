package tba

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuongbtq/scout-sync/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(Config{BaseURL: server.URL, APIKey: "secret"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestFetchEvent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/event/2025hiho", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-TBA-Auth-Key"))
		writeJSON(w, http.StatusOK, `{
			"key": "2025hiho", "name": "Hawaii Regional", "year": 2025, "week": 3,
			"event_type": 0, "city": "Honolulu", "state_prov": "HI", "country": "USA",
			"start_date": "2025-03-26", "end_date": "2025-03-29"
		}`)
	})

	event, err := client.FetchEvent(context.Background(), "2025hiho")
	require.NoError(t, err)

	assert.Equal(t, "2025hiho", event.Key)
	assert.Equal(t, "Hawaii Regional", event.Name)
	assert.Equal(t, 2025, event.Year)
	require.NotNil(t, event.Week)
	assert.Equal(t, 3, *event.Week)
	require.NotNil(t, event.StartDate)
	assert.Equal(t, 26, event.StartDate.Day())
	require.NotNil(t, event.City)
	assert.Equal(t, "Honolulu", *event.City)
}

func TestFetchEvent_NotFoundIsPermanent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"Errors": [{"event_key": "does not exist"}]}`)
	})

	event, err := client.FetchEvent(context.Background(), "2099nope")
	assert.Nil(t, event)
	assert.ErrorIs(t, err, domain.ErrResourceNotFound)
	assert.True(t, domain.IsPermanent(err))
}

func TestFetchEvent_ServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, `{}`)
	})

	_, err := client.FetchEvent(context.Background(), "2025hiho")
	require.Error(t, err)
	assert.False(t, domain.IsPermanent(err))
	assert.Contains(t, err.Error(), "503")
}

func TestFetchEventTeams(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/event/2025hiho/teams", r.URL.Path)
		writeJSON(w, http.StatusOK, `[
			{"key": "frc254", "team_number": 254, "nickname": "The Cheesy Poofs", "rookie_year": 1999},
			{"key": "frc1323", "team_number": 1323, "nickname": "MadTown Robotics", "city": "Madera"}
		]`)
	})

	teams, err := client.FetchEventTeams(context.Background(), "2025hiho")
	require.NoError(t, err)
	require.Len(t, teams, 2)

	assert.Equal(t, 254, teams[0].Number)
	assert.Equal(t, "frc254", teams[0].Key)
	require.NotNil(t, teams[0].RookieYear)
	assert.Equal(t, 1999, *teams[0].RookieYear)
	assert.Nil(t, teams[0].City)
	require.NotNil(t, teams[1].City)
	assert.Equal(t, "Madera", *teams[1].City)
}

func TestFetchEventMatches_SkipsUnplayed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/event/2025hiho/matches", r.URL.Path)
		writeJSON(w, http.StatusOK, `[
			{
				"key": "2025hiho_qm1", "comp_level": "qm", "set_number": 1, "match_number": 1,
				"alliances": {
					"red": {"score": 88, "team_keys": ["frc254", "frc1323", "frc2056"]},
					"blue": {"score": 71, "team_keys": ["frc118", "frc148", "frcBAD"]}
				},
				"winning_alliance": "red", "actual_time": 1743030000
			},
			{
				"key": "2025hiho_qm2", "comp_level": "qm", "set_number": 1, "match_number": 2,
				"alliances": {
					"red": {"score": -1, "team_keys": ["frc254"]},
					"blue": {"score": -1, "team_keys": ["frc118"]}
				},
				"winning_alliance": ""
			}
		]`)
	})

	matches, err := client.FetchEventMatches(context.Background(), "2025hiho")
	require.NoError(t, err)
	require.Len(t, matches, 1)

	m := matches[0]
	assert.Equal(t, "2025hiho", m.EventKey)
	assert.Equal(t, "qm", m.CompLevel)
	assert.Equal(t, 88, m.RedScore)
	assert.Equal(t, []int64{254, 1323, 2056}, []int64(m.RedTeams))
	assert.Equal(t, []int64{118, 148}, []int64(m.BlueTeams))
	require.NotNil(t, m.WinningAlliance)
	assert.Equal(t, "red", *m.WinningAlliance)
	require.NotNil(t, m.PlayedAt)
	assert.Equal(t, int64(1743030000), m.PlayedAt.Unix())
}

func TestTeamNumbers(t *testing.T) {
	assert.Equal(t, []int64{254, 971}, TeamNumbers([]string{"frc254", "frcB", "frc971"}))
	assert.Empty(t, TeamNumbers(nil))
}
