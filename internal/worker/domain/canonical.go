package domain

import (
	"time"

	"github.com/lib/pq"
)

// Event is competition metadata keyed by event key (e.g. "2025hiho")
type Event struct {
	Key       string     `db:"event_key"`
	Name      string     `db:"name"`
	Year      int        `db:"year"`
	Week      *int       `db:"week"`
	EventType int        `db:"event_type"`
	City      *string    `db:"city"`
	StateProv *string    `db:"state_prov"`
	Country   *string    `db:"country"`
	StartDate *time.Time `db:"start_date"`
	EndDate   *time.Time `db:"end_date"`
}

// Team is a roster entry keyed by team number
type Team struct {
	Number     int     `db:"team_number"`
	Key        string  `db:"team_key"`
	Nickname   string  `db:"nickname"`
	Name       *string `db:"name"`
	City       *string `db:"city"`
	StateProv  *string `db:"state_prov"`
	Country    *string `db:"country"`
	RookieYear *int    `db:"rookie_year"`
}

// EventTeam links a team to an event roster
type EventTeam struct {
	EventKey   string `db:"event_key"`
	TeamNumber int    `db:"team_number"`
}

// Match is a played match keyed by (event_key, comp_level, set_number, match_number)
type Match struct {
	EventKey        string        `db:"event_key"`
	CompLevel       string        `db:"comp_level"`
	SetNumber       int           `db:"set_number"`
	MatchNumber     int           `db:"match_number"`
	Key             string        `db:"match_key"`
	RedTeams        pq.Int64Array `db:"red_teams"`
	BlueTeams       pq.Int64Array `db:"blue_teams"`
	RedScore        int           `db:"red_score"`
	BlueScore       int           `db:"blue_score"`
	WinningAlliance *string       `db:"winning_alliance"`
	PlayedAt        *time.Time    `db:"played_at"`
}

// TeamMetric is a team's EPA breakdown at an event, keyed by (team_number, event_key)
type TeamMetric struct {
	TeamNumber int     `db:"team_number"`
	EventKey   string  `db:"event_key"`
	EPATotal   float64 `db:"epa_total"`
	EPAAuto    float64 `db:"epa_auto"`
	EPATeleop  float64 `db:"epa_teleop"`
	EPAEndgame float64 `db:"epa_endgame"`
}
