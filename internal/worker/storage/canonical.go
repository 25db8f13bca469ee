package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/scout-sync/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

// DefaultBatchSize bounds the number of rows per multi-row upsert
const DefaultBatchSize = 200

// CanonicalStorage writes provider data with idempotent upserts keyed on
// natural identifiers
type CanonicalStorage struct {
	db        *sqlx.DB
	logger    *slog.Logger
	batchSize int
}

// NewCanonicalStorage creates a new CanonicalStorage. A non-positive
// batchSize falls back to DefaultBatchSize.
func NewCanonicalStorage(db *sqlx.DB, logger *slog.Logger, batchSize int) *CanonicalStorage {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &CanonicalStorage{
		db:        db,
		logger:    logger,
		batchSize: batchSize,
	}
}

// UpsertEvent inserts or refreshes event metadata
func (s *CanonicalStorage) UpsertEvent(ctx context.Context, event domain.Event) error {
	query := `
		INSERT INTO events (event_key, name, year, week, event_type, city, state_prov, country, start_date, end_date)
		VALUES (:event_key, :name, :year, :week, :event_type, :city, :state_prov, :country, :start_date, :end_date)
		ON CONFLICT (event_key) DO UPDATE SET
			name = EXCLUDED.name,
			year = EXCLUDED.year,
			week = EXCLUDED.week,
			event_type = EXCLUDED.event_type,
			city = EXCLUDED.city,
			state_prov = EXCLUDED.state_prov,
			country = EXCLUDED.country,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			updated_at = NOW()
	`

	if _, err := s.db.NamedExecContext(ctx, query, event); err != nil {
		return fmt.Errorf("failed to upsert event: %w", err)
	}
	return nil
}

// UpsertTeams upserts the roster and links every team to eventKey
func (s *CanonicalStorage) UpsertTeams(ctx context.Context, eventKey string, teams []domain.Team) error {
	teams = dedupeTeams(teams)
	if len(teams) == 0 {
		return nil
	}

	teamQuery := `
		INSERT INTO teams (team_number, team_key, nickname, name, city, state_prov, country, rookie_year)
		VALUES (:team_number, :team_key, :nickname, :name, :city, :state_prov, :country, :rookie_year)
		ON CONFLICT (team_number) DO UPDATE SET
			team_key = EXCLUDED.team_key,
			nickname = EXCLUDED.nickname,
			name = EXCLUDED.name,
			city = EXCLUDED.city,
			state_prov = EXCLUDED.state_prov,
			country = EXCLUDED.country,
			rookie_year = EXCLUDED.rookie_year,
			updated_at = NOW()
	`
	linkQuery := `
		INSERT INTO event_teams (event_key, team_number)
		VALUES (:event_key, :team_number)
		ON CONFLICT (event_key, team_number) DO NOTHING
	`

	links := make([]domain.EventTeam, len(teams))
	for i, t := range teams {
		links[i] = domain.EventTeam{EventKey: eventKey, TeamNumber: t.Number}
	}

	return s.inTx(ctx, "upsert teams", func(tx *sqlx.Tx) error {
		for start := 0; start < len(teams); start += s.batchSize {
			end := min(start+s.batchSize, len(teams))
			if _, err := tx.NamedExecContext(ctx, teamQuery, teams[start:end]); err != nil {
				return fmt.Errorf("failed to upsert teams batch: %w", err)
			}
			if _, err := tx.NamedExecContext(ctx, linkQuery, links[start:end]); err != nil {
				return fmt.Errorf("failed to link teams batch: %w", err)
			}
		}
		return nil
	})
}

// UpsertMatches upserts played matches keyed on (event_key, comp_level, set_number, match_number)
func (s *CanonicalStorage) UpsertMatches(ctx context.Context, matches []domain.Match) error {
	matches = dedupeMatches(matches)
	if len(matches) == 0 {
		return nil
	}

	query := `
		INSERT INTO matches (event_key, comp_level, set_number, match_number, match_key, red_teams, blue_teams,
			red_score, blue_score, winning_alliance, played_at)
		VALUES (:event_key, :comp_level, :set_number, :match_number, :match_key, :red_teams, :blue_teams,
			:red_score, :blue_score, :winning_alliance, :played_at)
		ON CONFLICT (event_key, comp_level, set_number, match_number) DO UPDATE SET
			match_key = EXCLUDED.match_key,
			red_teams = EXCLUDED.red_teams,
			blue_teams = EXCLUDED.blue_teams,
			red_score = EXCLUDED.red_score,
			blue_score = EXCLUDED.blue_score,
			winning_alliance = EXCLUDED.winning_alliance,
			played_at = EXCLUDED.played_at,
			updated_at = NOW()
	`

	return s.inTx(ctx, "upsert matches", func(tx *sqlx.Tx) error {
		for start := 0; start < len(matches); start += s.batchSize {
			end := min(start+s.batchSize, len(matches))
			if _, err := tx.NamedExecContext(ctx, query, matches[start:end]); err != nil {
				return fmt.Errorf("failed to upsert matches batch: %w", err)
			}
		}
		return nil
	})
}

// UpsertTeamMetrics upserts EPA rows keyed on (team_number, event_key)
func (s *CanonicalStorage) UpsertTeamMetrics(ctx context.Context, metrics []domain.TeamMetric) error {
	if len(metrics) == 0 {
		return nil
	}

	query := `
		INSERT INTO team_event_metrics (team_number, event_key, epa_total, epa_auto, epa_teleop, epa_endgame)
		VALUES (:team_number, :event_key, :epa_total, :epa_auto, :epa_teleop, :epa_endgame)
		ON CONFLICT (team_number, event_key) DO UPDATE SET
			epa_total = EXCLUDED.epa_total,
			epa_auto = EXCLUDED.epa_auto,
			epa_teleop = EXCLUDED.epa_teleop,
			epa_endgame = EXCLUDED.epa_endgame,
			updated_at = NOW()
	`

	return s.inTx(ctx, "upsert team metrics", func(tx *sqlx.Tx) error {
		for start := 0; start < len(metrics); start += s.batchSize {
			end := min(start+s.batchSize, len(metrics))
			if _, err := tx.NamedExecContext(ctx, query, metrics[start:end]); err != nil {
				return fmt.Errorf("failed to upsert team metrics batch: %w", err)
			}
		}
		return nil
	})
}

// GetEvent loads an event from the canonical store. Returns
// domain.ErrResourceNotFound when the event has never been synced.
func (s *CanonicalStorage) GetEvent(ctx context.Context, eventKey string) (*domain.Event, error) {
	query := `
		SELECT event_key, name, year, week, event_type, city, state_prov, country, start_date, end_date
		FROM events
		WHERE event_key = $1
	`

	var event domain.Event
	if err := s.db.GetContext(ctx, &event, query, eventKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrResourceNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &event, nil
}

// ListEventTeamNumbers returns the roster of eventKey in ascending team order
func (s *CanonicalStorage) ListEventTeamNumbers(ctx context.Context, eventKey string) ([]int, error) {
	query := `
		SELECT team_number
		FROM event_teams
		WHERE event_key = $1
		ORDER BY team_number ASC
	`

	var numbers []int
	if err := s.db.SelectContext(ctx, &numbers, query, eventKey); err != nil {
		return nil, fmt.Errorf("failed to list event teams: %w", err)
	}
	return numbers, nil
}

func (s *CanonicalStorage) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to roll back transaction",
				slog.String("op", op),
				slog.Any("error", rbErr),
			)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", op, err)
	}
	return nil
}

// A multi-row ON CONFLICT DO UPDATE fails if the same key appears twice in one
// statement, so later duplicates win.
func dedupeTeams(teams []domain.Team) []domain.Team {
	index := make(map[int]int, len(teams))
	out := make([]domain.Team, 0, len(teams))
	for _, t := range teams {
		if i, ok := index[t.Number]; ok {
			out[i] = t
			continue
		}
		index[t.Number] = len(out)
		out = append(out, t)
	}
	return out
}

type matchIdentity struct {
	eventKey  string
	compLevel string
	setNumber int
	number    int
}

func dedupeMatches(matches []domain.Match) []domain.Match {
	index := make(map[matchIdentity]int, len(matches))
	out := make([]domain.Match, 0, len(matches))
	for _, m := range matches {
		id := matchIdentity{m.EventKey, m.CompLevel, m.SetNumber, m.MatchNumber}
		if i, ok := index[id]; ok {
			out[i] = m
			continue
		}
		index[id] = len(out)
		out = append(out, m)
	}
	return out
}
