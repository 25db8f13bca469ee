// Package tba fetches event metadata, rosters and match results from
// The Blue Alliance v3 API.
package tba

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/scout-sync/internal/worker/domain"
	"github.com/go-resty/resty/v2"
)

// DefaultBaseURL is the public TBA v3 endpoint
const DefaultBaseURL = "https://www.thebluealliance.com/api/v3"

// Config holds TBA client configuration
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RetryCount int
}

// Client is a read-only TBA client
type Client struct {
	r      *resty.Client
	logger *slog.Logger
}

// NewClient creates a TBA client authenticated with X-TBA-Auth-Key
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	r := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("X-TBA-Auth-Key", cfg.APIKey).
		SetHeader("Accept", "application/json").
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil || resp == nil {
				return true
			}
			return resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{r: r, logger: logger}
}

type event struct {
	Key       string  `json:"key"`
	Name      string  `json:"name"`
	Year      int     `json:"year"`
	Week      *int    `json:"week"`
	EventType int     `json:"event_type"`
	City      *string `json:"city"`
	StateProv *string `json:"state_prov"`
	Country   *string `json:"country"`
	StartDate string  `json:"start_date"`
	EndDate   string  `json:"end_date"`
}

type team struct {
	Key        string  `json:"key"`
	TeamNumber int     `json:"team_number"`
	Nickname   string  `json:"nickname"`
	Name       *string `json:"name"`
	City       *string `json:"city"`
	StateProv  *string `json:"state_prov"`
	Country    *string `json:"country"`
	RookieYear *int    `json:"rookie_year"`
}

type alliance struct {
	Score    int      `json:"score"`
	TeamKeys []string `json:"team_keys"`
}

type match struct {
	Key         string `json:"key"`
	EventKey    string `json:"event_key"`
	CompLevel   string `json:"comp_level"`
	SetNumber   int    `json:"set_number"`
	MatchNumber int    `json:"match_number"`
	Alliances   struct {
		Red  alliance `json:"red"`
		Blue alliance `json:"blue"`
	} `json:"alliances"`
	WinningAlliance string `json:"winning_alliance"`
	ActualTime      *int64 `json:"actual_time"`
}

// FetchEvent returns metadata for eventKey
func (c *Client) FetchEvent(ctx context.Context, eventKey string) (*domain.Event, error) {
	var out event
	if err := c.get(ctx, "/event/{event_key}", eventKey, &out); err != nil {
		return nil, err
	}

	return &domain.Event{
		Key:       out.Key,
		Name:      out.Name,
		Year:      out.Year,
		Week:      out.Week,
		EventType: out.EventType,
		City:      out.City,
		StateProv: out.StateProv,
		Country:   out.Country,
		StartDate: parseDate(out.StartDate),
		EndDate:   parseDate(out.EndDate),
	}, nil
}

// FetchEventTeams returns the event roster
func (c *Client) FetchEventTeams(ctx context.Context, eventKey string) ([]domain.Team, error) {
	var out []team
	if err := c.get(ctx, "/event/{event_key}/teams", eventKey, &out); err != nil {
		return nil, err
	}

	teams := make([]domain.Team, 0, len(out))
	for _, t := range out {
		teams = append(teams, domain.Team{
			Number:     t.TeamNumber,
			Key:        t.Key,
			Nickname:   t.Nickname,
			Name:       t.Name,
			City:       t.City,
			StateProv:  t.StateProv,
			Country:    t.Country,
			RookieYear: t.RookieYear,
		})
	}
	return teams, nil
}

// FetchEventMatches returns matches that have been played, meaning both
// alliance scores are non-negative
func (c *Client) FetchEventMatches(ctx context.Context, eventKey string) ([]domain.Match, error) {
	var out []match
	if err := c.get(ctx, "/event/{event_key}/matches", eventKey, &out); err != nil {
		return nil, err
	}

	matches := make([]domain.Match, 0, len(out))
	for _, m := range out {
		if m.Alliances.Red.Score < 0 || m.Alliances.Blue.Score < 0 {
			continue
		}

		dm := domain.Match{
			EventKey:    eventKey,
			CompLevel:   m.CompLevel,
			SetNumber:   m.SetNumber,
			MatchNumber: m.MatchNumber,
			Key:         m.Key,
			RedTeams:    TeamNumbers(m.Alliances.Red.TeamKeys),
			BlueTeams:   TeamNumbers(m.Alliances.Blue.TeamKeys),
			RedScore:    m.Alliances.Red.Score,
			BlueScore:   m.Alliances.Blue.Score,
		}
		if m.WinningAlliance != "" {
			winner := m.WinningAlliance
			dm.WinningAlliance = &winner
		}
		if m.ActualTime != nil {
			played := time.Unix(*m.ActualTime, 0).UTC()
			dm.PlayedAt = &played
		}
		matches = append(matches, dm)
	}

	c.logger.Debug("Fetched TBA matches",
		slog.String("event_key", eventKey),
		slog.Int("played", len(matches)),
		slog.Int("total", len(out)),
	)
	return matches, nil
}

func (c *Client) get(ctx context.Context, path, eventKey string, result interface{}) error {
	resp, err := c.r.R().
		SetContext(ctx).
		SetPathParam("event_key", eventKey).
		SetResult(result).
		Get(path)
	if err != nil {
		return fmt.Errorf("tba request %s failed: %w", path, err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return domain.NewPermanentError(fmt.Errorf("%w: tba event %s", domain.ErrResourceNotFound, eventKey))
	case resp.IsError():
		return fmt.Errorf("tba request %s returned status %d", path, resp.StatusCode())
	}
	return nil
}

// TeamNumbers converts "frcNNNN" keys to team numbers, skipping malformed keys
func TeamNumbers(keys []string) []int64 {
	numbers := make([]int64, 0, len(keys))
	for _, key := range keys {
		n, err := strconv.ParseInt(strings.TrimPrefix(key, "frc"), 10, 64)
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	return numbers
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil
	}
	return &t
}
