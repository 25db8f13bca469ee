// Package statbotics fetches per-team EPA metrics from the Statbotics v3 API.
package statbotics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/scout-sync/internal/worker/domain"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the public Statbotics v3 endpoint
	DefaultBaseURL = "https://api.statbotics.io/v3"
	// DefaultRequestsPerMinute keeps one request roughly every 1.1s
	DefaultRequestsPerMinute = 55
)

// ErrNoEPA is returned when a team_event record carries no usable epa field
var ErrNoEPA = errors.New("no EPA data")

// Config holds Statbotics client configuration
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RetryCount        int
	RequestsPerMinute int
}

// Client is a read-only Statbotics client. No authentication is required.
// Requests from all goroutines share one limiter, so metric fan-out
// concurrency never exceeds the configured request rate.
type Client struct {
	r       *resty.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a Statbotics client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}

	r := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil || resp == nil {
				return true
			}
			return resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
		logger:  logger,
	}
}

// FetchTeamMetric returns the EPA breakdown of team at eventKey
func (c *Client) FetchTeamMetric(ctx context.Context, team int, eventKey string) (*domain.TeamMetric, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("statbotics rate limit wait for team %d: %w", team, err)
	}

	resp, err := c.r.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"team":      fmt.Sprint(team),
			"event_key": eventKey,
		}).
		Get("/team_event/{team}/{event_key}")
	if err != nil {
		return nil, fmt.Errorf("statbotics request for team %d failed: %w", team, err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, fmt.Errorf("%w: statbotics team %d at %s", domain.ErrResourceNotFound, team, eventKey)
	case resp.IsError():
		return nil, fmt.Errorf("statbotics request for team %d returned status %d", team, resp.StatusCode())
	}

	var body struct {
		EPA json.RawMessage `json:"epa"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("failed to decode statbotics response: %w", err)
	}

	metric, err := ParseEPA(body.EPA)
	if err != nil {
		return nil, fmt.Errorf("team %d at %s: %w", team, eventKey, err)
	}
	metric.TeamNumber = team
	metric.EventKey = eventKey
	return metric, nil
}

// ParseEPA extracts total/auto/teleop/endgame from the epa field. Seasons
// with a structured breakdown use epa.breakdown.*_points; older seasons
// fall back to flat keys, and a bare number is taken as the total.
func ParseEPA(raw json.RawMessage) (*domain.TeamMetric, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrNoEPA
	}

	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("failed to decode epa: %w", err)
	}

	switch epa := value.(type) {
	case float64:
		return &domain.TeamMetric{EPATotal: epa}, nil
	case map[string]interface{}:
		if breakdown, ok := epa["breakdown"].(map[string]interface{}); ok {
			return &domain.TeamMetric{
				EPATotal:   mean(breakdown["total_points"]),
				EPAAuto:    mean(breakdown["auto_points"]),
				EPATeleop:  mean(breakdown["teleop_points"]),
				EPAEndgame: mean(breakdown["endgame_points"]),
			}, nil
		}
		return &domain.TeamMetric{
			EPATotal:   mean(first(epa, "total_points", "total", "mean", "epa")),
			EPAAuto:    mean(first(epa, "auto_points", "auto")),
			EPATeleop:  mean(first(epa, "teleop_points", "teleop")),
			EPAEndgame: mean(first(epa, "endgame_points", "endgame")),
		}, nil
	default:
		return nil, ErrNoEPA
	}
}

// mean reads a number directly or from the "mean" key of a distribution object
func mean(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case map[string]interface{}:
		if m, ok := n["mean"].(float64); ok {
			return m
		}
	}
	return 0
}

// first returns the first key whose value is set and non-zero
func first(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		switch v := m[k].(type) {
		case nil:
			continue
		case float64:
			if v != 0 {
				return v
			}
		case map[string]interface{}:
			if len(v) > 0 {
				return v
			}
		}
	}
	return nil
}
