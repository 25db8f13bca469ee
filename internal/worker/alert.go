package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Severity ranks an alert for operator routing
type Severity string

// Alert severities
const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AlertEvent is one observability report
type AlertEvent struct {
	Source     string                 `json:"source"`
	Title      string                 `json:"title"`
	Err        error                  `json:"-"`
	Severity   Severity               `json:"severity"`
	Details    map[string]interface{} `json:"details,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// MarshalJSON renders Err as its message
func (e AlertEvent) MarshalJSON() ([]byte, error) {
	type alias AlertEvent
	var errMsg string
	if e.Err != nil {
		errMsg = e.Err.Error()
	}
	return json.Marshal(struct {
		alias
		Error string `json:"error,omitempty"`
	}{alias: alias(e), Error: errMsg})
}

// Reporter is a fire-and-forget observability sink. Implementations must not
// block the caller for long and swallow their own delivery failures.
type Reporter interface {
	Report(ctx context.Context, event AlertEvent)
}

// LogReporter writes alerts to the structured logger
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a LogReporter
func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Report logs the event at error level with details flattened into attributes
func (r *LogReporter) Report(ctx context.Context, event AlertEvent) {
	attrs := []any{
		slog.String("source", event.Source),
		slog.String("severity", string(event.Severity)),
		slog.Any("error", event.Err),
	}
	for k, v := range event.Details {
		attrs = append(attrs, slog.Any(k, v))
	}
	r.logger.ErrorContext(ctx, event.Title, attrs...)
}

// Publisher is the transport used by BrokerReporter
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// BrokerReporter publishes alerts as JSON with routing key "alerts.<severity>"
type BrokerReporter struct {
	publisher Publisher
	logger    *slog.Logger
	timeout   time.Duration
}

// NewBrokerReporter creates a BrokerReporter. timeout bounds each publish.
func NewBrokerReporter(publisher Publisher, logger *slog.Logger, timeout time.Duration) *BrokerReporter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BrokerReporter{publisher: publisher, logger: logger, timeout: timeout}
}

// Report publishes the event. Failures are logged, never returned.
func (r *BrokerReporter) Report(ctx context.Context, event AlertEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("Failed to marshal alert",
			slog.String("title", event.Title),
			slog.Any("error", err),
		)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	routingKey := fmt.Sprintf("alerts.%s", event.Severity)
	if err := r.publisher.Publish(pubCtx, routingKey, body, "application/json"); err != nil {
		r.logger.Error("Failed to publish alert",
			slog.String("title", event.Title),
			slog.String("routing_key", routingKey),
			slog.Any("error", err),
		)
	}
}

// MultiReporter fans an alert out to every reporter in order
type MultiReporter []Reporter

// Report implements Reporter
func (m MultiReporter) Report(ctx context.Context, event AlertEvent) {
	for _, r := range m {
		r.Report(ctx, event)
	}
}
