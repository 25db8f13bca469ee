package worker

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/cuongbtq/scout-sync/internal/worker/domain"
)

type metricOutcome struct {
	team   int
	metric *domain.TeamMetric
	err    error
}

// fetchMetrics calls the metric provider for every team on a pool of at most
// metricConcurrency goroutines. onProgress is called from the collecting
// goroutine after each outcome; an error from it cancels the remaining
// fetches and is returned. Results are sorted by team number.
func (w *Worker) fetchMetrics(ctx context.Context, eventKey string, teams []int, onProgress func(done int) error) ([]domain.TeamMetric, []domain.FailedItem, error) {
	if len(teams) == 0 {
		return nil, nil, nil
	}

	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	teamsChan := make(chan int)
	results := make(chan metricOutcome)

	concurrency := min(w.metricConcurrency, len(teams))
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go w.metricLoop(poolCtx, &wg, eventKey, teamsChan, results)
	}

	go func() {
		defer close(teamsChan)
		for _, team := range teams {
			select {
			case teamsChan <- team:
			case <-poolCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		metrics  []domain.TeamMetric
		failed   []domain.FailedItem
		abortErr error
		done     int
	)
	for out := range results {
		if abortErr != nil {
			continue
		}

		done++
		if out.err != nil {
			w.logger.Warn("Team metric fetch failed",
				slog.Int("team", out.team),
				slog.String("event_key", eventKey),
				slog.Any("error", out.err),
			)
			failed = append(failed, domain.FailedItem{TeamNumber: out.team, Error: out.err.Error()})
		} else {
			metrics = append(metrics, *out.metric)
		}

		if err := onProgress(done); err != nil {
			abortErr = err
			cancel()
		}
	}

	if abortErr != nil {
		return nil, nil, abortErr
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sort.Slice(metrics, func(i, j int) bool { return metrics[i].TeamNumber < metrics[j].TeamNumber })
	sort.Slice(failed, func(i, j int) bool { return failed[i].TeamNumber < failed[j].TeamNumber })
	return metrics, failed, nil
}

// metricLoop is the processing loop for each fan-out goroutine
func (w *Worker) metricLoop(ctx context.Context, wg *sync.WaitGroup, eventKey string, teams <-chan int, results chan<- metricOutcome) {
	defer wg.Done()

	for team := range teams {
		if ctx.Err() != nil {
			return
		}

		metric, err := w.metrics.FetchTeamMetric(ctx, team, eventKey)
		if err == nil && metric == nil {
			err = domain.ErrResourceNotFound
		}
		results <- metricOutcome{team: team, metric: metric, err: err}
	}
}
