// Package batch drives many unattended playtest sessions in parallel and
// aggregates their results into one summary for reporting.
package batch

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/fablecrit/fablecrit/internal/session"
	"github.com/fablecrit/fablecrit/internal/story"
)

// DefaultParallelism caps concurrent sessions when the caller does not.
const DefaultParallelism = 4

// Job is one session to run, with a human-readable name for the report.
type Job struct {
	Name   string
	Config story.SessionConfig
}

// Item pairs a job with its result.
type Item struct {
	Name   string          `json:"name"`
	Result *session.Result `json:"result"`
}

// Summary aggregates a batch run.
type Summary struct {
	// Items holds per-job results in job order.
	Items []Item `json:"items"`

	// Outcomes counts sessions per terminal outcome.
	Outcomes map[story.Outcome]int `json:"outcomes"`

	// TotalTokens and EstimatedUSD sum the per-session cost breakdowns.
	TotalTokens  int     `json:"total_tokens"`
	EstimatedUSD float64 `json:"estimated_usd"`

	// Issues is the total number of narrative problems flagged across the batch.
	Issues int `json:"issues"`
}

// Run executes every job through runner with at most parallelism sessions in
// flight, then aggregates. Individual session failures are part of the
// summary, not errors: a batch always completes.
func Run(ctx context.Context, runner *session.Runner, jobs []Job, parallelism int) *Summary {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}

	results := make([]*session.Result, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, job := range jobs {
		g.Go(func() error {
			slog.Info("batch job starting", "job", job.Name)
			results[i] = runner.Run(gctx, job.Config)
			return nil
		})
	}
	// Workers never return errors; Wait only fences completion.
	_ = g.Wait()

	summary := &Summary{
		Items:    make([]Item, len(jobs)),
		Outcomes: make(map[story.Outcome]int),
	}
	for i, res := range results {
		summary.Items[i] = Item{Name: jobs[i].Name, Result: res}
		summary.Outcomes[res.Outcome]++
		summary.TotalTokens += res.Cost.TotalTokens
		summary.EstimatedUSD += res.Cost.EstimatedUSD
		summary.Issues += len(res.Issues)
	}

	slog.Info("batch finished",
		"jobs", len(jobs),
		"completed", summary.Outcomes[story.OutcomeCompleted],
		"timeout", summary.Outcomes[story.OutcomeTimeout],
		"failed", summary.Outcomes[story.OutcomeFailed],
		"estimated_usd", summary.EstimatedUSD,
	)
	return summary
}
