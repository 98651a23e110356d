package scenario

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Session is a page the caller must close when the scenario is done
type Session interface {
	Page
	Close() error
}

// Opener hands out fresh pages
type Opener interface {
	OpenSession(ctx context.Context) (Session, error)
}

// Batch runs several scenarios at once, each on its own page
type Batch struct {
	Runner      *Runner
	Opener      Opener
	Concurrency int
}

// Run executes every scenario and returns the reports in input order.
// A failing scenario does not stop the others; the returned error is
// non-nil if any of them failed or the context was cancelled.
func (b *Batch) Run(ctx context.Context, scenarios []*Scenario) ([]*Report, error) {
	limit := b.Concurrency
	if limit <= 0 {
		limit = 1
	}

	reports := make([]*Report, len(scenarios))
	var (
		mu     sync.Mutex
		failed int
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, sc := range scenarios {
		i, sc := i, sc
		g.Go(func() error {
			report, err := b.runOne(ctx, sc)

			mu.Lock()
			reports[i] = report
			if err != nil {
				failed++
			}
			mu.Unlock()

			// Keep going; the failure is in the report
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return reports, err
	}
	if err := ctx.Err(); err != nil {
		return reports, err
	}
	if failed > 0 {
		return reports, fmt.Errorf("%d of %d scenarios failed", failed, len(scenarios))
	}
	return reports, nil
}

func (b *Batch) runOne(ctx context.Context, sc *Scenario) (*Report, error) {
	runID := NewRunID()

	session, err := b.Opener.OpenSession(ctx)
	if err != nil {
		now := time.Now().UTC()
		report := &Report{
			RunID:      runID,
			Scenario:   sc.Name,
			StartedAt:  now,
			FinishedAt: now,
			Error:      fmt.Sprintf("failed to open page: %v", err),
		}
		return report, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			b.Runner.logger().WithError(cerr).Warn("Failed to close page")
		}
	}()

	return b.Runner.Run(ctx, runID, session, sc)
}
