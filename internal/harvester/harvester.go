// internal/harvester/harvester.go
package harvester

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gh "github.com/google/go-github/v62/github"
	"github.com/google/uuid"

	ghclient "github-topic-harvester/internal/github"
	"github-topic-harvester/internal/model"
	"github-topic-harvester/internal/plan"
)

const (
	// deadlineSafetyMargin is subtracted from the wall-clock budget so a run
	// exits with time left to persist its final checkpoint.
	deadlineSafetyMargin = 5 * time.Second

	// leaseSlack extends the checkpoint lease past the budget so a run that
	// uses its whole budget never watches its own lease expire.
	leaseSlack = 30 * time.Second
)

// Status classifies a terminal run outcome.
type Status string

const (
	StatusCycleComplete Status = "cycle_complete"
	StatusTimedOut      Status = "timed_out"
	StatusFailed        Status = "failed"
)

// Result summarizes one invocation: the outcome, cumulative counts, elapsed
// time, and (when stopping mid-cycle) the cursor the next run resumes from.
type Result struct {
	Status     Status
	Message    string
	Inserted   int
	Skipped    int
	Elapsed    time.Duration
	NextCursor *string
}

// Fetcher executes a single paginated search query.
type Fetcher interface {
	FetchPage(ctx context.Context, query string, cursor *string) (ghclient.Page, error)
}

// CheckpointStore persists the single progress record.
type CheckpointStore interface {
	Load(ctx context.Context) (model.Checkpoint, error)
	Save(ctx context.Context, cp model.Checkpoint) error
	Acquire(ctx context.Context, owner string, ttl time.Duration) error
	Release(ctx context.Context, owner string) error
}

// Sink normalizes and persists one page of raw records.
type Sink interface {
	Ingest(ctx context.Context, topic string, raw []*gh.Repository) (inserted, skipped int)
}

// Engine drives one bounded, resumable harvest invocation: load checkpoint,
// walk partitions page by page under a wall-clock deadline, and leave a
// consistent checkpoint whatever happens. All work is strictly sequential;
// page N+1 is never fetched before page N is ingested and accounted for.
type Engine struct {
	store    CheckpointStore
	fetcher  Fetcher
	sink     Sink
	plan     plan.Plan
	logger   *slog.Logger
	budget   time.Duration
	interval time.Duration
	now      func() time.Time
}

func New(store CheckpointStore, fetcher Fetcher, sink Sink, logger *slog.Logger, budget, interval time.Duration) *Engine {
	return &Engine{
		store:    store,
		fetcher:  fetcher,
		sink:     sink,
		plan:     plan.Default(),
		logger:   logger,
		budget:   budget,
		interval: interval,
		now:      time.Now,
	}
}

// Run performs a single invocation and returns its terminal result. On error
// the checkpoint reflects the last successfully persisted state, never a
// half-applied one.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	start := e.now()
	deadline := start.Add(e.budget - deadlineSafetyMargin)

	owner := uuid.NewString()
	if err := e.store.Acquire(ctx, owner, e.budget+leaseSlack); err != nil {
		return Result{Status: StatusFailed, Elapsed: e.since(start)}, err
	}
	defer func() {
		if err := e.store.Release(context.WithoutCancel(ctx), owner); err != nil {
			e.logger.Warn("checkpoint lease release failed", "error", err)
		}
	}()

	cp, err := e.store.Load(ctx)
	if err != nil {
		return e.failed(start, 0, 0, err)
	}

	// A completed cycle from a previous run restarts from the top. The reset
	// is persisted before any fetching so a crash right after cannot replay
	// the stale completion signal.
	if cp.CycleComplete {
		e.logger.Info("previous cycle complete, starting a new cycle")
		cp.TopicIndex, cp.ShardIndex, cp.Cursor, cp.CycleComplete = 0, 0, nil, false
		if err := e.store.Save(ctx, cp); err != nil {
			return e.failed(start, 0, 0, err)
		}
	}

	var inserted, skipped int
	for {
		unit, ok := e.plan.Unit(cp.TopicIndex, cp.ShardIndex)
		if !ok {
			cp.Cursor = nil
			cp.CycleComplete = true
			if err := e.store.Save(ctx, cp); err != nil {
				return e.failed(start, inserted, skipped, err)
			}
			return Result{
				Status:   StatusCycleComplete,
				Message:  "all partitions harvested",
				Inserted: inserted,
				Skipped:  skipped,
				Elapsed:  e.since(start),
			}, nil
		}

		log := e.logger.With("topic", unit.Topic, "topic_index", unit.TopicIndex, "shard_index", unit.ShardIndex)
		log.Info("harvesting partition", "query", unit.Query())

		unitDone := false
		for !unitDone {
			if e.now().After(deadline) {
				// Persist the pre-fetch checkpoint untouched: a cursor is
				// only ever saved for a page that was actually ingested.
				if err := e.store.Save(ctx, cp); err != nil {
					return e.failed(start, inserted, skipped, err)
				}
				log.Info("wall clock budget exhausted, progress saved")
				return Result{
					Status:     StatusTimedOut,
					Message:    "timed out, progress saved",
					Inserted:   inserted,
					Skipped:    skipped,
					Elapsed:    e.since(start),
					NextCursor: cp.Cursor,
				}, nil
			}

			page, err := e.fetcher.FetchPage(ctx, unit.Query(), cp.Cursor)
			if err != nil {
				// Best effort: the checkpoint still points at the last
				// ingested page of this unit.
				if serr := e.store.Save(context.WithoutCancel(ctx), cp); serr != nil {
					log.Error("checkpoint save after fetch failure", "error", serr)
				}
				return e.failed(start, inserted, skipped, err)
			}

			ins, skp := e.sink.Ingest(ctx, unit.Topic, page.Repos)
			inserted += ins
			skipped += skp
			log.Info("page ingested",
				"records", len(page.Repos), "inserted", ins, "skipped", skp,
				"rate_remaining", page.RateRemaining)

			if page.HasMore {
				cp.Cursor = page.NextCursor
				if err := e.store.Save(ctx, cp); err != nil {
					return e.failed(start, inserted, skipped, err)
				}
				continue
			}
			unitDone = true
		}

		// Unit complete: advance the plan in a single checkpoint write, with
		// the cycle-complete flag folded in when this was the last unit.
		cp.TopicIndex, cp.ShardIndex = e.plan.Advance(unit)
		cp.Cursor = nil
		if _, more := e.plan.Unit(cp.TopicIndex, cp.ShardIndex); !more {
			cp.CycleComplete = true
		}
		if err := e.store.Save(ctx, cp); err != nil {
			return e.failed(start, inserted, skipped, err)
		}
		if cp.CycleComplete {
			return Result{
				Status:   StatusCycleComplete,
				Message:  "all partitions harvested",
				Inserted: inserted,
				Skipped:  skipped,
				Elapsed:  e.since(start),
			}, nil
		}
	}
}

// Start triggers an invocation on a fixed interval until ctx is cancelled.
// Used when the service schedules itself instead of being invoked by an
// external trigger.
func (e *Engine) Start(ctx context.Context) {
	if e.interval <= 0 {
		e.logger.Info("periodic harvesting disabled")
		return
	}
	e.logger.Info("starting periodic harvester", "interval", e.interval.String())
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			e.runOnce(ctx)
		case <-ctx.Done():
			e.logger.Info("harvester shutting down", "reason", ctx.Err())
			return
		}
	}
}

func (e *Engine) runOnce(ctx context.Context) {
	res, err := e.Run(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Error("harvest run failed", "error", err,
				"inserted", res.Inserted, "skipped", res.Skipped)
		}
		return
	}
	e.logger.Info("harvest run finished", "status", res.Status,
		"inserted", res.Inserted, "skipped", res.Skipped, "elapsed", res.Elapsed.String())
}

func (e *Engine) failed(start time.Time, inserted, skipped int, err error) (Result, error) {
	return Result{
		Status:   StatusFailed,
		Inserted: inserted,
		Skipped:  skipped,
		Elapsed:  e.since(start),
	}, err
}

func (e *Engine) since(start time.Time) time.Duration {
	return e.now().Sub(start)
}
