package runner

import (
	"context"
	"time"

	"github.com/goliatone/go-ingest/scheduler"
)

type DedupPurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

type StalledSweeper interface {
	SweepStalled(ctx context.Context) (int, error)
}

type RetentionSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

type DeadLetterResweeper interface {
	Resweep(ctx context.Context, limit int) (int, error)
}

type IdlePruner interface {
	PruneIdle(ctx context.Context) (int, error)
}

type RetryDispatcher interface {
	DispatchDue(ctx context.Context) (scheduler.DispatchStats, error)
}

// DedupPurgeTask drops expired dedup entries so the store stays bounded by
// the retention window instead of growing with delivery volume.
func DedupPurgeTask(purger DedupPurger, interval time.Duration) Task {
	return Task{
		Name:     "dedup_purge",
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			if purger == nil {
				return 0, nil
			}
			return purger.PurgeExpired(ctx)
		},
	}
}

// BulkStalledSweepTask times out RUNNING jobs that stopped reporting
// progress.
func BulkStalledSweepTask(sweeper StalledSweeper, interval time.Duration) Task {
	return Task{
		Name:     "bulk_stalled_sweep",
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			if sweeper == nil {
				return 0, nil
			}
			return sweeper.SweepStalled(ctx)
		},
	}
}

// BulkRetentionTask deletes terminal jobs past the retention window.
func BulkRetentionTask(sweeper RetentionSweeper, interval time.Duration) Task {
	return Task{
		Name:     "bulk_retention",
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			if sweeper == nil {
				return 0, nil
			}
			return sweeper.SweepExpired(ctx)
		},
	}
}

// DeadLetterResweepTask redrives parked deliveries back through the retry
// queue, at most limit per pass.
func DeadLetterResweepTask(resweeper DeadLetterResweeper, limit int, interval time.Duration) Task {
	return Task{
		Name:     "deadletter_resweep",
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			if resweeper == nil {
				return 0, nil
			}
			return resweeper.Resweep(ctx, limit)
		},
	}
}

// RetryDispatchTask drains due retry entries each pass. This wants a short
// interval; dispatch latency is bounded by it.
func RetryDispatchTask(dispatcher RetryDispatcher, interval time.Duration) Task {
	return Task{
		Name:     "retry_dispatch",
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			if dispatcher == nil {
				return 0, nil
			}
			stats, err := dispatcher.DispatchDue(ctx)
			return stats.Dispatched, err
		},
	}
}

// BreakerPruneTask drops breaker records idle past their retention so
// per-destination state stays bounded.
func BreakerPruneTask(pruner IdlePruner, interval time.Duration) Task {
	return Task{
		Name:     "breaker_prune",
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			if pruner == nil {
				return 0, nil
			}
			return pruner.PruneIdle(ctx)
		},
	}
}
