package delivery

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"briefing/internal/types"
)

// HandBack receives entries the sweep cannot resend itself because the
// ledger holds no body for them.
type HandBack interface {
	RequestRerender(ctx context.Context, entry types.DeliveryEntry) error
}

// Bounds for the recent-error list returned by Status.
const (
	DefaultStatusLimit = 20
	MaxStatusLimit     = 200
)

// SweepOptions configures a Sweeper.
type SweepOptions struct {
	BatchSize   int
	Concurrency int
}

// Sweeper retries failed deliveries whose backoff has elapsed.
type Sweeper struct {
	tracker  *Tracker
	ledger   types.DeliveryLedgerRepository
	handBack HandBack
	opts     SweepOptions
	clock    types.Clock
	metrics  types.MetricsRecorder
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. handBack may be nil, in which case entries
// without a stored body are only reported as eligible.
func NewSweeper(tracker *Tracker, ledger types.DeliveryLedgerRepository, handBack HandBack, opts SweepOptions) *Sweeper {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Sweeper{
		tracker:  tracker,
		ledger:   ledger,
		handBack: handBack,
		opts:     opts,
		clock:    tracker.clock,
		metrics:  tracker.metrics,
		logger:   tracker.logger,
	}
}

// Eligible returns up to limit entries the policy says to retry now. Stale
// pending entries (a caller died between create and record) are included
// once their lease has lapsed.
func (s *Sweeper) Eligible(ctx context.Context) ([]types.DeliveryEntry, error) {
	now := s.clock.Now()
	policy := s.tracker.Policy()

	candidates, err := s.ledger.ListRetryCandidates(ctx, policy.MaxRetries, now.Add(-s.tracker.opts.ClaimLease), s.opts.BatchSize)
	if err != nil {
		return nil, err
	}

	eligible := make([]types.DeliveryEntry, 0, len(candidates))
	for _, e := range candidates {
		if policy.Decide(e.Attempts, e.LastAttemptAt, now).Action == ActionRetryNow {
			eligible = append(eligible, e)
		}
	}
	return eligible, nil
}

// Run retries every eligible entry with bounded fan-out. Per-entry failures
// are logged and counted, never propagated, so one bad row cannot stall the
// batch.
func (s *Sweeper) Run(ctx context.Context) (types.SweepReport, error) {
	eligible, err := s.Eligible(ctx)
	if err != nil {
		return types.SweepReport{}, err
	}

	var (
		mu     sync.Mutex
		report = types.SweepReport{Eligible: len(eligible)}
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for _, entry := range eligible {
		g.Go(func() error {
			logger := s.logger.With("entry_id", entry.ID)

			if len(entry.Payload) == 0 {
				if s.handBack == nil {
					return nil
				}
				if err := s.handBack.RequestRerender(gCtx, entry); err != nil {
					logger.WarnContext(gCtx, "re-render hand-back failed", "error", err)
					return nil
				}
				mu.Lock()
				report.HandedBack++
				mu.Unlock()
				return nil
			}

			body, err := s.tracker.codec.Decode(entry.Payload)
			if err != nil {
				logger.ErrorContext(gCtx, "stored payload unreadable", "error", err)
				return nil
			}

			status, err := s.tracker.attempt(gCtx, entry, body)
			if err != nil {
				logger.WarnContext(gCtx, "sweep retry failed", "error", err)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			report.Retried++
			switch status {
			case types.DeliverySent:
				report.Succeeded++
			case types.DeliveryDeadLetter:
				report.DeadLettered++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.InfoContext(ctx, "delivery sweep complete",
		"eligible", report.Eligible,
		"retried", report.Retried,
		"succeeded", report.Succeeded,
		"dead_lettered", report.DeadLettered,
		"handed_back", report.HandedBack,
	)
	s.metrics.RecordSweep(ctx, report)
	return report, nil
}

// Status summarizes the ledger for operators.
func (s *Sweeper) Status(ctx context.Context, limit int) (types.DeliveryStats, error) {
	if limit <= 0 {
		limit = DefaultStatusLimit
	}
	limit = min(limit, MaxStatusLimit)
	counts, err := s.ledger.CountByStatus(ctx)
	if err != nil {
		return types.DeliveryStats{}, err
	}
	recent, err := s.ledger.RecentErrors(ctx, limit)
	if err != nil {
		return types.DeliveryStats{}, err
	}
	return types.DeliveryStats{
		DeadLetterCount: counts[types.DeliveryDeadLetter],
		FailedCount:     counts[types.DeliveryFailed],
		PendingCount:    counts[types.DeliveryPending],
		RecentErrors:    recent,
	}, nil
}
