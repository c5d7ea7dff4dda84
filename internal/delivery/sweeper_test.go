package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefing/internal/types"
)

type recordingHandBack struct {
	mu      sync.Mutex
	entries []types.DeliveryEntry
	err     error
}

func (h *recordingHandBack) RequestRerender(_ context.Context, e types.DeliveryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.entries = append(h.entries, e)
	return nil
}

func message(recipient string) Message {
	return Message{Recipient: recipient, Subject: "Briefing for 2026-04-01", BodyHTML: "<p>" + recipient + "</p>"}
}

func TestSweeper_RetriesAfterBackoff(t *testing.T) {
	f := newTrackerFixture(t, Options{StorePayload: true})
	f.provider.failures = 1
	ctx := context.Background()
	sweeper := NewSweeper(f.tracker, f.store.Deliveries(), nil, SweepOptions{})

	ok, err := f.tracker.SendTracked(ctx, message("a@example.com"))
	require.NoError(t, err)
	require.False(t, ok)

	eligible, err := sweeper.Eligible(ctx)
	require.NoError(t, err)
	assert.Empty(t, eligible, "backoff of 2 minutes has not elapsed")

	f.clock.Advance(2*time.Minute + time.Second)
	report, err := sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SweepReport{Eligible: 1, Retried: 1, Succeeded: 1}, report)

	assert.Equal(t, types.DeliverySent, f.entry(t, message("a@example.com")).Status)
	assert.Equal(t, "<p>a@example.com</p>", f.provider.inputs[1].BodyHTML, "resent from the stored body")
}

func TestSweeper_DeadLettersAndExcludes(t *testing.T) {
	f := newTrackerFixture(t, Options{StorePayload: true})
	f.provider.failures = 10
	ctx := context.Background()
	sweeper := NewSweeper(f.tracker, f.store.Deliveries(), nil, SweepOptions{})

	_, err := f.tracker.SendTracked(ctx, message("a@example.com"))
	require.NoError(t, err)

	f.clock.Advance(3 * time.Minute)
	report, err := sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SweepReport{Eligible: 1, Retried: 1}, report)

	f.clock.Advance(5 * time.Minute)
	report, err = sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SweepReport{Eligible: 1, Retried: 1, DeadLettered: 1}, report)

	f.clock.Advance(time.Hour)
	report, err = sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Eligible, "dead_letter is excluded")
	assert.Equal(t, 3, f.provider.Calls())
}

func TestSweeper_HandsBackRowsWithoutPayload(t *testing.T) {
	f := newTrackerFixture(t, Options{StorePayload: false})
	f.provider.failures = 1
	ctx := context.Background()
	handBack := &recordingHandBack{}
	sweeper := NewSweeper(f.tracker, f.store.Deliveries(), handBack, SweepOptions{})

	_, err := f.tracker.SendTracked(ctx, message("a@example.com"))
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	report, err := sweeper.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, types.SweepReport{Eligible: 1, HandedBack: 1}, report)
	require.Len(t, handBack.entries, 1)
	assert.Equal(t, "a@example.com", handBack.entries[0].Key.Recipient)
	assert.Equal(t, 1, f.provider.Calls(), "no send without a body")
}

func TestSweeper_HandBackFailureIsIsolated(t *testing.T) {
	f := newTrackerFixture(t, Options{StorePayload: false})
	f.provider.failures = 2
	ctx := context.Background()
	sweeper := NewSweeper(f.tracker, f.store.Deliveries(), &recordingHandBack{err: errors.New("queue down")}, SweepOptions{Concurrency: 2})

	for _, r := range []string{"a@example.com", "b@example.com"} {
		_, err := f.tracker.SendTracked(ctx, message(r))
		require.NoError(t, err)
	}

	f.clock.Advance(10 * time.Minute)
	report, err := sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Eligible)
	assert.Equal(t, 0, report.HandedBack)
}

func TestSweeper_ParallelBatch(t *testing.T) {
	f := newTrackerFixture(t, Options{StorePayload: true})
	recipients := []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com", "e@example.com"}
	f.provider.failures = len(recipients)
	ctx := context.Background()
	sweeper := NewSweeper(f.tracker, f.store.Deliveries(), nil, SweepOptions{Concurrency: 3, BatchSize: 10})

	for _, r := range recipients {
		_, err := f.tracker.SendTracked(ctx, message(r))
		require.NoError(t, err)
	}

	f.clock.Advance(3 * time.Minute)
	report, err := sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.SweepReport{Eligible: 5, Retried: 5, Succeeded: 5}, report)
}

func TestSweeper_Status(t *testing.T) {
	f := newTrackerFixture(t, Options{})
	f.provider.failures = 4
	ctx := context.Background()
	sweeper := NewSweeper(f.tracker, f.store.Deliveries(), nil, SweepOptions{})

	for range 3 {
		_, err := f.tracker.SendTracked(ctx, message("dead@example.com"))
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}
	_, err := f.tracker.SendTracked(ctx, message("failed@example.com"))
	require.NoError(t, err)
	_, err = f.tracker.SendTracked(ctx, message("ok@example.com"))
	require.NoError(t, err)

	stats, err := sweeper.Status(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLetterCount)
	assert.Equal(t, 1, stats.FailedCount)
	require.Len(t, stats.RecentErrors, 2)
	assert.Equal(t, "failed@example.com", stats.RecentErrors[0].Recipient, "most recent first")
	assert.Equal(t, 3, stats.RecentErrors[1].Attempts)
}

type limitRecordingLedger struct {
	types.DeliveryLedgerRepository
	limits []int
}

func (l *limitRecordingLedger) RecentErrors(ctx context.Context, limit int) ([]types.DeliveryError, error) {
	l.limits = append(l.limits, limit)
	return l.DeliveryLedgerRepository.RecentErrors(ctx, limit)
}

func TestSweeper_StatusLimitBounds(t *testing.T) {
	f := newTrackerFixture(t, Options{})
	ledger := &limitRecordingLedger{DeliveryLedgerRepository: f.store.Deliveries()}
	sweeper := NewSweeper(f.tracker, ledger, nil, SweepOptions{})

	for _, limit := range []int{0, 150, MaxStatusLimit, 1000} {
		_, err := sweeper.Status(context.Background(), limit)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{DefaultStatusLimit, 150, MaxStatusLimit, MaxStatusLimit}, ledger.limits)
}
