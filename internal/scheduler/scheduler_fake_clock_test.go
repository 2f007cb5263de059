package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscaldoc/internal/clock"
	documentdomain "github.com/smallbiznis/fiscaldoc/internal/document/domain"
	subscriptiondomain "github.com/smallbiznis/fiscaldoc/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type renewalCall struct {
	now       time.Time
	batchSize int
}

type mockSubscriptionSvc struct {
	subscriptiondomain.Service

	calls   []renewalCall
	reports []subscriptiondomain.RenewalReport
	err     error
}

func (m *mockSubscriptionSvc) ProcessRenewals(ctx context.Context, now time.Time, batchSize int) (subscriptiondomain.RenewalReport, error) {
	m.calls = append(m.calls, renewalCall{now: now, batchSize: batchSize})
	if len(m.reports) == 0 {
		return subscriptiondomain.RenewalReport{}, m.err
	}
	report := m.reports[0]
	m.reports = m.reports[1:]
	return report, m.err
}

type mockDocumentSvc struct {
	documentdomain.Service

	calls   []time.Time
	reports []documentdomain.StuckReport
}

func (m *mockDocumentSvc) FlagStuck(ctx context.Context, now time.Time, batchSize int) (documentdomain.StuckReport, error) {
	m.calls = append(m.calls, now)
	if len(m.reports) == 0 {
		return documentdomain.StuckReport{}, nil
	}
	report := m.reports[0]
	m.reports = m.reports[1:]
	return report, nil
}

func newTestScheduler(t *testing.T, cfg Config, subs *mockSubscriptionSvc, docs *mockDocumentSvc, clk clock.Clock) *Scheduler {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	s, err := New(Params{
		Log:             zap.NewNop(),
		GenID:           node,
		Clock:           clk,
		SubscriptionSvc: subs,
		DocumentSvc:     docs,
		Config:          cfg,
	})
	require.NoError(t, err)
	return s
}

func TestRunOnceUsesClockForEveryJob(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 31, 23, 59, 0, 0, time.UTC))
	subs := &mockSubscriptionSvc{}
	docs := &mockDocumentSvc{}
	s := newTestScheduler(t, Config{BatchSize: 10}, subs, docs, clk)

	for day := 0; day < 30; day++ {
		require.NoError(t, s.RunOnce(context.Background()))
		clk.Advance(24 * time.Hour)
	}

	require.Len(t, subs.calls, 30)
	require.Len(t, docs.calls, 30)
	for day, call := range subs.calls {
		want := time.Date(2026, 1, 31, 23, 59, 0, 0, time.UTC).AddDate(0, 0, day)
		assert.True(t, call.now.Equal(want), "day %d: got %s", day, call.now)
		assert.Equal(t, 10, call.batchSize)
		assert.True(t, docs.calls[day].Equal(want))
	}
}

func TestRenewalsDrainFullBatches(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	subs := &mockSubscriptionSvc{reports: []subscriptiondomain.RenewalReport{
		{Scanned: 2, Renewed: 1, Suspended: 1},
		{Scanned: 2, Reactivated: 2},
		{Scanned: 1, Renewed: 1},
	}}
	s := newTestScheduler(t, Config{BatchSize: 2, EnabledJobs: []string{JobSubscriptionRenewals}}, subs, &mockDocumentSvc{}, clk)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Len(t, subs.calls, 3)
}

func TestRenewalsKeepDrainingPastUnchangedBatches(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	subs := &mockSubscriptionSvc{reports: []subscriptiondomain.RenewalReport{
		{Scanned: 2, Unchanged: 2},
		{Scanned: 2, Unchanged: 1, Renewed: 1},
		{Scanned: 0},
	}}
	s := newTestScheduler(t, Config{BatchSize: 2, EnabledJobs: []string{JobSubscriptionRenewals}}, subs, &mockDocumentSvc{}, clk)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Len(t, subs.calls, 3)
}

func TestRenewalsStopWhenEveryRowFails(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	subs := &mockSubscriptionSvc{
		reports: []subscriptiondomain.RenewalReport{
			{Scanned: 2, Failed: 2},
			{Scanned: 2, Failed: 2},
		},
		err: errors.New("wallet locked"),
	}
	s := newTestScheduler(t, Config{BatchSize: 2, EnabledJobs: []string{JobSubscriptionRenewals}}, subs, &mockDocumentSvc{}, clk)

	require.Error(t, s.RunOnce(context.Background()))
	assert.Len(t, subs.calls, 1)
}

func TestRunOnceReturnsJobErrors(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	subs := &mockSubscriptionSvc{err: errors.New("wallet locked")}
	docs := &mockDocumentSvc{}
	s := newTestScheduler(t, Config{}, subs, docs, clk)

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobSubscriptionRenewals)
	// A failing job does not starve the others.
	assert.Len(t, docs.calls, 1)
}

func TestEnabledJobsFilter(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	subs := &mockSubscriptionSvc{}
	docs := &mockDocumentSvc{reports: []documentdomain.StuckReport{{Flagged: 3}, {Flagged: 1}}}
	s := newTestScheduler(t, Config{BatchSize: 3, EnabledJobs: []string{" STUCK_DOCUMENTS "}}, subs, docs, clk)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Empty(t, subs.calls)
	assert.Len(t, docs.calls, 2)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{JobTimeout: 5 * time.Minute}.withDefaults()
	assert.Equal(t, time.Minute, cfg.RunInterval)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 20, cfg.MaxBatches)
	assert.Equal(t, 5*time.Minute, cfg.LockTTL)
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
