package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscaldoc/internal/clock"
	documentdomain "github.com/smallbiznis/fiscaldoc/internal/document/domain"
	obsmetrics "github.com/smallbiznis/fiscaldoc/internal/observability/metrics"
	"github.com/smallbiznis/fiscaldoc/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/fiscaldoc/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const deferredReasonLockHeld = "lock_held"

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	SubscriptionSvc subscriptiondomain.Service
	DocumentSvc     documentdomain.Service
	Locker          *ratelimit.Locker `optional:"true"`
	Config          Config            `optional:"true"`
}

type Scheduler struct {
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	subscriptionSvc subscriptiondomain.Service
	documentSvc     documentdomain.Service
	locker          *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.SubscriptionSvc == nil || p.DocumentSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		genID:           p.GenID,
		clock:           p.Clock,
		subscriptionSvc: p.SubscriptionSvc,
		documentSvc:     p.DocumentSvc,
		locker:          p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// Deadlines are soft; the next tick picks up where this one stopped.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// withJobLock runs fn only when no other instance holds the job lease.
// Without redis every instance runs every job; the conditional updates
// underneath keep that safe.
func (s *Scheduler) withJobLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if !s.locker.Enabled() {
		return fn(ctx)
	}
	token, ok, err := s.locker.TryLock(ctx, "scheduler:"+name, s.cfg.LockTTL)
	if err != nil {
		s.log.Warn("job lock unavailable, running unlocked", zap.String("job", name), zap.Error(err))
		return fn(ctx)
	}
	if !ok {
		obsmetrics.Scheduler().IncBatchDeferred(name, deferredReasonLockHeld)
		s.log.Debug("job lock held elsewhere", zap.String("job", name))
		return nil
	}
	defer func() {
		// The job context may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, "scheduler:"+name, token); err != nil {
			s.log.Warn("job lock release failed", zap.String("job", name), zap.Error(err))
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobSubscriptionRenewals, s.RenewSubscriptionsJob},
		{JobStuckDocuments, s.FlagStuckDocumentsJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		job := job
		err = errors.Join(err, s.withJobLock(parent, job.Name, func(ctx context.Context) error {
			return s.runJob(ctx, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run)
		}))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty list enables every job.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// RenewSubscriptionsJob charges due subscriptions, suspending the ones whose
// company wallet cannot pay and reactivating suspended ones that now can.
func (s *Scheduler) RenewSubscriptionsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobSubscriptionRenewals, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	now := s.clock.Now()
	var jobErr error

	for batch := 0; batch < s.cfg.MaxBatches; batch++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		report, err := s.subscriptionSvc.ProcessRenewals(ctx, now, s.cfg.BatchSize)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.renewal.failed", JobSubscriptionRenewals, err,
				zap.Int("failed", report.Failed),
			)
		}

		changed := report.Renewed + report.Reactivated + report.Suspended
		run.AddProcessed(changed)
		schedMetrics.AddBatchProcessed(JobSubscriptionRenewals, "subscriptions", changed)
		recordRenewalOutcomes(schedMetrics, report)

		// Unchanged rows are stamped and drop out of the next batch, so only a
		// batch where every row failed can repeat itself.
		if report.Scanned < s.cfg.BatchSize || report.Failed == report.Scanned {
			break
		}
	}

	return jobErr
}

// FlagStuckDocumentsJob flags documents whose analysis never came back.
func (s *Scheduler) FlagStuckDocumentsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobStuckDocuments, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	now := s.clock.Now()
	var jobErr error

	for batch := 0; batch < s.cfg.MaxBatches; batch++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		report, err := s.documentSvc.FlagStuck(ctx, now, s.cfg.BatchSize)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.stuck_documents.failed", JobStuckDocuments, err)
		}

		processed := report.Flagged + report.Failed
		run.AddProcessed(processed)
		schedMetrics.AddBatchProcessed(JobStuckDocuments, "documents", processed)

		if report.Flagged < s.cfg.BatchSize && report.Failed < s.cfg.BatchSize {
			break
		}
	}

	return jobErr
}

func recordRenewalOutcomes(m *obsmetrics.SchedulerMetrics, report subscriptiondomain.RenewalReport) {
	outcomes := []struct {
		name  string
		count int
	}{
		{"renewed", report.Renewed},
		{"reactivated", report.Reactivated},
		{"suspended", report.Suspended},
		{"failed", report.Failed},
	}
	for _, outcome := range outcomes {
		for i := 0; i < outcome.count; i++ {
			m.IncRenewalOutcome(outcome.name)
		}
	}
}
