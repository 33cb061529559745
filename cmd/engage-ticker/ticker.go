package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/doctorsflow/engage/pkg/cache"
	"github.com/doctorsflow/engage/pkg/dispatch"
	"github.com/doctorsflow/engage/pkg/eventbus"
	"github.com/doctorsflow/engage/pkg/ledger"
	"github.com/doctorsflow/engage/pkg/persistence"
	"github.com/doctorsflow/engage/pkg/scheduler"
	"github.com/doctorsflow/engage/pkg/trigger"
)

const (
	noShowSweepSpec   = "*/15 * * * *"
	recoverySpec      = "*/5 * * * *"
	retrySweepSpec    = "* * * * *"
	staleThreshold    = 10 * time.Minute
	tickDedupCacheTTL = 36 * time.Hour
)

// Ticker runs the engine's periodic jobs: the daily date-trigger tick, the
// no-show sweep, stale-execution recovery and the failed-message retry
// sweep.
type Ticker struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	evaluator   *trigger.Evaluator
	scheduler   *scheduler.Scheduler
	ledger      *ledger.Ledger
	retrier     *dispatch.Retrier
	cache       cache.Cache
	cron        *cron.Cron
}

func NewTicker(
	logger *slog.Logger,
	p persistence.Persistence,
	eventBus eventbus.EventBus,
	dispatcher *dispatch.Dispatcher,
	cacheStore cache.Cache,
) *Ticker {
	sched := scheduler.NewScheduler(p, eventBus, logger)

	return &Ticker{
		logger:      logger.With("module", "ticker"),
		persistence: p,
		eventBus:    eventBus,
		evaluator:   trigger.NewEvaluator(p, sched, logger),
		scheduler:   sched,
		ledger:      ledger.NewLedger(p, logger),
		retrier:     dispatch.NewRetrier(dispatcher, p, logger),
		cache:       cacheStore,
		cron:        cron.New(),
	}
}

// Start registers the cron entries and blocks until a signal arrives.
func (t *Ticker) Start(ctx context.Context, dateTickSpec string) error {
	jobs := []struct {
		spec string
		name string
		run  func(context.Context)
	}{
		{dateTickSpec, "date-trigger-tick", t.runDateTick},
		{noShowSweepSpec, "no-show-sweep", t.runNoShowSweep},
		{recoverySpec, "stale-recovery", t.runRecovery},
		{retrySweepSpec, "message-retry-sweep", t.runRetrySweep},
	}

	for _, job := range jobs {
		run := job.run
		name := job.name

		if _, err := t.cron.AddFunc(job.spec, func() { run(ctx) }); err != nil {
			t.logger.ErrorContext(ctx, "Failed to register cron entry", "job", name, "error", err)

			return err
		}
	}

	t.cron.Start()
	t.logger.InfoContext(ctx, "Ticker started", "jobs", len(jobs))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	t.logger.InfoContext(ctx, "Shutting down ticker...")

	stopCtx := t.cron.Stop()
	<-stopCtx.Done()

	return nil
}

// runDateTick evaluates date-based triggers once per calendar day. The cache
// key dedups ticks across restarts and replicas; the per-day fingerprint on
// each enqueue is the durable guarantee behind it.
func (t *Ticker) runDateTick(ctx context.Context) {
	now := time.Now()
	dedupKey := "tick:" + now.Format("2006-01-02")

	if _, done, err := t.cache.Get(ctx, dedupKey); err == nil && done {
		t.logger.InfoContext(ctx, "date tick already ran today", "date", now.Format("2006-01-02"))

		return
	}

	jobIDs, err := t.evaluator.EvaluateTick(ctx, now)
	if err != nil {
		t.logger.ErrorContext(ctx, "date trigger tick failed", "error", err)

		return
	}

	_ = t.cache.Set(ctx, dedupKey, "done", tickDedupCacheTTL)

	t.logger.InfoContext(ctx, "date trigger tick finished", "enqueued", len(jobIDs))
}

func (t *Ticker) runNoShowSweep(ctx context.Context) {
	swept, err := t.evaluator.SweepNoShows(ctx, time.Now())
	if err != nil {
		t.logger.ErrorContext(ctx, "no-show sweep failed", "error", err)

		return
	}

	if swept > 0 {
		t.logger.InfoContext(ctx, "no-show sweep finished", "swept", swept)
	}
}

// runRecovery re-claims executions abandoned by crashed workers and puts
// their current step back on the bus.
func (t *Ticker) runRecovery(ctx context.Context) {
	reclaimed, err := t.ledger.ReclaimStale(ctx, staleThreshold)
	if err != nil {
		t.logger.ErrorContext(ctx, "stale execution recovery failed", "error", err)

		return
	}

	for _, execution := range reclaimed {
		patient, err := t.persistence.PatientByID(ctx, execution.PatientID)
		if err != nil {
			t.logger.ErrorContext(ctx, "failed to load patient for reclaimed execution",
				"execution_id", execution.ID, "error", err)

			continue
		}

		if err := t.scheduler.ScheduleCurrentStep(ctx, execution, patient); err != nil {
			t.logger.ErrorContext(ctx, "failed to reschedule reclaimed execution",
				"execution_id", execution.ID, "error", err)
		}
	}

	if len(reclaimed) > 0 {
		t.logger.InfoContext(ctx, "stale execution recovery finished", "reclaimed", len(reclaimed))
	}
}

func (t *Ticker) runRetrySweep(ctx context.Context) {
	recovered, err := t.retrier.Sweep(ctx)
	if err != nil {
		t.logger.ErrorContext(ctx, "message retry sweep failed", "error", err)

		return
	}

	if recovered > 0 {
		t.logger.InfoContext(ctx, "message retry sweep finished", "recovered", recovered)
	}
}
