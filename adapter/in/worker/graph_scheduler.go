package worker

import (
	"context"
	"time"

	"mailgraph/core/port/out"
	"mailgraph/pkg/logger"
)

const (
	defaultCatchupInterval = time.Minute
	defaultIdleInterval    = 15 * time.Minute
	schedulerStartDelay    = 10 * time.Second
)

// SyncCoordinator is the coordinator surface the scheduler needs.
type SyncCoordinator interface {
	Accounts() []string
	InFlight(account string) bool
}

// SchedulerConfig holds sync scheduler configuration.
type SchedulerConfig struct {
	// CatchupInterval is the publish cadence while an account is still
	// walking its cold batch window.
	CatchupInterval time.Duration

	// IdleInterval is the publish cadence once an account is caught up
	// and only history deltas remain.
	IdleInterval time.Duration

	// StartDelay postpones the first tick so the consumer is up before
	// jobs arrive. Zero keeps the default; negative disables it.
	StartDelay time.Duration
}

// Scheduler publishes sync jobs for every configured account. Accounts
// mid cold-walk are driven at CatchupInterval; caught-up accounts drop
// to IdleInterval. Accounts with a run in flight are skipped, the next
// tick picks them up again.
type Scheduler struct {
	states      out.SyncStateStore
	coordinator SyncCoordinator
	producer    out.JobProducer

	catchupInterval time.Duration
	idleInterval    time.Duration
	startDelay      time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a sync scheduler.
func NewScheduler(states out.SyncStateStore, coordinator SyncCoordinator, producer out.JobProducer, cfg SchedulerConfig) *Scheduler {
	if cfg.CatchupInterval <= 0 {
		cfg.CatchupInterval = defaultCatchupInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = defaultIdleInterval
	}
	if cfg.StartDelay == 0 {
		cfg.StartDelay = schedulerStartDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		states:          states,
		coordinator:     coordinator,
		producer:        producer,
		catchupInterval: cfg.CatchupInterval,
		idleInterval:    cfg.IdleInterval,
		startDelay:      cfg.StartDelay,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start starts the scheduler loop.
func (s *Scheduler) Start() {
	logger.Info("[Scheduler] Starting...")
	go s.run()
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	logger.Info("[Scheduler] Stopping...")
	s.cancel()
}

func (s *Scheduler) run() {
	if s.startDelay > 0 {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.startDelay):
		}
	}

	s.tick()

	ticker := time.NewTicker(s.catchupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			logger.Info("[Scheduler] Stopped")
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick publishes one sync job per account that is due.
func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	today := time.Now().UTC().Format("2006-01-02")

	for _, account := range s.coordinator.Accounts() {
		if s.coordinator.InFlight(account) {
			continue
		}
		if !s.due(ctx, account, today) {
			continue
		}

		job := &out.SyncJob{Account: account, Reason: "scheduler"}
		if err := s.producer.PublishSync(ctx, job); err != nil {
			logger.WithAccount(account).WithError(err).Error("[Scheduler] failed to publish sync job")
			continue
		}
		logger.WithAccount(account).Debug("[Scheduler] published sync job")
	}
}

// due reports whether the account should sync on this tick. Catching-up
// accounts are always due; caught-up accounts wait out the idle
// interval since their last finished run.
func (s *Scheduler) due(ctx context.Context, account, today string) bool {
	state, err := s.states.Get(ctx, account)
	if err != nil {
		logger.WithAccount(account).WithError(err).Warn("[Scheduler] state lookup failed, scheduling anyway")
		return true
	}
	if state == nil || !state.CaughtUp(today) {
		return true
	}
	if state.LastSyncAt == nil {
		return true
	}
	return time.Since(*state.LastSyncAt) >= s.idleInterval
}
