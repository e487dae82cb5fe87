package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sale-discount-alerts/internal/alerting"
	"sale-discount-alerts/internal/config"
	"sale-discount-alerts/internal/detector"
	"sale-discount-alerts/internal/scheduler"
	"sale-discount-alerts/internal/storage"
)

// Service orchestrates one pipeline pass: detect qualifying conditions,
// route events to recipients, dispatch messages, prune history.
type Service struct {
	scheduler    *scheduler.Scheduler
	detector     *detector.Detector
	events       storage.EventStore
	observations storage.ObservationStore
	router       *alerting.Router
	logger       zerolog.Logger

	notifyOn             bool
	lookback             time.Duration
	eventRetention       time.Duration
	observationRetention time.Duration
	locker               storage.AdvisoryLocker
	lockKey              int64
	now                  func() time.Time
}

// New constructs the pipeline service. The router may be nil when
// notifications are disabled; the locker may be nil when no overlap guard
// is wanted.
func New(cfg *config.Config, sched *scheduler.Scheduler, det *detector.Detector, events storage.EventStore, observations storage.ObservationStore, router *alerting.Router, locker storage.AdvisoryLocker, logger zerolog.Logger) *Service {
	return &Service{
		scheduler:            sched,
		detector:             det,
		events:               events,
		observations:         observations,
		router:               router,
		logger:               logger.With().Str("component", "service").Logger(),
		notifyOn:             cfg.Notification.Enabled,
		lookback:             cfg.Notification.Lookback,
		eventRetention:       cfg.Detection.EventRetention,
		observationRetention: cfg.Detection.ObservationRetention,
		locker:               locker,
		lockKey:              cfg.Scheduler.AdvisoryLockKey,
		now:                  time.Now,
	}
}

// Run begins the scheduled pass loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.RunPass)
}

// RunPass executes a single pipeline pass, guarded by the advisory lock
// so overlapping runs against the same store skip instead of racing.
func (s *Service) RunPass(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("pass", at).Msg("skip pass because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executePass(ctx, at)
}

func (s *Service) executePass(ctx context.Context, at time.Time) error {
	result, err := s.detector.Run(ctx)
	if err != nil {
		return fmt.Errorf("detect events: %w", err)
	}

	var planStats alerting.PlanStats
	var dispatchStats alerting.DispatchStats
	if s.notifyOn && s.router != nil {
		since := at.UTC().Add(-s.lookback)
		events, err := s.events.ListEventsSince(ctx, since)
		if err != nil {
			return fmt.Errorf("load events for routing: %w", err)
		}

		intents, stats, err := s.router.Plan(ctx, events)
		if err != nil {
			return fmt.Errorf("plan notifications: %w", err)
		}
		planStats = stats
		dispatchStats = s.router.Dispatch(ctx, intents)
	}

	s.pruneHistory(ctx, at)

	s.logger.Info().
		Time("pass", at).
		Int("scanned", result.Scanned).
		Int("dropped", result.Dropped).
		Int("events_new", len(result.New)).
		Int("sent", dispatchStats.Sent).
		Int("send_failures", dispatchStats.Failed).
		Int("skipped_filter", planStats.SkippedFilter).
		Int("skipped_cooldown", planStats.SkippedCooldown).
		Msg("pass complete")

	return nil
}

// pruneHistory applies the configured retention windows. Pruning is an
// explicit opt-in; a zero retention keeps everything. Failures are logged
// and do not fail the pass.
func (s *Service) pruneHistory(ctx context.Context, at time.Time) {
	if s.eventRetention > 0 {
		cutoff := at.UTC().Add(-s.eventRetention)
		if err := s.events.DeleteEventsBefore(ctx, cutoff); err != nil {
			s.logger.Error().Err(err).Time("cutoff", cutoff).Msg("failed to prune events")
		}
	}
	if s.observationRetention > 0 {
		cutoff := at.UTC().Add(-s.observationRetention)
		if err := s.observations.DeleteObservationsBefore(ctx, cutoff); err != nil {
			s.logger.Error().Err(err).Time("cutoff", cutoff).Msg("failed to prune observations")
		}
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
