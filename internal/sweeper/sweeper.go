package sweeper

import (
	"context"
	"time"

	"stockroom/internal/observability"
	"stockroom/internal/reservation"
	"stockroom/internal/saga"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSchedule runs the sweep every ten seconds.
const DefaultSchedule = "*/10 * * * * *"

const defaultBatchSize = 100

// SagaDriver is the slice of the orchestrator the sweeper needs.
type SagaDriver interface {
	Timeout(ctx context.Context, id string) error
}

// Sweeper periodically expires overdue reservations and times out sagas
// that exceeded their workflow's maximum duration. It is the only caller
// of reservation expiry and saga timeout, so those transitions have a
// single writer.
type Sweeper struct {
	reservations *reservation.Manager
	sagas        saga.Store
	registry     *saga.Registry
	driver       SagaDriver
	batchSize    int
	metrics      *observability.Metrics
	logger       zerolog.Logger
	now          func() time.Time
	cron         *cron.Cron
}

// Option customizes a Sweeper.
type Option func(*Sweeper)

// WithBatchSize caps how many reservations one sweep expires.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithMetrics wires Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithClock overrides the sweeper's clock (for tests).
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New constructs a Sweeper over the reservation manager and saga store.
func New(reservations *reservation.Manager, sagas saga.Store, registry *saga.Registry, driver SagaDriver, logger zerolog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		reservations: reservations,
		sagas:        sagas,
		registry:     registry,
		driver:       driver,
		batchSize:    defaultBatchSize,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules sweeps on the given cron spec (with a seconds field)
// and begins running them.
func (s *Sweeper) Start(spec string) error {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(spec, func() {
		s.Sweep(context.Background())
	})
	if err != nil {
		return err
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep runs one pass: finish pending ledger returns, expire overdue
// reservations, then time out sagas past their maximum duration.
// Individual failures are logged and skipped; the next sweep retries
// them.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweepReservations(ctx)
	s.sweepSagas(ctx)
}

func (s *Sweeper) sweepReservations(ctx context.Context) {
	settled, err := s.reservations.SettleDue(ctx, s.batchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("pending return sweep failed")
	} else if len(settled) > 0 {
		s.logger.Info().
			Int("count", len(settled)).
			Msg("settled pending ledger returns")
	}

	expired, err := s.reservations.ExpireDue(ctx, s.batchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("reservation sweep failed")
		return
	}
	for range expired {
		s.metrics.ReservationExpired()
	}
	if len(expired) > 0 {
		s.logger.Info().
			Int("count", len(expired)).
			Msg("expired overdue reservations")
	}
}

func (s *Sweeper) sweepSagas(ctx context.Context) {
	active, err := s.sagas.ListActive(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("saga sweep failed")
		return
	}

	now := s.now()
	for _, in := range active {
		def, ok := s.registry.Lookup(in.WorkflowType)
		if !ok || def.MaxDuration <= 0 {
			continue
		}
		if now.Sub(in.CreatedAt) <= def.MaxDuration {
			continue
		}
		if err := s.driver.Timeout(ctx, in.ID); err != nil {
			s.logger.Error().Err(err).Str("saga_id", in.ID).Msg("failed to time out saga")
			continue
		}
		s.logger.Warn().
			Str("saga_id", in.ID).
			Str("workflow_type", in.WorkflowType).
			Dur("age", now.Sub(in.CreatedAt)).
			Msg("saga exceeded its maximum duration")
	}
}
