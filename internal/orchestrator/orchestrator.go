package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stockroom/internal/events"
	"stockroom/internal/idempotency"
	"stockroom/internal/journal"
	"stockroom/internal/observability"
	"stockroom/internal/reliability"
	"stockroom/internal/saga"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrRetryNotAllowed signals Retry was called on a saga or step it does
// not apply to.
var ErrRetryNotAllowed = errors.New("retry not allowed")

// ErrStepTimeout signals a step attempt exceeded its timeout.
var ErrStepTimeout = errors.New("step timed out")

// errInterrupted aborts forward execution when a concurrent writer moved
// the saga out of IN_PROGRESS (timeout or manual compensation).
var errInterrupted = errors.New("saga interrupted")

const defaultCASAttempts = 5

// Journal records saga transitions on the append-only audit log.
type Journal interface {
	Record(ctx context.Context, entry journal.Entry) error
}

// Orchestrator drives saga instances from STARTED to a terminal state,
// persisting every transition. Each running saga has exactly one worker
// goroutine; steps inside a saga are strictly sequential.
type Orchestrator struct {
	registry    *saga.Registry
	store       saga.Store
	guard       *idempotency.Guard
	publisher   events.Publisher
	webhooks    *events.WebhookDispatcher
	journal     Journal
	metrics     *observability.Metrics
	retry       reliability.RetryPolicy
	casAttempts int
	newID       func() string
	now         func() time.Time
	logger      zerolog.Logger

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher wires an event publisher for saga transitions.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithWebhooks wires a dispatcher for terminal-transition webhooks.
func WithWebhooks(d *events.WebhookDispatcher) Option {
	return func(o *Orchestrator) { o.webhooks = d }
}

// WithJournal wires the audit journal.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithMetrics wires Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRetryPolicy overrides the default step retry policy.
func WithRetryPolicy(p reliability.RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithClock overrides the orchestrator's clock (for tests).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator overrides saga id generation (for tests).
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// New constructs an Orchestrator. The guard deduplicates step invocations
// so retries and resumes never repeat an external side effect.
func New(registry *saga.Registry, store saga.Store, guard *idempotency.Guard, logger zerolog.Logger, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		registry: registry,
		store:    store,
		guard:    guard,
		retry: reliability.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    5 * time.Second,
		},
		casAttempts: defaultCASAttempts,
		newID:       func() string { return "saga-" + uuid.NewString() },
		now:         time.Now,
		logger:      logger,
		running:     make(map[string]struct{}),
		baseCtx:     ctx,
		stop:        cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartSaga creates a saga for the workflow type and begins executing it.
// A second start with the same idempotency key and workflow type returns
// the existing saga id rather than creating a duplicate.
func (o *Orchestrator) StartSaga(ctx context.Context, workflowType string, sagaCtx map[string]string, idempotencyKey string) (string, error) {
	def, ok := o.registry.Lookup(workflowType)
	if !ok {
		return "", fmt.Errorf("%w: %s", saga.ErrInvalidWorkflow, workflowType)
	}

	if idempotencyKey != "" {
		existing, err := o.store.FindByIdempotencyKey(ctx, workflowType, idempotencyKey)
		switch {
		case err == nil:
			return existing.ID, nil
		case errors.Is(err, saga.ErrNotFound):
		default:
			return "", err
		}
	}

	now := o.now()
	in := saga.Instance{
		ID:             o.newID(),
		WorkflowType:   workflowType,
		IdempotencyKey: idempotencyKey,
		Status:         saga.StatusStarted,
		Context:        make(map[string]string, len(sagaCtx)),
		Steps:          make([]saga.Step, len(def.Steps)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for k, v := range sagaCtx {
		in.Context[k] = v
	}
	for i, step := range def.Steps {
		in.Steps[i] = saga.Step{Name: step.Name, Status: saga.StepPending}
	}

	if err := o.store.Create(ctx, in); err != nil {
		if errors.Is(err, saga.ErrDuplicateKey) {
			existing, findErr := o.store.FindByIdempotencyKey(ctx, workflowType, idempotencyKey)
			if findErr != nil {
				return "", findErr
			}
			return existing.ID, nil
		}
		return "", err
	}

	o.record(ctx, journal.Entry{SagaID: in.ID, Kind: journal.KindSagaStarted, Detail: workflowType})
	o.metrics.SagaStarted(workflowType)
	if def.StartedEventType != "" {
		o.publish(ctx, events.Event{
			EventType:     def.StartedEventType,
			EntityID:      entityID(in),
			CorrelationID: in.ID,
			Timestamp:     now,
			Payload:       map[string]string{"workflow_type": workflowType},
		})
	}

	o.logger.Info().
		Str("saga_id", in.ID).
		Str("workflow_type", workflowType).
		Msg("saga started")

	o.launch(in.ID)
	return in.ID, nil
}

// GetStatus returns a snapshot of the saga. It never blocks on in-flight
// steps; the snapshot is whatever the store holds right now.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (saga.Instance, error) {
	return o.store.Get(ctx, id)
}

// Cancel requests cooperative cancellation. The in-flight step finishes,
// then compensation runs from the last completed step backward. Cancel on
// a terminal saga is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) error {
	_, err := o.mutate(ctx, id, func(in *saga.Instance) error {
		if in.Status.Terminal() {
			return errInterrupted
		}
		in.CancelRequested = true
		if in.Reason == "" {
			in.Reason = reason
		}
		return nil
	})
	if errors.Is(err, errInterrupted) {
		return nil
	}
	if err != nil {
		return err
	}

	o.record(ctx, journal.Entry{SagaID: id, Kind: journal.KindCancelRequested, Detail: reason})
	o.logger.Info().Str("saga_id", id).Str("reason", reason).Msg("cancellation requested")

	// If no worker is live (e.g. after a restart) one is needed to drive
	// the compensation.
	o.launch(id)
	return nil
}

// Retry resumes forward execution from the named step. It is only legal
// on FAILED or TIMEOUT sagas, and only when every step before fromStep is
// already completed; completed side effects are reused through the
// idempotency guard rather than re-executed.
func (o *Orchestrator) Retry(ctx context.Context, id, fromStep string) error {
	_, err := o.mutate(ctx, id, func(in *saga.Instance) error {
		if in.Status != saga.StatusFailed && in.Status != saga.StatusTimeout {
			return fmt.Errorf("%w: saga is %s", ErrRetryNotAllowed, in.Status)
		}
		idx := in.StepIndex(fromStep)
		if idx < 0 {
			return fmt.Errorf("%w: unknown step %s", ErrRetryNotAllowed, fromStep)
		}
		for i := 0; i < idx; i++ {
			if in.Steps[i].Status != saga.StepCompleted && in.Steps[i].Status != saga.StepSkipped {
				return fmt.Errorf("%w: step %s has not completed", ErrRetryNotAllowed, in.Steps[i].Name)
			}
		}
		for i := idx; i < len(in.Steps); i++ {
			if in.Steps[i].Status == saga.StepCompleted || in.Steps[i].Status == saga.StepSkipped {
				continue
			}
			in.Steps[i].Status = saga.StepPending
			in.Steps[i].Error = ""
		}
		in.Status = saga.StatusInProgress
		in.CancelRequested = false
		in.Reason = ""
		in.FailedCompensation = ""
		return nil
	})
	if err != nil {
		return err
	}

	o.record(ctx, journal.Entry{SagaID: id, Kind: journal.KindRetryRequested, Step: fromStep})
	o.logger.Info().Str("saga_id", id).Str("from_step", fromStep).Msg("saga retry requested")
	o.launch(id)
	return nil
}

// Compensate manually triggers compensation. It applies to an active saga
// and to a FAILED one whose earlier compensation got stuck; the guard
// makes re-running already-applied compensations harmless.
func (o *Orchestrator) Compensate(ctx context.Context, id, reason string) error {
	_, err := o.mutate(ctx, id, func(in *saga.Instance) error {
		switch in.Status {
		case saga.StatusCompleted, saga.StatusCompensated:
			return fmt.Errorf("%w: saga is %s", ErrRetryNotAllowed, in.Status)
		}
		in.Status = saga.StatusCompensating
		if in.Reason == "" {
			in.Reason = reason
		}
		in.FailedCompensation = ""
		return nil
	})
	if err != nil {
		return err
	}

	o.record(ctx, journal.Entry{SagaID: id, Kind: journal.KindCompensationRequested, Detail: reason})
	o.launch(id)
	return nil
}

// Timeout transitions a stuck IN_PROGRESS saga to TIMEOUT and triggers
// compensation exactly as a step failure would. Only the sweeper calls
// this.
func (o *Orchestrator) Timeout(ctx context.Context, id string) error {
	in, err := o.mutate(ctx, id, func(in *saga.Instance) error {
		switch in.Status {
		case saga.StatusStarted, saga.StatusInProgress:
			in.Status = saga.StatusTimeout
			if in.Reason == "" {
				in.Reason = "workflow exceeded its maximum duration"
			}
			return nil
		default:
			return errInterrupted
		}
	})
	if errors.Is(err, errInterrupted) {
		return nil
	}
	if err != nil {
		return err
	}

	o.record(ctx, journal.Entry{SagaID: id, Kind: journal.KindSagaTimedOut})
	o.metrics.SagaTimedOut(in.WorkflowType)
	o.publish(ctx, events.Event{
		EventType:     events.TypeSagaTimedOut,
		EntityID:      entityID(in),
		CorrelationID: in.ID,
		Timestamp:     o.now(),
	})
	o.logger.Warn().Str("saga_id", id).Msg("saga timed out")

	o.launch(id)
	return nil
}

// Resume relaunches workers for sagas that are neither terminal nor
// currently driven, e.g. after a process restart.
func (o *Orchestrator) Resume(ctx context.Context) error {
	active, err := o.store.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, in := range active {
		o.launch(in.ID)
	}
	return nil
}

// Close stops accepting work and waits for running sagas' workers to
// park. In-flight steps finish; their sagas are picked up by Resume on
// the next start.
func (o *Orchestrator) Close() {
	o.stop()
	o.wg.Wait()
}

// launch starts the single worker for a saga unless one is live already.
func (o *Orchestrator) launch(id string) {
	o.mu.Lock()
	if _, ok := o.running[id]; ok {
		o.mu.Unlock()
		return
	}
	o.running[id] = struct{}{}
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.running, id)
			o.mu.Unlock()
		}()
		o.run(o.baseCtx, id)
	}()
}

// mutate runs a bounded read-apply-update loop against the saga store so
// concurrent Retry/Cancel/sweep writers cannot corrupt step history.
func (o *Orchestrator) mutate(ctx context.Context, id string, fn func(*saga.Instance) error) (saga.Instance, error) {
	var lastErr error
	for i := 0; i < o.casAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return saga.Instance{}, err
		}

		in, err := o.store.Get(ctx, id)
		if err != nil {
			return saga.Instance{}, err
		}
		if err := fn(&in); err != nil {
			return in, err
		}
		in.UpdatedAt = o.now()

		if err := o.store.Update(ctx, in); err != nil {
			if errors.Is(err, saga.ErrVersionConflict) {
				o.metrics.CASConflict("saga")
				lastErr = err
				continue
			}
			return saga.Instance{}, err
		}
		in.Version++
		return in, nil
	}
	return saga.Instance{}, lastErr
}

func (o *Orchestrator) publish(ctx context.Context, event events.Event) {
	if o.publisher == nil || event.EventType == "" {
		return
	}
	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.Error().Err(err).
			Str("event_type", event.EventType).
			Str("entity_id", event.EntityID).
			Msg("failed to publish event")
	}
}

func (o *Orchestrator) record(ctx context.Context, entry journal.Entry) {
	if o.journal == nil {
		return
	}
	if entry.At.IsZero() {
		entry.At = o.now()
	}
	if err := o.journal.Record(ctx, entry); err != nil {
		o.logger.Error().Err(err).Str("saga_id", entry.SagaID).Msg("failed to record journal entry")
	}
}

func (o *Orchestrator) dispatchWebhook(ctx context.Context, event string, in saga.Instance) {
	if o.webhooks == nil {
		return
	}
	if err := o.webhooks.Dispatch(ctx, event, in.ID, in); err != nil {
		o.logger.Error().Err(err).
			Str("saga_id", in.ID).
			Str("webhook_event", event).
			Msg("failed to deliver webhook")
	}
}

func entityID(in saga.Instance) string {
	if v, ok := in.Context["order_id"]; ok && v != "" {
		return v
	}
	return in.ID
}
