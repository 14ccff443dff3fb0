package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"stockroom/internal/events"
	"stockroom/internal/journal"
	"stockroom/internal/saga"
)

// errStepFailed signals a step exhausted its attempts; the saga has
// already been moved to COMPENSATING.
var errStepFailed = errors.New("step failed")

// run drives one saga until it parks: a terminal state, a failed
// compensation waiting for an operator, or orchestrator shutdown.
func (o *Orchestrator) run(ctx context.Context, id string) {
	for {
		if ctx.Err() != nil {
			return
		}

		in, err := o.store.Get(ctx, id)
		if err != nil {
			o.logger.Error().Err(err).Str("saga_id", id).Msg("failed to load saga")
			return
		}

		switch in.Status {
		case saga.StatusStarted:
			_, err := o.mutate(ctx, id, func(in *saga.Instance) error {
				if in.Status != saga.StatusStarted {
					return errInterrupted
				}
				in.Status = saga.StatusInProgress
				return nil
			})
			if err != nil && !errors.Is(err, errInterrupted) {
				o.logger.Error().Err(err).Str("saga_id", id).Msg("failed to begin saga")
				return
			}
		case saga.StatusInProgress:
			if done := o.forward(ctx, in); done {
				return
			}
		case saga.StatusTimeout:
			_, err := o.mutate(ctx, id, func(in *saga.Instance) error {
				if in.Status != saga.StatusTimeout {
					return errInterrupted
				}
				in.Status = saga.StatusCompensating
				return nil
			})
			if err != nil && !errors.Is(err, errInterrupted) {
				o.logger.Error().Err(err).Str("saga_id", id).Msg("failed to start timeout compensation")
				return
			}
		case saga.StatusCompensating:
			o.compensate(ctx, in)
			return
		default:
			return
		}
	}
}

// forward executes pending steps in order. It returns true when the
// worker can park and false when the dispatch loop should re-read the
// saga and continue (e.g. after a transition to COMPENSATING).
func (o *Orchestrator) forward(ctx context.Context, in saga.Instance) bool {
	def, ok := o.registry.Lookup(in.WorkflowType)
	if !ok {
		o.logger.Error().Str("saga_id", in.ID).Str("workflow_type", in.WorkflowType).Msg("workflow type no longer registered")
		return true
	}

	for idx := range def.Steps {
		cur, err := o.store.Get(ctx, in.ID)
		if err != nil {
			o.logger.Error().Err(err).Str("saga_id", in.ID).Msg("failed to load saga")
			return true
		}
		if cur.Status != saga.StatusInProgress {
			return false
		}
		if cur.CancelRequested {
			_, err := o.mutate(ctx, in.ID, func(in *saga.Instance) error {
				if in.Status != saga.StatusInProgress {
					return errInterrupted
				}
				in.Status = saga.StatusCompensating
				if in.Reason == "" {
					in.Reason = "cancelled"
				}
				return nil
			})
			if err != nil && !errors.Is(err, errInterrupted) {
				o.logger.Error().Err(err).Str("saga_id", in.ID).Msg("failed to start cancellation compensation")
				return true
			}
			return false
		}

		switch cur.Steps[idx].Status {
		case saga.StepCompleted, saga.StepSkipped:
			continue
		}

		if err := o.executeStep(ctx, cur, idx, def.Steps[idx]); err != nil {
			if errors.Is(err, errInterrupted) || errors.Is(err, errStepFailed) {
				return false
			}
			o.logger.Error().Err(err).
				Str("saga_id", in.ID).
				Str("step", def.Steps[idx].Name).
				Msg("step execution aborted")
			return true
		}
	}

	fin, err := o.mutate(ctx, in.ID, func(in *saga.Instance) error {
		if in.Status != saga.StatusInProgress {
			return errInterrupted
		}
		// A cancel that landed during the final step still wins.
		if in.CancelRequested {
			in.Status = saga.StatusCompensating
			if in.Reason == "" {
				in.Reason = "cancelled"
			}
			return nil
		}
		in.Status = saga.StatusCompleted
		return nil
	})
	if err != nil {
		if errors.Is(err, errInterrupted) {
			return false
		}
		o.logger.Error().Err(err).Str("saga_id", in.ID).Msg("failed to complete saga")
		return true
	}
	if fin.Status == saga.StatusCompensating {
		return false
	}

	o.record(ctx, journal.Entry{SagaID: in.ID, Kind: journal.KindSagaCompleted})
	o.metrics.SagaFinished(in.WorkflowType, string(saga.StatusCompleted))
	if def.CompletedEventType != "" {
		o.publish(ctx, events.Event{
			EventType:     def.CompletedEventType,
			EntityID:      entityID(fin),
			CorrelationID: fin.ID,
			Timestamp:     o.now(),
			Payload:       snapshot(fin.Context),
		})
	}
	o.dispatchWebhook(ctx, events.WebhookWorkflowCompleted, fin)
	o.logger.Info().Str("saga_id", in.ID).Str("workflow_type", in.WorkflowType).Msg("saga completed")
	return true
}

// executeStep runs one step through the idempotency guard with bounded
// retries. On exhaustion or a fatal failure it marks the step FAILED and
// moves the saga to COMPENSATING.
func (o *Orchestrator) executeStep(ctx context.Context, in saga.Instance, idx int, stepDef saga.StepDefinition) error {
	_, err := o.mutate(ctx, in.ID, func(in *saga.Instance) error {
		if in.Status != saga.StatusInProgress {
			return errInterrupted
		}
		step := &in.Steps[idx]
		step.Status = saga.StepInProgress
		if step.StartedAt == nil {
			t := o.now()
			step.StartedAt = &t
		}
		return nil
	})
	if err != nil {
		return err
	}

	maxAttempts := stepDef.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = o.retry.Attempts()
	}
	scope := "step:" + in.WorkflowType + ":" + stepDef.Name
	key := in.ID + ":" + stepDef.Name

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cur, err := o.mutate(ctx, in.ID, func(in *saga.Instance) error {
			if in.Status != saga.StatusInProgress {
				return errInterrupted
			}
			in.Steps[idx].Attempts++
			return nil
		})
		if err != nil {
			return err
		}

		started := o.now()
		var res saga.StepResult
		var resolved bool
		output, replayed, execErr := o.guard.Execute(ctx, scope, key, func(ctx context.Context) (map[string]string, error) {
			callCtx := ctx
			if stepDef.Timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, stepDef.Timeout)
				defer cancel()
			}
			res = stepDef.Handler(callCtx, snapshot(cur.Context))
			resolved = true
			if res.OK() {
				return res.Output(), nil
			}
			return nil, res.Err()
		})
		o.metrics.ObserveStep(in.WorkflowType, stepDef.Name, o.now().Sub(started))

		if execErr == nil {
			_, err := o.mutate(ctx, in.ID, func(in *saga.Instance) error {
				if in.Status != saga.StatusInProgress {
					return errInterrupted
				}
				step := &in.Steps[idx]
				step.Status = saga.StepCompleted
				t := o.now()
				step.CompletedAt = &t
				step.Error = ""
				in.MergeContext(output)
				return nil
			})
			if err != nil {
				return err
			}

			o.record(ctx, journal.Entry{SagaID: in.ID, Kind: journal.KindStepCompleted, Step: stepDef.Name})
			if stepDef.EventType != "" {
				o.publish(ctx, events.Event{
					EventType:     stepDef.EventType,
					EntityID:      entityID(cur),
					CorrelationID: in.ID,
					Timestamp:     o.now(),
					Payload:       output,
				})
			}
			o.logger.Info().
				Str("saga_id", in.ID).
				Str("step", stepDef.Name).
				Bool("replayed", replayed).
				Msg("step completed")
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = execErr
		if errors.Is(execErr, context.DeadlineExceeded) {
			lastErr = fmt.Errorf("%w after %s", ErrStepTimeout, stepDef.Timeout)
		}

		// A fatal handler verdict skips the remaining attempts. Guard
		// store errors count as retryable.
		if resolved && !res.Retryable() {
			break
		}
		o.logger.Warn().
			Str("saga_id", in.ID).
			Str("step", stepDef.Name).
			Int("attempt", attempt).
			Err(lastErr).
			Msg("step attempt failed")
		if attempt < maxAttempts {
			if err := o.retry.Wait(ctx, o.retry.Delay(attempt)); err != nil {
				return err
			}
		}
	}

	_, err = o.mutate(ctx, in.ID, func(in *saga.Instance) error {
		if in.Status != saga.StatusInProgress {
			return errInterrupted
		}
		step := &in.Steps[idx]
		step.Status = saga.StepFailed
		step.Error = lastErr.Error()
		in.Status = saga.StatusCompensating
		if in.Reason == "" {
			in.Reason = fmt.Sprintf("step %s failed: %v", stepDef.Name, lastErr)
		}
		return nil
	})
	if err != nil {
		return err
	}

	o.record(ctx, journal.Entry{SagaID: in.ID, Kind: journal.KindStepFailed, Step: stepDef.Name, Detail: lastErr.Error()})
	o.metrics.StepFailed(in.WorkflowType, stepDef.Name)
	if stepDef.FailureEventType != "" {
		o.publish(ctx, events.Event{
			EventType:     stepDef.FailureEventType,
			EntityID:      entityID(in),
			CorrelationID: in.ID,
			Timestamp:     o.now(),
			Payload:       map[string]string{"error": lastErr.Error()},
		})
	}
	o.logger.Warn().
		Str("saga_id", in.ID).
		Str("step", stepDef.Name).
		Err(lastErr).
		Msg("step failed, compensating")
	return errStepFailed
}

// compensate undoes completed steps in reverse order. A compensation
// that exhausts its retries parks the saga as FAILED with the culprit
// recorded for operator intervention.
func (o *Orchestrator) compensate(ctx context.Context, in saga.Instance) {
	def, ok := o.registry.Lookup(in.WorkflowType)
	if !ok {
		o.logger.Error().Str("saga_id", in.ID).Str("workflow_type", in.WorkflowType).Msg("workflow type no longer registered")
		return
	}

	cur := in
	for idx := len(def.Steps) - 1; idx >= 0; idx-- {
		if cur.Steps[idx].Status != saga.StepCompleted {
			continue
		}
		comp := def.Steps[idx].Compensation
		if comp == nil {
			continue
		}
		if comp.Condition != nil && !comp.Condition(cur.Context) {
			continue
		}

		output, err := o.compensateStep(ctx, cur, def.Steps[idx])
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fin, mErr := o.mutate(ctx, in.ID, func(in *saga.Instance) error {
				in.Status = saga.StatusFailed
				in.FailedCompensation = def.Steps[idx].Name
				return nil
			})
			if mErr != nil {
				o.logger.Error().Err(mErr).Str("saga_id", in.ID).Msg("failed to mark saga failed")
				return
			}

			o.record(ctx, journal.Entry{SagaID: in.ID, Kind: journal.KindCompensationFailed, Step: def.Steps[idx].Name, Detail: err.Error()})
			o.record(ctx, journal.Entry{SagaID: in.ID, Kind: journal.KindSagaFailed, Detail: err.Error()})
			o.metrics.CompensationFailed(in.WorkflowType)
			o.metrics.SagaFinished(in.WorkflowType, string(saga.StatusFailed))
			o.publish(ctx, events.Event{
				EventType:     events.TypeSagaFailed,
				EntityID:      entityID(fin),
				CorrelationID: fin.ID,
				Timestamp:     o.now(),
				Payload:       map[string]string{"failed_compensation": def.Steps[idx].Name, "error": err.Error()},
			})
			o.dispatchWebhook(ctx, events.WebhookWorkflowFailed, fin)
			o.logger.Error().Err(err).
				Str("saga_id", in.ID).
				Str("step", def.Steps[idx].Name).
				Msg("compensation exhausted retries, operator intervention required")
			return
		}

		cur, err = o.mutate(ctx, in.ID, func(in *saga.Instance) error {
			in.MergeContext(output)
			return nil
		})
		if err != nil {
			o.logger.Error().Err(err).Str("saga_id", in.ID).Msg("failed to record compensation output")
			return
		}

		o.record(ctx, journal.Entry{SagaID: in.ID, Kind: journal.KindCompensationApplied, Step: def.Steps[idx].Name, Detail: comp.Action})
		o.metrics.CompensationApplied(in.WorkflowType)
		o.logger.Info().
			Str("saga_id", in.ID).
			Str("step", def.Steps[idx].Name).
			Str("action", comp.Action).
			Msg("compensation applied")
	}

	fin, err := o.mutate(ctx, in.ID, func(in *saga.Instance) error {
		in.Status = saga.StatusCompensated
		in.CancelRequested = false
		return nil
	})
	if err != nil {
		o.logger.Error().Err(err).Str("saga_id", in.ID).Msg("failed to mark saga compensated")
		return
	}

	o.record(ctx, journal.Entry{SagaID: in.ID, Kind: journal.KindSagaCompensated})
	o.metrics.SagaFinished(in.WorkflowType, string(saga.StatusCompensated))
	o.publish(ctx, events.Event{
		EventType:     events.TypeSagaCompensated,
		EntityID:      entityID(fin),
		CorrelationID: fin.ID,
		Timestamp:     o.now(),
		Payload:       map[string]string{"reason": fin.Reason},
	})
	if def.CompensatedEventType != "" {
		o.publish(ctx, events.Event{
			EventType:     def.CompensatedEventType,
			EntityID:      entityID(fin),
			CorrelationID: fin.ID,
			Timestamp:     o.now(),
			Payload:       snapshot(fin.Context),
		})
	}
	o.dispatchWebhook(ctx, events.WebhookSagaCompensated, fin)
	o.logger.Info().
		Str("saga_id", in.ID).
		Str("reason", fin.Reason).
		Msg("saga compensated")
}

// compensateStep runs one compensation through the idempotency guard
// with bounded retries.
func (o *Orchestrator) compensateStep(ctx context.Context, in saga.Instance, stepDef saga.StepDefinition) (map[string]string, error) {
	comp := stepDef.Compensation
	scope := "undo:" + in.WorkflowType + ":" + stepDef.Name
	key := in.ID + ":" + stepDef.Name
	maxAttempts := o.retry.Attempts()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		output, _, err := o.guard.Execute(ctx, scope, key, func(ctx context.Context) (map[string]string, error) {
			callCtx := ctx
			if stepDef.Timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, stepDef.Timeout)
				defer cancel()
			}
			res := comp.Handler(callCtx, snapshot(in.Context))
			if res.OK() {
				return res.Output(), nil
			}
			return nil, res.Err()
		})
		if err == nil {
			return output, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		o.logger.Warn().
			Str("saga_id", in.ID).
			Str("step", stepDef.Name).
			Int("attempt", attempt).
			Err(err).
			Msg("compensation attempt failed")
		if attempt < maxAttempts {
			if werr := o.retry.Wait(ctx, o.retry.Delay(attempt)); werr != nil {
				return nil, werr
			}
		}
	}
	return nil, lastErr
}

func snapshot(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
