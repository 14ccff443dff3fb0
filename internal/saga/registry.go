package saga

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Handler executes a step's bound operation. The passed context map is a
// snapshot of the saga context; output flows back through the StepResult.
type Handler func(ctx context.Context, sagaCtx map[string]string) StepResult

// Condition is a predicate over the saga context deciding whether a
// compensation applies. Conditions are evaluated lazily at compensation
// time so only effects that actually occurred get undone.
type Condition func(sagaCtx map[string]string) bool

// ContextHas returns a condition that holds when every key is present.
func ContextHas(keys ...string) Condition {
	return func(sagaCtx map[string]string) bool {
		for _, key := range keys {
			if _, ok := sagaCtx[key]; !ok {
				return false
			}
		}
		return true
	}
}

// Always is a condition that always holds.
func Always(map[string]string) bool { return true }

// Compensation binds a step to the action undoing it.
type Compensation struct {
	// Action names the compensating operation, for logs and events.
	Action    string
	Condition Condition
	Handler   Handler
}

// StepDefinition describes one forward step of a workflow.
type StepDefinition struct {
	Name         string
	Handler      Handler
	Timeout      time.Duration
	MaxAttempts  int
	Compensation *Compensation
	// EventType, when set, is published after the step completes;
	// FailureEventType after the step exhausts its attempts.
	EventType        string
	FailureEventType string
}

// WorkflowDefinition is the declarative description of a workflow: its
// ordered steps, their compensations, and the saga-level timeout the
// sweeper enforces independently of per-step timeouts.
type WorkflowDefinition struct {
	Type        string
	Steps       []StepDefinition
	MaxDuration time.Duration
	// Lifecycle event types published on start, successful completion and
	// full compensation. Empty types are not published.
	StartedEventType     string
	CompletedEventType   string
	CompensatedEventType string
}

// Step returns the named step definition.
func (w WorkflowDefinition) Step(name string) (StepDefinition, bool) {
	for _, step := range w.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return StepDefinition{}, false
}

// Registry holds workflow definitions by type.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]WorkflowDefinition
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]WorkflowDefinition)}
}

// Register adds a workflow definition. Registering an empty or duplicate
// type, or a workflow without steps, is an error.
func (r *Registry) Register(def WorkflowDefinition) error {
	if def.Type == "" {
		return fmt.Errorf("workflow type required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", def.Type)
	}
	seen := make(map[string]struct{}, len(def.Steps))
	for _, step := range def.Steps {
		if step.Name == "" || step.Handler == nil {
			return fmt.Errorf("workflow %s has a step without name or handler", def.Type)
		}
		if _, ok := seen[step.Name]; ok {
			return fmt.Errorf("workflow %s has duplicate step %s", def.Type, step.Name)
		}
		seen[step.Name] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[def.Type]; ok {
		return fmt.Errorf("workflow %s already registered", def.Type)
	}
	r.workflows[def.Type] = def
	return nil
}

// Lookup returns the definition for a workflow type.
func (r *Registry) Lookup(workflowType string) (WorkflowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.workflows[workflowType]
	return def, ok
}
