package saga

import (
	"context"
	"errors"
	"time"
)

// Status captures the lifecycle of a saga instance.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
	StatusTimeout      Status = "TIMEOUT"
)

// Terminal reports whether no further transitions are allowed, except that
// FAILED and TIMEOUT sagas may be retried or manually compensated.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	default:
		return false
	}
}

// StepStatus captures the lifecycle of a single step.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepCompleted  StepStatus = "COMPLETED"
	StepFailed     StepStatus = "FAILED"
	StepSkipped    StepStatus = "SKIPPED"
)

// Step records one step's progress inside a saga instance.
type Step struct {
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Instance is one saga run. It is mutated only through the orchestrator
// (plus the sweeper for timeout detection); every write is a CAS on Version.
type Instance struct {
	ID             string            `json:"id"`
	WorkflowType   string            `json:"workflow_type"`
	IdempotencyKey string            `json:"idempotency_key"`
	Status         Status            `json:"status"`
	Context        map[string]string `json:"context"`
	Steps          []Step            `json:"steps"`
	Version        int64             `json:"version"`
	Reason         string            `json:"reason,omitempty"`
	// FailedCompensation names the compensation step that exhausted its
	// retries; non-empty means an operator has to intervene.
	FailedCompensation string    `json:"failed_compensation,omitempty"`
	CancelRequested    bool      `json:"cancel_requested,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// StepIndex returns the position of the named step, or -1.
func (in *Instance) StepIndex(name string) int {
	for i := range in.Steps {
		if in.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

// MergeContext appends the given keys into the saga context. Existing keys
// are never overwritten; the context is append-only by contract.
func (in *Instance) MergeContext(kv map[string]string) {
	if len(kv) == 0 {
		return
	}
	if in.Context == nil {
		in.Context = make(map[string]string, len(kv))
	}
	for k, v := range kv {
		if _, ok := in.Context[k]; !ok {
			in.Context[k] = v
		}
	}
}

// Clone returns a deep copy so snapshots never alias live state.
func (in Instance) Clone() Instance {
	out := in
	out.Context = make(map[string]string, len(in.Context))
	for k, v := range in.Context {
		out.Context[k] = v
	}
	out.Steps = make([]Step, len(in.Steps))
	copy(out.Steps, in.Steps)
	return out
}

// ErrNotFound signals an unknown saga id.
var ErrNotFound = errors.New("saga not found")

// ErrVersionConflict signals the saga record changed since it was read.
var ErrVersionConflict = errors.New("saga version conflict")

// ErrDuplicateKey signals a saga already exists for the
// (workflow type, idempotency key) pair.
var ErrDuplicateKey = errors.New("saga idempotency key already used")

// ErrInvalidWorkflow signals an unregistered workflow type.
var ErrInvalidWorkflow = errors.New("unknown workflow type")

// Store abstracts persistence for saga instances. Update applies the
// instance only if the stored version matches, then bumps it. Create must
// enforce uniqueness on (workflow type, idempotency key).
type Store interface {
	Create(ctx context.Context, in Instance) error
	Get(ctx context.Context, id string) (Instance, error)
	FindByIdempotencyKey(ctx context.Context, workflowType, key string) (Instance, error)
	Update(ctx context.Context, in Instance) error
	ListActive(ctx context.Context) ([]Instance, error)
}
