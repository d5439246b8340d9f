package types

import (
	"fmt"
	"time"
)

// StepSpec describes one step of a workflow definition. Steps that share a
// non-empty Group and are adjacent in the definition form a parallel group:
// all members run concurrently and the group joins before the next
// sequential step.
type StepSpec struct {
	StepID           string         `json:"step_id" yaml:"step_id"`
	TargetCapability string         `json:"target_capability" yaml:"target_capability"`
	Parameters       map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Group            string         `json:"group,omitempty" yaml:"group,omitempty"`
	Timeout          time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// RetryPolicy controls per-step retry behavior.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts per step, including the
	// first one.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// BaseDelay is the backoff unit; attempt n waits BaseDelay * 2^n.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`

	// MaxDelay caps the backoff. Zero means uncapped.
	MaxDelay time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// DefaultRetryPolicy returns the retry policy used when a definition leaves
// it unset.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
	}
}

// Backoff returns the exponential backoff delay before retry attempt n
// (n >= 1 is the first retry).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// WorkflowDefinition is an immutable ordered list of step specs plus the
// retry policy and overall timeout applied when driving an execution.
type WorkflowDefinition struct {
	ID      string        `json:"id" yaml:"id"`
	Name    string        `json:"name" yaml:"name"`
	Steps   []StepSpec    `json:"steps" yaml:"steps"`
	Retry   RetryPolicy   `json:"retry" yaml:"retry"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Validate checks structural invariants of the definition.
func (d *WorkflowDefinition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: missing workflow id", errInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: workflow %s has no steps", errInvalidDefinition, d.ID)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i, s := range d.Steps {
		if s.StepID == "" {
			return fmt.Errorf("%w: step %d has no id", errInvalidDefinition, i)
		}
		if s.TargetCapability == "" {
			return fmt.Errorf("%w: step %s has no target capability", errInvalidDefinition, s.StepID)
		}
		if _, dup := seen[s.StepID]; dup {
			return fmt.Errorf("%w: duplicate step id %s", errInvalidDefinition, s.StepID)
		}
		seen[s.StepID] = struct{}{}
	}
	if d.Retry.MaxAttempts < 0 || d.Retry.BaseDelay < 0 {
		return fmt.Errorf("%w: negative retry policy", errInvalidDefinition)
	}
	return nil
}

var errInvalidDefinition = NewError(ErrCodeInvalidWorkflow, "invalid workflow definition")

// StepGroups partitions the steps into execution units: adjacent steps
// sharing a non-empty Group collapse into one parallel group, every other
// step is its own single-member group. Definition order is preserved.
func (d *WorkflowDefinition) StepGroups() [][]StepSpec {
	groups := make([][]StepSpec, 0, len(d.Steps))
	for i := 0; i < len(d.Steps); {
		s := d.Steps[i]
		if s.Group == "" {
			groups = append(groups, []StepSpec{s})
			i++
			continue
		}
		j := i + 1
		for j < len(d.Steps) && d.Steps[j].Group == s.Group {
			j++
		}
		groups = append(groups, d.Steps[i:j])
		i = j
	}
	return groups
}

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// HandoffRecord is the append-only record of a completed step: the data and
// control transferred from one step to the next, with the quality score the
// validator assigned and the names of the checks that passed.
type HandoffRecord struct {
	FromStep     string         `json:"from_step"`
	ToStep       string         `json:"to_step,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Payload      map[string]any `json:"payload,omitempty"`
	QualityScore float64        `json:"quality_score"`
	Validators   []string       `json:"validators,omitempty"`
}

// WorkflowExecution is the durable record of one workflow run. It is owned
// exclusively by the orchestrator while its lease lock is held and is
// persisted after every step so a crashed worker can resume from
// CurrentStepIndex without replaying recorded handoffs.
type WorkflowExecution struct {
	ID               string          `json:"id"`
	WorkflowID       string          `json:"workflow_id"`
	Status           ExecutionStatus `json:"status"`
	CurrentStepIndex int             `json:"current_step_index"`
	AccumulatedData  map[string]any  `json:"accumulated_data,omitempty"`
	Handoffs         []HandoffRecord `json:"handoffs,omitempty"`
	Error            string          `json:"error,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	EndedAt          *time.Time      `json:"ended_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// MergeData merges response data into the accumulated data. Merging is
// monotone: keys are only added or overwritten, never removed.
func (e *WorkflowExecution) MergeData(data map[string]any) {
	if len(data) == 0 {
		return
	}
	if e.AccumulatedData == nil {
		e.AccumulatedData = make(map[string]any, len(data))
	}
	for k, v := range data {
		e.AccumulatedData[k] = v
	}
}

// AppendHandoff appends a handoff record and advances the step index,
// keeping len(Handoffs) == CurrentStepIndex.
func (e *WorkflowExecution) AppendHandoff(rec HandoffRecord) {
	e.Handoffs = append(e.Handoffs, rec)
	e.CurrentStepIndex = len(e.Handoffs)
}

// IsTerminal reports whether the execution reached a final status.
func (e *WorkflowExecution) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// Clone returns a deep copy. Stores hand out clones so callers never share
// mutable state with the persisted record.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	if e == nil {
		return nil
	}
	cp := *e
	if e.AccumulatedData != nil {
		cp.AccumulatedData = make(map[string]any, len(e.AccumulatedData))
		for k, v := range e.AccumulatedData {
			cp.AccumulatedData[k] = v
		}
	}
	if e.Handoffs != nil {
		cp.Handoffs = make([]HandoffRecord, len(e.Handoffs))
		copy(cp.Handoffs, e.Handoffs)
	}
	if e.EndedAt != nil {
		t := *e.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}
