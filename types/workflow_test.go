package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:   "wf-1",
		Name: "pipeline",
		Steps: []StepSpec{
			{StepID: "a", TargetCapability: "cap-a"},
			{StepID: "b", TargetCapability: "cap-b"},
		},
	}
}

func TestWorkflowDefinition_Validate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, validDefinition().Validate())

	cases := []struct {
		name   string
		mutate func(*WorkflowDefinition)
	}{
		{"missing id", func(d *WorkflowDefinition) { d.ID = "" }},
		{"no steps", func(d *WorkflowDefinition) { d.Steps = nil }},
		{"step without id", func(d *WorkflowDefinition) { d.Steps[0].StepID = "" }},
		{"step without capability", func(d *WorkflowDefinition) { d.Steps[1].TargetCapability = "" }},
		{"duplicate step id", func(d *WorkflowDefinition) { d.Steps[1].StepID = "a" }},
		{"negative retry", func(d *WorkflowDefinition) { d.Retry.MaxAttempts = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := validDefinition()
			tc.mutate(d)
			assert.Error(t, d.Validate())
		})
	}
}

func TestStepGroups_AdjacentSharedGroupCollapses(t *testing.T) {
	t.Parallel()
	d := &WorkflowDefinition{
		ID: "wf-1",
		Steps: []StepSpec{
			{StepID: "s1", TargetCapability: "c"},
			{StepID: "p1", TargetCapability: "c", Group: "fan"},
			{StepID: "p2", TargetCapability: "c", Group: "fan"},
			{StepID: "s2", TargetCapability: "c"},
		},
	}
	groups := d.StepGroups()
	require.Len(t, groups, 3)
	assert.Equal(t, "s1", groups[0][0].StepID)
	require.Len(t, groups[1], 2)
	assert.Equal(t, "p1", groups[1][0].StepID)
	assert.Equal(t, "p2", groups[1][1].StepID)
	assert.Equal(t, "s2", groups[2][0].StepID)
}

func TestStepGroups_NonAdjacentSameGroupNameStaysSeparate(t *testing.T) {
	t.Parallel()
	d := &WorkflowDefinition{
		ID: "wf-1",
		Steps: []StepSpec{
			{StepID: "p1", TargetCapability: "c", Group: "fan"},
			{StepID: "s1", TargetCapability: "c"},
			{StepID: "p2", TargetCapability: "c", Group: "fan"},
		},
	}
	groups := d.StepGroups()
	require.Len(t, groups, 3)
	for _, g := range groups {
		assert.Len(t, g, 1)
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 100*time.Millisecond, p.Backoff(-3), "negative attempts clamp to base")
}

func TestRetryPolicy_BackoffCapped(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 250*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 250*time.Millisecond, p.Backoff(9))
}

func TestWorkflowExecution_AppendHandoffKeepsIndexInvariant(t *testing.T) {
	t.Parallel()
	exec := &WorkflowExecution{ID: "e1"}
	for i := 0; i < 4; i++ {
		exec.AppendHandoff(HandoffRecord{FromStep: "s"})
		assert.Equal(t, len(exec.Handoffs), exec.CurrentStepIndex)
	}
}

func TestWorkflowExecution_MergeDataMonotone(t *testing.T) {
	t.Parallel()
	exec := &WorkflowExecution{ID: "e1"}
	exec.MergeData(map[string]any{"a": 1, "b": 2})
	exec.MergeData(map[string]any{"b": 3, "c": 4})
	exec.MergeData(nil)

	assert.Equal(t, map[string]any{"a": 1, "b": 3, "c": 4}, exec.AccumulatedData)
}

func TestWorkflowExecution_Clone(t *testing.T) {
	t.Parallel()
	ended := time.Now().UTC()
	exec := &WorkflowExecution{
		ID:              "e1",
		Status:          ExecutionCompleted,
		AccumulatedData: map[string]any{"k": "v"},
		Handoffs:        []HandoffRecord{{FromStep: "a"}},
		EndedAt:         &ended,
	}

	cp := exec.Clone()
	cp.AccumulatedData["k"] = "mutated"
	cp.Handoffs[0].FromStep = "mutated"
	*cp.EndedAt = cp.EndedAt.Add(time.Hour)

	assert.Equal(t, "v", exec.AccumulatedData["k"])
	assert.Equal(t, "a", exec.Handoffs[0].FromStep)
	assert.Equal(t, ended, *exec.EndedAt)

	var nilExec *WorkflowExecution
	assert.Nil(t, nilExec.Clone())
}

func TestExecutionStatus_IsTerminal(t *testing.T) {
	t.Parallel()
	assert.True(t, ExecutionCompleted.IsTerminal())
	assert.True(t, ExecutionFailed.IsTerminal())
	assert.True(t, ExecutionCancelled.IsTerminal())
	assert.False(t, ExecutionPending.IsTerminal())
	assert.False(t, ExecutionRunning.IsTerminal())
	assert.False(t, ExecutionPaused.IsTerminal())
}
