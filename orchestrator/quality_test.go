package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/flowmesh/types"
)

func TestDefaultValidator_AllChecksPass(t *testing.T) {
	t.Parallel()
	env := types.NewEnvelope(types.MessageResult, "agent-1")
	env.Payload = map[string]any{"rows": 42}

	score, passed := DefaultValidator().Score(env)
	assert.InDelta(t, 100.0, score, 0.001)
	assert.ElementsMatch(t, []string{"has_payload", "no_error", "result_type"}, passed)
}

func TestDefaultValidator_ErrorPayloadLowersScore(t *testing.T) {
	t.Parallel()
	env := types.NewEnvelope(types.MessageResult, "agent-1")
	env.Payload = map[string]any{"error": "upstream exploded"}

	score, passed := DefaultValidator().Score(env)
	assert.InDelta(t, 100.0*2/3, score, 0.001)
	assert.NotContains(t, passed, "no_error")
}

func TestDefaultValidator_DeclaredScoreOverridesHeuristics(t *testing.T) {
	t.Parallel()
	env := types.NewEnvelope(types.MessageResult, "agent-1")
	env.Payload = map[string]any{"rows": 42, "quality_score": 31.5}

	score, passed := DefaultValidator().Score(env)
	assert.InDelta(t, 31.5, score, 0.001)
	// 检查项仍反映实际通过情况
	assert.ElementsMatch(t, []string{"has_payload", "no_error", "result_type"}, passed)
}

func TestDefaultValidator_DeclaredScoreClamped(t *testing.T) {
	t.Parallel()
	env := types.NewEnvelope(types.MessageResult, "agent-1")
	env.Payload = map[string]any{"quality_score": 250.0}
	score, _ := DefaultValidator().Score(env)
	assert.InDelta(t, 100.0, score, 0.001)

	env.Payload["quality_score"] = -5
	score, _ = DefaultValidator().Score(env)
	assert.Zero(t, score)
}

func TestDefaultValidator_NilEnvelope(t *testing.T) {
	t.Parallel()
	score, passed := DefaultValidator().Score(nil)
	assert.Zero(t, score)
	assert.Empty(t, passed)
}

func TestWithValidator_OverridesPerCapability(t *testing.T) {
	t.Parallel()
	strict := ValidatorFunc(func(*types.Envelope) (float64, []string) {
		return 10, []string{"strict"}
	})
	f := newFixture(t, WithValidator("transformation", strict))

	v := f.orch.validatorFor("transformation")
	score, passed := v.Score(nil)
	assert.InDelta(t, 10.0, score, 0.001)
	assert.Equal(t, []string{"strict"}, passed)

	// 其它能力仍走默认校验器
	score, _ = f.orch.validatorFor("extraction").Score(nil)
	assert.Zero(t, score)
}
