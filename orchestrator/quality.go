package orchestrator

import (
	"github.com/BaSui01/flowmesh/types"
)

// QualityValidator 对 Agent 响应进行质量评估。
// Score 返回 0-100 的分数以及通过的检查项名称。
type QualityValidator interface {
	Score(env *types.Envelope) (float64, []string)
}

// ValidatorFunc 函数式适配器
type ValidatorFunc func(env *types.Envelope) (float64, []string)

func (f ValidatorFunc) Score(env *types.Envelope) (float64, []string) {
	return f(env)
}

// DefaultValidator 启发式默认校验器：
//   - has_payload: 响应携带非空负载
//   - no_error: 负载不包含 error 字段
//   - result_type: 消息类型为 result 或 response
//
// Agent 可在负载中声明 quality_score 覆盖启发式分数，
// 但检查项列表仍反映实际通过的检查。
func DefaultValidator() QualityValidator {
	return ValidatorFunc(func(env *types.Envelope) (float64, []string) {
		if env == nil {
			return 0, nil
		}

		var passed []string
		checks := 0
		hit := 0

		checks++
		if len(env.Payload) > 0 {
			hit++
			passed = append(passed, "has_payload")
		}

		checks++
		if _, hasErr := env.Payload["error"]; !hasErr {
			hit++
			passed = append(passed, "no_error")
		}

		checks++
		if env.Type == types.MessageResult || env.Type == types.MessageResponse {
			hit++
			passed = append(passed, "result_type")
		}

		score := float64(hit) / float64(checks) * 100

		if declared, ok := env.Payload["quality_score"]; ok {
			switch v := declared.(type) {
			case float64:
				score = clampScore(v)
			case int:
				score = clampScore(float64(v))
			}
		}
		return score, passed
	})
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
