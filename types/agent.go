package types

import "time"

// HealthState is the liveness/health classification of an agent.
type HealthState string

const (
	// HealthHealthy indicates the agent is responding normally.
	HealthHealthy HealthState = "healthy"
	// HealthDegraded indicates the agent is available with reduced reliability.
	HealthDegraded HealthState = "degraded"
	// HealthUnreachable indicates the agent has stopped responding.
	HealthUnreachable HealthState = "unreachable"
)

// AgentDescriptor describes a known agent: its declared capabilities and the
// health/load view the directory maintains from heartbeats and task outcomes.
type AgentDescriptor struct {
	// ID is the unique agent identifier.
	ID string `json:"id"`

	// Capabilities are the named abilities the agent declares, e.g.
	// "extract:text" or "crm:update".
	Capabilities []string `json:"capabilities"`

	// Health is the current health state.
	Health HealthState `json:"health"`

	// Load is the agent's self-reported current load (0-1).
	Load float64 `json:"load"`

	// LastHeartbeat is when the agent last reported in.
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// SuccessCount is the number of successful task outcomes observed.
	SuccessCount int64 `json:"success_count"`

	// FailureCount is the number of failed task outcomes observed.
	FailureCount int64 `json:"failure_count"`
}

// HasCapability reports whether the agent declares the given capability.
func (d *AgentDescriptor) HasCapability(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Clone returns a copy of the descriptor.
func (d *AgentDescriptor) Clone() *AgentDescriptor {
	if d == nil {
		return nil
	}
	cp := *d
	if d.Capabilities != nil {
		cp.Capabilities = append([]string(nil), d.Capabilities...)
	}
	return &cp
}
