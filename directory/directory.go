// Package directory provides the read/write view of known agents: their
// declared capabilities, health, and load. It only ever answers "who" should
// run a task; dispatching is the orchestrator's job.
package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowmesh/types"
)

// consecutive failure counts at which an agent is degraded and then
// considered unreachable until a heartbeat says otherwise.
const (
	degradeAfterFailures     = 3
	unreachableAfterFailures = 6
)

// Config controls directory behavior.
type Config struct {
	// StaleAfter marks an agent unreachable when no heartbeat arrives
	// within this window. Zero disables the sweep.
	StaleAfter time.Duration `json:"stale_after" yaml:"stale_after"`

	// SweepInterval is how often the staleness sweep runs.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// DefaultConfig returns the default directory configuration.
func DefaultConfig() Config {
	return Config{
		StaleAfter:    90 * time.Second,
		SweepInterval: 30 * time.Second,
	}
}

// Directory maintains agent descriptors, updated by heartbeat messages and
// by the orchestrator after each task outcome. It is process-local shared
// state guarded by its own lock; no cross-process coordination happens here.
type Directory struct {
	agents       map[string]*agentEntry
	config       Config
	logger       *zap.Logger
	mu           sync.RWMutex
}

type agentEntry struct {
	desc                *types.AgentDescriptor
	consecutiveFailures int
}

// New creates an empty directory.
func New(config Config, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		agents: make(map[string]*agentEntry),
		config: config,
		logger: logger.With(zap.String("component", "directory")),
	}
}

// Register adds or replaces an agent descriptor.
func (d *Directory) Register(desc *types.AgentDescriptor) error {
	if desc == nil || desc.ID == "" {
		return fmt.Errorf("agent descriptor requires an id")
	}
	cp := desc.Clone()
	if cp.Health == "" {
		cp.Health = types.HealthHealthy
	}
	if cp.LastHeartbeat.IsZero() {
		cp.LastHeartbeat = time.Now()
	}

	d.mu.Lock()
	d.agents[cp.ID] = &agentEntry{desc: cp}
	d.mu.Unlock()

	d.logger.Info("registered agent",
		zap.String("agent_id", cp.ID),
		zap.Strings("capabilities", cp.Capabilities))
	return nil
}

// Unregister removes an agent.
func (d *Directory) Unregister(agentID string) {
	d.mu.Lock()
	delete(d.agents, agentID)
	d.mu.Unlock()
}

// Get returns the descriptor for an agent, or false if unknown.
func (d *Directory) Get(agentID string) (*types.AgentDescriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.agents[agentID]
	if !ok {
		return nil, false
	}
	return entry.desc.Clone(), true
}

// List returns all known agents.
func (d *Directory) List() []*types.AgentDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*types.AgentDescriptor, 0, len(d.agents))
	for _, entry := range d.agents {
		out = append(out, entry.desc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListByCapability returns all agents declaring the capability, regardless
// of health. Callers that need a dispatch target should use Select.
func (d *Directory) ListByCapability(capability string) []*types.AgentDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*types.AgentDescriptor
	for _, entry := range d.agents {
		if entry.desc.HasCapability(capability) {
			out = append(out, entry.desc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Select picks the dispatch target for a capability: healthy over degraded,
// then lowest load. Unreachable agents are excluded; when no usable agent
// remains the call fails with types.ErrNoAgentAvailable rather than
// silently degrading.
func (d *Directory) Select(capability string) (*types.AgentDescriptor, error) {
	candidates := d.ListByCapability(capability)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: capability %q is not declared by any agent: %w",
			types.ErrNoAgentAvailable, capability, types.ErrAgentNotFound)
	}

	usable := candidates[:0]
	for _, c := range candidates {
		if c.Health != types.HealthUnreachable {
			usable = append(usable, c)
		}
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("%w: all agents for capability %q are unreachable",
			types.ErrNoAgentAvailable, capability)
	}

	sort.SliceStable(usable, func(i, j int) bool {
		if usable[i].Health != usable[j].Health {
			return usable[i].Health == types.HealthHealthy
		}
		return usable[i].Load < usable[j].Load
	})
	return usable[0], nil
}

// MarkOutcome records a task outcome for an agent. Repeated failures
// degrade and eventually isolate the agent; a success restores a degraded
// agent to healthy.
func (d *Directory) MarkOutcome(agentID string, success bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.agents[agentID]
	if !ok {
		return
	}
	if success {
		entry.desc.SuccessCount++
		entry.consecutiveFailures = 0
		if entry.desc.Health == types.HealthDegraded {
			entry.desc.Health = types.HealthHealthy
		}
		return
	}
	entry.desc.FailureCount++
	entry.consecutiveFailures++
	switch {
	case entry.consecutiveFailures >= unreachableAfterFailures:
		entry.desc.Health = types.HealthUnreachable
	case entry.consecutiveFailures >= degradeAfterFailures:
		entry.desc.Health = types.HealthDegraded
	}
}

// Heartbeat records a liveness report from an agent. Unknown agents are
// auto-registered with no declared capabilities until a Register call fills
// them in.
func (d *Directory) Heartbeat(agentID string, health types.HealthState, load float64) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.agents[agentID]
	if !ok {
		entry = &agentEntry{desc: &types.AgentDescriptor{ID: agentID}}
		d.agents[agentID] = entry
	}
	if health != "" {
		entry.desc.Health = health
	}
	entry.desc.Load = load
	entry.desc.LastHeartbeat = now
	if health == types.HealthHealthy {
		entry.consecutiveFailures = 0
	}
}

// Start runs the staleness sweep until ctx is cancelled.
func (d *Directory) Start(ctx context.Context) {
	if d.config.StaleAfter <= 0 {
		return
	}
	interval := d.config.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.Sweep(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sweep marks agents unreachable when their last heartbeat is older than
// StaleAfter.
func (d *Directory) Sweep(now time.Time) {
	if d.config.StaleAfter <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, entry := range d.agents {
		if entry.desc.Health == types.HealthUnreachable {
			continue
		}
		if now.Sub(entry.desc.LastHeartbeat) > d.config.StaleAfter {
			entry.desc.Health = types.HealthUnreachable
			d.logger.Warn("agent heartbeat stale, marking unreachable",
				zap.String("agent_id", id),
				zap.Time("last_heartbeat", entry.desc.LastHeartbeat))
		}
	}
}

// Stats returns per-health agent counts.
func (d *Directory) Stats() map[types.HealthState]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := make(map[types.HealthState]int)
	for _, entry := range d.agents {
		stats[entry.desc.Health]++
	}
	return stats
}
