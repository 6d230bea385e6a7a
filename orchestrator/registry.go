// Package orchestrator sequences the switchover and failover scripts of
// spec.md §4.4 across agents: promote/demote/redirect in a fixed order,
// copying or merging saved slave connections across the swap, under one
// shared OperationContext deadline. Grounded on the test-harness shape of
// Thorsieger-replication-manager's cluster/test_failover_assync_norplchecks.go
// (force a master down, drive the script, assert the new master) though the
// script bodies themselves are this package's own, spec-driven code.
package orchestrator

import "github.com/signal18/marmot/agent"

// Registry is the static set of ServerAgents an orchestration is handed,
// looked up by display name (spec.md §3 "agents outlive individual ticks").
type Registry struct {
	byName map[string]*agent.Agent
}

// NewRegistry indexes agents by their Name field.
func NewRegistry(agents []*agent.Agent) *Registry {
	r := &Registry{byName: make(map[string]*agent.Agent, len(agents))}
	for _, a := range agents {
		r.byName[a.Name] = a
	}
	return r
}

// Get looks up one agent by name.
func (r *Registry) Get(name string) (*agent.Agent, bool) {
	a, ok := r.byName[name]
	return a, ok
}

// All returns every registered agent, in no particular order.
func (r *Registry) All() []*agent.Agent {
	out := make([]*agent.Agent, 0, len(r.byName))
	for _, a := range r.byName {
		out = append(out, a)
	}
	return out
}
