// Package topology implements the TopologyAnalyzer of spec.md §4.3: build
// the replication graph from independently-observed agent caches, find
// strongly connected components (multi-master rings) via iterative Tarjan,
// label reachability from the candidate masters, and write role bits back
// into each agent's shared status word. Grounded on the
// observe-independently-then-classify shape of lishengliu-orchestrator's
// GetReplicationAnalysis, adapted from a single SQL-backed pass into an
// in-memory graph algorithm (no pack repo carries a graph/SCC library, so
// this package is stdlib-only — see DESIGN.md).
package topology

import (
	"fmt"
	"sort"

	"github.com/signal18/marmot/agent"
)

// BuildOptions configures the graph build of spec.md §4.3 step 1.
type BuildOptions struct {
	// AssumeUniqueHostnames selects the parent-lookup key: true (default)
	// matches a SlaveStatus row's (master_host, master_port) against an
	// agent's (Host, Port); false matches master_server_id against an
	// agent's ServerID instead, per spec.md §4.3's "configurable" clause.
	AssumeUniqueHostnames bool
}

// node is the graph-build scratch record for one agent, indexed by name.
type node struct {
	agent           *agent.Agent
	parents         []string
	children        []string
	externalMasters []string
}

// graph is the adjacency structure built from the agents' current caches.
type graph struct {
	order []string
	nodes map[string]*node
}

// buildGraph implements spec.md §4.3 step 1: for each agent, for each slave
// channel with io_state in {CONNECTING, YES} and sql_running, resolve the
// parent among the monitored set (by host:port or server id per opts) and
// record the edge, else record the channel's target as an external master.
func buildGraph(agents []*agent.Agent, opts BuildOptions) *graph {
	g := &graph{nodes: make(map[string]*node, len(agents))}
	byHostPort := make(map[string]*agent.Agent, len(agents))
	byServerID := make(map[int64]*agent.Agent, len(agents))

	for _, a := range agents {
		g.order = append(g.order, a.Name)
		g.nodes[a.Name] = &node{agent: a}
		byHostPort[fmt.Sprintf("%s:%d", a.Host, a.Port)] = a
		if a.ServerID != agent.UnknownServerID {
			byServerID[a.ServerID] = a
		}
	}

	for _, a := range agents {
		n := g.nodes[a.Name]
		for _, row := range a.SlaveStatusSnapshot() {
			if !row.IsReplicating() {
				continue
			}

			var parent *agent.Agent
			if opts.AssumeUniqueHostnames {
				parent = byHostPort[fmt.Sprintf("%s:%d", row.MasterHost, row.MasterPort)]
			} else {
				parent = byServerID[row.MasterServerID]
			}

			if parent == nil || parent.Name == a.Name {
				n.externalMasters = append(n.externalMasters, fmt.Sprintf("%s:%d", row.MasterHost, row.MasterPort))
				continue
			}
			n.parents = append(n.parents, parent.Name)
			g.nodes[parent.Name].children = append(g.nodes[parent.Name].children, a.Name)
		}
	}

	sort.Strings(g.order)
	return g
}
