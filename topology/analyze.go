package topology

import (
	"sort"

	"github.com/signal18/marmot/agent"
)

// roleMask is every status bit the TopologyAnalyzer owns (spec.md §4.3 step
// 4). Bits outside this mask (RUNNING, DISK_SPACE_EXHAUSTED, MAINTENANCE)
// are left untouched by Analyze.
const roleMask = agent.StatusMaster | agent.StatusSlave | agent.StatusSlaveOfExternalMaster |
	agent.StatusRelayMaster | agent.StatusAuthError

// Result is the per-tick analysis outcome, kept alongside the bits already
// written into each agent for diagnostics/logging.
type Result struct {
	// Representatives maps a non-zero cycle id to the member chosen as its
	// stable representative: the member with the lexicographically smallest
	// agent Name (DESIGN.md's resolution of spec.md §4.3's "implementation-defined"
	// representative-selection clause). A ring receives no MASTER bit by
	// default; Representatives exists purely so an external policy or the
	// diagnostic export has something stable to point at.
	Representatives map[int]string
}

// Analyze runs the four steps of spec.md §4.3 over the current snapshot of
// every agent's cache and writes MASTER/SLAVE/SLAVE_OF_EXT_MASTER/
// RELAY_MASTER/AUTH_ERROR bits back into each agent's shared status word.
func Analyze(agents []*agent.Agent, opts BuildOptions) Result {
	g := buildGraph(agents, opts)
	scc := computeSCCs(g)

	reach := make(map[string]agent.ReachState, len(g.order))
	for _, name := range g.order {
		reach[name] = agent.ReachUnknown
	}

	var roots []string
	for _, name := range g.order {
		if len(g.nodes[name].parents) == 0 {
			roots = append(roots, name)
		}
	}

	for _, root := range roots {
		propagateReach(g, root, reach)
	}

	// Any node with at least one internal parent that was never reached is
	// definitively unreachable from any candidate master (its ancestry chain
	// bottoms out in a cycle with no root); a node with no parents and no
	// children that is also absent from roots' reach is simply isolated.
	for _, name := range g.order {
		if reach[name] != agent.ReachUnknown {
			continue
		}
		if len(g.nodes[name].parents) > 0 {
			reach[name] = agent.ReachUnreached
		}
	}

	representatives := assignRepresentatives(scc)
	assignRoles(g, scc, reach, roots)

	return Result{Representatives: representatives}
}

// propagateReach marks root and every node reachable from it via children
// edges as REACHED (spec.md §4.3 step 3), using an explicit queue so the walk
// is safe on arbitrarily deep or cyclic chains.
func propagateReach(g *graph, root string, reach map[string]agent.ReachState) {
	if reach[root] == agent.ReachReached {
		return
	}
	queue := []string{root}
	reach[root] = agent.ReachReached
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range g.nodes[cur].children {
			if reach[child] == agent.ReachReached {
				continue
			}
			reach[child] = agent.ReachReached
			queue = append(queue, child)
		}
	}
}

// assignRepresentatives picks the lexicographically smallest member name of
// each multi-member SCC.
func assignRepresentatives(scc sccResult) map[int]string {
	members := make(map[int][]string)
	for name, id := range scc.cycleID {
		if id == 0 {
			continue
		}
		members[id] = append(members[id], name)
	}
	reps := make(map[int]string, len(members))
	for id, names := range members {
		sort.Strings(names)
		reps[id] = names[0]
	}
	return reps
}

// assignRoles implements spec.md §4.3 step 4. A root node is promoted to
// MASTER only when it is not itself a member of a cycle (scenario 3: a pure
// ring has no internal parentless node at all, so this case only matters for
// a node whose only parent edges are self-loops the graph build already
// folded into external_masters) and it was actually reached (trivially true
// for roots, kept explicit for clarity). Every other reached node with an
// internal parent is a SLAVE; a node with no internal parent but at least
// one external master is SLAVE_OF_EXT_MASTER; a node with both children and
// a parent is additionally a RELAY_MASTER.
func assignRoles(g *graph, scc sccResult, reach map[string]agent.ReachState, roots []string) {
	rootSet := make(map[string]bool, len(roots))
	for _, r := range roots {
		rootSet[r] = true
	}

	for _, name := range g.order {
		n := g.nodes[name]
		a := n.agent

		bits := a.StatusBits() &^ roleMask
		if a.AuthError() {
			bits |= agent.StatusAuthError
		}

		switch {
		case rootSet[name] && len(n.externalMasters) > 0:
			bits |= agent.StatusSlaveOfExternalMaster
			if len(n.children) > 0 {
				bits |= agent.StatusRelayMaster
			}
		case rootSet[name]:
			bits |= agent.StatusMaster
		case len(n.parents) > 0 && reach[name] == agent.ReachReached:
			bits |= agent.StatusSlave
			if len(n.children) > 0 {
				bits |= agent.StatusRelayMaster
			}
		}

		topo := a.TopologySnapshot()
		topo.Parents = append([]string(nil), n.parents...)
		topo.Children = append([]string(nil), n.children...)
		topo.ExternalMasters = append([]string(nil), n.externalMasters...)
		topo.CycleID = scc.cycleID[name]
		topo.ReachState = reach[name]
		a.SetTopology(topo)

		a.SetStatusBits(bits)
	}
}
