package topology

// sccResult is the per-node outcome of the iterative Tarjan pass: a
// distinct, stable-but-arbitrary cycle id for every SCC of size > 1, and
// agent.CycleNone for every node that is its own trivial SCC.
type sccResult struct {
	cycleID map[string]int
}

// tarjanFrame is one explicit call frame, replacing the recursive
// strongconnect(v) of the classical algorithm so arbitrarily large graphs
// never risk a Go stack blowup on pathological input.
type tarjanFrame struct {
	node     string
	childIdx int
}

// computeSCCs runs iterative Tarjan over g, using each node's parents as its
// successor edges (spec.md §4.3 step 2). Component ids are assigned in the
// order components are popped; since g.order is sorted and edges are built in
// a fixed order, the ids are stable across ticks for unchanged input without
// depending on map iteration order.
func computeSCCs(g *graph) sccResult {
	index := make(map[string]int, len(g.order))
	lowlink := make(map[string]int, len(g.order))
	onStack := make(map[string]bool, len(g.order))
	var stack []string
	nextIndex := 0

	var components [][]string

	for _, root := range g.order {
		if _, seen := index[root]; seen {
			continue
		}

		var frames []tarjanFrame
		frames = append(frames, tarjanFrame{node: root})
		index[root] = nextIndex
		lowlink[root] = nextIndex
		nextIndex++
		stack = append(stack, root)
		onStack[root] = true

		for len(frames) > 0 {
			top := &frames[len(frames)-1]
			n := g.nodes[top.node]

			if top.childIdx < len(n.parents) {
				w := n.parents[top.childIdx]
				top.childIdx++

				if _, seen := index[w]; !seen {
					index[w] = nextIndex
					lowlink[w] = nextIndex
					nextIndex++
					stack = append(stack, w)
					onStack[w] = true
					frames = append(frames, tarjanFrame{node: w})
				} else if onStack[w] {
					if index[w] < lowlink[top.node] {
						lowlink[top.node] = index[w]
					}
				}
				continue
			}

			// Children exhausted: propagate lowlink to the parent frame and,
			// if this node is a component root, pop the component off stack.
			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := &frames[len(frames)-1]
				if lowlink[top.node] < lowlink[parent.node] {
					lowlink[parent.node] = lowlink[top.node]
				}
			}

			if lowlink[top.node] == index[top.node] {
				var comp []string
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					comp = append(comp, w)
					if w == top.node {
						break
					}
				}
				components = append(components, comp)
			}
		}
	}

	cycleID := make(map[string]int, len(g.order))
	nextCycleID := 1
	for _, comp := range components {
		if len(comp) < 2 {
			cycleID[comp[0]] = 0 // agent.CycleNone
			continue
		}
		id := nextCycleID
		nextCycleID++
		for _, member := range comp {
			cycleID[member] = id
		}
	}
	return sccResult{cycleID: cycleID}
}
