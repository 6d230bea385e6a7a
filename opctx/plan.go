package opctx

// ServerOperation is the plan for one side of a promote/demote swap
// (spec.md §3). It never embeds *agent.Agent directly — avoiding the import
// cycle opctx would otherwise form with package agent — callers resolve
// TargetName through whatever agent registry they hold, per the "rows
// reference their owning agent by name only" design note (spec.md §9).
type ServerOperation struct {
	TargetName     string
	ToFromMaster   bool
	HandleEvents   bool
	EventsToEnable map[string]bool
	ConnsToCopy    []SlaveChannelRef
	SQLFile        string
}

// SlaveChannelRef is the minimal channel description ServerOperation copies
// across a swap: enough to redirect or merge a connection without depending
// on package agent's SlaveStatus type.
type SlaveChannelRef struct {
	Name           string
	MasterHost     string
	MasterPort     int
	MasterServerID int64
}
