package agent

import (
	"time"

	"github.com/signal18/marmot/gtid"
)

// UnknownServerID is the sentinel for an unresolved numeric server id.
const UnknownServerID int64 = -1

// UndefinedSecondsBehindMaster is the sentinel for an unresolved replication
// delay (the backend reports NULL when the IO thread isn't connected).
const UndefinedSecondsBehindMaster int32 = -1

// IOState is the state of a slave channel's IO thread.
type IOState int

const (
	IOStateNo IOState = iota
	IOStateConnecting
	IOStateYes
)

func (s IOState) String() string {
	switch s {
	case IOStateNo:
		return "No"
	case IOStateConnecting:
		return "Connecting"
	case IOStateYes:
		return "Yes"
	default:
		return "Unknown"
	}
}

func parseIOState(s string) IOState {
	switch s {
	case "Yes":
		return IOStateYes
	case "Connecting":
		return IOStateConnecting
	default:
		return IOStateNo
	}
}

// ServerType selects the SQL dialect a backend understands.
type ServerType int

const (
	ServerTypeUnknown ServerType = iota
	ServerTypeNormal
	ServerTypeBinlogRouter
)

// Capabilities records what the backend supports, probed once per connection
// lifetime (spec.md §4.2 "if capability unknown, probe version").
type Capabilities struct {
	Probed           bool
	BasicSupport     bool
	Gtid             bool
	MaxStatementTime bool
}

// ReplicationSettings mirrors the three session-wide replication toggles
// read by update_replication_settings.
type ReplicationSettings struct {
	GtidStrictMode  bool
	LogBin          bool
	LogSlaveUpdates bool
}

// SlaveStatus is one replica-side replication channel snapshot, as read from
// one row of SHOW [ALL] SLAVE[S] STATUS.
type SlaveStatus struct {
	Name                string
	MasterHost          string
	MasterPort          int
	MasterServerID      int64
	IOState             IOState
	SQLRunning          bool
	SecondsBehindMaster int32
	GtidIOPos           gtid.List
	ReceivedHeartbeats  uint64
	LastDataTime        time.Time
	SeenConnected       bool
	LastError           string
}

// TopologyEqual implements the topology-equality relation of spec.md §3: two
// channel snapshots are topology-equal iff their connection-defining fields
// match, irrespective of timing/heartbeat counters.
func (s SlaveStatus) TopologyEqual(other SlaveStatus) bool {
	return s.IOState == other.IOState &&
		s.SQLRunning == other.SQLRunning &&
		s.MasterHost == other.MasterHost &&
		s.MasterPort == other.MasterPort &&
		s.MasterServerID == other.MasterServerID
}

// IsReplicating reports whether this channel is actively pulling and
// applying events from its master (used by the topology graph builder).
func (s SlaveStatus) IsReplicating() bool {
	return (s.IOState == IOStateYes || s.IOState == IOStateConnecting) && s.SQLRunning
}

// StatusBit is one flag in the shared per-server routing-plane status word.
type StatusBit uint64

const (
	StatusMaster StatusBit = 1 << iota
	StatusSlave
	StatusSlaveOfExternalMaster
	StatusRelayMaster
	StatusAuthError
	StatusDiskSpaceExhausted
	StatusMaintenance
	StatusRunning
)

// TopologyNodeData is Tarjan/reachability scratch space, rebuilt by the
// topology analyzer on every pass. It lives on the agent (spec.md §3
// "node_data") rather than in a side table so the analyzer never needs a
// second registry keyed by agent identity.
type TopologyNodeData struct {
	Index           int
	LowestIndex     int
	InStack         bool
	CycleID         int
	ReachState      ReachState
	Parents         []string
	Children        []string
	ExternalMasters []string
}

// ReachState is the result of the reachability-from-master labelling pass.
type ReachState int

const (
	ReachUnknown ReachState = iota
	ReachReached
	ReachUnreached
)

// CycleNone marks a node that doesn't belong to any multi-member SCC.
const CycleNone = 0
