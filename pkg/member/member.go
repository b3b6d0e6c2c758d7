// Package member holds the data group replica a node runs for every group it
// belongs to, and the contracts the dispatch layer relies on.
package member

import (
	"clusterdb/pkg/callback"
	"clusterdb/pkg/partition"
	"clusterdb/pkg/protocol"
	"clusterdb/pkg/types"
)

// GroupMember is the local replica of one data group. Handlers complete
// through their callback, possibly after returning.
type GroupMember interface {
	Header() types.Node
	AllNodes() partition.Group

	SendHeartBeat(req *protocol.HeartBeatRequest, h callback.Handler[protocol.HeartBeatResponse])
	StartElection(req *protocol.ElectionRequest, h callback.Handler[protocol.ElectionResponse])
	AppendEntry(req *protocol.AppendEntryRequest, h callback.Handler[protocol.AppendResponse])
	AppendEntries(req *protocol.AppendEntriesRequest, h callback.Handler[protocol.AppendResponse])
	SendSnapshot(req *protocol.SendSnapshotRequest, h callback.Handler[protocol.Status])
	PullSnapshot(req *protocol.PullSnapshotRequest, h callback.Handler[protocol.PullSnapshotResponse])
	ExecuteNonQueryPlan(req *protocol.ExecuteNonQueryRequest, h callback.Handler[protocol.Status])
	RequestCommitIndex(header types.Node, h callback.Handler[types.LogIndex])
	ReadFile(filePath string, offset int64, length int, header types.Node, h callback.Handler[[]byte])
	PullTimeSeriesSchema(req *protocol.PullSchemaRequest, h callback.Handler[protocol.PullSchemaResponse])

	// AddNode incorporates a newly joined node and reports whether this node
	// no longer belongs to the group.
	AddNode(n types.Node) bool
	// PullSnapshots fetches the given slots from their previous holders.
	PullSnapshots(slots []types.SlotID, thisNode types.Node)
	// Stop releases every resource of the member. Safe to call more than once.
	Stop()
}

// Factory builds the member of thisNode inside group.
type Factory interface {
	Create(group partition.Group, thisNode types.Node) (GroupMember, error)
}

// Table is the view of the partition table a member needs.
type Table interface {
	partition.Table
	PreviousHolders(header types.Node) map[types.SlotID]partition.Group
	SlotOf(key string) types.SlotID
}
