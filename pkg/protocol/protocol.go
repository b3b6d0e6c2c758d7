// Package protocol defines the group-scoped requests a data node serves.
// Every request names the group it targets by its header node.
package protocol

import (
	"go.etcd.io/etcd/raft/v3/raftpb"

	"clusterdb/pkg/types"
)

// Endpoints of the data RPC front.
const (
	PathHeartBeat     = "/api/internal/data/heartbeat"
	PathElection      = "/api/internal/data/election"
	PathAppendEntry   = "/api/internal/data/append-entry"
	PathAppendEntries = "/api/internal/data/append-entries"
	PathSendSnapshot  = "/api/internal/data/send-snapshot"
	PathPullSnapshot  = "/api/internal/data/pull-snapshot"
	PathExecute       = "/api/internal/data/execute"
	PathCommitIndex   = "/api/internal/data/commit-index"
	PathReadFile      = "/api/internal/data/read-file"
	PathPullSchema    = "/api/internal/data/pull-schema"
	PathHeaders       = "/api/internal/data/headers"
)

// Operation names used in logs and metrics.
const (
	OpHeartBeat     = "heartbeat"
	OpElection      = "election"
	OpAppendEntry   = "append_entry"
	OpAppendEntries = "append_entries"
	OpSendSnapshot  = "send_snapshot"
	OpPullSnapshot  = "pull_snapshot"
	OpExecute       = "execute_non_query"
	OpCommitIndex   = "commit_index"
	OpReadFile      = "read_file"
	OpPullSchema    = "pull_schema"
)

type HeartBeatRequest struct {
	Header  types.Node     `json:"header"`
	Message raftpb.Message `json:"message"`
}

type HeartBeatResponse struct {
	Term        types.Term     `json:"term"`
	CommitIndex types.LogIndex `json:"commit_index"`
	Leader      uint64         `json:"leader"`
}

type ElectionRequest struct {
	Header  types.Node     `json:"header"`
	Message raftpb.Message `json:"message"`
}

type ElectionResponse struct {
	Term types.Term `json:"term"`
}

type AppendEntryRequest struct {
	Header  types.Node     `json:"header"`
	Message raftpb.Message `json:"message"`
}

type AppendEntriesRequest struct {
	Header   types.Node       `json:"header"`
	Messages []raftpb.Message `json:"messages"`
}

type AppendResponse struct {
	LastIndex types.LogIndex `json:"last_index"`
}

// SendSnapshotRequest pushes encoded slot snapshots to a member.
type SendSnapshotRequest struct {
	Header    types.Node              `json:"header"`
	Snapshots map[types.SlotID][]byte `json:"snapshots"`
}

type PullSnapshotRequest struct {
	Header types.Node     `json:"header"`
	Slots  []types.SlotID `json:"slots"`
}

type PullSnapshotResponse struct {
	Snapshots map[types.SlotID][]byte `json:"snapshots"`
}

type PlanOp string

const (
	PlanInsert       PlanOp = "insert"
	PlanDelete       PlanOp = "delete"
	PlanCreateSeries PlanOp = "create_series"
)

// Plan is a non-query (write) operation replicated through the group log.
type Plan struct {
	Op    PlanOp `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

type ExecuteNonQueryRequest struct {
	Header types.Node `json:"header"`
	Plan   Plan       `json:"plan"`
}

const (
	StatusCodeSuccess = 200
)

type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

type CommitIndexRequest struct {
	Header types.Node `json:"header"`
}

type ReadFileRequest struct {
	Header   types.Node `json:"header"`
	FilePath string     `json:"file_path"`
	Offset   int64      `json:"offset"`
	Length   int        `json:"length"`
}

type PullSchemaRequest struct {
	Header   types.Node `json:"header"`
	Prefixes []string   `json:"prefixes"`
}

type PullSchemaResponse struct {
	Series []string `json:"series"`
}
