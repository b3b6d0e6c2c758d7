package raftadapter

import (
	"go.etcd.io/etcd/raft/v3"

	"clusterdb/pkg/config"
	"clusterdb/pkg/types"
)

// RaftID maps a cluster node to its raft id inside every group it joins.
// Raft reserves id 0, identifiers start from 0.
func RaftID(n types.Node) uint64 {
	return uint64(n.Identifier) + 1
}

func toRaftConfig(c *config.RaftConfig, id uint64) *raft.Config {
	return &raft.Config{
		ID:                        id,
		ElectionTick:              c.ElectionTick,
		HeartbeatTick:             c.HeartbeatTick,
		MaxSizePerMsg:             c.MaxSizePerMsg,
		MaxCommittedSizePerReady:  c.MaxCommittedSizePerReady,
		MaxUncommittedEntriesSize: c.MaxUncommittedEntriesSize,
		MaxInflightMsgs:           c.MaxInflightMsgs,
		CheckQuorum:               c.CheckQuorum,
		PreVote:                   c.PreVote,
	}
}
