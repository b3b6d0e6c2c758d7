package member

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"clusterdb/pkg/compression"
	"clusterdb/pkg/config"
	"clusterdb/pkg/metrics"
	"clusterdb/pkg/partition"
	"clusterdb/pkg/raftadapter"
	"clusterdb/pkg/types"
	"clusterdb/pkg/wal"
)

// PeerClient reaches other data nodes: raft traffic and snapshot pulls.
type PeerClient interface {
	raftadapter.Sender
	SnapshotClient
}

// RaftFactory creates raft-backed data members, each with its own directory
// under the storage root.
type RaftFactory struct {
	cfg     *config.Config
	table   Table
	client  PeerClient
	metrics *metrics.Registry
}

var _ Factory = (*RaftFactory)(nil)

func NewRaftFactory(cfg *config.Config, table Table, client PeerClient, reg *metrics.Registry) *RaftFactory {
	return &RaftFactory{
		cfg:     cfg,
		table:   table,
		client:  client,
		metrics: reg,
	}
}

// MemberDir is the data directory of the member serving the group of header.
func MemberDir(root string, header types.Node) string {
	return filepath.Join(root, "groups", "header-"+strconv.Itoa(header.Identifier))
}

func (f *RaftFactory) Create(group partition.Group, thisNode types.Node) (GroupMember, error) {
	header := group.Header()
	dir := MemberDir(f.cfg.Storage.RootPath, header)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create member directory %s: %w", dir, err)
	}

	codec, err := compression.ParseCodec(f.cfg.Storage.SnapshotCodec)
	if err != nil {
		return nil, err
	}
	log, err := wal.New(dir)
	if err != nil {
		return nil, fmt.Errorf("open raft log of %s: %w", header, err)
	}

	store := newSlotStore(f.table.SlotOf, codec)
	node, err := raftadapter.NewNode(&f.cfg.Raft, header, thisNode, group.Nodes(), store, f.client, log)
	if err != nil {
		_ = log.Close()
		return nil, fmt.Errorf("start raft node for %s: %w", header, err)
	}
	node.OnSendError(f.metrics.RaftSendFailures.Inc)

	m := newDataGroupMember(thisNode, group, f.table, node, store, dir, f.client, f.metrics)
	m.log = log
	m.maxRead = f.cfg.Storage.MaxReadSize
	m.start()

	slog.Info("data member created", "header", header, "group", group, "dir", dir)
	return m, nil
}
