// Package cluster ties the node to the rest of the cluster: ZooKeeper
// membership and the coordinator that keeps the partition table and the data
// group registry in step with it.
package cluster

import (
	"fmt"
	"log/slog"
	"sync"

	"clusterdb/pkg/member"
	"clusterdb/pkg/partition"
	"clusterdb/pkg/types"
)

type iRegistry interface {
	SetPartitionTable(t partition.Table)
	Member(header types.Node, onError func(error)) member.GroupMember
	AddNode(n types.Node)
	PullSnapshots() error
}

type iTopology interface {
	partition.Table
	Init(nodes []types.Node)
	AddNode(n types.Node) bool
	GroupsOf(n types.Node) []partition.Group
}

// Coordinator applies topology changes: the table learns first, then the
// registry reacts.
type Coordinator struct {
	thisNode types.Node
	table    iTopology
	registry iRegistry

	// serializes joins so table and registry see them in the same order
	mu sync.Mutex
}

func NewCoordinator(thisNode types.Node, table iTopology, registry iRegistry) *Coordinator {
	return &Coordinator{
		thisNode: thisNode,
		table:    table,
		registry: registry,
	}
}

// Bootstrap builds the partition table from the nodes already registered and
// publishes it. With no peers this node starts a new cluster. Otherwise it
// joins: it enters the table as a new node, so the slots it takes over keep
// their previous holders, and pulls those slots once its members are up.
func (c *Coordinator) Bootstrap(peers []types.Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var others []types.Node
	for _, p := range peers {
		if p != c.thisNode {
			others = append(others, p)
		}
	}
	joining := len(others) > 0

	if joining {
		c.table.Init(others)
		c.table.AddNode(c.thisNode)
	} else {
		c.table.Init([]types.Node{c.thisNode})
	}
	c.registry.SetPartitionTable(c.table)

	if err := c.ensureMembers(); err != nil {
		return err
	}
	slog.Info("partition table published", "node", c.thisNode, "peers", len(others), "joining", joining)

	if joining {
		if err := c.registry.PullSnapshots(); err != nil {
			return fmt.Errorf("pull snapshots after join: %w", err)
		}
	}
	return nil
}

// NodeJoined adds n to the partition table and lets the registry retire the
// members this node no longer belongs to. Known nodes are ignored.
func (c *Coordinator) NodeJoined(n types.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.table.AddNode(n) {
		slog.Debug("node already in partition table", "node", n)
		return
	}
	c.registry.AddNode(n)
	if err := c.ensureMembers(); err != nil {
		slog.Error("cannot start members after join", "node", n, "error", err)
	}
}

// ensureMembers resolves every group this node belongs to, so groups start
// without waiting for a first remote contact.
func (c *Coordinator) ensureMembers() error {
	for _, g := range c.table.GroupsOf(c.thisNode) {
		var cause error
		if c.registry.Member(g.Header(), func(err error) { cause = err }) == nil {
			return fmt.Errorf("member of group %s: %w", g, cause)
		}
	}
	return nil
}
