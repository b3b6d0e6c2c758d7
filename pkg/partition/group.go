package partition

import (
	"slices"
	"strings"

	"clusterdb/pkg/types"
)

// Group is the ordered set of nodes replicating one partition. The first node
// is the header that names the group. A Group is never mutated after it is
// handed out; topology changes produce new groups.
type Group struct {
	nodes []types.Node
}

func NewGroup(nodes ...types.Node) Group {
	return Group{nodes: slices.Clone(nodes)}
}

func (g Group) Header() types.Node {
	if len(g.nodes) == 0 {
		return types.Node{}
	}
	return g.nodes[0]
}

func (g Group) Contains(n types.Node) bool {
	return slices.Contains(g.nodes, n)
}

func (g Group) Nodes() []types.Node {
	return slices.Clone(g.nodes)
}

func (g Group) Len() int {
	return len(g.nodes)
}

func (g Group) Equal(o Group) bool {
	return slices.Equal(g.nodes, o.nodes)
}

func (g Group) String() string {
	parts := make([]string, 0, len(g.nodes))
	for _, n := range g.nodes {
		parts = append(parts, n.String())
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
