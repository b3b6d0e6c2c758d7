package partition

import "clusterdb/pkg/types"

// Table is the cluster-wide source of truth for group membership and slot
// ownership. Implementations synchronize internally and never call back into
// the dispatch layer, so they are safe to use while its lock is held.
type Table interface {
	// HeaderGroup returns the current group named by header.
	HeaderGroup(header types.Node) (Group, error)
	// NodeSlots returns the slots held by the group whose header is node.
	NodeSlots(node types.Node) []types.SlotID
}
