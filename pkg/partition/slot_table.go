package partition

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"clusterdb/pkg/dberrors"
	"clusterdb/pkg/types"
)

const defaultVirtualNodes = 128

var _ Table = (*SlotTable)(nil)

// SlotTable places nodes on a ring ordered by identifier. The group named by
// header H is H followed by the next replicationFactor-1 nodes of the ring.
// Slots are spread over headers with a consistent hash ring, so adding a node
// only moves the slots the new header takes over.
type SlotTable struct {
	mu sync.RWMutex

	replicationFactor int
	slotNum           int
	ready             bool

	nodes     []types.Node // sorted by types.Node.Less
	ring      *HashRing
	slotOwner []types.Node // slot -> header

	// header -> slot -> group that held the slot before the header took it over
	previous map[types.Node]map[types.SlotID]Group
}

func NewSlotTable(replicationFactor, slotNum int) *SlotTable {
	return &SlotTable{
		replicationFactor: replicationFactor,
		slotNum:           slotNum,
		ring:              NewHashRing(defaultVirtualNodes),
		previous:          make(map[types.Node]map[types.SlotID]Group),
	}
}

// Init loads the initial node set. Calling it again replaces the topology.
func (t *SlotTable) Init(nodes []types.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nodes = nil
	t.ring = NewHashRing(defaultVirtualNodes)
	t.previous = make(map[types.Node]map[types.SlotID]Group)
	for _, n := range nodes {
		if !slices.Contains(t.nodes, n) {
			t.nodes = append(t.nodes, n)
			t.ring.AddNode(n)
		}
	}
	slices.SortFunc(t.nodes, compareNodes)
	t.slotOwner = t.assignSlots()
	t.ready = true

	slog.Info("partition table initialized", "nodes", len(t.nodes), "slots", t.slotNum,
		"replication_factor", t.replicationFactor)
}

func (t *SlotTable) Ready() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready
}

// AddNode inserts n into the topology. It reports false if n was already known.
// Slots the new header takes over remember their previous group so the new
// owner can pull their snapshots.
func (t *SlotTable) AddNode(n types.Node) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if slices.Contains(t.nodes, n) {
		return false
	}

	oldGroups := make(map[types.Node]Group, len(t.nodes))
	for _, h := range t.nodes {
		oldGroups[h] = t.headerGroupLocked(h)
	}

	t.nodes = append(t.nodes, n)
	slices.SortFunc(t.nodes, compareNodes)
	t.ring.AddNode(n)

	oldOwner := t.slotOwner
	t.slotOwner = t.assignSlots()

	moved := 0
	for slot, owner := range t.slotOwner {
		if slot < len(oldOwner) && oldOwner[slot] != owner {
			prev, ok := t.previous[owner]
			if !ok {
				prev = make(map[types.SlotID]Group)
				t.previous[owner] = prev
			}
			prev[types.SlotID(slot)] = oldGroups[oldOwner[slot]]
			moved++
		}
	}

	slog.Info("node added to partition table", "node", n, "moved_slots", moved)
	return true
}

func (t *SlotTable) HeaderGroup(header types.Node) (Group, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !slices.Contains(t.nodes, header) {
		return Group{}, fmt.Errorf("%w: %s", dberrors.ErrUnknownHeader, header)
	}
	return t.headerGroupLocked(header), nil
}

func (t *SlotTable) headerGroupLocked(header types.Node) Group {
	idx := slices.Index(t.nodes, header)
	size := min(t.replicationFactor, len(t.nodes))
	nodes := make([]types.Node, 0, size)
	for i := 0; i < size; i++ {
		nodes = append(nodes, t.nodes[(idx+i)%len(t.nodes)])
	}
	return Group{nodes: nodes}
}

func (t *SlotTable) NodeSlots(node types.Node) []types.SlotID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var slots []types.SlotID
	for slot, owner := range t.slotOwner {
		if owner == node {
			slots = append(slots, types.SlotID(slot))
		}
	}
	return slots
}

// Headers returns every header in ring order.
func (t *SlotTable) Headers() []types.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.nodes)
}

// GroupsOf returns the groups n belongs to.
func (t *SlotTable) GroupsOf(n types.Node) []Group {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var groups []Group
	for _, h := range t.nodes {
		if g := t.headerGroupLocked(h); g.Contains(n) {
			groups = append(groups, g)
		}
	}
	return groups
}

// PreviousHolders returns, for every slot header took over, the group that
// held it before.
func (t *SlotTable) PreviousHolders(header types.Node) map[types.SlotID]Group {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[types.SlotID]Group, len(t.previous[header]))
	for slot, g := range t.previous[header] {
		result[slot] = g
	}
	return result
}

// SlotOf maps a key to its slot.
func (t *SlotTable) SlotOf(key string) types.SlotID {
	return types.SlotID(xxhash.Sum64String(key) % uint64(t.slotNum))
}

// HeaderOf returns the header of the group owning key.
func (t *SlotTable) HeaderOf(key string) (types.Node, bool) {
	slot := t.SlotOf(key)

	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(slot) >= len(t.slotOwner) {
		return types.Node{}, false
	}
	return t.slotOwner[slot], true
}

func (t *SlotTable) assignSlots() []types.Node {
	if len(t.nodes) == 0 {
		return nil
	}
	owners := make([]types.Node, t.slotNum)
	for slot := range owners {
		owners[slot], _ = t.ring.GetNode("slot-" + strconv.Itoa(slot))
	}
	return owners
}

func compareNodes(a, b types.Node) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	default:
		return 0
	}
}
