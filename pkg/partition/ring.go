package partition

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"clusterdb/pkg/types"
)

// HashRing implements consistent hashing with virtual nodes.
type HashRing struct {
	replicas int
	hashes   []uint64              // sorted
	owners   map[uint64]types.Node // hash -> node
	mu       sync.RWMutex
}

func NewHashRing(replicas int) *HashRing {
	return &HashRing{
		replicas: replicas,
		owners:   make(map[uint64]types.Node),
	}
}

func virtualKey(n types.Node, i int) string {
	return n.String() + "#" + strconv.Itoa(i)
}

func (h *HashRing) AddNode(n types.Node) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := 0; i < h.replicas; i++ {
		hash := xxhash.Sum64String(virtualKey(n, i))
		if _, taken := h.owners[hash]; taken {
			continue
		}
		h.hashes = append(h.hashes, hash)
		h.owners[hash] = n
	}
	sort.Slice(h.hashes, func(i, j int) bool { return h.hashes[i] < h.hashes[j] })
}

func (h *HashRing) RemoveNode(n types.Node) {
	h.mu.Lock()
	defer h.mu.Unlock()

	filtered := h.hashes[:0]
	for _, hash := range h.hashes {
		if h.owners[hash] != n {
			filtered = append(filtered, hash)
		} else {
			delete(h.owners, hash)
		}
	}
	h.hashes = filtered
}

// GetNode returns the node owning key.
func (h *HashRing) GetNode(key string) (types.Node, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.hashes) == 0 {
		return types.Node{}, false
	}

	hash := xxhash.Sum64String(key)
	idx := sort.Search(len(h.hashes), func(i int) bool { return h.hashes[i] >= hash })
	if idx == len(h.hashes) {
		idx = 0
	}
	return h.owners[h.hashes[idx]], true
}

// ListNodes returns the distinct nodes on the ring, ordered.
func (h *HashRing) ListNodes() []types.Node {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := map[types.Node]struct{}{}
	var result []types.Node
	for _, n := range h.owners {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			result = append(result, n)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Less(result[j]) })
	return result
}
