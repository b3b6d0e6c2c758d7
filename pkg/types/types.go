package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Node identifies a cluster member. It is comparable and is used both as a map
// key and as the header of a data group. The zero value means "no node".
type Node struct {
	IP         string `json:"ip" yaml:"ip" validate:"required"`
	MetaPort   int    `json:"meta_port" yaml:"meta_port" validate:"min=1,max=65535"`
	DataPort   int    `json:"data_port" yaml:"data_port" validate:"min=1,max=65535"`
	Identifier int    `json:"id" yaml:"id" validate:"min=0"`
}

func (n Node) IsZero() bool {
	return n == Node{}
}

// String renders the node as ip:meta:data:id, the format ParseNode accepts.
func (n Node) String() string {
	return fmt.Sprintf("%s:%d:%d:%d", n.IP, n.MetaPort, n.DataPort, n.Identifier)
}

// DataAddr is the base URL of the node's data RPC front.
func (n Node) DataAddr() string {
	return fmt.Sprintf("http://%s:%d", n.IP, n.DataPort)
}

// Less orders nodes by identifier, then by address.
func (n Node) Less(o Node) bool {
	if n.Identifier != o.Identifier {
		return n.Identifier < o.Identifier
	}
	if n.IP != o.IP {
		return n.IP < o.IP
	}
	if n.MetaPort != o.MetaPort {
		return n.MetaPort < o.MetaPort
	}
	return n.DataPort < o.DataPort
}

func ParseNode(s string) (Node, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return Node{}, fmt.Errorf("parse node %q: want ip:meta:data:id", s)
	}
	var (
		n    = Node{IP: parts[0]}
		nums = make([]int, 3)
	)
	for i, p := range parts[1:] {
		v, err := strconv.Atoi(p)
		if err != nil {
			return Node{}, fmt.Errorf("parse node %q: %w", s, err)
		}
		nums[i] = v
	}
	n.MetaPort, n.DataPort, n.Identifier = nums[0], nums[1], nums[2]
	return n, nil
}

// SlotID identifies a storage unit (partition slot) of the dataset.
type SlotID uint32

// Term and Index are used by consensus/replication components.
type Term uint64

type LogIndex uint64
