// Package dispatch routes group-scoped requests to the local member of the
// addressed data group, creating members on first contact and retiring them
// when the node leaves their group.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zhangyunhao116/skipmap"

	"clusterdb/pkg/dberrors"
	"clusterdb/pkg/member"
	"clusterdb/pkg/metrics"
	"clusterdb/pkg/partition"
	"clusterdb/pkg/types"
)

// Server is the data group registry of one node. Lock order is mu, then the
// partition table's own lock; the table never calls back into the Server.
type Server struct {
	thisNode types.Node
	factory  member.Factory
	metrics  *metrics.Registry

	// mu serializes creation, retirement and table replacement. Reads of
	// members that already exist do not take it.
	mu      sync.Mutex
	table   partition.Table
	members *skipmap.FuncMap[types.Node, member.GroupMember]
}

func NewServer(thisNode types.Node, factory member.Factory, reg *metrics.Registry) *Server {
	return &Server{
		thisNode: thisNode,
		factory:  factory,
		metrics:  reg,
		members: skipmap.NewFunc[types.Node, member.GroupMember](func(a, b types.Node) bool {
			return a.Less(b)
		}),
	}
}

// SetPartitionTable publishes the partition table once the node has caught up
// with the cluster. Until then unknown headers fail with
// PartitionTableUnavailableError.
func (s *Server) SetPartitionTable(t partition.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = t
}

// Member returns the member serving the group of header, creating it on first
// contact. On failure onError receives the cause once and Member returns nil.
func (s *Server) Member(header types.Node, onError func(error)) member.GroupMember {
	m, err := s.resolve(header)
	if err != nil {
		s.metrics.ResolveFailures.WithLabelValues(failureReason(err)).Inc()
		slog.Debug("cannot resolve data member", "header", header, "error", err)
		if onError != nil {
			onError(err)
		}
		return nil
	}
	return m
}

func (s *Server) resolve(header types.Node) (member.GroupMember, error) {
	if header.IsZero() {
		return nil, dberrors.ErrNoHeader
	}
	if m, ok := s.members.Load(header); ok {
		return m, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// another caller may have created it while we waited
	if m, ok := s.members.Load(header); ok {
		return m, nil
	}
	if s.table == nil {
		return nil, &dberrors.PartitionTableUnavailableError{Node: s.thisNode}
	}

	m, err := s.createMember(header)
	if err != nil {
		return nil, err
	}
	s.members.Store(header, m)
	s.metrics.MembersHosted.Set(float64(s.members.Len()))
	return m, nil
}

// createMember must be called with mu held.
func (s *Server) createMember(header types.Node) (member.GroupMember, error) {
	group, err := s.table.HeaderGroup(header)
	if err != nil {
		return nil, fmt.Errorf("group of %s: %w", header, err)
	}
	if !group.Contains(s.thisNode) {
		return nil, &dberrors.NotInSameGroupError{Group: group.Nodes(), ThisNode: s.thisNode}
	}

	m, err := s.factory.Create(group, s.thisNode)
	if err != nil {
		return nil, err
	}
	s.metrics.MembersCreated.Inc()
	slog.Info("created data member", "header", header, "group", group)
	return m, nil
}

// AddMember registers an already built member. An existing member of the same
// group is kept and m is rejected.
func (s *Server) AddMember(m member.GroupMember) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, loaded := s.members.LoadOrStore(m.Header(), m); loaded {
		return false
	}
	s.metrics.MembersHosted.Set(float64(s.members.Len()))
	return true
}

// AddNode lets every hosted member incorporate n and retires the members
// whose group no longer includes this node. A retired member is unreachable
// before it is stopped.
func (s *Server) AddNode(n types.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var retired []types.Node
	s.members.Range(func(header types.Node, m member.GroupMember) bool {
		if !s.leaves(m, n) {
			return true
		}
		s.members.Delete(header)
		m.Stop()
		retired = append(retired, header)
		return true
	})

	for range retired {
		s.metrics.MembersRetired.Inc()
	}
	s.metrics.MembersHosted.Set(float64(s.members.Len()))
	slog.Info("node added", "node", n, "retired", retired, "hosted", s.members.Len())
}

func (s *Server) leaves(m member.GroupMember, n types.Node) (leave bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("leave decision failed, keep member", "header", m.Header(), "node", n, "panic", r)
			leave = false
		}
	}()
	return m.AddNode(n)
}

// Headers returns the headers of the hosted groups in node order.
func (s *Server) Headers() []types.Node {
	headers := make([]types.Node, 0, s.members.Len())
	s.members.Range(func(header types.Node, _ member.GroupMember) bool {
		headers = append(headers, header)
		return true
	})
	return headers
}

// PullSnapshots asks the member of this node's own group to fetch the slots
// this node holds from their previous owners. The own member is never created
// here: a missing one means the node was bootstrapped wrongly.
func (s *Server) PullSnapshots() error {
	s.mu.Lock()
	table := s.table
	s.mu.Unlock()

	if table == nil {
		return &dberrors.PartitionTableUnavailableError{Node: s.thisNode}
	}
	slots := table.NodeSlots(s.thisNode)

	m, ok := s.members.Load(s.thisNode)
	if !ok {
		return fmt.Errorf("pull snapshots of %s: %w", s.thisNode, dberrors.ErrSelfMemberMissing)
	}
	slog.Info("pulling slot snapshots", "header", s.thisNode, "slots", len(slots))
	m.PullSnapshots(slots, s.thisNode)
	return nil
}

// Stop stops every hosted member.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.members.Range(func(header types.Node, m member.GroupMember) bool {
		s.members.Delete(header)
		m.Stop()
		return true
	})
	s.metrics.MembersHosted.Set(0)
	slog.Info("data group server stopped", "node", s.thisNode)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, dberrors.ErrNoHeader):
		return metrics.ReasonNoHeader
	case errors.Is(err, dberrors.ErrPartitionTableUnavailable):
		return metrics.ReasonTableNotReady
	case errors.Is(err, dberrors.ErrNotInSameGroup):
		return metrics.ReasonNotInGroup
	default:
		return metrics.ReasonCreationFailed
	}
}
