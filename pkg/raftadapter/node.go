package raftadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"clusterdb/pkg/config"
	"clusterdb/pkg/dberrors"
	"clusterdb/pkg/protocol"
	"clusterdb/pkg/types"
	"clusterdb/pkg/wal"
)

type iStateMachine interface {
	Apply(plan protocol.Plan) error
}

type iLog interface {
	Save(hs raftpb.HardState, entries []raftpb.Entry) error
	Restore(storage *raft.MemoryStorage) (bool, error)
}

var _ iLog = (*wal.WAL)(nil)

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, n types.Node)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, n types.Node)
}

// Status is a point-in-time view of the raft node.
type Status struct {
	Term        types.Term
	CommitIndex types.LogIndex
	LastIndex   types.LogIndex
	Leader      uint64
}

// Node runs the raft protocol of one data group on this process.
type Node struct {
	ID     uint64
	Header types.Node

	peersMu sync.RWMutex
	peers   map[uint64]types.Node

	underlying   raft.Node
	store        iStateMachine
	jr           *raft.MemoryStorage
	log          iLog
	conf         *raftpb.ConfState
	tickInterval time.Duration
	transport    iTransport
	onSendError  func()

	ctx      context.Context
	stop     context.CancelFunc
	stopOnce sync.Once

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan proposeResult
}

// NewNode starts the raft node of self inside the group named by header. Every
// member of a group bootstraps with the same peer list, so whichever member
// starts first is consistent with the others. With a non-empty log the node
// restarts from it instead and replays the committed entries into store. log
// may be nil for a purely in-memory node.
func NewNode(
	cfg *config.RaftConfig,
	header, self types.Node,
	group []types.Node,
	store iStateMachine,
	sender Sender,
	log iLog,
) (*Node, error) {
	id := RaftID(self)
	rc := toRaftConfig(cfg, id)
	storage := raft.NewMemoryStorage()
	rc.Storage = storage

	var (
		confState raftpb.ConfState
		peers     = make(map[uint64]types.Node, len(group))
		raftPeers = make([]raft.Peer, 0, len(group))
		inGroup   bool
	)
	for _, n := range group {
		pid := RaftID(n)
		if _, ok := peers[pid]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", pid)
		}
		inGroup = inGroup || pid == id
		peers[pid] = n
		confState.Voters = append(confState.Voters, pid)
		raftPeers = append(raftPeers, raft.Peer{
			ID:      pid,
			Context: []byte(n.String()),
		})
	}
	if !inGroup {
		return nil, fmt.Errorf("%w: %s is not a peer of group %s", dberrors.ErrInvalidArgument, self, header)
	}

	restored := false
	if log != nil {
		var err error
		if restored, err = log.Restore(storage); err != nil {
			return nil, fmt.Errorf("restore raft log of %s: %w", header, err)
		}
	}

	var underlying raft.Node
	if restored {
		slog.Info("restarting raft node from its log", "header", header, "id", id)
		underlying = raft.RestartNode(rc)
	} else {
		underlying = raft.StartNode(rc, raftPeers)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		ID:           id,
		Header:       header,
		peers:        peers,
		conf:         &confState,
		underlying:   underlying,
		store:        store,
		jr:           storage,
		log:          log,
		tickInterval: cfg.TickInterval,
		transport:    NewTransport(header, peers, sender),
		proposals:    make(map[uuid.UUID]chan proposeResult),
		ctx:          ctx,
		stop:         cancel,
	}, nil
}

// OnSendError registers a hook invoked whenever a raft message is dropped.
func (n *Node) OnSendError(fn func()) {
	n.onSendError = fn
}

func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				return err
			}
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if n.log != nil {
		if err := n.log.Save(rd.HardState, rd.Entries); err != nil {
			return fmt.Errorf("persist ready: %w", err)
		}
	}
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := n.jr.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("set hard state: %w", err)
		}
	}
	if err := n.jr.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		if err := n.applyEntry(entry); err != nil {
			slog.Error("critical: failed to apply entry", "header", n.Header, "error", err)
			return fmt.Errorf("apply entry: %w", err)
		}

		if entry.Type == raftpb.EntryConfChange {
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("unmarshal conf change: %w", err)
			}
			n.conf = n.underlying.ApplyConfChange(cc)
			n.updateTransport(cc)
		}
	}

	n.underlying.Advance()
	return nil
}

func (n *Node) updateTransport(cc raftpb.ConfChange) {
	switch cc.Type {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeUpdateNode:
		peer, err := types.ParseNode(string(cc.Context))
		if err != nil {
			slog.Warn("conf change carries no node", "header", n.Header, "id", cc.NodeID, "error", err)
			return
		}
		n.peersMu.Lock()
		_, known := n.peers[cc.NodeID]
		n.peers[cc.NodeID] = peer
		n.peersMu.Unlock()

		if known {
			n.transport.UpdatePeer(cc.NodeID, peer)
			slog.Info("updated peer", "header", n.Header, "id", cc.NodeID, "node", peer)
		} else {
			n.transport.AddPeer(cc.NodeID, peer)
			slog.Info("added peer", "header", n.Header, "id", cc.NodeID, "node", peer)
		}

	case raftpb.ConfChangeRemoveNode:
		n.peersMu.Lock()
		delete(n.peers, cc.NodeID)
		n.peersMu.Unlock()
		n.transport.RemovePeer(cc.NodeID)
		slog.Info("removed peer", "header", n.Header, "id", cc.NodeID)
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}

		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				if n.onSendError != nil {
					n.onSendError()
				}
				slog.Error("failed to send raft message",
					"header", n.Header,
					"from", m.From,
					"to", m.To,
					"type", m.Type,
					"error", err)
			}
		}(msg)
	}
}

func (n *Node) applyEntry(entry raftpb.Entry) error {
	if entry.Type != raftpb.EntryNormal || len(entry.Data) == 0 {
		return nil
	}

	var cmd Cmd
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	err := n.store.Apply(cmd.Plan)
	return n.notifyProposalResult(cmd.ID, proposeResult{Err: err})
}

func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

func (n *Node) Leader() (types.Node, bool) {
	leaderID := n.underlying.Status().Lead

	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	leader, ok := n.peers[leaderID]
	return leader, ok
}

func (n *Node) Status() Status {
	st := n.underlying.Status()
	last, _ := n.jr.LastIndex()
	return Status{
		Term:        types.Term(st.Term),
		CommitIndex: types.LogIndex(st.Commit),
		LastIndex:   types.LogIndex(last),
		Leader:      st.Lead,
	}
}

type proposeResult struct {
	Err error
}

func (n *Node) notifyProposalResult(cmdID uuid.UUID, result proposeResult) error {
	n.proposalsMu.RLock()
	resultChan, ok := n.proposals[cmdID]
	n.proposalsMu.RUnlock()

	if !ok {
		// followers apply entries they never proposed
		slog.Debug("proposal result channel not found (ignored)", "cmd_id", cmdID, "header", n.Header)
		return nil
	}

	select {
	case resultChan <- result:
	default:
		slog.Debug("proposal result channel is full (ignored)", "cmd_id", cmdID)
	}
	return nil
}

func validatePlan(plan protocol.Plan) error {
	switch plan.Op {
	case protocol.PlanInsert:
		if plan.Key == "" || len(plan.Value) == 0 {
			return fmt.Errorf("%w: empty key or value", dberrors.ErrInvalidArgument)
		}
	case protocol.PlanDelete, protocol.PlanCreateSeries:
		if plan.Key == "" {
			return fmt.Errorf("%w: empty key", dberrors.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown operation %q", dberrors.ErrInvalidArgument, plan.Op)
	}
	return nil
}

// Execute proposes cmd and waits until it is applied locally.
func (n *Node) Execute(ctx context.Context, cmd Cmd) error {
	if err := validatePlan(cmd.Plan); err != nil {
		return err
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	resultChan := make(chan proposeResult, 1)

	n.proposalsMu.Lock()
	n.proposals[cmd.ID] = resultChan
	n.proposalsMu.Unlock()

	defer func() {
		n.proposalsMu.Lock()
		delete(n.proposals, cmd.ID)
		n.proposalsMu.Unlock()
	}()

	if err := n.underlying.Propose(ctx, data); err != nil {
		return fmt.Errorf("propose: %w", err)
	}

	select {
	case result := <-resultChan:
		return result.Err
	case <-n.ctx.Done():
		return dberrors.ErrMemberStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProposeAddNode asks the group to admit peer as a voter.
func (n *Node) ProposeAddNode(ctx context.Context, peer types.Node) error {
	return n.underlying.ProposeConfChange(ctx, raftpb.ConfChange{
		Type:    raftpb.ConfChangeAddNode,
		NodeID:  RaftID(peer),
		Context: []byte(peer.String()),
	})
}

// ProposeRemoveNode asks the group to drop peer.
func (n *Node) ProposeRemoveNode(ctx context.Context, peer types.Node) error {
	return n.underlying.ProposeConfChange(ctx, raftpb.ConfChange{
		Type:   raftpb.ConfChangeRemoveNode,
		NodeID: RaftID(peer),
	})
}

// Handle steps a raft message received from another member of the group.
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	select {
	case <-n.ctx.Done():
		return dberrors.ErrMemberStopped
	default:
	}
	if err := n.underlying.Step(ctx, msg); err != nil {
		if errors.Is(err, raft.ErrStopped) {
			return dberrors.ErrMemberStopped
		}
		return err
	}
	return nil
}

// Stop is idempotent. Pending proposals fail with ErrMemberStopped.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		slog.Info("stopping raft node", "id", n.ID, "header", n.Header)

		n.stop()
		n.underlying.Stop()

		n.proposalsMu.Lock()
		for _, resultChan := range n.proposals {
			select {
			case resultChan <- proposeResult{Err: dberrors.ErrMemberStopped}:
			default:
			}
		}
		n.proposalsMu.Unlock()

		slog.Info("raft node stopped", "id", n.ID, "header", n.Header)
	})
	return nil
}

func (n *Node) Stopped() <-chan struct{} {
	return n.ctx.Done()
}
