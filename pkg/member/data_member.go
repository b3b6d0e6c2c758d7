package member

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"clusterdb/pkg/callback"
	"clusterdb/pkg/dberrors"
	"clusterdb/pkg/metrics"
	"clusterdb/pkg/partition"
	"clusterdb/pkg/protocol"
	"clusterdb/pkg/raftadapter"
	"clusterdb/pkg/types"
)

const (
	stepTimeout    = 2 * time.Second
	executeTimeout = 10 * time.Second
	pullTimeout    = 30 * time.Second

	defaultMaxReadSize = 4 << 20
)

type iRaftNode interface {
	Run(ctx context.Context) error
	Handle(ctx context.Context, msg raftpb.Message) error
	Execute(ctx context.Context, cmd raftadapter.Cmd) error
	Status() raftadapter.Status
	IsLeader() bool
	ProposeAddNode(ctx context.Context, peer types.Node) error
	ProposeRemoveNode(ctx context.Context, peer types.Node) error
	Stop() error
}

// SnapshotClient fetches slot snapshots from another node.
type SnapshotClient interface {
	PullSnapshot(ctx context.Context, to types.Node, req *protocol.PullSnapshotRequest) (*protocol.PullSnapshotResponse, error)
}

var _ GroupMember = (*DataGroupMember)(nil)

// DataGroupMember is the raft-backed replica of a data group.
type DataGroupMember struct {
	thisNode types.Node
	header   types.Node

	groupMu sync.RWMutex
	group   partition.Group

	table   Table
	raft    iRaftNode
	store   *slotStore
	dataDir string
	peers   SnapshotClient
	metrics *metrics.Registry
	log     io.Closer
	maxRead int

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopped  atomic.Bool
	stopOnce sync.Once
}

func newDataGroupMember(
	thisNode types.Node,
	group partition.Group,
	table Table,
	node iRaftNode,
	store *slotStore,
	dataDir string,
	peers SnapshotClient,
	reg *metrics.Registry,
) *DataGroupMember {
	ctx, cancel := context.WithCancel(context.Background())
	return &DataGroupMember{
		thisNode: thisNode,
		header:   group.Header(),
		group:    group,
		table:    table,
		raft:     node,
		store:    store,
		dataDir:  dataDir,
		peers:    peers,
		metrics:  reg,
		maxRead:  defaultMaxReadSize,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (m *DataGroupMember) start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.raft.Run(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("raft loop of data member exited", "header", m.header, "error", err)
		}
	}()
}

func (m *DataGroupMember) Header() types.Node {
	return m.header
}

func (m *DataGroupMember) AllNodes() partition.Group {
	m.groupMu.RLock()
	defer m.groupMu.RUnlock()
	return m.group
}

func (m *DataGroupMember) step(msg raftpb.Message) error {
	if m.stopped.Load() {
		return dberrors.ErrMemberStopped
	}
	ctx, cancel := context.WithTimeout(m.ctx, stepTimeout)
	defer cancel()
	return m.raft.Handle(ctx, msg)
}

func (m *DataGroupMember) SendHeartBeat(req *protocol.HeartBeatRequest, h callback.Handler[protocol.HeartBeatResponse]) {
	if err := m.step(req.Message); err != nil {
		h.OnError(err)
		return
	}
	st := m.raft.Status()
	h.OnSuccess(protocol.HeartBeatResponse{Term: st.Term, CommitIndex: st.CommitIndex, Leader: st.Leader})
}

func (m *DataGroupMember) StartElection(req *protocol.ElectionRequest, h callback.Handler[protocol.ElectionResponse]) {
	if err := m.step(req.Message); err != nil {
		h.OnError(err)
		return
	}
	h.OnSuccess(protocol.ElectionResponse{Term: m.raft.Status().Term})
}

func (m *DataGroupMember) AppendEntry(req *protocol.AppendEntryRequest, h callback.Handler[protocol.AppendResponse]) {
	if err := m.step(req.Message); err != nil {
		h.OnError(err)
		return
	}
	h.OnSuccess(protocol.AppendResponse{LastIndex: m.raft.Status().LastIndex})
}

func (m *DataGroupMember) AppendEntries(req *protocol.AppendEntriesRequest, h callback.Handler[protocol.AppendResponse]) {
	for _, msg := range req.Messages {
		if err := m.step(msg); err != nil {
			h.OnError(err)
			return
		}
	}
	h.OnSuccess(protocol.AppendResponse{LastIndex: m.raft.Status().LastIndex})
}

func (m *DataGroupMember) SendSnapshot(req *protocol.SendSnapshotRequest, h callback.Handler[protocol.Status]) {
	if m.stopped.Load() {
		h.OnError(dberrors.ErrMemberStopped)
		return
	}
	for slot, data := range req.Snapshots {
		if err := m.store.Install(slot, data); err != nil {
			h.OnError(err)
			return
		}
	}
	slog.Info("installed pushed snapshot", "header", m.header, "slots", len(req.Snapshots))
	h.OnSuccess(protocol.Status{Code: protocol.StatusCodeSuccess})
}

func (m *DataGroupMember) PullSnapshot(req *protocol.PullSnapshotRequest, h callback.Handler[protocol.PullSnapshotResponse]) {
	if m.stopped.Load() {
		h.OnError(dberrors.ErrMemberStopped)
		return
	}
	resp := protocol.PullSnapshotResponse{Snapshots: make(map[types.SlotID][]byte, len(req.Slots))}
	for _, slot := range req.Slots {
		data, err := m.store.Snapshot(slot)
		if err != nil {
			h.OnError(err)
			return
		}
		resp.Snapshots[slot] = data
	}
	h.OnSuccess(resp)
}

// ExecuteNonQueryPlan replicates the plan through the group log and completes
// once it is applied locally. Followers forward the proposal to the leader.
func (m *DataGroupMember) ExecuteNonQueryPlan(req *protocol.ExecuteNonQueryRequest, h callback.Handler[protocol.Status]) {
	if m.stopped.Load() {
		h.OnError(dberrors.ErrMemberStopped)
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(m.ctx, executeTimeout)
		defer cancel()

		if err := m.raft.Execute(ctx, raftadapter.NewCmd(req.Plan)); err != nil {
			m.metrics.RaftProposals.WithLabelValues("error").Inc()
			h.OnError(err)
			return
		}
		m.metrics.RaftProposals.WithLabelValues("ok").Inc()
		h.OnSuccess(protocol.Status{Code: protocol.StatusCodeSuccess})
	}()
}

func (m *DataGroupMember) RequestCommitIndex(_ types.Node, h callback.Handler[types.LogIndex]) {
	if m.stopped.Load() {
		h.OnError(dberrors.ErrMemberStopped)
		return
	}
	h.OnSuccess(m.raft.Status().CommitIndex)
}

// ReadFile reads a byte range of a file inside the member's data directory.
// The range is clipped to the end of the file.
func (m *DataGroupMember) ReadFile(filePath string, offset int64, length int, _ types.Node, h callback.Handler[[]byte]) {
	if m.stopped.Load() {
		h.OnError(dberrors.ErrMemberStopped)
		return
	}
	if offset < 0 || length < 0 || length > m.maxRead {
		h.OnError(fmt.Errorf("%w: offset=%d length=%d max=%d", dberrors.ErrInvalidArgument, offset, length, m.maxRead))
		return
	}

	full, rel, err := m.resolvePath(filePath)
	if err != nil {
		h.OnError(err)
		return
	}

	f, err := os.Open(full)
	if err != nil {
		h.OnError(fmt.Errorf("open %s: %w", rel, err))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.OnError(fmt.Errorf("stat %s: %w", rel, err))
		return
	}
	if offset >= info.Size() {
		h.OnSuccess([]byte{})
		return
	}
	n := int64(length)
	if remaining := info.Size() - offset; remaining < n {
		n = remaining
	}

	buf := make([]byte, n)
	read, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		h.OnError(fmt.Errorf("read %s: %w", rel, err))
		return
	}
	h.OnSuccess(buf[:read])
}

// resolvePath maps a request path to a file under the data directory,
// following symlinks so none of them leads outside it.
func (m *DataGroupMember) resolvePath(filePath string) (string, string, error) {
	outside := fmt.Errorf("%w: path %q outside member directory", dberrors.ErrInvalidArgument, filePath)

	root, err := filepath.EvalSymlinks(m.dataDir)
	if err != nil {
		return "", "", fmt.Errorf("resolve member directory: %w", err)
	}
	full, err := filepath.EvalSymlinks(filepath.Join(root, filepath.Clean("/"+filePath)))
	if err != nil {
		return "", "", fmt.Errorf("resolve %s: %w", filePath, err)
	}
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", outside
	}
	return full, rel, nil
}

func (m *DataGroupMember) PullTimeSeriesSchema(req *protocol.PullSchemaRequest, h callback.Handler[protocol.PullSchemaResponse]) {
	if m.stopped.Load() {
		h.OnError(dberrors.ErrMemberStopped)
		return
	}
	h.OnSuccess(protocol.PullSchemaResponse{Series: m.store.Series(req.Prefixes)})
}

// AddNode re-reads the group of this member after the partition table learned
// about n. The member leaves when this node dropped out of the group; when it
// stays and leads, it proposes the membership change to its peers.
func (m *DataGroupMember) AddNode(n types.Node) bool {
	g, err := m.table.HeaderGroup(m.header)
	if err != nil {
		slog.Warn("cannot recompute group, keep serving", "header", m.header, "new_node", n, "error", err)
		return false
	}
	if !g.Contains(m.thisNode) {
		return true
	}

	m.groupMu.Lock()
	old := m.group
	m.group = g
	m.groupMu.Unlock()

	if old.Equal(g) || !m.raft.IsLeader() {
		return false
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, stepTimeout)
		defer cancel()

		for _, peer := range g.Nodes() {
			if !old.Contains(peer) {
				if err := m.raft.ProposeAddNode(ctx, peer); err != nil {
					slog.Warn("failed to propose peer addition", "header", m.header, "peer", peer, "error", err)
				}
			}
		}
		for _, peer := range old.Nodes() {
			if !g.Contains(peer) {
				if err := m.raft.ProposeRemoveNode(ctx, peer); err != nil {
					slog.Warn("failed to propose peer removal", "header", m.header, "peer", peer, "error", err)
				}
			}
		}
	}()
	return false
}

// PullSnapshots asynchronously fetches slots this group took over from the
// groups that held them before.
func (m *DataGroupMember) PullSnapshots(slots []types.SlotID, thisNode types.Node) {
	previous := m.table.PreviousHolders(m.header)

	bySource := make(map[types.Node][]types.SlotID)
	sources := make(map[types.Node]partition.Group)
	for _, slot := range slots {
		g, ok := previous[slot]
		if !ok {
			continue
		}
		bySource[g.Header()] = append(bySource[g.Header()], slot)
		sources[g.Header()] = g
	}
	if len(bySource) == 0 {
		slog.Debug("no slot snapshots to pull", "header", m.header)
		return
	}

	for header, group := range sources {
		m.wg.Add(1)
		go func(header types.Node, group partition.Group, slots []types.SlotID) {
			defer m.wg.Done()
			m.pullFrom(header, group, slots, thisNode)
		}(header, group, bySource[header])
	}
}

func (m *DataGroupMember) pullFrom(header types.Node, group partition.Group, slots []types.SlotID, thisNode types.Node) {
	req := &protocol.PullSnapshotRequest{Header: header, Slots: slots}
	for _, node := range group.Nodes() {
		if node == thisNode {
			continue
		}

		ctx, cancel := context.WithTimeout(m.ctx, pullTimeout)
		resp, err := m.peers.PullSnapshot(ctx, node, req)
		cancel()
		if err != nil {
			slog.Warn("cannot pull snapshot from previous holder", "header", header, "node", node, "error", err)
			continue
		}

		for slot, data := range resp.Snapshots {
			if err := m.store.Install(slot, data); err != nil {
				slog.Error("cannot install pulled snapshot", "header", m.header, "slot", slot, "error", err)
				continue
			}
			m.metrics.SnapshotsPulled.Inc()
		}
		slog.Info("pulled slot snapshots", "header", m.header, "from", node, "slots", len(resp.Snapshots))
		return
	}
	slog.Error("all previous holders failed, slots stay empty", "header", m.header, "source", header, "slots", len(slots))
}

func (m *DataGroupMember) Stop() {
	m.stopOnce.Do(func() {
		m.stopped.Store(true)
		m.cancel()
		_ = m.raft.Stop()
		m.wg.Wait()
		if m.log != nil {
			if err := m.log.Close(); err != nil {
				slog.Warn("failed to close raft log", "header", m.header, "error", err)
			}
		}
		slog.Info("data member stopped", "header", m.header)
	})
}
