package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"clusterdb/pkg/callback"
	"clusterdb/pkg/dberrors"
	"clusterdb/pkg/member"
	"clusterdb/pkg/partition"
	"clusterdb/pkg/protocol"
	"clusterdb/pkg/types"
)

func node(id int) types.Node {
	return types.Node{IP: "10.0.0.1", MetaPort: 9000 + id, DataPort: 40000 + id, Identifier: id}
}

var (
	nodeA = node(1)
	nodeB = node(2)
	nodeC = node(3)
	nodeD = node(4)
)

// fakeTable is a partition table with a settable header -> group mapping
type fakeTable struct {
	mu     sync.Mutex
	groups map[types.Node]partition.Group
	slots  map[types.Node][]types.SlotID
}

func newFakeTable() *fakeTable {
	return &fakeTable{
		groups: make(map[types.Node]partition.Group),
		slots:  make(map[types.Node][]types.SlotID),
	}
}

func (t *fakeTable) set(header types.Node, nodes ...types.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.groups[header] = partition.NewGroup(nodes...)
}

func (t *fakeTable) HeaderGroup(header types.Node) (partition.Group, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[header]
	if !ok {
		return partition.Group{}, dberrors.ErrUnknownHeader
	}
	return g, nil
}

func (t *fakeTable) NodeSlots(n types.Node) []types.SlotID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[n]
}

type call struct {
	op      string
	req     any
	handler any
}

// fakeMember records every forwarded call
type fakeMember struct {
	group partition.Group

	mu    sync.Mutex
	calls []call

	stops   atomic.Int32
	decide  func(n types.Node) bool
	pulled  []types.SlotID
	pullFor types.Node
}

func (m *fakeMember) record(op string, req, h any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{op: op, req: req, handler: h})
}

func (m *fakeMember) lastCall() call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[len(m.calls)-1]
}

func (m *fakeMember) Header() types.Node        { return m.group.Header() }
func (m *fakeMember) AllNodes() partition.Group { return m.group }

func (m *fakeMember) SendHeartBeat(req *protocol.HeartBeatRequest, h callback.Handler[protocol.HeartBeatResponse]) {
	m.record(protocol.OpHeartBeat, req, h)
	h.OnSuccess(protocol.HeartBeatResponse{Term: 1})
}

func (m *fakeMember) StartElection(req *protocol.ElectionRequest, h callback.Handler[protocol.ElectionResponse]) {
	m.record(protocol.OpElection, req, h)
	h.OnSuccess(protocol.ElectionResponse{Term: 1})
}

func (m *fakeMember) AppendEntry(req *protocol.AppendEntryRequest, h callback.Handler[protocol.AppendResponse]) {
	m.record(protocol.OpAppendEntry, req, h)
	h.OnSuccess(protocol.AppendResponse{})
}

func (m *fakeMember) AppendEntries(req *protocol.AppendEntriesRequest, h callback.Handler[protocol.AppendResponse]) {
	m.record(protocol.OpAppendEntries, req, h)
	h.OnSuccess(protocol.AppendResponse{})
}

func (m *fakeMember) SendSnapshot(req *protocol.SendSnapshotRequest, h callback.Handler[protocol.Status]) {
	m.record(protocol.OpSendSnapshot, req, h)
	h.OnSuccess(protocol.Status{Code: protocol.StatusCodeSuccess})
}

func (m *fakeMember) PullSnapshot(req *protocol.PullSnapshotRequest, h callback.Handler[protocol.PullSnapshotResponse]) {
	m.record(protocol.OpPullSnapshot, req, h)
	h.OnSuccess(protocol.PullSnapshotResponse{})
}

func (m *fakeMember) ExecuteNonQueryPlan(req *protocol.ExecuteNonQueryRequest, h callback.Handler[protocol.Status]) {
	m.record(protocol.OpExecute, req, h)
	h.OnSuccess(protocol.Status{Code: protocol.StatusCodeSuccess})
}

func (m *fakeMember) RequestCommitIndex(header types.Node, h callback.Handler[types.LogIndex]) {
	m.record(protocol.OpCommitIndex, header, h)
	h.OnSuccess(9)
}

func (m *fakeMember) ReadFile(filePath string, offset int64, length int, _ types.Node, h callback.Handler[[]byte]) {
	m.record(protocol.OpReadFile, protocol.ReadFileRequest{FilePath: filePath, Offset: offset, Length: length}, h)
	h.OnSuccess([]byte(filePath))
}

func (m *fakeMember) PullTimeSeriesSchema(req *protocol.PullSchemaRequest, h callback.Handler[protocol.PullSchemaResponse]) {
	m.record(protocol.OpPullSchema, req, h)
	h.OnSuccess(protocol.PullSchemaResponse{})
}

func (m *fakeMember) AddNode(n types.Node) bool {
	if m.decide == nil {
		return false
	}
	return m.decide(n)
}

func (m *fakeMember) PullSnapshots(slots []types.SlotID, thisNode types.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulled = slots
	m.pullFor = thisNode
}

func (m *fakeMember) Stop() { m.stops.Add(1) }

// fakeFactory builds fakeMembers and remembers all of them
type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeMember
	err     error
	delay   time.Duration
	decide  func(m *fakeMember, n types.Node) bool
}

func (f *fakeFactory) Create(group partition.Group, _ types.Node) (member.GroupMember, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	m := &fakeMember{group: group}
	if f.decide != nil {
		m.decide = func(n types.Node) bool { return f.decide(m, n) }
	}
	f.created = append(f.created, m)
	return m, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

var errDiskFull = errors.New("mkdir: no space left on device")

func groupOf(nodes ...types.Node) partition.Group {
	return partition.NewGroup(nodes...)
}
