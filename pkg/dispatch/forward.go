package dispatch

import (
	"clusterdb/pkg/callback"
	"clusterdb/pkg/member"
	"clusterdb/pkg/protocol"
	"clusterdb/pkg/types"
)

// dispatch resolves header and hands the member to forward. A failed
// resolution has already been reported to h.
func dispatch[T any](s *Server, op string, header types.Node, h callback.Handler[T], forward func(member.GroupMember)) {
	m := s.Member(header, h.OnError)
	if m == nil {
		return
	}
	s.metrics.Dispatched.WithLabelValues(op).Inc()
	forward(m)
}

func (s *Server) SendHeartBeat(req *protocol.HeartBeatRequest, h callback.Handler[protocol.HeartBeatResponse]) {
	dispatch(s, protocol.OpHeartBeat, req.Header, h, func(m member.GroupMember) {
		m.SendHeartBeat(req, h)
	})
}

func (s *Server) StartElection(req *protocol.ElectionRequest, h callback.Handler[protocol.ElectionResponse]) {
	dispatch(s, protocol.OpElection, req.Header, h, func(m member.GroupMember) {
		m.StartElection(req, h)
	})
}

func (s *Server) AppendEntry(req *protocol.AppendEntryRequest, h callback.Handler[protocol.AppendResponse]) {
	dispatch(s, protocol.OpAppendEntry, req.Header, h, func(m member.GroupMember) {
		m.AppendEntry(req, h)
	})
}

func (s *Server) AppendEntries(req *protocol.AppendEntriesRequest, h callback.Handler[protocol.AppendResponse]) {
	dispatch(s, protocol.OpAppendEntries, req.Header, h, func(m member.GroupMember) {
		m.AppendEntries(req, h)
	})
}

func (s *Server) SendSnapshot(req *protocol.SendSnapshotRequest, h callback.Handler[protocol.Status]) {
	dispatch(s, protocol.OpSendSnapshot, req.Header, h, func(m member.GroupMember) {
		m.SendSnapshot(req, h)
	})
}

func (s *Server) PullSnapshot(req *protocol.PullSnapshotRequest, h callback.Handler[protocol.PullSnapshotResponse]) {
	dispatch(s, protocol.OpPullSnapshot, req.Header, h, func(m member.GroupMember) {
		m.PullSnapshot(req, h)
	})
}

func (s *Server) ExecuteNonQueryPlan(req *protocol.ExecuteNonQueryRequest, h callback.Handler[protocol.Status]) {
	dispatch(s, protocol.OpExecute, req.Header, h, func(m member.GroupMember) {
		m.ExecuteNonQueryPlan(req, h)
	})
}

func (s *Server) RequestCommitIndex(header types.Node, h callback.Handler[types.LogIndex]) {
	dispatch(s, protocol.OpCommitIndex, header, h, func(m member.GroupMember) {
		m.RequestCommitIndex(header, h)
	})
}

func (s *Server) ReadFile(filePath string, offset int64, length int, header types.Node, h callback.Handler[[]byte]) {
	dispatch(s, protocol.OpReadFile, header, h, func(m member.GroupMember) {
		m.ReadFile(filePath, offset, length, header, h)
	})
}

func (s *Server) PullTimeSeriesSchema(req *protocol.PullSchemaRequest, h callback.Handler[protocol.PullSchemaResponse]) {
	dispatch(s, protocol.OpPullSchema, req.Header, h, func(m member.GroupMember) {
		m.PullTimeSeriesSchema(req, h)
	})
}
