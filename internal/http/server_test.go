//nolint:hugeParam // test only
package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"clusterdb/pkg/callback"
	"clusterdb/pkg/config"
	"clusterdb/pkg/dberrors"
	"clusterdb/pkg/protocol"
	"clusterdb/pkg/types"
)

var testHeader = types.Node{IP: "127.0.0.1", MetaPort: 9003, DataPort: 40010, Identifier: 1}

// fakeService answers every call from canned values; err, when set, fails all
// of them. hang leaves handlers uncompleted.
type fakeService struct {
	mu      sync.Mutex
	err     error
	hang    bool
	last    any
	headers []types.Node
}

func complete[T any](f *fakeService, req any, h callback.Handler[T], v T) {
	f.mu.Lock()
	f.last = req
	err, hang := f.err, f.hang
	f.mu.Unlock()

	switch {
	case hang:
	case err != nil:
		h.OnError(err)
	default:
		h.OnSuccess(v)
	}
}

func (f *fakeService) SendHeartBeat(req *protocol.HeartBeatRequest, h callback.Handler[protocol.HeartBeatResponse]) {
	complete(f, req, h, protocol.HeartBeatResponse{Term: 4, CommitIndex: 12, Leader: 2})
}

func (f *fakeService) StartElection(req *protocol.ElectionRequest, h callback.Handler[protocol.ElectionResponse]) {
	complete(f, req, h, protocol.ElectionResponse{Term: 5})
}

func (f *fakeService) AppendEntry(req *protocol.AppendEntryRequest, h callback.Handler[protocol.AppendResponse]) {
	complete(f, req, h, protocol.AppendResponse{LastIndex: 1})
}

func (f *fakeService) AppendEntries(req *protocol.AppendEntriesRequest, h callback.Handler[protocol.AppendResponse]) {
	complete(f, req, h, protocol.AppendResponse{LastIndex: types.LogIndex(len(req.Messages))})
}

func (f *fakeService) SendSnapshot(req *protocol.SendSnapshotRequest, h callback.Handler[protocol.Status]) {
	complete(f, req, h, protocol.Status{Code: protocol.StatusCodeSuccess})
}

func (f *fakeService) PullSnapshot(req *protocol.PullSnapshotRequest, h callback.Handler[protocol.PullSnapshotResponse]) {
	snaps := make(map[types.SlotID][]byte, len(req.Slots))
	for _, slot := range req.Slots {
		snaps[slot] = []byte(fmt.Sprintf("slot-%d", slot))
	}
	complete(f, req, h, protocol.PullSnapshotResponse{Snapshots: snaps})
}

func (f *fakeService) ExecuteNonQueryPlan(req *protocol.ExecuteNonQueryRequest, h callback.Handler[protocol.Status]) {
	complete(f, req, h, protocol.Status{Code: protocol.StatusCodeSuccess})
}

func (f *fakeService) RequestCommitIndex(header types.Node, h callback.Handler[types.LogIndex]) {
	complete(f, header, h, types.LogIndex(12))
}

func (f *fakeService) ReadFile(filePath string, offset int64, length int, _ types.Node, h callback.Handler[[]byte]) {
	complete(f, filePath, h, []byte(fmt.Sprintf("%s@%d+%d", filePath, offset, length)))
}

func (f *fakeService) PullTimeSeriesSchema(req *protocol.PullSchemaRequest, h callback.Handler[protocol.PullSchemaResponse]) {
	complete(f, req, h, protocol.PullSchemaResponse{Series: req.Prefixes})
}

func (f *fakeService) lastRequest() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeService) Headers() []types.Node {
	return f.headers
}

func newTestServer(svc iDataService) *Server {
	cfg := config.Default().Server
	cfg.RequestTimeout = 200 * time.Millisecond
	return NewServer(svc, nil, cfg)
}

func post(t *testing.T, s *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(b)))
	req.Header.Set("Content-Type", contentTypeJSON)
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
	}
	return resp
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(&fakeService{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	resp := decodeResp(t, rr)
	if resp.Status != StatusOK {
		t.Fatalf("expected status %s, got %s", StatusOK, resp.Status)
	}
}

func TestHeartBeatForwarded(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(svc)

	rr := post(t, s, protocol.PathHeartBeat, protocol.HeartBeatRequest{Header: testHeader})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp protocol.HeartBeatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Term != 4 || resp.CommitIndex != 12 {
		t.Fatalf("unexpected response %+v", resp)
	}

	got, ok := svc.lastRequest().(*protocol.HeartBeatRequest)
	if !ok || got.Header != testHeader {
		t.Fatalf("service got %#v, want heartbeat for %s", svc.lastRequest(), testHeader)
	}
}

func TestReadFileAndCommitIndexArguments(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(svc)

	rr := post(t, s, protocol.PathReadFile, protocol.ReadFileRequest{Header: testHeader, FilePath: "seq/1.tsfile", Offset: 3, Length: 9})
	if rr.Code != http.StatusOK {
		t.Fatalf("read-file: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var data []byte
	if err := json.Unmarshal(rr.Body.Bytes(), &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(data) != "seq/1.tsfile@3+9" {
		t.Fatalf("read-file: got %q", data)
	}

	rr = post(t, s, protocol.PathCommitIndex, protocol.CommitIndexRequest{Header: testHeader})
	if rr.Code != http.StatusOK {
		t.Fatalf("commit-index: expected 200, got %d", rr.Code)
	}
	if svc.lastRequest() != testHeader {
		t.Fatalf("commit-index: service got %#v", svc.lastRequest())
	}
}

func TestErrorStatusCodes(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{dberrors.ErrNoHeader, http.StatusBadRequest},
		{fmt.Errorf("plan: %w", dberrors.ErrInvalidArgument), http.StatusBadRequest},
		{fmt.Errorf("group: %w", dberrors.ErrUnknownHeader), http.StatusNotFound},
		{&dberrors.NotInSameGroupError{Group: []types.Node{testHeader}}, http.StatusConflict},
		{&dberrors.PartitionTableUnavailableError{Node: testHeader}, http.StatusServiceUnavailable},
		{dberrors.ErrMemberStopped, http.StatusServiceUnavailable},
		{fmt.Errorf("mkdir: permission denied"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		s := newTestServer(&fakeService{err: tt.err})
		rr := post(t, s, protocol.PathExecute, protocol.ExecuteNonQueryRequest{Header: testHeader})
		if rr.Code != tt.code {
			t.Fatalf("%v: expected %d, got %d", tt.err, tt.code, rr.Code)
		}
		resp := decodeResp(t, rr)
		if resp.Status != StatusError || resp.Error != tt.err.Error() {
			t.Fatalf("%v: unexpected envelope %+v", tt.err, resp)
		}
	}
}

func TestUncompletedHandlerTimesOut(t *testing.T) {
	s := newTestServer(&fakeService{hang: true})

	rr := post(t, s, protocol.PathElection, protocol.ElectionRequest{Header: testHeader})
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	cfg := config.Default().Server
	cfg.MaxBodySize = 1024
	svc := &fakeService{}
	s := NewServer(svc, nil, cfg)

	rr := post(t, s, protocol.PathSendSnapshot, protocol.SendSnapshotRequest{
		Header:    testHeader,
		Snapshots: map[types.SlotID][]byte{1: make([]byte, 4096)},
	})
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d body=%s", rr.Code, rr.Body.String())
	}
	if svc.lastRequest() != nil {
		t.Fatal("oversized request must not reach the service")
	}
}

func TestBadBodyAndMethodNotAllowed(t *testing.T) {
	s := newTestServer(&fakeService{})

	req := httptest.NewRequest(http.MethodPost, protocol.PathAppendEntries, strings.NewReader("{"))
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad-body: expected 400, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/health", nil)
	rr = httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("method-not-allowed: expected 405, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestHeadersAndMetrics(t *testing.T) {
	svc := &fakeService{headers: []types.Node{testHeader}}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	s := NewServer(svc, metrics, config.Default().Server)

	req := httptest.NewRequest(http.MethodGet, protocol.PathHeaders, nil)
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	var headers []types.Node
	if err := json.Unmarshal(rr.Body.Bytes(), &headers); err != nil {
		t.Fatalf("decode headers: %v", err)
	}
	if len(headers) != 1 || headers[0] != testHeader {
		t.Fatalf("unexpected headers %v", headers)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr = httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || !strings.HasPrefix(rr.Body.String(), "# metrics") {
		t.Fatalf("metrics: got %d %q", rr.Code, rr.Body.String())
	}
}

func TestStartStop(t *testing.T) {
	cfg := config.Default().Server
	s := NewServer(&fakeService{}, nil, cfg)
	s.addr = "127.0.0.1:0"
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
