// Package rpc is the client side of the data RPC front: it reaches the
// member of a group on another node by posting the group-scoped request to
// that node.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"clusterdb/pkg/protocol"
	"clusterdb/pkg/types"
)

const (
	contentTypeJSON = "application/json"
	defaultTimeout  = 5 * time.Second
	maxErrorBody    = 4 << 10
)

// RemoteError is a non-2xx answer of a data node.
type RemoteError struct {
	Path    string
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: status=%d: %s", e.Path, e.Code, e.Message)
}

type errorBody struct {
	Error string `json:"error"`
}

// Client talks to the data RPC front of other nodes.
type Client struct {
	client *http.Client
	// baseURL overrides Node.DataAddr, used by tests.
	baseURL func(types.Node) string
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: types.Node.DataAddr,
	}
}

func call[Req, Resp any](ctx context.Context, c *Client, to types.Node, path string, req *Req) (*Resp, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", path, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL(to)+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", contentTypeJSON)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("POST %s to %s: %w", path, to, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var eb errorBody
		if json.Unmarshal(b, &eb) != nil || eb.Error == "" {
			eb.Error = string(b)
		}
		return nil, &RemoteError{Path: path, Code: resp.StatusCode, Message: eb.Error}
	}

	var out Resp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	return &out, nil
}

func (c *Client) SendHeartBeat(ctx context.Context, to types.Node, req *protocol.HeartBeatRequest) (*protocol.HeartBeatResponse, error) {
	return call[protocol.HeartBeatRequest, protocol.HeartBeatResponse](ctx, c, to, protocol.PathHeartBeat, req)
}

func (c *Client) StartElection(ctx context.Context, to types.Node, req *protocol.ElectionRequest) (*protocol.ElectionResponse, error) {
	return call[protocol.ElectionRequest, protocol.ElectionResponse](ctx, c, to, protocol.PathElection, req)
}

func (c *Client) AppendEntry(ctx context.Context, to types.Node, req *protocol.AppendEntryRequest) (*protocol.AppendResponse, error) {
	return call[protocol.AppendEntryRequest, protocol.AppendResponse](ctx, c, to, protocol.PathAppendEntry, req)
}

func (c *Client) AppendEntries(ctx context.Context, to types.Node, req *protocol.AppendEntriesRequest) (*protocol.AppendResponse, error) {
	return call[protocol.AppendEntriesRequest, protocol.AppendResponse](ctx, c, to, protocol.PathAppendEntries, req)
}

func (c *Client) SendSnapshot(ctx context.Context, to types.Node, req *protocol.SendSnapshotRequest) (*protocol.Status, error) {
	return call[protocol.SendSnapshotRequest, protocol.Status](ctx, c, to, protocol.PathSendSnapshot, req)
}

func (c *Client) PullSnapshot(ctx context.Context, to types.Node, req *protocol.PullSnapshotRequest) (*protocol.PullSnapshotResponse, error) {
	return call[protocol.PullSnapshotRequest, protocol.PullSnapshotResponse](ctx, c, to, protocol.PathPullSnapshot, req)
}

func (c *Client) ExecuteNonQueryPlan(ctx context.Context, to types.Node, req *protocol.ExecuteNonQueryRequest) (*protocol.Status, error) {
	return call[protocol.ExecuteNonQueryRequest, protocol.Status](ctx, c, to, protocol.PathExecute, req)
}

func (c *Client) RequestCommitIndex(ctx context.Context, to, header types.Node) (types.LogIndex, error) {
	idx, err := call[protocol.CommitIndexRequest, types.LogIndex](ctx, c, to, protocol.PathCommitIndex,
		&protocol.CommitIndexRequest{Header: header})
	if err != nil {
		return 0, err
	}
	return *idx, nil
}

func (c *Client) ReadFile(ctx context.Context, to types.Node, req *protocol.ReadFileRequest) ([]byte, error) {
	data, err := call[protocol.ReadFileRequest, []byte](ctx, c, to, protocol.PathReadFile, req)
	if err != nil {
		return nil, err
	}
	return *data, nil
}

func (c *Client) PullTimeSeriesSchema(ctx context.Context, to types.Node, req *protocol.PullSchemaRequest) (*protocol.PullSchemaResponse, error) {
	return call[protocol.PullSchemaRequest, protocol.PullSchemaResponse](ctx, c, to, protocol.PathPullSchema, req)
}

// Headers lists the groups hosted by a node.
func (c *Client) Headers(ctx context.Context, to types.Node) ([]types.Node, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL(to)+protocol.PathHeaders, nil)
	if err != nil {
		return nil, fmt.Errorf("create headers request: %w", err)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("GET headers from %s: %w", to, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &RemoteError{Path: protocol.PathHeaders, Code: resp.StatusCode, Message: string(b)}
	}
	var headers []types.Node
	if err := json.NewDecoder(resp.Body).Decode(&headers); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	return headers, nil
}

// SendRaft delivers a raft message to the member of the group of header on
// node to. Heartbeats and votes travel on their own endpoints, log
// replication as append-entries, everything else as a single entry.
func (c *Client) SendRaft(ctx context.Context, to, header types.Node, msg raftpb.Message) error {
	var err error
	switch msg.Type {
	case raftpb.MsgHeartbeat, raftpb.MsgHeartbeatResp:
		_, err = c.SendHeartBeat(ctx, to, &protocol.HeartBeatRequest{Header: header, Message: msg})
	case raftpb.MsgVote, raftpb.MsgVoteResp, raftpb.MsgPreVote, raftpb.MsgPreVoteResp:
		_, err = c.StartElection(ctx, to, &protocol.ElectionRequest{Header: header, Message: msg})
	case raftpb.MsgApp:
		_, err = c.AppendEntries(ctx, to, &protocol.AppendEntriesRequest{Header: header, Messages: []raftpb.Message{msg}})
	default:
		_, err = c.AppendEntry(ctx, to, &protocol.AppendEntryRequest{Header: header, Message: msg})
	}
	return err
}
