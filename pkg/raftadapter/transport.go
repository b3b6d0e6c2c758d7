package raftadapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"clusterdb/pkg/types"
)

const (
	transportTimeout = 3 * time.Second
	maxRetries       = 3
	retryDelay       = 100 * time.Millisecond
)

// Sender delivers a raft message of the group named by header to node to.
type Sender interface {
	SendRaft(ctx context.Context, to, header types.Node, msg raftpb.Message) error
}

type Transport struct {
	header types.Node
	sender Sender

	peersMu sync.RWMutex
	peers   map[uint64]types.Node
}

func NewTransport(header types.Node, peers map[uint64]types.Node, sender Sender) *Transport {
	cp := make(map[uint64]types.Node, len(peers))
	for id, n := range peers {
		cp[id] = n
	}
	return &Transport{
		header: header,
		sender: sender,
		peers:  cp,
	}
}

func (t *Transport) AddPeer(id uint64, n types.Node) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[id] = n
}

func (t *Transport) RemovePeer(id uint64) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	delete(t.peers, id)
}

func (t *Transport) UpdatePeer(id uint64, n types.Node) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[id] = n
}

func (t *Transport) Send(msg raftpb.Message) error {
	t.peersMu.RLock()
	target, ok := t.peers[msg.To]
	t.peersMu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown peer node: %d", msg.To)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
		err := t.sender.SendRaft(ctx, target, t.header, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("failed to send raft message, retrying",
			"attempt", attempt+1,
			"header", t.header,
			"to", target,
			"type", msg.Type,
			"error", err)
		time.Sleep(retryDelay * time.Duration(attempt+1))
	}

	return fmt.Errorf("failed to send after %d retries: %w", maxRetries, lastErr)
}
