package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"clusterdb/pkg/config"
	"clusterdb/pkg/types"
)

const (
	nodesDir       = "/nodes"
	connectTimeout = 10 * time.Second
	retryInterval  = 2 * time.Second
)

type iZKConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	State() zk.State
	Close()
}

// ZKMembership keeps the live data nodes under <root>/nodes, one ephemeral
// child per node named by types.Node.String.
type ZKMembership struct {
	conn     iZKConn
	rootPath string
	local    types.Node
}

func NewZKMembership(cfg config.ZooKeeperConfig, local types.Node) (*ZKMembership, error) {
	conn, _, err := zk.Connect(cfg.Servers, cfg.SessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKMembership{
		conn:     conn,
		rootPath: strings.TrimRight(cfg.RootPath, "/"),
		local:    local,
	}, nil
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) nodesPath() string {
	return m.rootPath + nodesDir
}

func (m *ZKMembership) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf creates the ephemeral node of this process.
func (m *ZKMembership) RegisterSelf() error {
	if err := m.waitConnected(connectTimeout); err != nil {
		return err
	}

	if err := m.ensurePath(m.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	nodePath := m.nodesPath() + "/" + m.local.String()
	_, err := m.conn.Create(nodePath, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("registered in zookeeper", "path", nodePath)
	return nil
}

// ReadNodes returns the registered nodes in node order. Children that do not
// parse as a node are skipped.
func (m *ZKMembership) ReadNodes() ([]types.Node, error) {
	if err := m.waitConnected(connectTimeout); err != nil {
		return nil, err
	}
	if err := m.ensurePath(m.nodesPath()); err != nil {
		return nil, fmt.Errorf("ensure nodes path: %w", err)
	}
	children, _, err := m.conn.Children(m.nodesPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	return parseChildren(children), nil
}

func parseChildren(children []string) []types.Node {
	nodes := make([]types.Node, 0, len(children))
	for _, c := range children {
		n, err := types.ParseNode(c)
		if err != nil {
			slog.Warn("ignoring foreign zookeeper child", "child", c, "error", err)
			continue
		}
		nodes = append(nodes, n)
	}
	slices.SortFunc(nodes, func(a, b types.Node) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		default:
			return 0
		}
	})
	return nodes
}

// RunWatch follows <root>/nodes until ctx is done and calls onJoin for every
// node that shows up and was not in known. Departures are only logged, so a
// node that comes back is reported again.
func (m *ZKMembership) RunWatch(ctx context.Context, known []types.Node, onJoin func(types.Node)) error {
	seen := make(map[types.Node]struct{}, len(known))
	for _, n := range known {
		seen[n] = struct{}{}
	}

	for {
		children, _, ch, err := m.conn.ChildrenW(m.nodesPath())
		if err != nil {
			slog.Warn("zookeeper watch failed, retrying", "error", err)
			select {
			case <-time.After(retryInterval):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		current := parseChildren(children)
		for _, n := range current {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			slog.Info("node joined", "node", n)
			onJoin(n)
		}
		for n := range seen {
			if !slices.Contains(current, n) {
				slog.Warn("node left zookeeper, keeping it in the partition table", "node", n)
				delete(seen, n)
			}
		}

		select {
		case ev := <-ch:
			slog.Debug("zookeeper event", "type", ev.Type, "path", ev.Path)
		case <-ctx.Done():
			slog.Info("zookeeper watch stopped")
			return ctx.Err()
		}
	}
}

func (m *ZKMembership) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
