package cluster

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterdb/pkg/types"
)

// fakeZK is an in-memory znode tree with child watches
type fakeZK struct {
	mu       sync.Mutex
	nodes    map[string]int32 // path -> flags
	watchers map[string][]chan zk.Event
}

func newFakeZK() *fakeZK {
	return &fakeZK{
		nodes:    map[string]int32{},
		watchers: map[string][]chan zk.Event{},
	}
}

func (f *fakeZK) Exists(p string) (bool, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[p]
	return ok, &zk.Stat{}, nil
}

func (f *fakeZK) Create(p string, _ []byte, flags int32, _ []zk.ACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; ok {
		return "", zk.ErrNodeExists
	}
	parent := path.Dir(p)
	if _, ok := f.nodes[parent]; !ok && parent != "/" {
		return "", zk.ErrNoNode
	}
	f.nodes[p] = flags
	for _, ch := range f.watchers[parent] {
		ch <- zk.Event{Type: zk.EventNodeChildrenChanged, Path: parent}
	}
	delete(f.watchers, parent)
	return p, nil
}

func (f *fakeZK) childrenLocked(p string) []string {
	var out []string
	for n := range f.nodes {
		if path.Dir(n) == p {
			out = append(out, strings.TrimPrefix(n, p+"/"))
		}
	}
	sort.Strings(out)
	return out
}

func (f *fakeZK) Children(p string) ([]string, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.childrenLocked(p), &zk.Stat{}, nil
}

func (f *fakeZK) ChildrenW(p string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan zk.Event, 1)
	f.watchers[p] = append(f.watchers[p], ch)
	return f.childrenLocked(p), &zk.Stat{}, ch, nil
}

func (f *fakeZK) State() zk.State { return zk.StateHasSession }
func (f *fakeZK) Close()          {}

func newTestMembership(conn *fakeZK, local types.Node) *ZKMembership {
	return &ZKMembership{conn: conn, rootPath: "/clusterdb", local: local}
}

func TestZKMembership_RegisterAndRead(t *testing.T) {
	conn := newFakeZK()
	m1 := newTestMembership(conn, node(2))
	m2 := newTestMembership(conn, node(1))

	nodes, err := m1.ReadNodes()
	require.NoError(t, err)
	assert.Empty(t, nodes)

	require.NoError(t, m1.RegisterSelf())
	require.NoError(t, m2.RegisterSelf())
	require.NoError(t, m2.RegisterSelf(), "registering twice is harmless")

	assert.EqualValues(t, zk.FlagEphemeral, conn.nodes["/clusterdb/nodes/"+node(1).String()])

	// foreign children are skipped
	_, err = conn.Create("/clusterdb/nodes/garbage", nil, 0, nil)
	require.NoError(t, err)

	nodes, err = m1.ReadNodes()
	require.NoError(t, err)
	assert.Equal(t, []types.Node{node(1), node(2)}, nodes)
}

func TestZKMembership_RunWatchReportsJoins(t *testing.T) {
	conn := newFakeZK()
	self := newTestMembership(conn, node(1))
	require.NoError(t, self.RegisterSelf())

	var (
		mu     sync.Mutex
		joined []types.Node
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- self.RunWatch(ctx, []types.Node{node(1)}, func(n types.Node) {
			mu.Lock()
			defer mu.Unlock()
			joined = append(joined, n)
		})
	}()

	require.NoError(t, newTestMembership(conn, node(2)).RegisterSelf())
	require.NoError(t, newTestMembership(conn, node(3)).RegisterSelf())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(joined) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.Node{node(2), node(3)}, joined)
}
