package member

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterdb/pkg/compression"
	"clusterdb/pkg/protocol"
	"clusterdb/pkg/types"
)

// firstByteSlot puts keys into slot = first byte % 4
func firstByteSlot(key string) types.SlotID {
	if key == "" {
		return 0
	}
	return types.SlotID(key[0] % 4)
}

func TestSlotStore_ApplyAndSeries(t *testing.T) {
	s := newSlotStore(firstByteSlot, compression.Snappy)

	require.NoError(t, s.Apply(protocol.Plan{Op: protocol.PlanInsert, Key: "a1", Value: []byte("x")}))
	require.NoError(t, s.Apply(protocol.Plan{Op: protocol.PlanCreateSeries, Key: "root.sg1.d1.s1"}))
	require.NoError(t, s.Apply(protocol.Plan{Op: protocol.PlanCreateSeries, Key: "root.sg2.d1.s1"}))
	require.Error(t, s.Apply(protocol.Plan{Op: "merge", Key: "a1"}))

	v, ok := s.Get("a1")
	require.True(t, ok)
	assert.Equal(t, []byte("x"), v)

	assert.Equal(t, []string{"root.sg1.d1.s1"}, s.Series([]string{"root.sg1"}))
	assert.Len(t, s.Series(nil), 2)

	require.NoError(t, s.Apply(protocol.Plan{Op: protocol.PlanDelete, Key: "a1"}))
	_, ok = s.Get("a1")
	assert.False(t, ok)
	// deleting from a slot that never existed is a no-op
	require.NoError(t, s.Apply(protocol.Plan{Op: protocol.PlanDelete, Key: "zz"}))
}

func TestSlotStore_SnapshotMovesWholeSlot(t *testing.T) {
	// receivers decode whatever codec the sender uses
	src := newSlotStore(firstByteSlot, compression.Zstd)
	for _, k := range []string{"a", "e", "b"} { // a, e share a slot
		require.NoError(t, src.Apply(protocol.Plan{Op: protocol.PlanInsert, Key: k, Value: []byte(k)}))
	}
	require.NoError(t, src.Apply(protocol.Plan{Op: protocol.PlanCreateSeries, Key: "a.series"}))

	slot := firstByteSlot("a")
	data, err := src.Snapshot(slot)
	require.NoError(t, err)

	dst := newSlotStore(firstByteSlot, compression.Snappy)
	require.NoError(t, dst.Install(slot, data))

	for _, k := range []string{"a", "e"} {
		v, ok := dst.Get(k)
		require.True(t, ok, "key %s missing", k)
		assert.Equal(t, []byte(k), v)
	}
	_, ok := dst.Get("b")
	assert.False(t, ok, "other slots must not travel")
	assert.Equal(t, []string{"a.series"}, dst.Series(nil))

	require.Error(t, dst.Install(slot, []byte("not snappy")))
}
