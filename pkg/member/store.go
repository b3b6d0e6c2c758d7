package member

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zhangyunhao116/skipmap"

	"clusterdb/pkg/compression"
	"clusterdb/pkg/dberrors"
	"clusterdb/pkg/protocol"
	"clusterdb/pkg/types"
)

type (
	slotData = skipmap.FuncMap[string, []byte]
	seriesSet = skipmap.FuncMap[string, types.SlotID]
)

func lessString(a, b string) bool { return a < b }

// slotStore is the state machine of a data group: values and series
// partitioned by slot so that whole slots can be shipped between groups.
type slotStore struct {
	slotOf func(key string) types.SlotID
	codec  compression.Codec

	slots  *skipmap.FuncMap[types.SlotID, *slotData]
	series *seriesSet
}

type slotSnapshot struct {
	Series []string          `json:"series,omitempty"`
	Data   map[string][]byte `json:"data,omitempty"`
}

func newSlotStore(slotOf func(key string) types.SlotID, codec compression.Codec) *slotStore {
	return &slotStore{
		slotOf: slotOf,
		codec:  codec,
		slots: skipmap.NewFunc[types.SlotID, *slotData](func(a, b types.SlotID) bool {
			return a < b
		}),
		series: skipmap.NewFunc[string, types.SlotID](lessString),
	}
}

func (s *slotStore) slot(id types.SlotID) *slotData {
	if d, ok := s.slots.Load(id); ok {
		return d
	}
	d, _ := s.slots.LoadOrStore(id, skipmap.NewFunc[string, []byte](lessString))
	return d
}

func (s *slotStore) Apply(plan protocol.Plan) error {
	switch plan.Op {
	case protocol.PlanInsert:
		s.slot(s.slotOf(plan.Key)).Store(plan.Key, plan.Value)
	case protocol.PlanDelete:
		if d, ok := s.slots.Load(s.slotOf(plan.Key)); ok {
			d.Delete(plan.Key)
		}
	case protocol.PlanCreateSeries:
		s.series.Store(plan.Key, s.slotOf(plan.Key))
	default:
		return fmt.Errorf("%w: unknown operation %q", dberrors.ErrInvalidArgument, plan.Op)
	}
	return nil
}

func (s *slotStore) Get(key string) ([]byte, bool) {
	d, ok := s.slots.Load(s.slotOf(key))
	if !ok {
		return nil, false
	}
	return d.Load(key)
}

// Series returns the series matching any of prefixes, all of them when
// prefixes is empty.
func (s *slotStore) Series(prefixes []string) []string {
	var result []string
	s.series.Range(func(name string, _ types.SlotID) bool {
		if len(prefixes) == 0 {
			result = append(result, name)
			return true
		}
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				result = append(result, name)
				break
			}
		}
		return true
	})
	return result
}

// Snapshot encodes a slot as JSON compressed with the store's codec.
func (s *slotStore) Snapshot(id types.SlotID) ([]byte, error) {
	snap := slotSnapshot{Data: make(map[string][]byte)}
	if d, ok := s.slots.Load(id); ok {
		d.Range(func(k string, v []byte) bool {
			snap.Data[k] = v
			return true
		})
	}
	s.series.Range(func(name string, slot types.SlotID) bool {
		if slot == id {
			snap.Series = append(snap.Series, name)
		}
		return true
	})

	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal slot %d: %w", id, err)
	}
	return compression.Encode(s.codec, raw)
}

// Install replaces the content of a slot with a snapshot.
func (s *slotStore) Install(id types.SlotID, data []byte) error {
	raw, err := compression.Decode(data)
	if err != nil {
		return fmt.Errorf("decompress slot %d: %w", id, err)
	}
	var snap slotSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("unmarshal slot %d: %w", id, err)
	}

	fresh := skipmap.NewFunc[string, []byte](lessString)
	for k, v := range snap.Data {
		fresh.Store(k, v)
	}
	s.slots.Store(id, fresh)
	for _, name := range snap.Series {
		s.series.Store(name, id)
	}
	return nil
}
