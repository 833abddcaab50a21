package rete_test

import (
	"testing"

	"github.com/gitrdm/rulecore/pkg/rete"
	"github.com/stretchr/testify/assert"
)

func TestMemoryPoolsFactFieldsRoundTrip(t *testing.T) {
	mp := rete.NewMemoryPools(4)

	m := mp.GetFactFields()
	assert.Empty(t, m, "a freshly-acquired field map must be cleared")
	m["x"] = rete.Integer(1)

	mp.PutFactFields(m)
	m2 := mp.GetFactFields()
	assert.Empty(t, m2, "returned maps must be cleared before reuse")
}

func TestMemoryPoolsFactSliceRoundTrip(t *testing.T) {
	mp := rete.NewMemoryPools(4)

	s := mp.GetFactSlice()
	assert.Len(t, s, 0)
	s = append(s, rete.NewFact(nil))
	mp.PutFactSlice(s)

	s2 := mp.GetFactSlice()
	assert.Len(t, s2, 0, "returned slices are handed back at zero length")
}

func TestMemoryPoolsResultSliceRoundTrip(t *testing.T) {
	mp := rete.NewMemoryPools(4)

	s := mp.GetResultSlice()
	assert.Len(t, s, 0)
	mp.PutResultSlice(s)
}

func TestMemoryPoolsFactIDSetRoundTrip(t *testing.T) {
	mp := rete.NewMemoryPools(4)

	set := mp.GetFactIDSet()
	assert.Empty(t, set)
	set[rete.FactID(1)] = struct{}{}
	mp.PutFactIDSet(set)

	set2 := mp.GetFactIDSet()
	assert.Empty(t, set2, "returned id sets must be cleared before reuse")
}

func TestMemoryPoolsReduceMemoryUsageDisablesPools(t *testing.T) {
	mp := rete.NewMemoryPools(4)
	mp.ReduceMemoryUsage(0.0)

	before := mp.MemoryUsageBytes()
	mp.PutFactFields(mp.GetFactFields())
	after := mp.MemoryUsageBytes()

	assert.Equal(t, before, after, "a disabled pool must discard Put, never growing idle usage")
}

func TestMemoryPoolsMemoryUsageBytesReflectsIdleObjects(t *testing.T) {
	mp := rete.NewMemoryPools(16)

	baseline := mp.MemoryUsageBytes()
	mp.PutFactFields(mp.GetFactFields())
	mp.PutFactSlice(mp.GetFactSlice())

	assert.GreaterOrEqual(t, mp.MemoryUsageBytes(), baseline)
}
