package reliable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistoryDuplicateAddIsNoop(t *testing.T) {
	h := NewHistory[uint16](3)

	assert.True(t, h.Add(1))
	assert.False(t, h.Add(1))
	assert.Equal(t, 1, h.Len())
}

func TestHistoryEvictsOldestWhenFull(t *testing.T) {
	h := NewHistory[uint16](3)
	h.Add(1)
	h.Add(2)
	h.Add(3)
	h.Add(4)

	assert.False(t, h.Contains(1))
	assert.True(t, h.Contains(2))
	assert.True(t, h.Contains(4))
	assert.Equal(t, 3, h.Len())

	// a duplicate of a live entry does not shift the eviction order
	assert.False(t, h.Add(2))
	h.Add(5)
	assert.False(t, h.Contains(2))
	assert.True(t, h.Contains(3))
}

func TestHistoryReplayAfterEviction(t *testing.T) {
	h := NewHistory[uint16](DefaultHistorySize)

	for id := uint16(1); id <= 201; id++ {
		assert.True(t, h.Add(id))
	}
	assert.Equal(t, DefaultHistorySize, h.Len())
	assert.True(t, h.Add(1), "id 1 was evicted and must count as new")
	assert.False(t, h.Add(201))
}

func TestHistoryDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultHistorySize, NewHistory[string](0).Cap())
}
