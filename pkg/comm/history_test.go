package comm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistoryRingBounded(t *testing.T) {
	h := newHistoryRing(50)
	for i := 0; i < 120; i++ {
		h.Add(fmt.Sprintf("G1 X%d", i))
	}
	assert.Equal(t, 50, h.Len())
	assert.Equal(t, "G1 X119", h.FromEnd(0))
	assert.Equal(t, "G1 X70", h.FromEnd(49))
}

func TestHistoryRingOrder(t *testing.T) {
	h := newHistoryRing(5)
	for _, cmd := range []string{"a", "b", "c"} {
		h.Add(cmd)
	}
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, "c", h.FromEnd(0))
	assert.Equal(t, "b", h.FromEnd(1))
	assert.Equal(t, "a", h.FromEnd(2))

	h.Clear()
	assert.Equal(t, 0, h.Len())
	h.Add("d")
	assert.Equal(t, "d", h.FromEnd(0))
}

func TestLogRingDropsOldest(t *testing.T) {
	r := newLogRing(4)
	for i := 0; i < 6; i++ {
		r.Add(fmt.Sprintf("line %d", i))
	}
	assert.Equal(t, []string{"line 2", "line 3", "line 4", "line 5"}, r.Snapshot())
}
