package correlator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_FIFOAndEviction(t *testing.T) {
	base := time.Now()
	r := newRing[int](3)

	for i := 1; i <= 3; i++ {
		assert.False(t, r.push(entry[int]{value: i, arrival: base.Add(time.Duration(i) * time.Second)}))
	}
	assert.Equal(t, 3, r.Len())

	assert.True(t, r.push(entry[int]{value: 4}), "full ring evicts its oldest entry")
	assert.Equal(t, 3, r.Len())

	var got []int
	for r.Len() > 0 {
		e, ok := r.pop()
		require.True(t, ok)
		got = append(got, e.value)
	}
	assert.Equal(t, []int{2, 3, 4}, got)

	_, ok := r.pop()
	assert.False(t, ok)
	_, ok = r.peek()
	assert.False(t, ok)
}

func TestRing_WrapAround(t *testing.T) {
	r := newRing[int](2)
	r.push(entry[int]{value: 1})
	r.push(entry[int]{value: 2})
	r.pop()
	r.push(entry[int]{value: 3})

	head, ok := r.peek()
	require.True(t, ok)
	assert.Equal(t, 2, head.value)
	r.pop()
	head, _ = r.peek()
	assert.Equal(t, 3, head.value)
}
