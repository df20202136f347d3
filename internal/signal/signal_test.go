package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitDeliversInConnectionOrder(t *testing.T) {
	t.Parallel()

	var s Signal[int]
	var order []string
	s.Connect(func(v int) { order = append(order, "a") })
	s.Connect(func(v int) { order = append(order, "b") })
	s.Connect(func(v int) { order = append(order, "c") })

	s.Emit(1)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestDisconnectStopsDelivery(t *testing.T) {
	t.Parallel()

	var s Signal[struct{}]
	count := 0
	h := s.Connect(func(struct{}) { count++ })

	s.Emit(struct{}{})
	assert.True(t, s.Disconnect(h))
	s.Emit(struct{}{})

	assert.Equal(t, 1, count)
	assert.False(t, s.Disconnect(h), "second disconnect should report no match")
	assert.Equal(t, 0, s.Len())
}

func TestObserverMayDisconnectDuringEmit(t *testing.T) {
	t.Parallel()

	var s Signal[int]
	var got []int
	var h Handle
	h = s.Connect(func(v int) {
		got = append(got, v)
		s.Disconnect(h)
	})

	s.Emit(1)
	s.Emit(2)
	assert.Equal(t, []int{1}, got)
}
