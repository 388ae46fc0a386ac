package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRefCounterIncrDecr(t *testing.T) {
	rc := NewRefCounter([]int{0, 1, 2}, 0)
	require.Equal(t, 1, rc.Incr(0))
	require.Equal(t, 2, rc.Incr(0))
	require.Equal(t, 1, rc.Decr(0))
	require.Equal(t, 1, rc.Get(0))
	require.Equal(t, 0, rc.Get(1))
}

func TestRefCounterLadderUpThenDown(t *testing.T) {
	const n = 5
	rc := NewRefCounter([]int{3}, 0)
	for i := 1; i <= n; i++ {
		require.Equal(t, i, rc.Incr(3))
	}
	for i := n - 1; i >= 0; i-- {
		require.Equal(t, i, rc.Decr(3))
	}
	require.Panics(t, func() { rc.Decr(3) })
}

func TestRefCounterDecrBelowZeroPanics(t *testing.T) {
	rc := NewRefCounter([]int{0}, 0)
	require.Panics(t, func() { rc.Decr(0) })
}

func TestRefCounterIncrUntrackedPanics(t *testing.T) {
	rc := NewRefCounter([]int{0}, 0)
	require.Panics(t, func() { rc.Incr(5) })
}

func TestReadOnlyRefCounterObservesUnderlying(t *testing.T) {
	rc := NewRefCounter([]int{0}, 0)
	ro := rc.AsReadOnly()
	rc.Incr(0)
	require.Equal(t, 1, ro.Get(0))
}
