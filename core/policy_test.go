package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFCFSPolicySortsByArrivalOldestFirst(t *testing.T) {
	a := NewSequenceGroup("a", nil, SamplingParams{}, 5)
	b := NewSequenceGroup("b", nil, SamplingParams{}, 2)
	c := NewSequenceGroup("c", nil, SamplingParams{}, 9)
	groups := []*SequenceGroup{a, b, c}

	SortByPolicy(groups, FCFSPolicy{}, 100)
	require.Equal(t, []*SequenceGroup{b, a, c}, groups)
}

func TestSortByPolicyTiebreaksByRequestID(t *testing.T) {
	a := NewSequenceGroup("zzz", nil, SamplingParams{}, 1)
	b := NewSequenceGroup("aaa", nil, SamplingParams{}, 1)
	groups := []*SequenceGroup{a, b}

	SortByPolicy(groups, FCFSPolicy{}, 100)
	require.Equal(t, []*SequenceGroup{b, a}, groups)
}

func TestAgeWeightedPolicyFavorsOlderAndHigherPriority(t *testing.T) {
	old := NewSequenceGroup("old", nil, SamplingParams{}, 0)
	young := NewSequenceGroup("young", nil, SamplingParams{}, 90)
	young.Priority = 0

	p := AgeWeightedPolicy{Weight: 1.0}
	require.Greater(t, p.Compute(old, 100), p.Compute(young, 100))
}

func TestNewPolicyPanicsOnUnknownName(t *testing.T) {
	require.Panics(t, func() { NewPolicy("round-robin") })
	require.NotPanics(t, func() { NewPolicy("") })
	require.NotPanics(t, func() { NewPolicy("fcfs") })
}
