package core

import (
	"fmt"
	"sort"
)

// Policy computes a sort priority for a SequenceGroup at a given clock
// tick, used to order the running and swapped queues when choosing which
// group to preempt first (lowest priority first) or swap in first
// (highest priority first). Higher returned values sort earlier.
type Policy interface {
	Compute(g *SequenceGroup, now int64) float64
}

// FCFSPolicy orders strictly by arrival time, earliest first -- the
// scheduler's only policy in normal operation; admission itself is
// always FCFS regardless of which Policy is configured, matching
// spec semantics. Other policies are available for ordering
// running/swapped victim selection.
type FCFSPolicy struct{}

func (FCFSPolicy) Compute(g *SequenceGroup, now int64) float64 {
	return -float64(g.ArrivalTime)
}

// AgeWeightedPolicy favors groups that have waited longest relative to
// their own priority weight.
type AgeWeightedPolicy struct {
	Weight float64
}

func (p AgeWeightedPolicy) Compute(g *SequenceGroup, now int64) float64 {
	age := float64(now - g.ArrivalTime)
	return g.Priority*p.Weight + age
}

// NewPolicy builds a Policy by name. Unrecognized names panic, a
// fail-fast-on-bad-config idiom.
func NewPolicy(name string) Policy {
	switch name {
	case "", "fcfs":
		return FCFSPolicy{}
	case "age-weighted":
		return AgeWeightedPolicy{Weight: 1.0}
	default:
		panic(fmt.Sprintf("core: unknown policy %q", name))
	}
}

// SortByPolicy stable-sorts groups highest-priority first according to
// p, breaking ties by request id for determinism.
func SortByPolicy(groups []*SequenceGroup, p Policy, now int64) {
	sort.SliceStable(groups, func(i, j int) bool {
		pi, pj := p.Compute(groups[i], now), p.Compute(groups[j], now)
		if pi != pj {
			return pi > pj
		}
		return groups[i].RequestID < groups[j].RequestID
	})
}
