package engine

import "time"

// AdmissionPolicy gates whether AddRequest accepts a new request before
// it ever reaches the scheduler's waiting queue -- a coarser, cheaper
// check than BlockSpaceManager.CanAllocate, meant to shed load before
// spending any block-space bookkeeping on it.
type AdmissionPolicy interface {
	Admit(now time.Time) (bool, string)
}

// AlwaysAdmit never rejects a request at the engine boundary; all
// admission control happens in the scheduler itself.
type AlwaysAdmit struct{}

func (AlwaysAdmit) Admit(time.Time) (bool, string) {
	return true, ""
}

// TokenBucket caps request admission rate, refilling at a fixed rate.
type TokenBucket struct {
	Capacity   float64
	RefillRate float64 // tokens per second

	current    float64
	lastRefill time.Time
}

func NewTokenBucket(capacity, refillRate float64, now time.Time) *TokenBucket {
	return &TokenBucket{Capacity: capacity, RefillRate: refillRate, current: capacity, lastRefill: now}
}

func (t *TokenBucket) Admit(now time.Time) (bool, string) {
	elapsed := now.Sub(t.lastRefill).Seconds()
	if elapsed > 0 {
		t.current += elapsed * t.RefillRate
		if t.current > t.Capacity {
			t.current = t.Capacity
		}
		t.lastRefill = now
	}
	if t.current < 1 {
		return false, "token bucket exhausted"
	}
	t.current--
	return true, ""
}
