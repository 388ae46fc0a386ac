package core

import "errors"

// ErrNoFreeBlocks is returned by an allocator when a mutable or immutable
// block is requested but the device has no free slots left. Callers in the
// scheduler treat this as a LATER/NEVER admission signal, not a crash.
var ErrNoFreeBlocks = errors.New("core: no free blocks")

// ErrSwapSpaceExhausted is returned when a preemption-by-swap cannot find
// enough CPU blocks to hold a running sequence group's GPU blocks. This is
// fatal for the request driving the swap: the scheduler aborts it rather
// than retrying.
var ErrSwapSpaceExhausted = errors.New("core: swap space exhausted")

// ErrStaleHandle describes a BlockHandle whose generation no longer
// matches the arena slot it names -- the block it pointed to was freed and
// the slot reused. The arena's get panics with this message on such a
// handle: a stale handle there indicates a programming fault, not a
// runtime condition to branch on. The arena's valid reports staleness
// without panicking.
var ErrStaleHandle = errors.New("core: stale block handle")

// ErrUnknownDevice is the panic message of the device-aware allocator
// facade when asked to operate on a Device value it was not configured
// with.
var ErrUnknownDevice = errors.New("core: unknown device")

// errAppendOverflow is an internal error: a caller tried to append more
// token ids to a block than it has empty slots for. BlockTable never
// does this; it indicates a bug upstream of the allocator.
var errAppendOverflow = errors.New("core: append exceeds block capacity")
