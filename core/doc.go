// Package core implements a paged KV-cache block manager and request
// scheduler for a batched LLM inference server.
//
// The allocator holds a single owning arena of blocks and issues callers
// opaque BlockHandle values (an index into the arena plus a generation
// counter) rather than live pointers or reference-counted smart pointers.
// Walking a block's predecessors, forking a sequence's block table, and
// moving a block between devices are all arena lookups keyed by handle;
// nothing in this package holds a cyclic pointer graph.
//
// Components, by file:
//
//	refcount.go             - RefCounter
//	evictor.go              - Evictor (LRU with insertion-order tiebreak)
//	arena.go, block.go      - block arena, Block, BlockHandle
//	naive_allocator.go      - NaiveBlockAllocator
//	prefix_allocator.go     - PrefixCachingBlockAllocator
//	cpu_gpu_allocator.go    - CpuGpuBlockAllocator (device facade)
//	registry.go             - allocator-kind factory registration
//	block_table.go          - BlockTable
//	sequence.go             - Sequence, SequenceGroup
//	queue.go                - GroupQueue (waiting/running/swapped)
//	block_space_manager.go  - BlockSpaceManager
//	scheduler.go            - Scheduler (admission, Mode A/B, preemption)
//	batch.go                - SchedulerOutputs / batch descriptor assembly
//	policy.go               - queue ordering policies
//	config.go               - BlockManagerConfig / SchedulerConfig
//	errors.go               - sentinel and typed errors
package core
