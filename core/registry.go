package core

import "fmt"

// allocatorFactory builds one device tier's BlockAllocator.
type allocatorFactory func(blockSize, numBlocks int) BlockAllocator

// allocatorFactories is populated by RegisterAllocatorKind; the two
// built-in kinds register themselves in this file's init(), a
// factory-registration idiom that lets a caller add a new allocator
// strategy without modifying CpuGpuBlockAllocator itself.
var allocatorFactories = map[AllocatorKind]allocatorFactory{}

func init() {
	RegisterAllocatorKind(KindNaive, func(blockSize, numBlocks int) BlockAllocator {
		return NewNaiveBlockAllocator(blockSize, numBlocks)
	})
	RegisterAllocatorKind(KindPrefixCaching, func(blockSize, numBlocks int) BlockAllocator {
		return NewPrefixCachingBlockAllocator(blockSize, numBlocks)
	})
}

// RegisterAllocatorKind makes kind available to NewCpuGpuBlockAllocator.
// Re-registering an existing kind overwrites it.
func RegisterAllocatorKind(kind AllocatorKind, factory allocatorFactory) {
	allocatorFactories[kind] = factory
}

func newAllocator(kind AllocatorKind, blockSize, numBlocks int) BlockAllocator {
	factory, ok := allocatorFactories[kind]
	if !ok {
		panic(fmt.Sprintf("core: unknown allocator kind %q", kind))
	}
	return factory(blockSize, numBlocks)
}
