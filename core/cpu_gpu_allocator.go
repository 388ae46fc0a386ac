package core

import "fmt"

// BlockAllocator is the shape NaiveBlockAllocator and
// PrefixCachingBlockAllocator both satisfy (the latter via method
// promotion from the embedded blockAllocatorCore plus its own dedup
// logic). CpuGpuBlockAllocator is written against this interface so it
// does not care which allocation strategy backs either device.
type BlockAllocator interface {
	AllocateMutable(prev BlockHandle) (BlockHandle, error)
	AllocateImmutable(prev BlockHandle, tokenIDs []int) (BlockHandle, bool, error)
	AppendTokenIDs(h BlockHandle, tokenIDs []int) (BlockHandle, *CowWrite, error)
	Free(h BlockHandle)
	Fork(h BlockHandle) BlockHandle
	NumFreeBlocks() int
	NumTotalBlocks() int
	BlockSize() int
	TokenIDs(h BlockHandle) []int
	IsFull(h BlockHandle) bool
	Predecessor(h BlockHandle) BlockHandle
	IsComputed(h BlockHandle) bool
	SetComputed(h BlockHandle, v bool)
	PhysicalIndex(h BlockHandle) int
	AllBlockIDs() []int
	DrainCows() []CowWrite
}

// DeviceBlockHandle pairs a BlockHandle with the device tier it was
// issued by -- CpuGpuBlockAllocator's callers (BlockTable,
// BlockSpaceManager) work exclusively in terms of these, never touching
// a bare BlockHandle or either tier's allocator directly.
type DeviceBlockHandle struct {
	Device Device
	Handle BlockHandle
}

var NoDeviceBlock = DeviceBlockHandle{}

func (d DeviceBlockHandle) IsNone() bool {
	return d.Handle.IsNone()
}

// AllocatorKind selects which allocation strategy backs each device tier.
type AllocatorKind string

const (
	KindNaive         AllocatorKind = "naive"
	KindPrefixCaching AllocatorKind = "prefix_caching"
)

// CpuGpuBlockAllocator is the device-aware facade over two
// same-strategy, disjoint-index-space allocators: one fronting GPU
// blocks (the working set for running sequences) and one fronting CPU
// blocks (the swap area for preempted sequences). It is the only thing
// BlockSpaceManager talks to.
//
// Physical block ids it emits are globally unique across both tiers:
// GPU blocks occupy [0, G) and CPU blocks [G, G+C), so a swap map or a
// BlocksToCopy entry never needs a device tag to be unambiguous.
type CpuGpuBlockAllocator struct {
	kind      AllocatorKind
	gpu       BlockAllocator
	cpu       BlockAllocator
	cpuOffset int
}

// NewCpuGpuBlockAllocator builds both tiers using the given strategy.
// kind must be registered via RegisterAllocatorKind (KindNaive and
// KindPrefixCaching are built in); an unregistered kind panics, a
// fail-fast-on-bad-config idiom for configuration-time programming faults.
func NewCpuGpuBlockAllocator(kind AllocatorKind, blockSize, numGPUBlocks, numCPUBlocks int) *CpuGpuBlockAllocator {
	return &CpuGpuBlockAllocator{
		kind:      kind,
		gpu:       newAllocator(kind, blockSize, numGPUBlocks),
		cpu:       newAllocator(kind, blockSize, numCPUBlocks),
		cpuOffset: numGPUBlocks,
	}
}

// physIndex maps a tier-local block index into the global id space.
func (c *CpuGpuBlockAllocator) physIndex(d Device, local int) int {
	if d == CPU {
		return c.cpuOffset + local
	}
	return local
}

func (c *CpuGpuBlockAllocator) allocator(d Device) BlockAllocator {
	switch d {
	case GPU:
		return c.gpu
	case CPU:
		return c.cpu
	default:
		panic(fmt.Sprintf("core: %v", ErrUnknownDevice))
	}
}

func (c *CpuGpuBlockAllocator) BlockSize() int {
	return c.gpu.BlockSize()
}

func (c *CpuGpuBlockAllocator) NumFreeBlocks(d Device) int {
	return c.allocator(d).NumFreeBlocks()
}

func (c *CpuGpuBlockAllocator) NumTotalBlocks(d Device) int {
	return c.allocator(d).NumTotalBlocks()
}

func (c *CpuGpuBlockAllocator) AllocateMutable(d Device, prev DeviceBlockHandle) (DeviceBlockHandle, error) {
	h, err := c.allocator(d).AllocateMutable(prev.Handle)
	if err != nil {
		return NoDeviceBlock, err
	}
	return DeviceBlockHandle{Device: d, Handle: h}, nil
}

func (c *CpuGpuBlockAllocator) AllocateImmutable(d Device, prev DeviceBlockHandle, tokenIDs []int) (DeviceBlockHandle, bool, error) {
	h, hit, err := c.allocator(d).AllocateImmutable(prev.Handle, tokenIDs)
	if err != nil {
		return NoDeviceBlock, false, err
	}
	return DeviceBlockHandle{Device: d, Handle: h}, hit, nil
}

func (c *CpuGpuBlockAllocator) AppendTokenIDs(h DeviceBlockHandle, tokenIDs []int) (DeviceBlockHandle, *CowWrite, error) {
	newH, cow, err := c.allocator(h.Device).AppendTokenIDs(h.Handle, tokenIDs)
	if err != nil {
		return h, nil, err
	}
	if cow != nil {
		cow = &CowWrite{
			SrcPhysicalIndex: c.physIndex(h.Device, cow.SrcPhysicalIndex),
			DstPhysicalIndex: c.physIndex(h.Device, cow.DstPhysicalIndex),
		}
	}
	return DeviceBlockHandle{Device: h.Device, Handle: newH}, cow, nil
}

func (c *CpuGpuBlockAllocator) Free(h DeviceBlockHandle) {
	c.allocator(h.Device).Free(h.Handle)
}

func (c *CpuGpuBlockAllocator) Fork(h DeviceBlockHandle) DeviceBlockHandle {
	return DeviceBlockHandle{Device: h.Device, Handle: c.allocator(h.Device).Fork(h.Handle)}
}

func (c *CpuGpuBlockAllocator) TokenIDs(h DeviceBlockHandle) []int {
	return c.allocator(h.Device).TokenIDs(h.Handle)
}

func (c *CpuGpuBlockAllocator) IsFull(h DeviceBlockHandle) bool {
	return c.allocator(h.Device).IsFull(h.Handle)
}

func (c *CpuGpuBlockAllocator) PhysicalIndex(h DeviceBlockHandle) int {
	return c.physIndex(h.Device, c.allocator(h.Device).PhysicalIndex(h.Handle))
}

func (c *CpuGpuBlockAllocator) IsComputed(h DeviceBlockHandle) bool {
	return c.allocator(h.Device).IsComputed(h.Handle)
}

func (c *CpuGpuBlockAllocator) SetComputed(h DeviceBlockHandle, v bool) {
	c.allocator(h.Device).SetComputed(h.Handle, v)
}

// SetClock forwards a logical step clock into whichever tiers are
// content-addressed (prefix caching), for LRU timestamping; naive tiers
// ignore it.
func (c *CpuGpuBlockAllocator) SetClock(t int64) {
	if pc, ok := c.gpu.(*PrefixCachingBlockAllocator); ok {
		pc.SetClock(t)
	}
	if pc, ok := c.cpu.(*PrefixCachingBlockAllocator); ok {
		pc.SetClock(t)
	}
}

// MoveBlock relocates a single block from one device tier to the other,
// preserving its content identity when the destination tier is content
// addressed. destPrev is the already-moved predecessor on the
// destination device (NoDeviceBlock for the first block of a chain) --
// callers move a chain oldest-block-first so each destPrev is available
// by the time its successor is moved.
func (c *CpuGpuBlockAllocator) MoveBlock(from DeviceBlockHandle, to Device, destPrev DeviceBlockHandle) (DeviceBlockHandle, error) {
	srcAlloc := c.allocator(from.Device)
	dstAlloc := c.allocator(to)
	tokenIDs := srcAlloc.TokenIDs(from.Handle)

	var dst BlockHandle
	var err error
	if pcDst, ok := dstAlloc.(*PrefixCachingBlockAllocator); ok {
		if pcSrc, ok2 := srcAlloc.(*PrefixCachingBlockAllocator); ok2 {
			srcSlot := pcSrc.arena.get(from.Handle)
			if srcSlot.contentHash != "" {
				dst, _, err = pcDst.AdoptHashed(destPrev.Handle, tokenIDs, srcSlot.contentHash, srcSlot.numHashedTokens)
			} else {
				dst, err = pcDst.AllocateMutable(destPrev.Handle)
				if err == nil {
					dst, _, err = pcDst.AppendTokenIDs(dst, tokenIDs)
				}
			}
		} else {
			dst, err = pcDst.AllocateMutable(destPrev.Handle)
			if err == nil {
				dst, _, err = pcDst.AppendTokenIDs(dst, tokenIDs)
			}
		}
	} else {
		dst, err = dstAlloc.AllocateMutable(destPrev.Handle)
		if err == nil {
			dst, _, err = dstAlloc.AppendTokenIDs(dst, tokenIDs)
		}
	}
	if err != nil {
		return NoDeviceBlock, err
	}
	if srcAlloc.IsComputed(from.Handle) {
		dstAlloc.SetComputed(dst, true)
	}
	srcAlloc.Free(from.Handle)
	return DeviceBlockHandle{Device: to, Handle: dst}, nil
}

// DrainCows collects copy-on-write records from both tiers since the
// last drain, with tier-local indices lifted into the global id space.
func (c *CpuGpuBlockAllocator) DrainCows() []CowWrite {
	out := c.gpu.DrainCows()
	for _, cw := range c.cpu.DrainCows() {
		out = append(out, CowWrite{
			SrcPhysicalIndex: c.physIndex(CPU, cw.SrcPhysicalIndex),
			DstPhysicalIndex: c.physIndex(CPU, cw.DstPhysicalIndex),
		})
	}
	return out
}
