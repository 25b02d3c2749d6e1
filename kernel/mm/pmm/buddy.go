package pmm

import (
	"reflect"
	"unsafe"

	"kepler/kernel"
	"kepler/kernel/mm"
	"kepler/kernel/mm/vmm"
	"kepler/multiboot"
)

// MaxOrder bounds the largest block a zone will hand out: 2^MaxOrder pages,
// i.e. 4MB at the default 4K page size.
const MaxOrder = 10

// PoolFlag selects which memory pool alloc_pages should draw from.
type PoolFlag uint8

const (
	// PoolKernel restricts allocation to zones reserved for kernel use
	// (identity-mapped low memory).
	PoolKernel PoolFlag = iota

	// PoolUser allows allocation from high-memory zones set aside for
	// user-process pages.
	PoolUser
)

// userPoolThreshold is the physical address above which a discovered memory
// region is assigned to the user pool rather than the kernel pool. Kernel
// data structures and early boot allocations live below this line.
const userPoolThreshold = 16 * 1024 * 1024

var (
	errOutOfMemory  = &kernel.Error{Module: "pmm", Message: "no free pages of the requested order"}
	errInvalidOrder = &kernel.Error{Module: "pmm", Message: "order exceeds MaxOrder"}
	errBadFree      = &kernel.Error{Module: "pmm", Message: "frame does not begin an allocated block"}

	// reserveRegionFn and mapFn are used by tests to mock vmm calls.
	reserveRegionFn = vmm.EarlyReserveRegion
	mapFn           = vmm.Map
)

// blockDescriptor tracks the buddy state of a single page-sized slot within a
// zone. Only slots that are the head of a free block have a non-negative
// order; every other slot (allocated, or a non-head member of a free block)
// carries order -1.
type blockDescriptor struct {
	// order is the order of the free block starting at this frame, or -1
	// if this frame is not currently a free block head.
	order int8

	// refCount is the number of live references to an allocated frame.
	// It is meaningless while the frame is free.
	refCount uint16

	// next links this slot into its zone's per-order free list.
	next int32
}

// zone represents one contiguous, physically-available memory region managed
// by the buddy allocator.
type zone struct {
	pool PoolFlag

	startFrame mm.Frame
	frameCount uint32

	freeCount uint32

	freeHead [MaxOrder + 1]int32

	desc    []blockDescriptor
	descHdr reflect.SliceHeader
}

// BuddyAllocator implements a power-of-two, order-based physical frame
// allocator over the memory regions reported by the bootloader. It satisfies
// the alloc_pages/free_pages contract used by the rest of the kernel.
type BuddyAllocator struct {
	zones    []zone
	zonesHdr reflect.SliceHeader
}

// FrameAllocator is the buddy allocator instance used once boot has handed
// off from BootMemAllocator.
var FrameAllocator BuddyAllocator

// init discovers the available memory regions, reserves space (via the early
// allocator, through vmm.EarlyReserveRegion) for the zone bookkeeping arrays
// and marks the frames used during boot as allocated.
func (b *BuddyAllocator) init() *kernel.Error {
	var regionCount int
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable {
			regionCount++
		}
		return true
	})

	b.zonesHdr.Len, b.zonesHdr.Cap = regionCount, regionCount
	sizeofZone := unsafe.Sizeof(zone{})

	var totalDescBytes uintptr
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}
		startFrame, endFrame := regionFrameRange(region)
		if endFrame < startFrame {
			return true
		}
		frameCount := uint32(endFrame-startFrame) + 1
		totalDescBytes += uintptr(frameCount) * unsafe.Sizeof(blockDescriptor{})
		return true
	})

	requiredBytes := (uintptr(regionCount)*sizeofZone + totalDescBytes + mm.PageSize - 1) &^ (mm.PageSize - 1)

	var err *kernel.Error
	b.zonesHdr.Data, err = reserveRegionFn(requiredBytes)
	if err != nil {
		return err
	}

	requiredPages := requiredBytes >> mm.PageShift
	for page, i := mm.PageFromAddress(b.zonesHdr.Data), uintptr(0); i < requiredPages; page, i = page+1, i+1 {
		frame, err := earlyAllocFrame()
		if err != nil {
			return err
		}
		if err := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW); err != nil {
			return err
		}
		kernel.Memset(page.Address(), 0, mm.PageSize)
	}

	b.zones = *(*[]zone)(unsafe.Pointer(&b.zonesHdr))

	descBase := b.zonesHdr.Data + uintptr(regionCount)*sizeofZone
	zoneIndex := 0
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}
		startFrame, endFrame := regionFrameRange(region)
		if endFrame < startFrame {
			return true
		}
		frameCount := uint32(endFrame-startFrame) + 1

		z := &b.zones[zoneIndex]
		z.startFrame = startFrame
		z.frameCount = frameCount
		z.pool = PoolKernel
		if region.PhysAddress >= userPoolThreshold {
			z.pool = PoolUser
		}
		for o := range z.freeHead {
			z.freeHead[o] = -1
		}

		z.descHdr.Len, z.descHdr.Cap = int(frameCount), int(frameCount)
		z.descHdr.Data = descBase
		z.desc = *(*[]blockDescriptor)(unsafe.Pointer(&z.descHdr))
		for i := range z.desc {
			z.desc[i].order = -1
		}
		descBase += uintptr(frameCount) * unsafe.Sizeof(blockDescriptor{})

		z.reclaimFreeRuns()

		zoneIndex++
		return true
	})

	return nil
}

func regionFrameRange(region *multiboot.MemoryMapEntry) (mm.Frame, mm.Frame) {
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	start := mm.Frame(((region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mm.PageShift)
	end := mm.Frame(((region.PhysAddress+region.Length)&^pageSizeMinus1)>>mm.PageShift) - 1
	return start, end
}

// reclaimFreeRuns scans the frames handed out by BootMemAllocator (tracked
// via earlyAllocator.lastAllocFrame) and inserts every frame in this zone
// that was not consumed during boot into the free lists as an order-0 block,
// letting insertFree merge adjacent buddies up to MaxOrder.
func (z *zone) reclaimFreeRuns() {
	for i := uint32(0); i < z.frameCount; i++ {
		frame := z.startFrame + mm.Frame(i)
		if frame <= earlyAllocator.lastAllocFrame && earlyAllocator.allocCount > 0 {
			continue
		}
		z.insertFree(i, 0)
	}
}

// insertFree merges the block starting at zone-relative frame index idx,
// with the given order, with its free buddy for as long as one exists, then
// pushes the resulting block onto the head of the matching free list.
func (z *zone) insertFree(idx uint32, order int8) {
	for {
		z.desc[idx].order = order
		buddyIdx := idx ^ (1 << uint(order))
		if order >= MaxOrder || buddyIdx+uint32(1<<uint(order)) > z.frameCount || z.desc[buddyIdx].order != order {
			break
		}
		z.removeFree(buddyIdx, order)
		z.freeCount -= 1 << uint(order)
		if buddyIdx < idx {
			idx = buddyIdx
		}
		order++
	}
	z.desc[idx].next = z.freeHead[order]
	z.freeHead[order] = int32(idx)
	z.freeCount += 1 << uint(order)
}

// removeFree unlinks the free block at zone-relative frame index idx (which
// must currently be a free-list head at the given order) from its free list.
func (z *zone) removeFree(idx uint32, order int8) {
	prev := int32(-1)
	cur := z.freeHead[order]
	for cur != -1 && cur != int32(idx) {
		prev = cur
		cur = z.desc[cur].next
	}
	if cur == -1 {
		return
	}
	if prev == -1 {
		z.freeHead[order] = z.desc[cur].next
	} else {
		z.desc[prev].next = z.desc[cur].next
	}
	z.desc[idx].order = -1
}

// takeFree pops a free block of exactly the given order from the zone's free
// list, splitting a larger block if necessary. It returns the zone-relative
// frame index of the allocated block, or -1 if the zone has nothing to give.
func (z *zone) takeFree(order int8) int32 {
	o := order
	for ; o <= MaxOrder; o++ {
		if z.freeHead[o] != -1 {
			break
		}
	}
	if o > MaxOrder {
		return -1
	}

	idx := uint32(z.freeHead[o])
	z.removeFree(idx, o)
	z.freeCount -= 1 << uint(o)

	for o > order {
		o--
		buddyIdx := idx + (1 << uint(o))
		z.desc[buddyIdx].order = o
		z.desc[buddyIdx].next = z.freeHead[o]
		z.freeHead[o] = int32(buddyIdx)
		z.freeCount += 1 << uint(o)
	}

	z.desc[idx].order = -1
	z.desc[idx].refCount = 1
	return int32(idx)
}

// AllocPages reserves a contiguous run of 2^order physical frames from the
// requested pool. The returned frame's descriptor has ref-count 1.
func (b *BuddyAllocator) AllocPages(pool PoolFlag, order uint8) (mm.Frame, *kernel.Error) {
	if order > MaxOrder {
		return mm.InvalidFrame, errInvalidOrder
	}

	for i := range b.zones {
		z := &b.zones[i]
		if z.pool != pool {
			continue
		}
		if idx := z.takeFree(int8(order)); idx != -1 {
			return z.startFrame + mm.Frame(idx), nil
		}
	}

	// Fall back to the other pool rather than fail outright; a
	// single-pool system should still make progress under memory
	// pressure even though the requester's preferred pool is exhausted.
	for i := range b.zones {
		z := &b.zones[i]
		if z.pool == pool {
			continue
		}
		if idx := z.takeFree(int8(order)); idx != -1 {
			return z.startFrame + mm.Frame(idx), nil
		}
	}

	return mm.InvalidFrame, errOutOfMemory
}

// AllocFrame allocates a single (order-0) physical frame. It is registered
// with the mm package as the system-wide frame allocator once the buddy
// allocator has taken over from BootMemAllocator.
func (b *BuddyAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	return b.AllocPages(PoolKernel, 0)
}

// FreePages returns a previously allocated run of 2^order frames to its
// zone's free lists, coalescing with its buddy where possible.
func (b *BuddyAllocator) FreePages(frame mm.Frame, order uint8) *kernel.Error {
	for i := range b.zones {
		z := &b.zones[i]
		if frame < z.startFrame || frame >= z.startFrame+mm.Frame(z.frameCount) {
			continue
		}

		idx := uint32(frame - z.startFrame)
		if z.desc[idx].order != -1 {
			return errBadFree
		}
		z.desc[idx].refCount = 0
		z.insertFree(idx, int8(order))
		return nil
	}

	return errBadFree
}

// PhysOf returns the physical address corresponding to a frame.
func PhysOf(frame mm.Frame) uintptr { return frame.Address() }

// PageOfPhys returns the frame that contains the given physical address.
func PageOfPhys(physAddr uintptr) mm.Frame { return mm.FrameFromAddress(physAddr) }

// VirtOf returns the identity-mapped virtual address for a frame in the
// kernel's low-memory region. Frames belonging to the user pool are not
// identity-mapped and callers must use vmm.MapTemporary instead.
func VirtOf(frame mm.Frame) uintptr { return frame.Address() }
