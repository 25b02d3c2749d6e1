// Package pmm implements the kernel's physical frame allocator: a
// bootstrapping bump allocator (BootMemAllocator) that hands out frames
// while the kernel has no heap, followed by a buddy allocator (BuddyAllocator)
// that takes over once its zone bookkeeping has been carved out of memory.
package pmm

import (
	"kepler/kernel"
	"kepler/kernel/mm"
	"kepler/multiboot"
)

var (
	// earlyAllocator is a boot mem allocator instance used for page
	// allocations before switching to the buddy allocator.
	earlyAllocator BootMemAllocator
)

// Init sets up the kernel physical memory allocation sub-system.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	earlyAllocator.init(kernelStart, kernelEnd)
	earlyAllocator.reserveFramebuffer(multiboot.GetFramebufferInfo())
	earlyAllocator.printMemoryMap()
	mm.SetFrameAllocator(earlyAllocFrame)

	// Bootstrap the buddy allocator's zone metadata using the early
	// allocator, then hand off all future allocations to it.
	if err := FrameAllocator.init(); err != nil {
		return err
	}
	mm.SetFrameAllocator(FrameAllocator.AllocFrame)

	return nil
}

func earlyAllocFrame() (mm.Frame, *kernel.Error) {
	return earlyAllocator.AllocFrame()
}
